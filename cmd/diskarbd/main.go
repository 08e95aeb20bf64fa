// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Command diskarbd is the disk arbitration daemon. It claims kernel block
// device events, drives each disk through probe/repair/mount, and serves
// session clients over a local RPC socket (design §1, §6).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sevlyar/go-daemon"
	"github.com/spf13/cobra"
	"github.com/stratastor/logger"

	"github.com/diskarbd/diskarbd/config"
	"github.com/diskarbd/diskarbd/internal/callback"
	"github.com/diskarbd/diskarbd/internal/console"
	"github.com/diskarbd/diskarbd/internal/constants"
	"github.com/diskarbd/diskarbd/internal/daemonlifecycle"
	"github.com/diskarbd/diskarbd/internal/helpers"
	"github.com/diskarbd/diskarbd/internal/ingest"
	"github.com/diskarbd/diskarbd/internal/mountmap"
	"github.com/diskarbd/diskarbd/internal/registry"
	"github.com/diskarbd/diskarbd/internal/rpc"
	"github.com/diskarbd/diskarbd/internal/stage"
)

// Exit codes follow BSD sysexits.h, per the external-interfaces design.
const (
	exitOK          = 0
	exitUsage       = 64
	exitUnavailable = 69
	exitSoftware    = 70
	exitOSErr       = 71
	exitNoPerm      = 77
)

// exitError carries the sysexits.h code a failure should terminate the
// process with, alongside the underlying error to print.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

var (
	debug      bool
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:           "diskarbd",
		Short:         "diskarbd: disk arbitration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging and run in the foreground instead of daemonizing")
	root.Flags().StringVar(&configPath, "config", "", "path to the configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeOf(err))
	}
}

// exitCodeOf maps a run() failure to its sysexits.h code. An error that
// isn't an *exitError came from cobra's own flag/argument parsing, which is
// always a usage error.
func exitCodeOf(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.LoadConfig(configPath)
	if cfg == nil {
		return fail(exitUsage, fmt.Errorf("no configuration could be loaded"))
	}

	logCfg := config.NewLoggerConfig(cfg)
	if debug {
		logCfg.LogLevel = "debug"
	}
	log, err := logger.NewTag(logCfg, "diskarbd")
	if err != nil {
		return fail(exitSoftware, fmt.Errorf("create logger: %w", err))
	}

	pidFile := cfg.Server.PIDFile
	if pidFile == "" {
		pidFile = constants.PIDFilePath
	}
	if err := daemonlifecycle.EnsureSingleInstance(pidFile); err != nil {
		return fail(exitUnavailable, err)
	}

	if !debug {
		dctx := &daemon.Context{
			PidFileName: pidFile,
			PidFilePerm: 0644,
			WorkDir:     "/",
			Umask:       027,
			Args:        []string{"diskarbd"},
		}
		child, err := dctx.Reborn()
		if err != nil {
			return fail(exitOSErr, fmt.Errorf("daemonize: %w", err))
		}
		if child != nil {
			// Parent process: the daemonized child has taken over.
			return nil
		}
		defer dctx.Release()
	}

	return serve(log, cfg)
}

// serve builds every collaborator, wires their event channels together, and
// blocks until a shutdown signal arrives.
func serve(log logger.Logger, cfg *config.Config) error {
	if err := stage.PrepareVolumeRoot(log, cfg.Stage.VolumeRoot); err != nil {
		code := exitOSErr
		if os.IsPermission(err) {
			code = exitNoPerm
		}
		return fail(code, fmt.Errorf("prepare volume root: %w", err))
	}

	disks := registry.NewDiskRegistry()
	units := registry.NewUnitRegistry()
	sessions := registry.NewSessionRegistry()
	dispatcher := callback.New(log, sessions)

	mountMap := mountmap.New(log, cfg.MountMapPath)
	if err := mountMap.Load(); err != nil {
		return fail(exitOSErr, fmt.Errorf("load mount map: %w", err))
	}

	reconcileInterval := parseDurationOr(cfg.Ingest.ReconcileInterval, 15*time.Minute)
	helperTimeout := parseDurationOr(cfg.Stage.HelperTimeout, 2*time.Minute)

	helperDispatcher := helpers.NewDispatcher(
		log,
		cfg.Stage.ProbeHelperDirs, cfg.Stage.RepairHelperDirs, cfg.Stage.MountHelperDirs,
		cfg.Stage.MaxConcurrentHelpers, helperTimeout,
	)

	ing := ingest.New(log, ingest.Config{
		UdevMonitorEnabled: cfg.Ingest.UdevMonitorEnabled,
		UdevadmPath:        cfg.Ingest.UdevadmPath,
		LsblkPath:          cfg.Ingest.LsblkPath,
		ReconcileInterval:  reconcileInterval,
	}, disks, units, dispatcher)

	engine := stage.New(log, stage.Config{
		VolumeRoot:       cfg.Stage.VolumeRoot,
		Deferral:         cfg.Stage.Deferral,
		AlwaysRepair:     cfg.Stage.AlwaysRepair,
		AlwaysDeferMount: cfg.Stage.AlwaysDeferMount,
		ProbeTimeout:     helperTimeout,
	}, disks, dispatcher, helperDispatcher, mountMap, ing)

	consoleMgr := console.New(log, disks, units, engine.ShouldDefer)
	server := rpc.New(log, disks, units, sessions, dispatcher, engine, mountMap, cfg.Stage.VolumeRoot)

	ctx, cancel := context.WithCancel(context.Background())
	daemonlifecycle.RegisterContextCanceller(cancel)
	daemonlifecycle.RegisterShutdownHook(func() {
		log.Info("shutting down diskarbd")
		ing.Stop()
	})

	if err := ing.Start(); err != nil {
		return fail(exitSoftware, fmt.Errorf("start event ingest: %w", err))
	}

	go engine.Run(ctx)
	go bridgeConsole(ctx, log, engine, consoleMgr)
	go daemonlifecycle.HandleSignals(ctx)

	log.Info("diskarbd started", "version", constants.ArbiterVersion, "socket", cfg.Server.SocketPath)
	if err := server.Serve(ctx, cfg.Server.SocketPath); err != nil {
		return fail(exitSoftware, fmt.Errorf("rpc server: %w", err))
	}
	return nil
}

// bridgeConsole feeds the console Manager's deferred-mount re-evaluation and
// logout-unmount channels into the Stage Engine; it is kept out of the
// Engine itself to avoid an import cycle between stage and console (§4.5,
// §4.6).
func bridgeConsole(ctx context.Context, log logger.Logger, engine *stage.Engine, mgr *console.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-mgr.ReevaluateDeferred():
			if !ok {
				return
			}
			engine.ReconsiderDeferred(ctx, d)
		case d, ok := <-mgr.LogoutUnmount():
			if !ok {
				return
			}
			if err := engine.Unmount(ctx, d); err != nil {
				log.Warn("logout unmount failed", "disk", d.ID, "err", err)
			}
		}
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
