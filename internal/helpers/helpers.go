// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package helpers dispatches the external, per-filesystem-kind probe,
// repair, and mount collaborators the Stage Engine delegates to (design §1
// Non-goals: "the core does not itself implement filesystem probing,
// repair, or the mount syscall"). Each helper runs as a child process; Run
// returns its typed Result synchronously on the caller's goroutine, and
// RunAsync delivers the same Result on a channel.
package helpers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stratastor/logger"

	"github.com/diskarbd/diskarbd/internal/command"
	"github.com/diskarbd/diskarbd/pkg/errors"
)

// Kind identifies which stage a helper serves.
type Kind string

const (
	KindProbe       Kind = "probe"
	KindRepair      Kind = "repair"
	KindMount       Kind = "mount"
	KindUnmount     Kind = "unmount"
	KindEject       Kind = "eject"
	KindQuotaRepair Kind = "quotarepair"
)

// Result is the typed completion event for one helper invocation.
type Result struct {
	FSKind   string
	Kind     Kind
	ExitCode int
	Output   string
	Err      error
}

// ProbeResult is decoded from a probe helper's output once it succeeds.
type ProbeResult struct {
	FSKind        string
	VolumeName    string
	VolumeUUID    string
	Dirty         bool
	DirtyQuotas   bool
	Mountable     bool
}

// Dispatcher resolves and runs external helpers, bounding concurrency with a
// semaphore in the style of the probe scheduler's concurrency-limited
// dispatch.
type Dispatcher struct {
	log     logger.Logger
	dirs    map[Kind][]string
	timeout time.Duration

	sem chan struct{}

	mu     sync.Mutex
	active map[string]int // fsKind -> count of in-flight helper invocations, for diagnostics
}

// NewDispatcher returns a Dispatcher that looks for probe/repair/mount
// helpers under the given directories (searched in order) and bounds
// concurrent helper invocations to maxConcurrent.
func NewDispatcher(log logger.Logger, probeDirs, repairDirs, mountDirs []string, maxConcurrent int, timeout time.Duration) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Dispatcher{
		log: log,
		dirs: map[Kind][]string{
			KindProbe:  probeDirs,
			KindRepair: repairDirs,
			KindMount:  mountDirs,
			// Unmount/eject/quota-repair share the mount helper directory by
			// convention: "<mountHelper> unmount"/"eject"/"repairQuotas".
			KindUnmount:     mountDirs,
			KindEject:       mountDirs,
			KindQuotaRepair: mountDirs,
		},
		timeout: timeout,
		sem:     make(chan struct{}, maxConcurrent),
		active:  make(map[string]int),
	}
}

// Resolve returns the absolute path of the helper binary for kind/fsKind, or
// an error if none of the configured directories holds an executable file
// named fsKind.
func (d *Dispatcher) Resolve(kind Kind, fsKind string) (string, error) {
	for _, dir := range d.dirs[kind] {
		candidate := filepath.Join(dir, fsKind)
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if info.Mode()&0111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", errors.New(errors.HelperNotFound, "no helper found for filesystem kind").
		WithMetadata("kind", string(kind)).
		WithMetadata("fs_kind", fsKind)
}

// Available reports whether a helper is resolvable for kind/fsKind, without
// returning the resolution error.
func (d *Dispatcher) Available(kind Kind, fsKind string) bool {
	_, err := d.Resolve(kind, fsKind)
	return err == nil
}

// Run resolves and executes the helper for kind/fsKind with args, blocking
// until it completes or the concurrency semaphore and the configured
// timeout allow. The caller is expected to invoke this from its own
// goroutine if it wants non-blocking dispatch; Run itself bounds only the
// number of simultaneously *executing* helpers, matching the probe
// scheduler's semaphore pattern.
func (d *Dispatcher) Run(ctx context.Context, kind Kind, fsKind string, args ...string) Result {
	path, err := d.Resolve(kind, fsKind)
	if err != nil {
		return Result{FSKind: fsKind, Kind: kind, Err: err}
	}

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{FSKind: fsKind, Kind: kind, Err: ctx.Err()}
	}
	defer func() { <-d.sem }()

	d.mu.Lock()
	d.active[fsKind]++
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.active[fsKind]--
		d.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	out, err := command.ExecCommand(runCtx, d.log, path, args...)
	exitCode := 0
	if err != nil {
		if code, ok := errors.GetCode(err); ok {
			exitCode = int(code)
		}
		d.log.Warn("helper failed", "kind", kind, "fs_kind", fsKind, "path", path, "err", err)
		return Result{FSKind: fsKind, Kind: kind, ExitCode: exitCode, Output: string(out), Err: err}
	}

	return Result{FSKind: fsKind, Kind: kind, Output: string(out)}
}

// RunAsync is Run dispatched on its own goroutine, delivering its Result on
// the returned channel (§9: helpers modeled as tasks returning typed
// completion events on a dedicated channel).
func (d *Dispatcher) RunAsync(ctx context.Context, kind Kind, fsKind string, args ...string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		out <- d.Run(ctx, kind, fsKind, args...)
	}()
	return out
}

// ActiveCount returns the number of currently executing helpers for fsKind,
// for diagnostics/testing.
func (d *Dispatcher) ActiveCount(fsKind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[fsKind]
}

// Sprint formats a helper invocation for audit logging.
func Sprint(kind Kind, fsKind string, args []string) string {
	return fmt.Sprintf("%s helper for %s: %v", kind, fsKind, args)
}
