// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package stage implements the Stage Engine: the per-disk state machine
// that drives a freshly ingested disk through probe, conditional repair,
// conditional mount, and appearance — and, symmetrically, through forced
// unmount and disappearance once Event Ingest marks it Zombie (design §1,
// §4.5). It is the daemon's core; every other component exists to feed it
// disks or to let it delegate work it does not implement itself (probing,
// repair, and the mount syscall are all external helpers, per design §1
// Non-goals).
package stage

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stratastor/logger"

	"github.com/diskarbd/diskarbd/internal/callback"
	"github.com/diskarbd/diskarbd/internal/descriptor"
	"github.com/diskarbd/diskarbd/internal/helpers"
	"github.com/diskarbd/diskarbd/internal/ingest"
	"github.com/diskarbd/diskarbd/internal/mountmap"
	"github.com/diskarbd/diskarbd/internal/registry"
	"github.com/diskarbd/diskarbd/pkg/errors"
)

// mountCookie is dropped into every mount point the engine synthesizes, so
// external tools (and a restarted daemon re-scanning the mount table) can
// tell an automatic mount from one a user made by hand.
const mountCookie = ".autodiskmounted"

// Tier is the device class the deferral policy keys off.
type Tier string

const (
	TierRemovable Tier = "removable"
	TierInternal  Tier = "internal"
	TierExternal  Tier = "external"
)

// Config bounds the Stage Engine's policy decisions.
type Config struct {
	VolumeRoot       string
	Deferral         map[string]bool // Tier -> defer-by-default
	AlwaysRepair     bool
	AlwaysDeferMount bool
	ProbeTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.VolumeRoot == "" {
		c.VolumeRoot = "/Volumes"
	}
	if c.Deferral == nil {
		c.Deferral = map[string]bool{}
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Minute
	}
	return c
}

// Engine consumes Event Ingest's appearance/disappearance/property-change
// streams and drives each disk through its lifecycle.
type Engine struct {
	log        logger.Logger
	cfg        Config
	disks      *registry.DiskRegistry
	dispatcher *callback.Dispatcher
	helpers    *helpers.Dispatcher
	mountMap   *mountmap.Store
	ingest     *ingest.Ingest

	mu          sync.Mutex
	mountPoints map[string]string // disk id -> current mount point, for collision checks
}

// New returns an Engine wired to the given collaborators.
func New(log logger.Logger, cfg Config, disks *registry.DiskRegistry, dispatcher *callback.Dispatcher, helperDispatcher *helpers.Dispatcher, mountMap *mountmap.Store, ing *ingest.Ingest) *Engine {
	return &Engine{
		log:         log,
		cfg:         cfg.withDefaults(),
		disks:       disks,
		dispatcher:  dispatcher,
		helpers:     helperDispatcher,
		mountMap:    mountMap,
		ingest:      ing,
		mountPoints: make(map[string]string),
	}
}

// Run drains Event Ingest's three channels until ctx is canceled, dispatching
// each disk to its own goroutine so one disk's helper latency never blocks
// another's (serialization is per-disk, via the CommandActive flag, not
// global).
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-e.ingest.Appearances():
			if !ok {
				return
			}
			go e.runAppearance(ctx, d)
		case d, ok := <-e.ingest.Disappearances():
			if !ok {
				return
			}
			go e.runDisappearance(ctx, d)
		case d, ok := <-e.ingest.PropertyChanges():
			if !ok {
				return
			}
			go e.runPropertyChange(d)
		}
	}
}

// runAppearance drives a newly registered disk through probe -> (repair) ->
// (mount) -> appear, releasing the busy credit Event Ingest raised when it
// queued the disk (§4.4 Idle tracking).
func (e *Engine) runAppearance(ctx context.Context, d *registry.Disk) {
	defer e.dispatcher.SetBusy(-1)

	if !e.acquire(d) {
		e.log.Warn("stage op already active for disk, dropping reentrant appearance", "disk", d.ID)
		return
	}
	defer e.release(d)

	fsKind := d.Descriptor.String(descriptor.KeyVolumeKind)
	if fsKind == "" {
		// No recognizable filesystem (e.g. a bare whole-disk device, or an
		// unknown partition table entry): the disk still appears, just
		// without a mounted volume.
		e.finishAppear(d)
		return
	}

	d.SetFlag(registry.StagedProbe)
	if probe, ok := e.runProbe(ctx, d, fsKind); ok {
		applyProbeResult(d, probe)
	}

	if d.Has(registry.RequireRepair) && e.shouldRepair(d) {
		d.SetFlag(registry.StagedRepair)
		if err := e.runRepair(ctx, d, fsKind); err != nil {
			e.log.Warn("repair failed, will attempt read-only mount", "disk", d.ID, "err", err)
		} else {
			d.ClearFlag(registry.RequireRepair)
		}
	}

	if e.shouldDefer(d) {
		e.log.Info("deferring mount per policy", "disk", d.ID)
		e.finishAppear(d)
		return
	}

	approval := <-e.dispatcher.SolicitApproval(registry.CallbackDiskMountApproval, d)
	if approval.Dissent != "" {
		e.log.Info("mount dissented by session, appearing unmounted", "disk", d.ID, "dissent", approval.Dissent)
		e.finishAppear(d)
		return
	}

	d.SetFlag(registry.StagedMount)
	if err := e.mountWithDirtyRetry(ctx, d, fsKind); err != nil {
		e.log.Warn("mount failed, appearing unmounted", "disk", d.ID, "err", err)
		d.ClearFlag(registry.StagedMount)
	}

	e.finishAppear(d)
}

func (e *Engine) finishAppear(d *registry.Disk) {
	d.SetFlag(registry.StagedAppear)
	e.dispatcher.Notify(registry.CallbackDiskAppeared, d, nil)
}

// ReconsiderDeferred re-solicits mount approval and mounts a disk that
// appeared deferred, called by the wiring layer when the console collaborator
// reports a console user has logged in (§4.5 deferral policy: a deferred
// mount is reconsidered on first login, not just at appearance time).
func (e *Engine) ReconsiderDeferred(ctx context.Context, d *registry.Disk) {
	if !d.Has(registry.StagedAppear) || d.Has(registry.StagedMount) {
		return
	}
	if !e.acquire(d) {
		e.log.Warn("stage op already active for disk, dropping reconsideration", "disk", d.ID)
		return
	}
	defer e.release(d)

	fsKind := d.Descriptor.String(descriptor.KeyVolumeKind)
	if fsKind == "" {
		return
	}

	approval := <-e.dispatcher.SolicitApproval(registry.CallbackDiskMountApproval, d)
	if approval.Dissent != "" {
		e.log.Info("reconsidered mount dissented by session", "disk", d.ID, "dissent", approval.Dissent)
		return
	}

	d.SetFlag(registry.StagedMount)
	if err := e.mountWithDirtyRetry(ctx, d, fsKind); err != nil {
		e.log.Warn("reconsidered mount failed", "disk", d.ID, "err", err)
		d.ClearFlag(registry.StagedMount)
		return
	}
	e.dispatcher.Notify(registry.CallbackDiskDescriptionChanged, d, []descriptor.Key{descriptor.KeyVolumePath})
}

// Unmount unmounts a mounted disk, soliciting unmount approval first,
// without tearing the disk down: the device is still present, only no
// longer mounted. Used both for console-logout unmounts and for
// client-submitted unmount requests (§6 request kind "unmount").
func (e *Engine) Unmount(ctx context.Context, d *registry.Disk) error {
	if !d.Has(registry.StagedMount) {
		return nil
	}
	if !e.acquire(d) {
		return errors.New(errors.StageBusy, d.ID)
	}
	defer e.release(d)

	approval := <-e.dispatcher.SolicitApproval(registry.CallbackDiskUnmountApproval, d)
	if approval.Dissent != "" {
		e.log.Info("unmount dissented by session, leaving mounted", "disk", d.ID, "dissent", approval.Dissent)
		return errors.New(errors.StageExclusiveAccess, approval.Dissent)
	}

	fsKind := d.Descriptor.String(descriptor.KeyVolumeKind)
	mountPoint := d.Descriptor.String(descriptor.KeyVolumePath)
	if result := e.helpers.Run(ctx, helpers.KindUnmount, fsKind, mountPoint); result.Err != nil {
		e.log.Warn("unmount failed", "disk", d.ID, "err", result.Err)
		return errors.Wrap(result.Err, errors.StageUnmountFailed)
	}
	e.removeMountPoint(d, mountPoint)
	d.ClearFlag(registry.StagedMount)
	d.Descriptor.Set(descriptor.KeyVolumePath, "")
	e.dispatcher.Notify(registry.CallbackDiskDescriptionChanged, d, []descriptor.Key{descriptor.KeyVolumePath})
	return nil
}

// Eject solicits eject approval, unmounts if still mounted, and finalizes the
// disk as if the device had physically disappeared (§6 request kind
// "eject").
func (e *Engine) Eject(ctx context.Context, d *registry.Disk) error {
	approval := <-e.dispatcher.SolicitApproval(registry.CallbackDiskEjectApproval, d)
	if approval.Dissent != "" {
		e.log.Info("eject dissented by session", "disk", d.ID, "dissent", approval.Dissent)
		return errors.New(errors.StageExclusiveAccess, approval.Dissent)
	}

	if err := e.Unmount(ctx, d); err != nil {
		return err
	}

	e.ingest.Finalize(d)
	e.dispatcher.Notify(registry.CallbackDiskDisappeared, d, nil)
	return nil
}

// Rename sets a mounted disk's on-media volume name and renames its mount
// point to match, the same path runPropertyChange takes when Event Ingest
// observes an external rename, but driven by an explicit client request
// instead (§6 request kind "rename").
func (e *Engine) Rename(ctx context.Context, d *registry.Disk, newName string) error {
	if !e.acquire(d) {
		return errors.New(errors.StageBusy, d.ID)
	}
	defer e.release(d)

	d.Descriptor.Set(descriptor.KeyVolumeName, newName)

	if !d.Has(registry.StagedMount) {
		return nil
	}
	current := d.Descriptor.String(descriptor.KeyVolumePath)
	if current == "" {
		return nil
	}
	desired := e.synthesizeMountPoint(d, newName)
	if desired == current {
		return nil
	}
	if err := os.Rename(current, desired); err != nil {
		return errors.Wrap(err, errors.StageMountFailed)
	}
	e.recordMountPoint(d, desired)
	d.Descriptor.Set(descriptor.KeyVolumePath, desired)
	e.dispatcher.Notify(registry.CallbackDiskDescriptionChanged, d, []descriptor.Key{descriptor.KeyVolumePath})
	return nil
}

// Refresh re-runs the probe stage against a disk already present, updating
// its descriptor in place, for a client-requested re-probe (§6 request kind
// "refresh"/"probe").
func (e *Engine) Refresh(ctx context.Context, d *registry.Disk) error {
	if !e.acquire(d) {
		return errors.New(errors.StageBusy, d.ID)
	}
	defer e.release(d)

	fsKind := d.Descriptor.String(descriptor.KeyVolumeKind)
	if fsKind == "" {
		return errors.New(errors.StageUnsupportedFileSystem, d.ID)
	}
	probe, ok := e.runProbe(ctx, d, fsKind)
	if !ok {
		return errors.New(errors.StageProbeFailed, d.ID)
	}
	applyProbeResult(d, probe)
	e.dispatcher.Notify(registry.CallbackDiskDescriptionChanged, d, []descriptor.Key{
		descriptor.KeyVolumeName, descriptor.KeyVolumeUUID, descriptor.KeyMediaWritable,
	})
	return nil
}

// runDisappearance force-unmounts (no approval solicited: the device is
// already gone) and hands the disk back to Event Ingest for finalization.
func (e *Engine) runDisappearance(ctx context.Context, d *registry.Disk) {
	e.dispatcher.SetBusy(1)
	defer e.dispatcher.SetBusy(-1)

	if !e.acquire(d) {
		e.log.Warn("stage op already active for disk, dropping reentrant disappearance", "disk", d.ID)
		return
	}
	defer e.release(d)

	if d.Has(registry.StagedMount) {
		fsKind := d.Descriptor.String(descriptor.KeyVolumeKind)
		mountPoint := d.Descriptor.String(descriptor.KeyVolumePath)
		if result := e.helpers.Run(ctx, helpers.KindUnmount, fsKind, mountPoint, "force"); result.Err != nil {
			e.log.Warn("forced unmount failed, proceeding with teardown anyway", "disk", d.ID, "err", result.Err)
		}
		e.removeMountPoint(d, mountPoint)
		d.ClearFlag(registry.StagedMount)
	}

	e.ingest.Finalize(d)
}

// runPropertyChange renames a mounted volume's mount point when its on-media
// name changes, so the mount path keeps tracking VolumeName (§4.3
// property-change handling).
func (e *Engine) runPropertyChange(d *registry.Disk) {
	if !d.Has(registry.StagedMount) {
		return
	}
	if !e.acquire(d) {
		return
	}
	defer e.release(d)

	current := d.Descriptor.String(descriptor.KeyVolumePath)
	name := d.Descriptor.String(descriptor.KeyVolumeName)
	if current == "" || name == "" {
		return
	}
	desired := e.synthesizeMountPoint(d, name)
	if desired == current {
		return
	}
	if err := os.Rename(current, desired); err != nil {
		e.log.Warn("failed to rename mount point after volume rename", "disk", d.ID, "from", current, "to", desired, "err", err)
		return
	}
	e.recordMountPoint(d, desired)
	d.Descriptor.Set(descriptor.KeyVolumePath, desired)
	if d.Has(registry.StagedAppear) {
		e.dispatcher.Notify(registry.CallbackDiskDescriptionChanged, d, []descriptor.Key{descriptor.KeyVolumePath})
	}
}

func (e *Engine) acquire(d *registry.Disk) bool {
	if d.Has(registry.CommandActive) {
		return false
	}
	d.SetFlag(registry.CommandActive)
	return true
}

func (e *Engine) release(d *registry.Disk) {
	d.ClearFlag(registry.CommandActive)
}

// probeResult is the typed decode of a probe helper's KEY=VALUE output.
type probeResult struct {
	VolumeName  string
	VolumeUUID  string
	Dirty       bool
	DirtyQuotas bool
	Writable    bool
}

func (e *Engine) runProbe(ctx context.Context, d *registry.Disk, fsKind string) (probeResult, bool) {
	devicePath := d.Descriptor.String(descriptor.KeyDevicePath)
	result := e.helpers.Run(ctx, helpers.KindProbe, fsKind, devicePath)
	if result.Err != nil {
		e.log.Warn("probe helper failed", "disk", d.ID, "fs_kind", fsKind, "err", result.Err)
		return probeResult{}, false
	}
	return parseProbeOutput(result.Output), true
}

func applyProbeResult(d *registry.Disk, probe probeResult) {
	if probe.VolumeName != "" {
		d.Descriptor.Set(descriptor.KeyVolumeName, probe.VolumeName)
	}
	if probe.VolumeUUID != "" {
		d.Descriptor.Set(descriptor.KeyVolumeUUID, probe.VolumeUUID)
	}
	d.Descriptor.Set(descriptor.KeyMediaWritable, probe.Writable)
	if probe.Dirty {
		d.SetFlag(registry.RequireRepair)
	}
	if probe.DirtyQuotas {
		d.SetFlag(registry.RequireRepairQuotas)
	}
}

// parseProbeOutput reads a probe helper's stdout as newline-separated
// KEY=VALUE pairs, the same convention Event Ingest's udev source uses for
// kernel properties.
func parseProbeOutput(output string) probeResult {
	pr := probeResult{Writable: true}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, val := parts[0], parts[1]
		switch key {
		case "VOLUME_NAME":
			pr.VolumeName = val
		case "VOLUME_UUID":
			pr.VolumeUUID = val
		case "DIRTY":
			pr.Dirty = val == "1" || val == "true"
		case "DIRTY_QUOTAS":
			pr.DirtyQuotas = val == "1" || val == "true"
		case "WRITABLE":
			pr.Writable = val == "1" || val == "true"
		}
	}
	return pr
}

func (e *Engine) shouldRepair(d *registry.Disk) bool {
	if e.cfg.AlwaysRepair {
		return true
	}
	return !d.Descriptor.Bool(descriptor.KeyMediaQuarantined)
}

func (e *Engine) runRepair(ctx context.Context, d *registry.Disk, fsKind string) error {
	devicePath := d.Descriptor.String(descriptor.KeyDevicePath)
	result := e.helpers.Run(ctx, helpers.KindRepair, fsKind, devicePath)
	return result.Err
}

// shouldDefer applies the removable/internal/external tier policy, with the
// mount-map override taking precedence, and the PreBoot Target Disk Mode
// exception: a TDM-locked volume is never deferred regardless of tier, since
// it exists solely to let the host finish booting (§4.5 deferral policy).
// ShouldDefer exports the deferral predicate for the console collaborator,
// which needs it to decide which mounted disks to let go at logout (§4.6).
func (e *Engine) ShouldDefer(d *registry.Disk) bool {
	return e.shouldDefer(d)
}

func (e *Engine) shouldDefer(d *registry.Disk) bool {
	if d.Descriptor.Bool(descriptor.KeyDeviceTDMLocked) {
		return false
	}
	if e.cfg.AlwaysDeferMount {
		return true
	}
	if o, ok := e.mountMap.Lookup(d.Descriptor.String(descriptor.KeyVolumeUUID)); ok && o.Automatic != nil {
		return !*o.Automatic
	}
	return e.cfg.Deferral[string(tierOf(d))]
}

func tierOf(d *registry.Disk) Tier {
	if d.Descriptor.Bool(descriptor.KeyDeviceRemovable) {
		return TierRemovable
	}
	if d.Descriptor.Bool(descriptor.KeyDeviceInternal) {
		return TierInternal
	}
	return TierExternal
}

// mountWithDirtyRetry mounts the volume, retrying exactly once forced
// read-only if the first attempt fails on a volume still marked dirty — the
// automatic fallback so an unrepairable filesystem is still browsable
// (§4.5 automatic dirty-retry rule).
func (e *Engine) mountWithDirtyRetry(ctx context.Context, d *registry.Disk, fsKind string) error {
	mountPoint := e.synthesizeMountPoint(d, d.Descriptor.String(descriptor.KeyVolumeName))
	if err := os.MkdirAll(mountPoint, 0111); err != nil {
		return err
	}
	if uid := d.Descriptor.Int64(descriptor.KeySuggestedUID); uid != 0 {
		if err := os.Chown(mountPoint, int(uid), -1); err != nil {
			e.log.Warn("failed to set synthesized mount point ownership", "path", mountPoint, "err", err)
		}
	}

	opts := e.composeMountOptions(d, false)
	result := e.helpers.Run(ctx, helpers.KindMount, fsKind, d.Descriptor.String(descriptor.KeyDevicePath), mountPoint, opts)
	if result.Err != nil && d.Has(registry.RequireRepair) {
		e.log.Info("retrying mount forced read-only after dirty volume failure", "disk", d.ID)
		opts = e.composeMountOptions(d, true)
		result = e.helpers.Run(ctx, helpers.KindMount, fsKind, d.Descriptor.String(descriptor.KeyDevicePath), mountPoint, opts)
	}
	if result.Err != nil {
		os.Remove(mountPoint)
		return result.Err
	}

	if err := writeMountCookie(mountPoint); err != nil {
		e.log.Warn("failed to write mount cookie", "path", mountPoint, "err", err)
	}
	e.recordMountPoint(d, mountPoint)
	d.Descriptor.Set(descriptor.KeyVolumePath, mountPoint)
	d.Descriptor.Set(descriptor.KeyVolumeMountable, true)
	return nil
}

// composeMountOptions builds the options string handed to the mount helper:
// read-only if the media isn't writable or the caller forces it, the
// baseline nosuid/noowners/nodev hardening, quarantine if the volume was
// downloaded/untrusted media, and HFS's synthetic ownership (-u/-g/-m) when
// the descriptor carries suggested values (§4.5 mount option composition).
func (e *Engine) composeMountOptions(d *registry.Disk, forceReadOnly bool) string {
	var opts []string
	if forceReadOnly || !d.Descriptor.Bool(descriptor.KeyMediaWritable) {
		opts = append(opts, "rdonly")
	}
	opts = append(opts, "nosuid", "noowners", "nodev")
	if d.Descriptor.Bool(descriptor.KeyMediaQuarantined) {
		opts = append(opts, "quarantine")
	}
	if d.Descriptor.String(descriptor.KeyVolumeKind) == "hfs" {
		if uid := d.Descriptor.Int64(descriptor.KeySuggestedUID); uid != 0 {
			opts = append(opts, fmt.Sprintf("-u=%d", uid))
		}
		if gid := d.Descriptor.Int64(descriptor.KeySuggestedGID); gid != 0 {
			opts = append(opts, fmt.Sprintf("-g=%d", gid))
		}
		if mode := d.Descriptor.Int64(descriptor.KeySuggestedMode); mode != 0 {
			opts = append(opts, "-m="+strconv.FormatInt(mode, 8))
		}
	}
	return strings.Join(opts, ",")
}

// synthesizeMountPoint derives /Volumes/<name>, appending " 1".." 100" on
// collision (§4.5 mount-point synthesis). An empty name falls back to the
// disk id so every volume still gets a stable path.
func (e *Engine) synthesizeMountPoint(d *registry.Disk, name string) string {
	if name == "" {
		name = d.ID
	}
	base := filepath.Join(e.cfg.VolumeRoot, sanitizeVolumeName(name))

	e.mu.Lock()
	defer e.mu.Unlock()

	taken := make(map[string]bool, len(e.mountPoints))
	for id, mp := range e.mountPoints {
		if id != d.ID {
			taken[mp] = true
		}
	}

	candidate := base
	for n := 0; n <= 100; n++ {
		if n > 0 {
			candidate = fmt.Sprintf("%s %d", base, n)
		}
		if taken[candidate] {
			continue
		}
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return candidate
}

func sanitizeVolumeName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' {
			return ':'
		}
		if r == 0 {
			return '_'
		}
		return r
	}, name)
}

func (e *Engine) recordMountPoint(d *registry.Disk, mountPoint string) {
	e.mu.Lock()
	e.mountPoints[d.ID] = mountPoint
	e.mu.Unlock()
}

func (e *Engine) removeMountPoint(d *registry.Disk, mountPoint string) {
	e.mu.Lock()
	delete(e.mountPoints, d.ID)
	e.mu.Unlock()
	if mountPoint == "" {
		return
	}
	os.Remove(filepath.Join(mountPoint, mountCookie))
	os.Remove(mountPoint)
}

func writeMountCookie(mountPoint string) error {
	return os.WriteFile(filepath.Join(mountPoint, mountCookie), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644)
}

// PrepareVolumeRoot creates the mount root if absent and, if present, sweeps
// stray top-level directories carrying the mount cookie (left behind by a
// daemon that crashed before it could unmount them) and stray symlinks. It
// must run before Event Ingest's first reconciliation so a disk re-adopted
// on restart doesn't collide with a leftover mount point (§6 filesystem
// surface).
func PrepareVolumeRoot(log logger.Logger, root string) error {
	gid := 0
	if grp, err := user.LookupGroup("admin"); err == nil {
		if parsed, err := strconv.Atoi(grp.Gid); err == nil {
			gid = parsed
		}
	}

	if _, err := os.Stat(root); os.IsNotExist(err) {
		if err := os.MkdirAll(root, 01777); err != nil {
			return fmt.Errorf("create volume root: %w", err)
		}
		_ = os.Chown(root, 0, gid)
		return nil
	} else if err != nil {
		return fmt.Errorf("stat volume root: %w", err)
	}
	_ = os.Chmod(root, 01777)
	_ = os.Chown(root, 0, gid)

	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read volume root: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if entry.Type()&os.ModeSymlink != 0 {
			log.Info("sweeping stray mount-root symlink", "path", path)
			os.Remove(path)
			continue
		}
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(path, mountCookie)); err == nil {
			log.Info("sweeping stray automatic mount point", "path", path)
			os.Remove(filepath.Join(path, mountCookie))
			os.Remove(path)
		}
	}
	return nil
}
