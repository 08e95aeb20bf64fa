// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stratastor/logger"
	"github.com/stretchr/testify/require"

	"github.com/diskarbd/diskarbd/internal/callback"
	"github.com/diskarbd/diskarbd/internal/descriptor"
	"github.com/diskarbd/diskarbd/internal/helpers"
	"github.com/diskarbd/diskarbd/internal/ingest"
	"github.com/diskarbd/diskarbd/internal/mountmap"
	"github.com/diskarbd/diskarbd/internal/registry"
)

func newTestEngine(t *testing.T, cfg Config, helperDirs string) (*Engine, *registry.DiskRegistry) {
	t.Helper()
	l, err := logger.NewTag(logger.Config{LogLevel: "error"}, "test")
	require.NoError(t, err)

	disks := registry.NewDiskRegistry()
	units := registry.NewUnitRegistry()
	sessions := registry.NewSessionRegistry()
	dispatcher := callback.New(l, sessions)

	var helperDispatcher *helpers.Dispatcher
	if helperDirs != "" {
		helperDispatcher = helpers.NewDispatcher(l, []string{helperDirs}, []string{helperDirs}, []string{helperDirs}, 2, 0)
	} else {
		helperDispatcher = helpers.NewDispatcher(l, nil, nil, nil, 2, 0)
	}

	mm := mountmap.New(l, filepath.Join(t.TempDir(), "mountmap.yaml"))
	require.NoError(t, mm.Load())

	ing := ingest.New(l, ingest.Config{}, disks, units, dispatcher)

	cfg.VolumeRoot = t.TempDir()
	return New(l, cfg, disks, dispatcher, helperDispatcher, mm, ing), disks
}

func writeFakeHelper(t *testing.T, dir, name, script string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0755))
}

func TestEngine_ComposeMountOptionsReadOnlyAndQuarantine(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, "")

	d := registry.NewDisk("disk1", "kobj")
	d.Descriptor.Set(descriptor.KeyMediaWritable, false)
	d.Descriptor.Set(descriptor.KeyMediaQuarantined, true)

	opts := e.composeMountOptions(d, false)
	require.Contains(t, opts, "rdonly")
	require.Contains(t, opts, "quarantine")
	require.Contains(t, opts, "nosuid")
}

func TestEngine_ComposeMountOptionsHFSSyntheticOwnership(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, "")

	d := registry.NewDisk("disk1", "kobj")
	d.Descriptor.Set(descriptor.KeyMediaWritable, true)
	d.Descriptor.Set(descriptor.KeyVolumeKind, "hfs")
	d.Descriptor.Set(descriptor.KeySuggestedUID, int64(501))
	d.Descriptor.Set(descriptor.KeySuggestedMode, int64(0755))

	opts := e.composeMountOptions(d, false)
	require.Contains(t, opts, "-u=501")
	require.Contains(t, opts, "-m=755")
	require.NotContains(t, opts, "rdonly")
}

func TestEngine_SynthesizeMountPointAvoidsCollision(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, "")

	d1 := registry.NewDisk("disk1", "kobj1")
	first := e.synthesizeMountPoint(d1, "DATA")
	require.Equal(t, filepath.Join(e.cfg.VolumeRoot, "DATA"), first)
	e.recordMountPoint(d1, first)

	d2 := registry.NewDisk("disk2", "kobj2")
	second := e.synthesizeMountPoint(d2, "DATA")
	require.NotEqual(t, first, second)
	require.Equal(t, filepath.Join(e.cfg.VolumeRoot, "DATA 1"), second)
}

func TestEngine_ShouldDeferPrefersMountMapOverrideOverTier(t *testing.T) {
	e, _ := newTestEngine(t, Config{Deferral: map[string]bool{"internal": true}}, "")

	d := registry.NewDisk("disk1", "kobj")
	d.Descriptor.Set(descriptor.KeyDeviceInternal, true)
	d.Descriptor.Set(descriptor.KeyVolumeUUID, "uuid-1")
	require.True(t, e.shouldDefer(d), "internal tier defaults to deferred per config")

	automatic := true
	e.mountMap.Set(&mountmap.Override{MatchUUID: "uuid-1", Automatic: &automatic})
	require.False(t, e.shouldDefer(d), "override should force automatic mount despite tier policy")
}

func TestEngine_ShouldDeferNeverAppliesToTDMLockedVolume(t *testing.T) {
	e, _ := newTestEngine(t, Config{Deferral: map[string]bool{"external": true}}, "")

	d := registry.NewDisk("disk1", "kobj")
	d.Descriptor.Set(descriptor.KeyDeviceTDMLocked, true)
	require.False(t, e.shouldDefer(d))
}

func TestEngine_RunAppearanceWithoutFilesystemAppearsImmediately(t *testing.T) {
	e, disks := newTestEngine(t, Config{}, "")

	d := registry.NewDisk("disk1", "kobj")
	require.NoError(t, disks.Insert(d))
	e.dispatcher.SetBusy(1)

	e.runAppearance(context.Background(), d)

	require.True(t, d.Has(registry.StagedAppear))
	require.False(t, d.Has(registry.StagedMount))
	require.True(t, e.dispatcher.IsIdle())
}

func TestEngine_RunAppearanceMountsWithFakeHelpers(t *testing.T) {
	dir := t.TempDir()
	writeFakeHelper(t, dir, "ext4", "#!/bin/sh\necho VOLUME_NAME=DATA\necho WRITABLE=1\n")
	// The mount helper is invoked as "<fsKind>" too, by convention.
	mountDir := t.TempDir()
	writeFakeHelper(t, mountDir, "ext4", "#!/bin/sh\nexit 0\n")

	l, err := logger.NewTag(logger.Config{LogLevel: "error"}, "test")
	require.NoError(t, err)
	disks := registry.NewDiskRegistry()
	units := registry.NewUnitRegistry()
	sessions := registry.NewSessionRegistry()
	dispatcher := callback.New(l, sessions)
	helperDispatcher := helpers.NewDispatcher(l, []string{dir}, nil, []string{mountDir}, 2, 0)
	mm := mountmap.New(l, filepath.Join(t.TempDir(), "mountmap.yaml"))
	require.NoError(t, mm.Load())
	ing := ingest.New(l, ingest.Config{}, disks, units, dispatcher)

	e := New(l, Config{VolumeRoot: t.TempDir(), Deferral: map[string]bool{}}, disks, dispatcher, helperDispatcher, mm, ing)

	d := registry.NewDisk("sda1", "kobj")
	d.Descriptor.Set(descriptor.KeyVolumeKind, "ext4")
	d.Descriptor.Set(descriptor.KeyDevicePath, "/dev/sda1")
	require.NoError(t, disks.Insert(d))
	dispatcher.SetBusy(1)

	e.runAppearance(context.Background(), d)

	require.True(t, d.Has(registry.StagedAppear))
	require.True(t, d.Has(registry.StagedMount))
	require.Equal(t, "DATA", d.Descriptor.String(descriptor.KeyVolumeName))
	require.FileExists(t, filepath.Join(d.Descriptor.String(descriptor.KeyVolumePath), mountCookie))
}

func TestEngine_ReconsiderDeferredMountsAppearedDisk(t *testing.T) {
	dir := t.TempDir()
	writeFakeHelper(t, dir, "ext4", "#!/bin/sh\necho VOLUME_NAME=DATA\n")

	e, disks := newTestEngine(t, Config{}, dir)

	d := registry.NewDisk("disk1", "kobj")
	d.Descriptor.Set(descriptor.KeyVolumeKind, "ext4")
	d.Descriptor.Set(descriptor.KeyVolumeName, "DATA")
	d.Descriptor.Set(descriptor.KeyDevicePath, "/dev/disk1")
	d.SetFlag(registry.StagedAppear)
	require.NoError(t, disks.Insert(d))

	e.ReconsiderDeferred(context.Background(), d)

	require.True(t, d.Has(registry.StagedMount))
	require.FileExists(t, filepath.Join(d.Descriptor.String(descriptor.KeyVolumePath), mountCookie))
}

func TestEngine_ReconsiderDeferredSkipsAlreadyMountedDisk(t *testing.T) {
	e, disks := newTestEngine(t, Config{}, "")

	d := registry.NewDisk("disk1", "kobj")
	d.SetFlag(registry.StagedAppear)
	d.SetFlag(registry.StagedMount)
	require.NoError(t, disks.Insert(d))

	e.ReconsiderDeferred(context.Background(), d)
	require.True(t, d.Has(registry.StagedMount))
}

func TestEngine_UnmountClearsStagedMountButKeepsDisk(t *testing.T) {
	dir := t.TempDir()
	writeFakeHelper(t, dir, "ext4", "#!/bin/sh\nexit 0\n")

	l, err := logger.NewTag(logger.Config{LogLevel: "error"}, "test")
	require.NoError(t, err)
	e, disks := newTestEngine(t, Config{}, "")
	e.helpers = helpers.NewDispatcher(l, nil, nil, []string{dir}, 2, 0)

	mountPoint := t.TempDir()
	d := registry.NewDisk("disk1", "kobj")
	d.Descriptor.Set(descriptor.KeyVolumeKind, "ext4")
	d.Descriptor.Set(descriptor.KeyVolumePath, mountPoint)
	d.SetFlag(registry.StagedMount)
	require.NoError(t, disks.Insert(d))

	require.NoError(t, e.Unmount(context.Background(), d))

	require.False(t, d.Has(registry.StagedMount))
	require.Equal(t, "", d.Descriptor.String(descriptor.KeyVolumePath))
}

func TestEngine_EjectUnmountsAndFinalizesDisk(t *testing.T) {
	dir := t.TempDir()
	writeFakeHelper(t, dir, "ext4", "#!/bin/sh\nexit 0\n")

	e, disks := newTestEngine(t, Config{}, dir)

	mountPoint := t.TempDir()
	d := registry.NewDisk("disk1", "kobj")
	d.Descriptor.Set(descriptor.KeyVolumeKind, "ext4")
	d.Descriptor.Set(descriptor.KeyVolumePath, mountPoint)
	d.SetFlag(registry.StagedMount)
	require.NoError(t, disks.Insert(d))

	require.NoError(t, e.Eject(context.Background(), d))

	_, ok := disks.Lookup("disk1")
	require.False(t, ok, "ejected disk must be removed from the registry")
}

func TestEngine_RenameUpdatesMountPoint(t *testing.T) {
	e, disks := newTestEngine(t, Config{}, "")

	root := e.cfg.VolumeRoot
	oldPath := filepath.Join(root, "old")
	require.NoError(t, os.MkdirAll(oldPath, 0111))

	d := registry.NewDisk("disk1", "kobj")
	d.Descriptor.Set(descriptor.KeyVolumeKind, "ext4")
	d.Descriptor.Set(descriptor.KeyVolumeName, "old")
	d.Descriptor.Set(descriptor.KeyVolumePath, oldPath)
	d.SetFlag(registry.StagedMount)
	require.NoError(t, disks.Insert(d))

	require.NoError(t, e.Rename(context.Background(), d, "new"))

	require.Equal(t, "new", d.Descriptor.String(descriptor.KeyVolumeName))
	newPath := d.Descriptor.String(descriptor.KeyVolumePath)
	require.NotEqual(t, oldPath, newPath)
	_, err := os.Stat(newPath)
	require.NoError(t, err)
}

func TestEngine_RefreshReappliesProbeResult(t *testing.T) {
	dir := t.TempDir()
	writeFakeHelper(t, dir, "ext4", "#!/bin/sh\necho VOLUME_NAME=refreshed\n")

	e, disks := newTestEngine(t, Config{}, dir)

	d := registry.NewDisk("disk1", "kobj")
	d.Descriptor.Set(descriptor.KeyVolumeKind, "ext4")
	require.NoError(t, disks.Insert(d))

	require.NoError(t, e.Refresh(context.Background(), d))
	require.Equal(t, "refreshed", d.Descriptor.String(descriptor.KeyVolumeName))
}

func TestParseProbeOutput(t *testing.T) {
	pr := parseProbeOutput("VOLUME_NAME=Backup\nVOLUME_UUID=abc-123\nDIRTY=1\nWRITABLE=0\n")
	require.Equal(t, "Backup", pr.VolumeName)
	require.Equal(t, "abc-123", pr.VolumeUUID)
	require.True(t, pr.Dirty)
	require.False(t, pr.Writable)
}
