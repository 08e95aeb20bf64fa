// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stratastor/logger"
	"github.com/stretchr/testify/require"

	"github.com/diskarbd/diskarbd/internal/callback"
	"github.com/diskarbd/diskarbd/internal/descriptor"
	"github.com/diskarbd/diskarbd/internal/registry"
)

func newTestIngest(t *testing.T) (*Ingest, *registry.SessionRegistry) {
	t.Helper()
	l, err := logger.NewTag(logger.Config{LogLevel: "error"}, "test")
	require.NoError(t, err)

	sessions := registry.NewSessionRegistry()
	disks := registry.NewDiskRegistry()
	units := registry.NewUnitRegistry()
	dispatcher := callback.New(l, sessions)

	ing := New(l, Config{}, disks, units, dispatcher)
	return ing, sessions
}

func TestIngest_ApplyAppearanceRegistersDiskAndUnit(t *testing.T) {
	ing, _ := newTestIngest(t)

	ing.applyAppearance("sda1", "/dev/sda1", map[descriptor.Key]any{descriptor.KeyVolumeName: "DATA"}, false)

	d, ok := ing.disks.LookupByKernelObject("sda1")
	require.True(t, ok)
	require.Equal(t, "DATA", d.Descriptor.String(descriptor.KeyVolumeName))
	require.Equal(t, "sda", d.UnitNumber)

	u, ok := ing.units.Lookup("sda")
	require.True(t, ok)
	require.Equal(t, 1, u.MemberCount())

	select {
	case got := <-ing.Appearances():
		require.Equal(t, d, got)
	default:
		t.Fatal("expected disk to be handed off on the appearances channel")
	}
}

func TestIngest_ApplyAppearanceRejectsDuplicateKernelID(t *testing.T) {
	ing, _ := newTestIngest(t)

	ing.applyAppearance("sdb", "/dev/sdb", nil, true)
	<-ing.Appearances()

	// A second appearance for the same kernel object (e.g. a stray kernel
	// CHANGE event reusing ADD semantics) must not create a duplicate Disk.
	ing.applyAppearance("sdb", "/dev/sdb", map[descriptor.Key]any{descriptor.KeyMediaSize: int64(512)}, true)

	d, ok := ing.disks.LookupByKernelObject("sdb")
	require.True(t, ok)
	require.Equal(t, int64(512), d.Descriptor.Int64(descriptor.KeyMediaSize))
	require.Len(t, ing.disks.All(), 1)
}

func TestIngest_QueueCrossingSupersedesZombieDisappearance(t *testing.T) {
	ing, _ := newTestIngest(t)

	ing.applyAppearance("sdc1", "/dev/sdc1", nil, false)
	<-ing.Appearances()

	ing.applyDisappearance("sdc1")
	<-ing.Disappearances()

	d, ok := ing.disks.LookupByKernelObject("sdc1")
	require.True(t, ok, "disk must still be resolvable until Finalize is called")
	require.True(t, d.Has(registry.Zombie))

	// The device reappears before the Stage Engine finalizes the teardown:
	// the existing Disk is reused rather than duplicated, and Zombie clears.
	ing.applyAppearance("sdc1", "/dev/sdc1", map[descriptor.Key]any{descriptor.KeyVolumeName: "BACK"}, false)

	d2, ok := ing.disks.LookupByKernelObject("sdc1")
	require.True(t, ok)
	require.Same(t, d, d2)
	require.False(t, d2.Has(registry.Zombie))
	require.Equal(t, "BACK", d2.Descriptor.String(descriptor.KeyVolumeName))
}

func TestIngest_FinalizeRemovesDiskAndEmptiesUnit(t *testing.T) {
	ing, _ := newTestIngest(t)

	ing.applyAppearance("sdd", "/dev/sdd", nil, true)
	d := <-ing.Appearances()

	ing.applyDisappearance("sdd")
	<-ing.Disappearances()

	ing.Finalize(d)

	_, ok := ing.disks.LookupByKernelObject("sdd")
	require.False(t, ok)
	_, ok = ing.units.Lookup("sdd")
	require.False(t, ok)
}

func TestIngest_PropertyChangeNotifiesOnlyAppearedDisksWithWatchedKeys(t *testing.T) {
	ing, sessions := newTestIngest(t)

	ing.applyAppearance("sde1", "/dev/sde1", nil, false)
	d := <-ing.Appearances()
	d.SetFlag(registry.StagedAppear)

	sess := registry.NewSession("sess-1", 0, "")
	sessions.Insert(sess)
	cb := &registry.Callback{Target: registry.RemoteTarget{Address: "a1"}, Kind: registry.CallbackDiskDescriptionChanged}
	ing.dispatcher.RegisterCallback(sess, cb, ing.disks)
	sess.DrainQueue() // discard the registration-time replay noise

	ing.applyPropertyChange("sde1", map[descriptor.Key]any{descriptor.KeyMediaSize: int64(2048)})

	deliveries := sess.DrainQueue()
	require.Len(t, deliveries, 1)
	require.Equal(t, registry.CallbackDiskDescriptionChanged, deliveries[0].Kind)
}

func TestIngest_PropertyChangeIgnoresUnwatchedKeys(t *testing.T) {
	ing, _ := newTestIngest(t)

	ing.applyAppearance("sdf1", "/dev/sdf1", nil, false)
	<-ing.Appearances()

	// KeyVolumeName is not in descriptor.WatchedKeys.
	ing.applyPropertyChange("sdf1", map[descriptor.Key]any{descriptor.KeyVolumeName: "RENAMED"})

	select {
	case <-ing.PropertyChanges():
		t.Fatal("unwatched key change should not be surfaced")
	default:
	}
}

func TestWholeDiskKName(t *testing.T) {
	require.Equal(t, "sda", wholeDiskKName("sda1"))
	require.Equal(t, "nvme0n1", wholeDiskKName("nvme0n1p3"))
	require.Equal(t, "sda", wholeDiskKName("sda"))
}

func TestParseLsblkJSON(t *testing.T) {
	data := []byte(`{"blockdevices":[{"name":"sda","kname":"sda","path":"/dev/sda","type":"disk","size":1000,"children":[{"name":"sda1","kname":"sda1","path":"/dev/sda1","type":"part","size":900,"mountpoint":"/mnt/data","fstype":"ext4"}]}]}`)

	devices, err := parseLsblkJSON(data)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	flat := flatten(devices, "")
	require.Len(t, flat, 2)
	require.Equal(t, "sda", flat[0].Name)
	require.Equal(t, "sda1", flat[1].Name)
	require.NotNil(t, flat[1].PKName)
	require.Equal(t, "sda", *flat[1].PKName)
}

func TestIngest_ScanMountTableSkipsPseudoFilesystemsAndCreatesUnmatched(t *testing.T) {
	ing, _ := newTestIngest(t)

	mountsFile := filepath.Join(t.TempDir(), "mounts")
	content := "proc /proc proc rw 0 0\n/dev/sdg1 /mnt/external ext4 rw,relatime 0 0\n"
	require.NoError(t, os.WriteFile(mountsFile, []byte(content), 0644))
	ing.cfg.MountsPath = mountsFile

	ing.scanMountTable()

	_, ok := ing.disks.LookupByKernelObject("proc")
	require.False(t, ok)

	d := <-ing.Appearances()
	require.Equal(t, "sdg1", d.ID)
	require.Equal(t, "/mnt/external", d.Descriptor.String(descriptor.KeyVolumePath))

	// A second scan with the same mount table must not re-announce the disk.
	ing.scanMountTable()
	select {
	case <-ing.Appearances():
		t.Fatal("unchanged mount table entry should not be re-announced")
	default:
	}
}
