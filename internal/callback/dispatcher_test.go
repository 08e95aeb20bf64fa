// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package callback

import (
	"testing"
	"time"

	"github.com/stratastor/logger"
	"github.com/stretchr/testify/require"

	"github.com/diskarbd/diskarbd/internal/registry"
)

func testLogger(t *testing.T) logger.Logger {
	t.Helper()
	l, err := logger.NewTag(logger.Config{LogLevel: "error"}, "test")
	require.NoError(t, err)
	return l
}

func TestDispatcher_NoMatchingCallbacksApprovesImmediately(t *testing.T) {
	sessions := registry.NewSessionRegistry()
	d := New(testLogger(t), sessions)
	disk := registry.NewDisk("disk2s1", "")

	result := <-d.SolicitApproval(registry.CallbackDiskMountApproval, disk)
	require.Empty(t, result.Dissent)
}

func TestDispatcher_QuorumCompletesAfterAllRespond(t *testing.T) {
	sessions := registry.NewSessionRegistry()
	s1 := registry.NewSession("s1", 0, "")
	s2 := registry.NewSession("s2", 0, "")
	sessions.Insert(s1)
	sessions.Insert(s2)

	s1.RegisterCallback(&registry.Callback{Target: registry.RemoteTarget{Address: "s1"}, Kind: registry.CallbackDiskMountApproval})
	s2.RegisterCallback(&registry.Callback{Target: registry.RemoteTarget{Address: "s2"}, Kind: registry.CallbackDiskMountApproval})

	d := New(testLogger(t), sessions)
	disk := registry.NewDisk("disk2s1", "")

	resultCh := d.SolicitApproval(registry.CallbackDiskMountApproval, disk)

	select {
	case <-resultCh:
		t.Fatal("quorum completed before all responders answered")
	case <-time.After(10 * time.Millisecond):
	}

	d.RespondApproval(1, "s1", "")
	select {
	case <-resultCh:
		t.Fatal("quorum completed before second responder answered")
	case <-time.After(10 * time.Millisecond):
	}

	d.RespondApproval(1, "s2", "")
	result := <-resultCh
	require.Empty(t, result.Dissent)
}

func TestDispatcher_DissentPrecedence(t *testing.T) {
	sessions := registry.NewSessionRegistry()
	s1 := registry.NewSession("s1", 0, "")
	s2 := registry.NewSession("s2", 0, "")
	sessions.Insert(s1)
	sessions.Insert(s2)

	s1.RegisterCallback(&registry.Callback{Target: registry.RemoteTarget{Address: "s1"}, Kind: registry.CallbackDiskUnmountApproval})
	s2.RegisterCallback(&registry.Callback{Target: registry.RemoteTarget{Address: "s2"}, Kind: registry.CallbackDiskUnmountApproval})

	d := New(testLogger(t), sessions)
	disk := registry.NewDisk("disk5s1", "")

	resultCh := d.SolicitApproval(registry.CallbackDiskUnmountApproval, disk)
	d.RespondApproval(1, "s1", "NotPermitted")
	d.RespondApproval(1, "s2", "")

	result := <-resultCh
	require.Equal(t, "NotPermitted", result.Dissent)
}

func TestDispatcher_SessionTeardownActsAsImplicitApproval(t *testing.T) {
	sessions := registry.NewSessionRegistry()
	s1 := registry.NewSession("s1", 0, "")
	sessions.Insert(s1)
	s1.RegisterCallback(&registry.Callback{Target: registry.RemoteTarget{Address: "s1"}, Kind: registry.CallbackDiskEjectApproval})

	d := New(testLogger(t), sessions)
	disk := registry.NewDisk("disk6", "")

	resultCh := d.SolicitApproval(registry.CallbackDiskEjectApproval, disk)
	d.SessionTorndown("s1")

	result := <-resultCh
	require.Empty(t, result.Dissent)
}

func TestDispatcher_IdleEdgeTrigger(t *testing.T) {
	sessions := registry.NewSessionRegistry()
	s1 := registry.NewSession("s1", 0, "")
	sessions.Insert(s1)
	s1.RegisterCallback(&registry.Callback{Target: registry.RemoteTarget{Address: "s1"}, Kind: registry.CallbackIdle})

	d := New(testLogger(t), sessions)
	require.True(t, d.IsIdle())

	d.SetBusy(1)
	require.False(t, d.IsIdle())
	require.Empty(t, s1.DrainQueue())

	d.SetBusy(-1)
	require.True(t, d.IsIdle())

	deliveries := s1.DrainQueue()
	require.Len(t, deliveries, 1)
	require.Equal(t, registry.CallbackIdle, deliveries[0].Kind)
}

func TestDispatcher_RegisterAppearedReplaysExistingAndListComplete(t *testing.T) {
	sessions := registry.NewSessionRegistry()
	s1 := registry.NewSession("s1", 0, "")
	sessions.Insert(s1)

	disks := registry.NewDiskRegistry()
	d1 := registry.NewDisk("disk2s1", "")
	d1.SetFlag(registry.StagedAppear)
	require.NoError(t, disks.Insert(d1))

	d := New(testLogger(t), sessions)
	cb := &registry.Callback{Target: registry.RemoteTarget{Address: "s1"}, Kind: registry.CallbackDiskAppeared}
	d.RegisterCallback(s1, cb, disks)

	deliveries := s1.DrainQueue()
	require.Len(t, deliveries, 3)
	require.Equal(t, registry.CallbackDiskAppeared, deliveries[0].Kind)
	require.Equal(t, "disk2s1", deliveries[0].DiskID)
	require.Equal(t, registry.CallbackDiskListComplete, deliveries[1].Kind)
	require.Equal(t, registry.CallbackIdle, deliveries[2].Kind)
}
