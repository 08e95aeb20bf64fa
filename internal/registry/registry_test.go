// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskRegistry_Uniqueness(t *testing.T) {
	r := NewDiskRegistry()
	d1 := NewDisk("disk2s1", "kobj-1")
	require.NoError(t, r.Insert(d1))

	d2 := NewDisk("disk2s1", "kobj-2")
	err := r.Insert(d2)
	require.Error(t, err)

	got, ok := r.Lookup("disk2s1")
	require.True(t, ok)
	require.Equal(t, d1, got)
}

func TestDiskRegistry_ZombieExcludedFromLookup(t *testing.T) {
	r := NewDiskRegistry()
	d := NewDisk("disk3s2", "kobj")
	require.NoError(t, r.Insert(d))

	d.SetFlag(Zombie)

	_, ok := r.Lookup("disk3s2")
	require.False(t, ok)

	all := r.All()
	require.Empty(t, all)
}

func TestDiskRegistry_RemoveIdempotent(t *testing.T) {
	r := NewDiskRegistry()
	d := NewDisk("disk4", "kobj")
	require.NoError(t, r.Insert(d))

	r.Remove(d)
	require.NotPanics(t, func() { r.Remove(d) })

	_, ok := r.Lookup("disk4")
	require.False(t, ok)
}

func TestDiskRegistry_InsertionOrderIsNewestFirst(t *testing.T) {
	r := NewDiskRegistry()
	require.NoError(t, r.Insert(NewDisk("a", "")))
	require.NoError(t, r.Insert(NewDisk("b", "")))
	require.NoError(t, r.Insert(NewDisk("c", "")))

	all := r.All()
	require.Len(t, all, 3)
	require.Equal(t, "c", all[0].ID)
	require.Equal(t, "b", all[1].ID)
	require.Equal(t, "a", all[2].ID)
}

func TestDisk_ClaimAtMostOne(t *testing.T) {
	d := NewDisk("disk5s1", "")
	require.True(t, d.SetClaim("session-1"))
	require.False(t, d.SetClaim("session-2"))
	require.Equal(t, "session-1", d.ClaimedBy())
}

func TestDisk_UnclaimIdempotent(t *testing.T) {
	d := NewDisk("disk5s1", "")
	d.SetClaim("session-1")
	d.Unclaim()
	require.NotPanics(t, d.Unclaim)
	require.Equal(t, "", d.ClaimedBy())
}

func TestUnitRegistry_LazyCreateAndDestroy(t *testing.T) {
	r := NewUnitRegistry()
	u := r.GetOrCreate("0")
	u.AddDisk("disk2")
	u.AddDisk("disk2s1")

	_, ok := r.Lookup("0")
	require.True(t, ok)

	r.RemoveDisk("0", "disk2")
	_, ok = r.Lookup("0")
	require.True(t, ok, "unit should survive while it still has a member")

	r.RemoveDisk("0", "disk2s1")
	_, ok = r.Lookup("0")
	require.False(t, ok, "unit should be destroyed once its last disk departs")
}

func TestSessionRegistry_Lifecycle(t *testing.T) {
	r := NewSessionRegistry()
	s := NewSession("sess-1", 1234, "diskutil")
	r.Insert(s)

	got, ok := r.Lookup("sess-1")
	require.True(t, ok)
	require.Same(t, s, got)

	r.Remove("sess-1")
	_, ok = r.Lookup("sess-1")
	require.False(t, ok)
}

func TestSession_CallbackRegistrationOrderPreserved(t *testing.T) {
	s := NewSession("sess-1", 0, "")
	cb1 := &Callback{Target: RemoteTarget{Address: "a1"}, Kind: CallbackDiskAppeared}
	cb2 := &Callback{Target: RemoteTarget{Address: "a2"}, Kind: CallbackDiskAppeared}
	s.RegisterCallback(cb1)
	s.RegisterCallback(cb2)

	cbs := s.Callbacks()
	require.Equal(t, []*Callback{cb1, cb2}, cbs)

	require.True(t, s.UnregisterCallback(RemoteTarget{Address: "a1"}))
	require.Equal(t, []*Callback{cb2}, s.Callbacks())
}
