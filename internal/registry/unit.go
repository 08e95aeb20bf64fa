// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package registry

import "sync"

// UnitState is the per-unit flag word (design §3, §4.5 serialization).
type UnitState uint32

const (
	Quiesced UnitState = 1 << iota
	QuiescedWithoutTimeout
	HasNestedContainer
	HasUnreadableMedia
	UnitCommandActive
	ExclusiveLock
)

// Has reports whether all bits in flag are set.
func (s UnitState) Has(flag UnitState) bool { return s&flag == flag }

// Unit groups disks sharing a backing physical unit, identified by the
// kernel unit number of the whole-media disk. Created lazily on first disk
// of that unit, destroyed when its last disk disappears (§3).
type Unit struct {
	mu sync.RWMutex

	Number string
	state  UnitState
	disks  map[string]struct{} // member disk ids
}

// NewUnit creates an empty unit for the given kernel unit number.
func NewUnit(number string) *Unit {
	return &Unit{Number: number, disks: make(map[string]struct{})}
}

func (u *Unit) State() UnitState {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

func (u *Unit) SetFlag(flag UnitState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state |= flag
}

func (u *Unit) ClearFlag(flag UnitState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state &^= flag
}

func (u *Unit) Has(flag UnitState) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state.Has(flag)
}

// AddDisk records diskID as a member of this unit.
func (u *Unit) AddDisk(diskID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.disks[diskID] = struct{}{}
}

// RemoveDisk drops diskID from this unit's membership, returning true if the
// unit has no members left (the caller should then destroy it).
func (u *Unit) RemoveDisk(diskID string) (empty bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.disks, diskID)
	return len(u.disks) == 0
}

// MemberCount returns the number of disks currently tracked in this unit.
func (u *Unit) MemberCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.disks)
}
