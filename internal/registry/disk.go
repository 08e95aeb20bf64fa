// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"sync"

	"github.com/diskarbd/diskarbd/internal/descriptor"
)

// State is the orthogonal set of independent lifecycle flags a Disk carries.
// A single enum cannot model this: stages are entered independently of one
// another (see design §4.2).
type State uint32

const (
	StagedProbe State = 1 << iota
	StagedRepair
	StagedMount
	StagedAppear
	MountAutomatic
	MountAutomaticNoDefer
	RequireRepair
	RequireRepairQuotas
	CommandActive
	Zombie
	MountOngoing
	MountQuarantined
	MountedWithUserFS
	MountedWithFSKit
)

// Has reports whether all bits in flag are set.
func (s State) Has(flag State) bool { return s&flag == flag }

// Claim is a session-owned exclusive-use token on a disk.
type Claim struct {
	SessionID string
}

// Disk represents one block device / media object, identified by its stable
// kernel device id (the BSD name). Event Ingest, the Stage Engine and the
// RPC handlers read and mutate it from separate goroutines; the lock guards
// its state word and claim, and the descriptor has its own lock. The plain
// exported fields are not guarded.
type Disk struct {
	mu sync.RWMutex

	ID          string // stable device id, e.g. kernel BSD name
	KernelObj   string // opaque kernel object handle this Disk was created from
	Descriptor  *descriptor.Bag
	state       State
	claim       *Claim
	RequestID   string // id of the at-most-one in-flight request, if any
	UnitNumber  string // backing physical unit, empty if not yet known
	CachedBlob  []byte // serialized descriptor cached for RPC delivery
}

// NewDisk creates a fresh Disk for a newly observed kernel object.
func NewDisk(id, kernelObj string) *Disk {
	return &Disk{
		ID:         id,
		KernelObj:  kernelObj,
		Descriptor: descriptor.New(),
	}
}

// State returns the disk's current flag word.
func (d *Disk) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// SetFlag sets the given bits in the disk's state word.
func (d *Disk) SetFlag(flag State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state |= flag
}

// ClearFlag clears the given bits in the disk's state word.
func (d *Disk) ClearFlag(flag State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state &^= flag
}

// Has reports whether all bits in flag are currently set.
func (d *Disk) Has(flag State) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Has(flag)
}

// SetClaim records an exclusive-use token for sessionID. It fails (returns
// false) if the disk already carries a claim, preserving invariant (iii)
// from §3: at most one claim per disk.
func (d *Disk) SetClaim(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claim != nil {
		return false
	}
	d.claim = &Claim{SessionID: sessionID}
	return true
}

// ClaimedBy returns the owning session id, or "" if unclaimed.
func (d *Disk) ClaimedBy() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.claim == nil {
		return ""
	}
	return d.claim.SessionID
}

// Unclaim releases the current claim. It is idempotent (§8 property 10):
// unclaiming an already-unclaimed disk is a no-op.
func (d *Disk) Unclaim() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claim = nil
}
