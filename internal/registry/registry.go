// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"sync"

	"github.com/diskarbd/diskarbd/pkg/errors"
)

// DiskRegistry is the authoritative in-memory table of known disks, keyed by
// device id. It preserves insertion order because iteration order is
// observable to clients via appearance callbacks (§4.1).
type DiskRegistry struct {
	mu        sync.RWMutex
	byID      map[string]*Disk
	byKernel  map[string]*Disk
	order     []string // device ids, in insertion order; newest first (insert prepends)
}

// NewDiskRegistry returns an empty disk registry.
func NewDiskRegistry() *DiskRegistry {
	return &DiskRegistry{
		byID:     make(map[string]*Disk),
		byKernel: make(map[string]*Disk),
	}
}

// Lookup returns the live disk with id, excluding zombies (§3 invariant iv).
func (r *DiskRegistry) Lookup(id string) (*Disk, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok || d.Has(Zombie) {
		return nil, false
	}
	return d, true
}

// LookupByKernelObject resolves a disk by the opaque kernel object handle it
// was created from. Unlike Lookup it also returns zombies, until Remove, so
// Event Ingest can resolve a reappearance that crosses a pending
// disappearance.
func (r *DiskRegistry) LookupByKernelObject(obj string) (*Disk, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byKernel[obj]
	return d, ok
}

// Insert adds disk to the registry, prepending it to iteration order.
// Duplicate ids are rejected (§4.1 Contract).
func (r *DiskRegistry) Insert(d *Disk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[d.ID]; exists {
		return errors.New(errors.DiskAlreadyExists, "disk already registered").
			WithMetadata("disk_id", d.ID)
	}
	r.byID[d.ID] = d
	if d.KernelObj != "" {
		r.byKernel[d.KernelObj] = d
	}
	r.order = append([]string{d.ID}, r.order...)
	return nil
}

// Remove drops d from the registry. It is idempotent (§4.1 Contract).
func (r *DiskRegistry) Remove(d *Disk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, d.ID)
	if d.KernelObj != "" {
		delete(r.byKernel, d.KernelObj)
	}
	for i, id := range r.order {
		if id == d.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// All returns every non-zombie disk in insertion order.
func (r *DiskRegistry) All() []*Disk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Disk, 0, len(r.order))
	for _, id := range r.order {
		if d, ok := r.byID[id]; ok && !d.Has(Zombie) {
			out = append(out, d)
		}
	}
	return out
}

// UnitRegistry groups Units by kernel unit number, created lazily.
type UnitRegistry struct {
	mu    sync.Mutex
	units map[string]*Unit
}

// NewUnitRegistry returns an empty unit registry.
func NewUnitRegistry() *UnitRegistry {
	return &UnitRegistry{units: make(map[string]*Unit)}
}

// GetOrCreate returns the unit for number, creating it on first reference.
func (r *UnitRegistry) GetOrCreate(number string) *Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[number]
	if !ok {
		u = NewUnit(number)
		r.units[number] = u
	}
	return u
}

// Lookup returns the unit for number, if one exists.
func (r *UnitRegistry) Lookup(number string) (*Unit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[number]
	return u, ok
}

// RemoveDisk detaches diskID from its unit, destroying the unit if it is now
// empty (§3 Unit lifecycle).
func (r *UnitRegistry) RemoveDisk(number, diskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[number]
	if !ok {
		return
	}
	if u.RemoveDisk(diskID) {
		delete(r.units, number)
	}
}

// SessionRegistry tracks connected clients.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry returns an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Insert adds a newly created session.
func (r *SessionRegistry) Insert(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Lookup returns the session with id, if connected.
func (r *SessionRegistry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a session (SessionRelease or endpoint-unreachable teardown).
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// All returns every currently connected session.
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
