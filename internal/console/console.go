// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package console implements the console-user login/logout policy: device
// node ownership and permission changes as the logged-in console user
// changes, re-evaluation of deferred mounts on first login, and
// unmount-on-logout for disks that were only mounted because a console user
// was present (design §3, §4.5 "console user" collaborator).
package console

import (
	"os"
	"sync"

	"github.com/stratastor/logger"

	"github.com/diskarbd/diskarbd/internal/descriptor"
	"github.com/diskarbd/diskarbd/internal/registry"
)

// Mode is the host's console session mode, which determines how permissive
// device-node permissions are.
type Mode int

const (
	// ModeMultiUser is the default: no single console user owns the
	// machine, so device nodes are world-readable/writable (0666) and
	// owned by root, masked read-only if the volume itself is read-only.
	ModeMultiUser Mode = iota
	// ModeSingleUser grants the logged-in console user exclusive
	// ownership of device nodes (0640, chowned to that user).
	ModeSingleUser
)

const (
	multiUserPerm     os.FileMode = 0666
	multiUserROPerm   os.FileMode = 0444
	singleUserPerm    os.FileMode = 0640
	singleUserROPerm  os.FileMode = 0440
)

// loginState is nil when no console user is logged in.
type loginState struct {
	UID  int
	GID  int
	Mode Mode
}

// Manager tracks the current console login and applies its ownership policy
// to device nodes, and drives deferred-mount re-evaluation and
// unmount-on-logout.
type Manager struct {
	log         logger.Logger
	disks       *registry.DiskRegistry
	units       *registry.UnitRegistry
	shouldDefer func(*registry.Disk) bool

	mu      sync.Mutex
	current *loginState

	unitLocksMu sync.Mutex
	unitLocks   map[string]*sync.Mutex

	reevaluate chan *registry.Disk
	logoutUnmount chan *registry.Disk
}

// New returns a Manager with no console user logged in. shouldDefer reports
// whether a disk's mount-deferral policy currently says "defer" — the Stage
// Engine's own predicate (its exported ShouldDefer), injected here instead of
// imported directly to avoid a console<->stage import cycle.
func New(log logger.Logger, disks *registry.DiskRegistry, units *registry.UnitRegistry, shouldDefer func(*registry.Disk) bool) *Manager {
	return &Manager{
		log:           log,
		disks:         disks,
		units:         units,
		shouldDefer:   shouldDefer,
		unitLocks:     make(map[string]*sync.Mutex),
		reevaluate:    make(chan *registry.Disk, 32),
		logoutUnmount: make(chan *registry.Disk, 32),
	}
}

// ReevaluateDeferred delivers disks that were appeared-but-deferred and
// should be reconsidered for mounting now that a console user logged in.
// The Stage Engine consumes this to re-run its mount-approval sequence.
func (m *Manager) ReevaluateDeferred() <-chan *registry.Disk { return m.reevaluate }

// LogoutUnmount delivers disks that should be unmounted because the console
// user who justified their automatic mount has logged out.
func (m *Manager) LogoutUnmount() <-chan *registry.Disk { return m.logoutUnmount }

// HandleLogin records the new console user and, on a 0->1 login transition,
// triggers re-evaluation of every disk appeared but not mounted.
func (m *Manager) HandleLogin(uid, gid int) {
	m.mu.Lock()
	wasLoggedOut := m.current == nil
	m.current = &loginState{UID: uid, GID: gid, Mode: ModeSingleUser}
	m.mu.Unlock()

	m.log.Info("console login", "uid", uid, "gid", gid)
	m.applyToAll()

	if wasLoggedOut {
		for _, d := range m.disks.All() {
			if d.Has(registry.StagedAppear) && !d.Has(registry.StagedMount) {
				select {
				case m.reevaluate <- d:
				default:
					m.log.Warn("reevaluation buffer full, dropping", "disk", d.ID)
				}
			}
		}
	}
}

// HandleLogout clears the console login, reverting to multi-user device
// node permissions, and requests unmount for every mounted disk whose
// deferral policy says "defer" and which is not flagged
// MountAutomaticNoDefer — it was only mounted because a console user
// justified it, and that justification just left (§4.6).
func (m *Manager) HandleLogout() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	m.log.Info("console logout")
	m.applyToAll()

	for _, d := range m.disks.All() {
		if !d.Has(registry.StagedMount) || d.Has(registry.MountAutomaticNoDefer) {
			continue
		}
		if m.shouldDefer != nil && !m.shouldDefer(d) {
			continue
		}
		select {
		case m.logoutUnmount <- d:
		default:
			m.log.Warn("logout-unmount buffer full, dropping", "disk", d.ID)
		}
	}
}

// ApplyToDisk applies the current login policy's ownership/permissions to a
// single disk's device node, called by Event Ingest whenever a disk appears
// so a disk arriving mid-session picks up the active policy immediately.
func (m *Manager) ApplyToDisk(d *registry.Disk) {
	unlock := m.lockUnit(d.UnitNumber)
	defer unlock()

	devicePath := d.Descriptor.String(descriptor.KeyRawDevicePath)
	if devicePath == "" {
		devicePath = d.Descriptor.String(descriptor.KeyDevicePath)
	}
	if devicePath == "" {
		return
	}

	perm, uid, gid := m.policyFor(d)
	if err := os.Chmod(devicePath, perm); err != nil {
		m.log.Warn("failed to chmod device node", "path", devicePath, "err", err)
	}
	if uid >= 0 {
		if err := os.Chown(devicePath, uid, gid); err != nil {
			m.log.Warn("failed to chown device node", "path", devicePath, "err", err)
		}
	}
}

func (m *Manager) applyToAll() {
	for _, d := range m.disks.All() {
		m.ApplyToDisk(d)
	}
}

// policyFor computes the (permission, uid, gid) triple for d under the
// current login state. With no console user logged in, or in multi-user
// mode, the node is owned by root (uid 0, gid 0). A disk counts as read-only
// only when its descriptor sets KeyMediaWritable to false.
func (m *Manager) policyFor(d *registry.Disk) (os.FileMode, int, int) {
	readOnly := d.Descriptor.Has(descriptor.KeyMediaWritable) && !d.Descriptor.Bool(descriptor.KeyMediaWritable)

	m.mu.Lock()
	login := m.current
	m.mu.Unlock()

	if login == nil || login.Mode == ModeMultiUser {
		if readOnly {
			return multiUserROPerm, 0, 0
		}
		return multiUserPerm, 0, 0
	}

	if readOnly {
		return singleUserROPerm, login.UID, login.GID
	}
	return singleUserPerm, login.UID, login.GID
}

// lockUnit serializes permission changes across every disk in the same
// physical unit (design §3 "logical-volume-family locking"): changing one
// partition's ownership never races a sibling partition's.
func (m *Manager) lockUnit(unitNumber string) (unlock func()) {
	m.unitLocksMu.Lock()
	lock, ok := m.unitLocks[unitNumber]
	if !ok {
		lock = &sync.Mutex{}
		m.unitLocks[unitNumber] = lock
	}
	m.unitLocksMu.Unlock()

	if u, ok := m.units.Lookup(unitNumber); ok {
		u.SetFlag(registry.ExclusiveLock)
	}
	lock.Lock()
	return func() {
		lock.Unlock()
		if u, ok := m.units.Lookup(unitNumber); ok {
			u.ClearFlag(registry.ExclusiveLock)
		}
	}
}
