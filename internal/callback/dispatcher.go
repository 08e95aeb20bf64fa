// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package callback implements the Callback Dispatcher: fan-out of lifecycle
// notifications and approval solicitations to subscribed sessions, quorum
// collection for approvals, and idle edge-triggering (design §4.4).
package callback

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/stratastor/logger"

	"github.com/diskarbd/diskarbd/internal/descriptor"
	"github.com/diskarbd/diskarbd/internal/registry"
)

// ApprovalResult is the outcome of a wait-for-quorum solicitation.
type ApprovalResult struct {
	// Dissent is the non-empty status carried by whichever responder
	// dissented first; empty means the operation is permitted.
	Dissent string
}

// pendingApproval accumulates responses for one in-flight solicitation.
type pendingApproval struct {
	mu        sync.Mutex
	expected  map[string]bool // session id -> still awaiting response
	dissent   string
	done      chan ApprovalResult
	delivered bool
}

// Dispatcher fans out Disk lifecycle events to subscribed Sessions and
// coordinates the mount/unmount/eject approval quorum protocol.
type Dispatcher struct {
	log      logger.Logger
	sessions *registry.SessionRegistry

	nextResponseID int64

	mu       sync.Mutex
	pending  map[int64]*pendingApproval
	idle     bool
	inflight int // requests queued + stages ongoing; idle iff this and len(pending) are both zero
}

// New returns a Dispatcher fanning out over the given session registry. The
// dispatcher starts idle, matching a freshly started daemon with no work
// queued.
func New(log logger.Logger, sessions *registry.SessionRegistry) *Dispatcher {
	return &Dispatcher{
		log:      log,
		sessions: sessions,
		pending:  make(map[int64]*pendingApproval),
		idle:     true,
	}
}

// orderedCallbacks returns, across all sessions in registry insertion order,
// every registered callback of kind whose match predicate holds against d,
// sorted by Order with a stable insertion-order tiebreak (§4.4 Fan-out).
func (d *Dispatcher) orderedCallbacks(kind registry.CallbackKind, disk *registry.Disk, changedKeys []descriptor.Key) []matchedCallback {
	var out []matchedCallback
	for _, s := range d.sessions.All() {
		for _, cb := range s.Callbacks() {
			if cb.Kind != kind {
				continue
			}
			if disk != nil && !cb.MatchesDisk(disk) {
				continue
			}
			if kind == registry.CallbackDiskDescriptionChanged && !cb.WatchesAny(changedKeys) {
				continue
			}
			out = append(out, matchedCallback{session: s, cb: cb})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].cb.Order < out[j].cb.Order
	})
	return out
}

type matchedCallback struct {
	session *registry.Session
	cb      *registry.Callback
}

// Notify fans out a non-approval lifecycle event (appeared, disappeared,
// description-changed, peek, claim-release) to every matching callback,
// enqueuing a Delivery record on each target session's queue.
func (d *Dispatcher) Notify(kind registry.CallbackKind, disk *registry.Disk, changedKeys []descriptor.Key) {
	for _, m := range d.orderedCallbacks(kind, disk, changedKeys) {
		m.session.Enqueue(registry.Delivery{
			Target:  m.cb.Target,
			Kind:    kind,
			DiskID:  disk.ID,
			Payload: disk.Descriptor.Snapshot(),
		})
	}
}

// RegisterCallback records cb against session and performs the
// registration-time replay §4.4 requires: an appearance registration
// replays every currently-appeared disk, followed by list-complete, then an
// idle callback if the system is currently idle; an idle registration
// delivers idle immediately if the system is currently idle.
func (d *Dispatcher) RegisterCallback(session *registry.Session, cb *registry.Callback, disks *registry.DiskRegistry) {
	session.RegisterCallback(cb)

	switch cb.Kind {
	case registry.CallbackDiskAppeared:
		for _, disk := range disks.All() {
			if !disk.Has(registry.StagedAppear) {
				continue
			}
			if !cb.MatchesDisk(disk) {
				continue
			}
			session.Enqueue(registry.Delivery{
				Target:  cb.Target,
				Kind:    registry.CallbackDiskAppeared,
				DiskID:  disk.ID,
				Payload: disk.Descriptor.Snapshot(),
			})
		}
		session.Enqueue(registry.Delivery{Target: cb.Target, Kind: registry.CallbackDiskListComplete})
		d.mu.Lock()
		idle := d.idle
		d.mu.Unlock()
		if idle {
			session.Enqueue(registry.Delivery{Target: cb.Target, Kind: registry.CallbackIdle})
		}
	case registry.CallbackIdle:
		d.mu.Lock()
		idle := d.idle
		d.mu.Unlock()
		if idle {
			session.Enqueue(registry.Delivery{Target: cb.Target, Kind: registry.CallbackIdle})
		}
	}
}

// SolicitApproval issues a wait-for-quorum solicitation of the given
// approval kind against disk, returning a channel that receives exactly one
// ApprovalResult once every matching callback belonging to a session alive
// at solicitation time has responded or its session has disconnected (§4.4
// Approvals, §8 property 3).
//
// If no session currently has a matching callback registered, the
// operation is permitted immediately: quorum of zero is vacuously complete.
func (d *Dispatcher) SolicitApproval(kind registry.CallbackKind, disk *registry.Disk) <-chan ApprovalResult {
	done := make(chan ApprovalResult, 1)
	matches := d.orderedCallbacks(kind, disk, nil)

	if len(matches) == 0 {
		done <- ApprovalResult{}
		return done
	}

	responseID := atomic.AddInt64(&d.nextResponseID, 1)
	pa := &pendingApproval{
		expected: make(map[string]bool, len(matches)),
		done:     done,
	}
	for _, m := range matches {
		pa.expected[m.session.ID] = true
	}

	d.mu.Lock()
	d.pending[responseID] = pa
	d.mu.Unlock()

	for _, m := range matches {
		m.session.Enqueue(registry.Delivery{
			Target: m.cb.Target,
			Kind:   kind,
			DiskID: disk.ID,
			Payload: map[descriptor.Key]any{
				"ResponseID": responseID,
			},
		})
	}

	return done
}

// RespondApproval records a client's answer to an outstanding solicitation,
// correlated by responseID. A non-empty dissent takes precedence over any
// prior or subsequent response (§4.4, §8 property 4): once set it is never
// overwritten by a later approval.
func (d *Dispatcher) RespondApproval(responseID int64, sessionID, dissent string) {
	d.mu.Lock()
	pa, ok := d.pending[responseID]
	d.mu.Unlock()
	if !ok {
		return
	}
	d.resolveOne(responseID, pa, sessionID, dissent)
}

// SessionTorndown treats every outstanding approval response still expected
// from sessionID as an implicit "approve with no dissent" (§5 Cancellation),
// and immediately re-evaluates any solicitation this unblocks.
func (d *Dispatcher) SessionTorndown(sessionID string) {
	d.mu.Lock()
	var affected []int64
	for id, pa := range d.pending {
		pa.mu.Lock()
		if pa.expected[sessionID] {
			affected = append(affected, id)
		}
		pa.mu.Unlock()
	}
	d.mu.Unlock()

	for _, id := range affected {
		d.mu.Lock()
		pa, ok := d.pending[id]
		d.mu.Unlock()
		if ok {
			d.resolveOne(id, pa, sessionID, "")
		}
	}
}

func (d *Dispatcher) resolveOne(responseID int64, pa *pendingApproval, sessionID, dissent string) {
	pa.mu.Lock()
	if !pa.expected[sessionID] {
		pa.mu.Unlock()
		return
	}
	delete(pa.expected, sessionID)
	if dissent != "" && pa.dissent == "" {
		pa.dissent = dissent
	}
	remaining := len(pa.expected)
	complete := remaining == 0 && !pa.delivered
	if complete {
		pa.delivered = true
	}
	result := ApprovalResult{Dissent: pa.dissent}
	pa.mu.Unlock()

	if !complete {
		return
	}

	d.mu.Lock()
	delete(d.pending, responseID)
	d.mu.Unlock()

	pa.done <- result
}

// SetBusy marks the start (delta=+1) or end (delta=-1) of a queued request
// or an ongoing stage, re-evaluating the idle edge trigger (§4.4 Idle
// tracking, §8 property 5).
func (d *Dispatcher) SetBusy(delta int) {
	d.mu.Lock()
	d.inflight += delta
	wasIdle := d.idle
	nowIdle := d.inflight == 0 && len(d.pending) == 0
	d.idle = nowIdle
	d.mu.Unlock()

	if !wasIdle && nowIdle {
		d.broadcastIdle()
	}
}

// IsIdle reports the current idle predicate.
func (d *Dispatcher) IsIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

func (d *Dispatcher) broadcastIdle() {
	for _, s := range d.sessions.All() {
		for _, cb := range s.Callbacks() {
			if cb.Kind == registry.CallbackIdle {
				s.Enqueue(registry.Delivery{Target: cb.Target, Kind: registry.CallbackIdle})
			}
		}
	}
}
