// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"sync"

	"github.com/diskarbd/diskarbd/internal/descriptor"
)

// CallbackKind is the closed set of callback kinds a session may register,
// per §6 of the design.
type CallbackKind string

const (
	CallbackDiskAppeared           CallbackKind = "disk-appeared"
	CallbackDiskDisappeared        CallbackKind = "disk-disappeared"
	CallbackDiskDescriptionChanged CallbackKind = "disk-description-changed"
	CallbackDiskMountApproval      CallbackKind = "disk-mount-approval"
	CallbackDiskUnmountApproval    CallbackKind = "disk-unmount-approval"
	CallbackDiskEjectApproval      CallbackKind = "disk-eject-approval"
	CallbackDiskPeek               CallbackKind = "disk-peek"
	CallbackDiskClaimRelease       CallbackKind = "disk-claim-release"
	CallbackDiskListComplete       CallbackKind = "disk-list-complete"
	CallbackIdle                   CallbackKind = "idle"
)

// approvalKinds is the subset of CallbackKind that solicits a quorum
// response rather than merely notifying.
var approvalKinds = map[CallbackKind]bool{
	CallbackDiskMountApproval:   true,
	CallbackDiskUnmountApproval: true,
	CallbackDiskEjectApproval:   true,
}

// IsApproval reports whether kind is one of the wait-for-quorum callback
// kinds (§4.4 Approvals).
func IsApproval(kind CallbackKind) bool { return approvalKinds[kind] }

// RemoteTarget is the opaque (address, context) pair the client supplied at
// registration time, echoed back unchanged on every delivery so the client
// can correlate it to the handler it registered.
type RemoteTarget struct {
	Address string
	Context string
}

// Response is the one-shot answer to an approval solicitation.
type Response struct {
	ResponseID int64
	Dissent    string // non-empty dissent status fails the operation (§4.4)
}

// Callback is a subscription or solicitation owned by exactly one Session.
type Callback struct {
	Target RemoteTarget
	Kind   CallbackKind
	Order  int
	Match  map[descriptor.Key]any // optional match-dictionary filter
	Watch  map[descriptor.Key]bool // optional watch-key set (description-changed only)

	mu       sync.Mutex
	response *Response // set once the client answers an approval solicitation
}

// MatchesDisk reports whether this callback's match filter (if any) holds
// against d's current descriptor.
func (cb *Callback) MatchesDisk(d *Disk) bool {
	return d.Descriptor.Matches(cb.Match)
}

// WatchesAny reports whether changedKeys intersects this callback's watch set.
func (cb *Callback) WatchesAny(changedKeys []descriptor.Key) bool {
	if len(cb.Watch) == 0 {
		return true
	}
	for _, k := range changedKeys {
		if cb.Watch[k] {
			return true
		}
	}
	return false
}

// Respond records the client's answer to an approval solicitation. It is
// safe to call at most once per callback invocation; subsequent calls are
// ignored.
func (cb *Callback) Respond(resp Response) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.response == nil {
		cb.response = &resp
	}
}

// TakeResponse returns and clears the recorded response, if any.
func (cb *Callback) TakeResponse() (Response, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.response == nil {
		return Response{}, false
	}
	r := *cb.response
	cb.response = nil
	return r, true
}

// SessionState is the per-session flag word (§3).
type SessionState uint32

const (
	SessionIdleObserved SessionState = 1 << iota
	SessionTimeout
)

// Delivery is a serialized callback-invocation record queued for a session
// to drain via the RPC copy-queue call (§4.4 Delivery).
type Delivery struct {
	Target  RemoteTarget
	Kind    CallbackKind
	DiskID  string
	Payload map[descriptor.Key]any
}

// Session is a connected client, identified by its RPC endpoint handle plus
// its originating process id and name.
type Session struct {
	mu sync.Mutex

	ID            string
	ProcessID     int
	ProcessName   string
	Authorization string // opaque capability supplied via SessionSetAuthorization
	ClientPort    string // callback delivery endpoint address

	state     SessionState
	callbacks []*Callback
	queue     []Delivery
}

// NewSession creates a session for a newly connected client.
func NewSession(id string, pid int, name string) *Session {
	return &Session{ID: id, ProcessID: pid, ProcessName: name}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetFlag(flag SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state |= flag
}

func (s *Session) ClearFlag(flag SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state &^= flag
}

// RegisterCallback appends cb to this session's callback list, in
// registration order (used as the stable tiebreak for equal Order values).
func (s *Session) RegisterCallback(cb *Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// UnregisterCallback removes the callback matching target, returning true if
// one was found.
func (s *Session) UnregisterCallback(target RemoteTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cb := range s.callbacks {
		if cb.Target == target {
			s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
			return true
		}
	}
	return false
}

// Callbacks returns a snapshot of this session's registered callbacks, in
// insertion order.
func (s *Session) Callbacks() []*Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Callback, len(s.callbacks))
	copy(out, s.callbacks)
	return out
}

// Enqueue appends a delivery record to the session's pending queue.
func (s *Session) Enqueue(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, d)
}

// QueueLen reports the pending-delivery queue depth, used to detect stall
// thresholds (§4.4 Delivery).
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// DrainQueue returns and clears the pending-delivery queue.
func (s *Session) DrainQueue() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}
