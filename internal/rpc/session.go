// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/diskarbd/diskarbd/internal/descriptor"
	"github.com/diskarbd/diskarbd/internal/registry"
	"github.com/diskarbd/diskarbd/pkg/errors"
)

func (s *Server) registerSessionHandlers() {
	s.handle(CmdSessionCreate, s.handleSessionCreate)
	s.handle(CmdSessionRelease, s.handleSessionRelease)
	s.handle(CmdSessionSetClientPort, s.handleSessionSetClientPort)
	s.handle(CmdSessionSetAuthorization, s.handleSessionSetAuthorization)
	s.handle(CmdSessionRegisterCallback, s.handleSessionRegisterCallback)
	s.handle(CmdSessionUnregisterCallback, s.handleSessionUnregisterCallback)
	s.handle(CmdSessionCopyCallbackQueue, s.handleSessionCopyCallbackQueue)
	s.handle(CmdSessionQueueRequest, s.handleSessionQueueRequest)
	s.handle(CmdSessionQueueResponse, s.handleSessionQueueResponse)
}

type sessionCreateRequest struct {
	ProcessID   int    `json:"processId"`
	ProcessName string `json:"processName"`
}

type sessionCreateResponse struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSessionCreate(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var in sessionCreateRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	id := strconv.FormatInt(atomic.AddInt64(&s.nextSessionID, 1), 10)
	sess := registry.NewSession(id, in.ProcessID, in.ProcessName)
	s.sessions.Insert(sess)
	return successResponse("session created", sessionCreateResponse{SessionID: id})
}

// handleSessionRelease tears a session down: every outstanding approval it
// still owes a response for is resolved as an implicit approval (§5
// Cancellation), the session is forgotten, and every disk claim it holds is
// released.
func (s *Server) handleSessionRelease(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	if _, err := s.lookupSession(req); err != nil {
		return nil, err
	}
	s.dispatcher.SessionTorndown(req.SessionID)
	s.sessions.Remove(req.SessionID)
	for _, d := range s.disks.All() {
		if d.ClaimedBy() == req.SessionID {
			d.Unclaim()
			s.dispatcher.Notify(registry.CallbackDiskClaimRelease, d, nil)
		}
	}
	return successResponse("session released", nil)
}

type setClientPortRequest struct {
	Port string `json:"port"`
}

func (s *Server) handleSessionSetClientPort(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	sess, err := s.lookupSession(req)
	if err != nil {
		return nil, err
	}
	var in setClientPortRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	sess.ClientPort = in.Port
	return successResponse("client port set", nil)
}

type setAuthorizationRequest struct {
	Capability string `json:"capability"`
}

func (s *Server) handleSessionSetAuthorization(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	sess, err := s.lookupSession(req)
	if err != nil {
		return nil, err
	}
	var in setAuthorizationRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	sess.Authorization = in.Capability
	return successResponse("authorization set", nil)
}

type registerCallbackRequest struct {
	Kind    registry.CallbackKind  `json:"kind"`
	Order   int                    `json:"order"`
	Address string                 `json:"address"`
	Context string                 `json:"context"`
	Match   map[descriptor.Key]any `json:"match,omitempty"`
	Watch   map[descriptor.Key]bool `json:"watch,omitempty"`
}

func (s *Server) handleSessionRegisterCallback(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	sess, err := s.lookupSession(req)
	if err != nil {
		return nil, err
	}
	var in registerCallbackRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}

	target := registry.RemoteTarget{Address: in.Address, Context: in.Context}
	for _, existing := range sess.Callbacks() {
		if existing.Target == target {
			return nil, errors.New(errors.SessionCallbackAlreadyRegistered, in.Address)
		}
	}

	cb := &registry.Callback{
		Target: target,
		Kind:   in.Kind,
		Order:  in.Order,
		Match:  in.Match,
		Watch:  in.Watch,
	}
	s.dispatcher.RegisterCallback(sess, cb, s.disks)
	return successResponse("callback registered", nil)
}

type unregisterCallbackRequest struct {
	Address string `json:"address"`
	Context string `json:"context"`
}

func (s *Server) handleSessionUnregisterCallback(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	sess, err := s.lookupSession(req)
	if err != nil {
		return nil, err
	}
	var in unregisterCallbackRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	target := registry.RemoteTarget{Address: in.Address, Context: in.Context}
	if !sess.UnregisterCallback(target) {
		return nil, errors.New(errors.SessionCallbackNotFound, in.Address)
	}
	return successResponse("callback unregistered", nil)
}

func (s *Server) handleSessionCopyCallbackQueue(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	sess, err := s.lookupSession(req)
	if err != nil {
		return nil, err
	}
	return successResponse("callback queue drained", sess.DrainQueue())
}

type queueRequestRequest struct {
	Kind       RequestKind            `json:"kind"`
	DiskID     string                 `json:"diskId"`
	Options    map[string]any         `json:"options,omitempty"`
	Arg2       string                 `json:"arg2,omitempty"`
	Arg3       string                 `json:"arg3,omitempty"`
	Address    string                 `json:"address"`
	Context    string                 `json:"context"`
	Credential string                 `json:"credential,omitempty"`
}

type queueRequestResponse struct {
	RequestID string `json:"requestId"`
}

// handleSessionQueueRequest submits a client request against a disk to the
// Stage Engine, each request kind driven by the matching Engine method
// (§6). This mirrors the approval-then-act shape every Stage Engine entry
// point already uses; the handler itself only validates and dispatches —
// the policy lives in the Engine.
func (s *Server) handleSessionQueueRequest(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	if _, err := s.lookupSession(req); err != nil {
		return nil, err
	}
	var in queueRequestRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}

	d, err := s.lookupDisk(in.DiskID)
	if err != nil {
		return nil, err
	}

	requestID := strconv.FormatInt(atomic.AddInt64(&s.nextResponseID, 1), 10)
	d.RequestID = requestID

	switch in.Kind {
	case RequestMount:
		s.stage.ReconsiderDeferred(ctx, d)
	case RequestUnmount:
		if err := s.stage.Unmount(ctx, d); err != nil {
			return nil, err
		}
	case RequestEject:
		if err := s.stage.Eject(ctx, d); err != nil {
			return nil, err
		}
	case RequestRename:
		if err := s.stage.Rename(ctx, d, in.Arg2); err != nil {
			return nil, err
		}
	case RequestRefresh, RequestProbe:
		if err := s.stage.Refresh(ctx, d); err != nil {
			return nil, err
		}
	case RequestClaim:
		if !d.SetClaim(req.SessionID) {
			return nil, errors.New(errors.DiskClaimed, in.DiskID)
		}
	case RequestClassic:
		s.stage.ReconsiderDeferred(ctx, d)
	default:
		return nil, errors.New(errors.RPCBadArgument, string(in.Kind))
	}

	return successResponse("request queued", queueRequestResponse{RequestID: requestID})
}

type queueResponseRequest struct {
	Address    string `json:"address"`
	Context    string `json:"context"`
	Kind       registry.CallbackKind `json:"kind"`
	DiskID     string `json:"diskId"`
	Response   string `json:"response"`
	ResponseID int64  `json:"responseId"`
}

// handleSessionQueueResponse answers a previously solicited approval. A
// non-empty Response string is treated as the dissent status (§4.4).
func (s *Server) handleSessionQueueResponse(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	if _, err := s.lookupSession(req); err != nil {
		return nil, err
	}
	var in queueResponseRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	s.dispatcher.RespondApproval(in.ResponseID, req.SessionID, in.Response)
	return successResponse("response recorded", nil)
}
