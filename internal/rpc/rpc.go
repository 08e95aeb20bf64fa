// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the client-facing RPC surface: session lifecycle,
// callback registration, request queuing, and disk property access (design
// §6). The real disk-arbitration proto definitions live in a sibling module
// this repository cannot reach, so the wire format is a plain JSON envelope
// (CommandRequest/CommandResponse) carried over a hand-registered
// grpc.ServiceDesc instead of protoc-generated stubs — everything above the
// codec (dispatch, handlers, session bookkeeping) is unchanged from what a
// generated service would need.
package rpc

import (
	"context"
	"encoding/json"
	"net"
	"os"

	"google.golang.org/grpc"

	"github.com/stratastor/logger"

	"github.com/diskarbd/diskarbd/internal/callback"
	"github.com/diskarbd/diskarbd/internal/mountmap"
	"github.com/diskarbd/diskarbd/internal/registry"
	"github.com/diskarbd/diskarbd/internal/stage"
	"github.com/diskarbd/diskarbd/pkg/errors"
)

// Command names a single RPC operation, per the closed operation table in
// design §6.
type Command string

const (
	CmdSessionCreate              Command = "SessionCreate"
	CmdSessionRelease             Command = "SessionRelease"
	CmdSessionSetClientPort       Command = "SessionSetClientPort"
	CmdSessionSetAuthorization    Command = "SessionSetAuthorization"
	CmdSessionRegisterCallback    Command = "SessionRegisterCallback"
	CmdSessionUnregisterCallback  Command = "SessionUnregisterCallback"
	CmdSessionCopyCallbackQueue   Command = "SessionCopyCallbackQueue"
	CmdSessionQueueRequest        Command = "SessionQueueRequest"
	CmdSessionQueueResponse       Command = "SessionQueueResponse"
	CmdDiskCopyDescription        Command = "DiskCopyDescription"
	CmdDiskGetOptions             Command = "DiskGetOptions"
	CmdDiskSetOptions             Command = "DiskSetOptions"
	CmdDiskGetUserUID             Command = "DiskGetUserUID"
	CmdDiskIsClaimed              Command = "DiskIsClaimed"
	CmdDiskUnclaim                Command = "DiskUnclaim"
	CmdDiskSetAdoption            Command = "DiskSetAdoption"
	CmdDiskSetEncoding            Command = "DiskSetEncoding"
	CmdMkdir                      Command = "mkdir"
	CmdRmdir                      Command = "rmdir"
)

// RequestKind is the closed set of operations SessionQueueRequest accepts
// (design §6).
type RequestKind string

const (
	RequestMount   RequestKind = "mount"
	RequestUnmount RequestKind = "unmount"
	RequestEject   RequestKind = "eject"
	RequestRename  RequestKind = "rename"
	RequestRefresh RequestKind = "refresh"
	RequestProbe   RequestKind = "probe"
	RequestClaim   RequestKind = "claim"
	RequestClassic RequestKind = "classic"
)

// CommandRequest is the envelope every RPC call arrives in. Payload is the
// command-specific argument struct, re-marshaled by each handler via
// json.Unmarshal.
type CommandRequest struct {
	Command   Command         `json:"command"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandResponse is the envelope every RPC call returns.
type CommandResponse struct {
	Code    errors.ArbiterCode `json:"code"`
	Message string             `json:"message,omitempty"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

// Handler implements one Command.
type Handler func(ctx context.Context, req *CommandRequest) (*CommandResponse, error)

// Server is the RPC surface: it owns no domain state of its own, only the
// dispatch table and the collaborators every handler needs.
type Server struct {
	log        logger.Logger
	disks      *registry.DiskRegistry
	units      *registry.UnitRegistry
	sessions   *registry.SessionRegistry
	dispatcher *callback.Dispatcher
	stage      *stage.Engine
	mountMap   *mountmap.Store
	volumeRoot string

	nextSessionID  int64
	nextResponseID int64

	handlers map[Command]Handler
}

// New returns a Server wired to the given collaborators and registers every
// known Command against its handler.
func New(log logger.Logger, disks *registry.DiskRegistry, units *registry.UnitRegistry, sessions *registry.SessionRegistry, dispatcher *callback.Dispatcher, stageEngine *stage.Engine, mountMap *mountmap.Store, volumeRoot string) *Server {
	s := &Server{
		log:        log,
		disks:      disks,
		units:      units,
		sessions:   sessions,
		dispatcher: dispatcher,
		stage:      stageEngine,
		mountMap:   mountMap,
		volumeRoot: volumeRoot,
		handlers:   make(map[Command]Handler),
	}
	s.registerSessionHandlers()
	s.registerDiskHandlers()
	s.registerFilesystemHandlers()
	return s
}

// Dispatch routes req to its registered handler. It is the single entry
// point the gRPC method descriptor calls, and is also called directly by
// tests.
func (s *Server) Dispatch(ctx context.Context, req *CommandRequest) *CommandResponse {
	h, ok := s.handlers[req.Command]
	if !ok {
		return errorResponse(errors.New(errors.RPCBadArgument, "unknown command: "+string(req.Command)))
	}
	resp, err := h(ctx, req)
	if err != nil {
		return errorResponse(err)
	}
	return resp
}

func (s *Server) handle(cmd Command, h Handler) { s.handlers[cmd] = h }

// successResponse marshals data (nil is fine) into an ArbiterSuccess response.
func successResponse(message string, data any) (*CommandResponse, error) {
	var payload json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrap(err, errors.RPCBadArgument)
		}
		payload = b
	}
	return &CommandResponse{Code: errors.Success, Message: message, Payload: payload}, nil
}

// errorResponse translates err into a CommandResponse carrying its
// ArbiterCode, defaulting to NotReady for errors not raised through
// pkg/errors.
func errorResponse(err error) *CommandResponse {
	code := errors.ArbiterCodeOf(err)
	return &CommandResponse{Code: code, Message: err.Error()}
}

func decodePayload(req *CommandRequest, out any) error {
	if len(req.Payload) == 0 {
		return errors.New(errors.RPCBadArgument, "empty payload")
	}
	return json.Unmarshal(req.Payload, out)
}

// lookupSession resolves req.SessionID, failing with SessionNotFound if it
// is unknown — every handler but SessionCreate needs this.
func (s *Server) lookupSession(req *CommandRequest) (*registry.Session, error) {
	sess, ok := s.sessions.Lookup(req.SessionID)
	if !ok {
		return nil, errors.New(errors.SessionNotFound, req.SessionID)
	}
	return sess, nil
}

// lookupDisk resolves a disk id, failing with DiskNotFound if unknown.
func (s *Server) lookupDisk(id string) (*registry.Disk, error) {
	d, ok := s.disks.Lookup(id)
	if !ok {
		return nil, errors.New(errors.DiskNotFound, id)
	}
	return d, nil
}

// Serve listens on a unix socket at socketPath and runs a gRPC server
// exposing the single generic Dispatch method, using jsonCodec instead of
// the default protobuf codec, until ctx is canceled.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return errors.Wrap(err, errors.RPCBadArgument)
	}
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return errors.Wrap(err, errors.RPCBadArgument)
	}
	defer lis.Close()

	grpcServer := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}))
	grpcServer.RegisterService(&serviceDesc, s)

	errCh := make(chan error, 1)
	go func() { errCh <- grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// serviceDesc is the hand-registered gRPC service descriptor standing in
// for what protoc would otherwise generate: one unary method, "Dispatch",
// whose request/response types are the plain CommandRequest/CommandResponse
// structs above, decoded through jsonCodec.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "diskarbd.Arbiter",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Dispatch",
			Handler:    dispatchHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpc.proto",
}

func dispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*Server)
	if interceptor == nil {
		return s.Dispatch(ctx, in), nil
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/diskarbd.Arbiter/Dispatch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.Dispatch(ctx, req.(*CommandRequest)), nil
	}
	return interceptor(ctx, in, info, handler)
}
