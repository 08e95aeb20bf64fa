// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stratastor/logger"
	"github.com/stretchr/testify/require"

	"github.com/diskarbd/diskarbd/internal/callback"
	"github.com/diskarbd/diskarbd/internal/descriptor"
	"github.com/diskarbd/diskarbd/internal/helpers"
	"github.com/diskarbd/diskarbd/internal/ingest"
	"github.com/diskarbd/diskarbd/internal/mountmap"
	"github.com/diskarbd/diskarbd/internal/registry"
	"github.com/diskarbd/diskarbd/internal/stage"
	"github.com/diskarbd/diskarbd/pkg/errors"
)

func newTestServer(t *testing.T) (*Server, *registry.DiskRegistry) {
	t.Helper()
	l, err := logger.NewTag(logger.Config{LogLevel: "error"}, "test")
	require.NoError(t, err)

	disks := registry.NewDiskRegistry()
	units := registry.NewUnitRegistry()
	sessions := registry.NewSessionRegistry()
	dispatcher := callback.New(l, sessions)
	helperDispatcher := helpers.NewDispatcher(l, nil, nil, nil, 2, 0)
	mm := mountmap.New(l, filepath.Join(t.TempDir(), "mountmap.yaml"))
	require.NoError(t, mm.Load())
	ing := ingest.New(l, ingest.Config{}, disks, units, dispatcher)
	engine := stage.New(l, stage.Config{VolumeRoot: t.TempDir()}, disks, dispatcher, helperDispatcher, mm, ing)

	volumeRoot := t.TempDir()
	return New(l, disks, units, sessions, dispatcher, engine, mm, volumeRoot), disks
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func unmarshalInto(t *testing.T, resp *CommandResponse, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Payload, out))
}

func TestServer_SessionCreateReleaseLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	createResp := s.Dispatch(context.Background(), &CommandRequest{
		Command: CmdSessionCreate,
		Payload: mustPayload(t, sessionCreateRequest{ProcessID: 1234, ProcessName: "client"}),
	})
	require.Equal(t, errors.Success, createResp.Code)

	var created sessionCreateResponse
	unmarshalInto(t, createResp, &created)
	require.NotEmpty(t, created.SessionID)

	releaseResp := s.Dispatch(context.Background(), &CommandRequest{
		Command:   CmdSessionRelease,
		SessionID: created.SessionID,
	})
	require.Equal(t, errors.Success, releaseResp.Code)

	// Releasing an already-released session fails with SessionNotFound.
	secondRelease := s.Dispatch(context.Background(), &CommandRequest{
		Command:   CmdSessionRelease,
		SessionID: created.SessionID,
	})
	require.Equal(t, errors.NotFound, secondRelease.Code)
}

func TestServer_UnknownCommandReturnsBadArgument(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.Dispatch(context.Background(), &CommandRequest{Command: "NoSuchCommand"})
	require.Equal(t, errors.BadArgument, resp.Code)
}

func TestServer_DiskCopyDescriptionRoundTrips(t *testing.T) {
	s, disks := newTestServer(t)

	d := registry.NewDisk("disk1", "kobj")
	d.Descriptor.Set(descriptor.KeyVolumeName, "untitled")
	require.NoError(t, disks.Insert(d))

	resp := s.Dispatch(context.Background(), &CommandRequest{
		Command: CmdDiskCopyDescription,
		Payload: mustPayload(t, diskIDRequest{DiskID: "disk1"}),
	})
	require.Equal(t, errors.Success, resp.Code)

	var snapshot map[descriptor.Key]any
	unmarshalInto(t, resp, &snapshot)
	require.Equal(t, "untitled", snapshot[descriptor.KeyVolumeName])
}

func TestServer_DiskCopyDescriptionMissingDiskReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.Dispatch(context.Background(), &CommandRequest{
		Command: CmdDiskCopyDescription,
		Payload: mustPayload(t, diskIDRequest{DiskID: "missing"}),
	})
	require.Equal(t, errors.NotFound, resp.Code)
}

func TestServer_ClaimRequestThenUnclaim(t *testing.T) {
	s, disks := newTestServer(t)

	d := registry.NewDisk("disk1", "kobj")
	require.NoError(t, disks.Insert(d))

	createResp := s.Dispatch(context.Background(), &CommandRequest{
		Command: CmdSessionCreate,
		Payload: mustPayload(t, sessionCreateRequest{ProcessID: 1, ProcessName: "client"}),
	})
	var created sessionCreateResponse
	unmarshalInto(t, createResp, &created)

	claimResp := s.Dispatch(context.Background(), &CommandRequest{
		Command:   CmdSessionQueueRequest,
		SessionID: created.SessionID,
		Payload:   mustPayload(t, queueRequestRequest{Kind: RequestClaim, DiskID: "disk1"}),
	})
	require.Equal(t, errors.Success, claimResp.Code)
	require.True(t, d.ClaimedBy() != "")

	// A disk already claimed cannot be claimed again.
	otherResp := s.Dispatch(context.Background(), &CommandRequest{
		Command:   CmdSessionQueueRequest,
		SessionID: created.SessionID,
		Payload:   mustPayload(t, queueRequestRequest{Kind: RequestClaim, DiskID: "disk1"}),
	})
	require.Equal(t, errors.ExclusiveAccess, otherResp.Code)

	unclaimResp := s.Dispatch(context.Background(), &CommandRequest{
		Command:   CmdDiskUnclaim,
		SessionID: created.SessionID,
		Payload:   mustPayload(t, diskIDRequest{DiskID: "disk1"}),
	})
	require.Equal(t, errors.Success, unclaimResp.Code)
	require.Equal(t, "", d.ClaimedBy())
}

func TestServer_MkdirRmdirRestrictedToVolumeRootChild(t *testing.T) {
	s, _ := newTestServer(t)

	ok := s.Dispatch(context.Background(), &CommandRequest{
		Command: CmdMkdir,
		Payload: mustPayload(t, pathRequest{Path: filepath.Join(s.volumeRoot, "untitled")}),
	})
	require.Equal(t, errors.Success, ok.Code)

	nested := s.Dispatch(context.Background(), &CommandRequest{
		Command: CmdMkdir,
		Payload: mustPayload(t, pathRequest{Path: filepath.Join(s.volumeRoot, "untitled", "nested")}),
	})
	require.Equal(t, errors.NotPermitted, nested.Code)

	rm := s.Dispatch(context.Background(), &CommandRequest{
		Command: CmdRmdir,
		Payload: mustPayload(t, pathRequest{Path: filepath.Join(s.volumeRoot, "untitled")}),
	})
	require.Equal(t, errors.Success, rm.Code)
}
