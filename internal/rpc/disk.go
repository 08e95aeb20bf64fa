// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"

	"github.com/diskarbd/diskarbd/internal/descriptor"
	"github.com/diskarbd/diskarbd/internal/mountmap"
	"github.com/diskarbd/diskarbd/internal/registry"
	"github.com/diskarbd/diskarbd/pkg/errors"
)

func (s *Server) registerDiskHandlers() {
	s.handle(CmdDiskCopyDescription, s.handleDiskCopyDescription)
	s.handle(CmdDiskGetOptions, s.handleDiskGetOptions)
	s.handle(CmdDiskSetOptions, s.handleDiskSetOptions)
	s.handle(CmdDiskGetUserUID, s.handleDiskGetUserUID)
	s.handle(CmdDiskIsClaimed, s.handleDiskIsClaimed)
	s.handle(CmdDiskUnclaim, s.handleDiskUnclaim)
	s.handle(CmdDiskSetAdoption, s.handleDiskSetAdoption)
	s.handle(CmdDiskSetEncoding, s.handleDiskSetEncoding)
}

type diskIDRequest struct {
	DiskID string `json:"diskId"`
}

func (s *Server) handleDiskCopyDescription(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var in diskIDRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	d, err := s.lookupDisk(in.DiskID)
	if err != nil {
		return nil, err
	}
	return successResponse("description copied", d.Descriptor.Snapshot())
}

// handleDiskGetOptions reports the mount-map override recorded for a disk,
// if any, keyed by its volume UUID (§6 "options" == the mount-map entry).
func (s *Server) handleDiskGetOptions(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var in diskIDRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	d, err := s.lookupDisk(in.DiskID)
	if err != nil {
		return nil, err
	}
	override, ok := s.mountMap.Lookup(d.Descriptor.String(descriptor.KeyVolumeUUID))
	if !ok {
		return successResponse("no options set", nil)
	}
	return successResponse("options retrieved", override)
}

type setOptionsRequest struct {
	DiskID     string `json:"diskId"`
	Automatic  *bool  `json:"automatic,omitempty"`
	MountPoint string `json:"mountPoint,omitempty"`
	Options    string `json:"options,omitempty"`
}

func (s *Server) handleDiskSetOptions(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var in setOptionsRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	d, err := s.lookupDisk(in.DiskID)
	if err != nil {
		return nil, err
	}
	uuid := d.Descriptor.String(descriptor.KeyVolumeUUID)
	if uuid == "" {
		return nil, errors.New(errors.RPCBadArgument, "disk has no volume UUID to key an override on")
	}
	override, ok := s.mountMap.Lookup(uuid)
	if !ok {
		override = &mountmap.Override{MatchUUID: uuid}
	}
	if in.Automatic != nil {
		override.Automatic = in.Automatic
	}
	if in.MountPoint != "" {
		override.MountPoint = in.MountPoint
	}
	if in.Options != "" {
		override.Options = in.Options
	}
	s.mountMap.Set(override)
	return successResponse("options set", nil)
}

type getUserUIDResponse struct {
	UID int64 `json:"uid"`
}

func (s *Server) handleDiskGetUserUID(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var in diskIDRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	d, err := s.lookupDisk(in.DiskID)
	if err != nil {
		return nil, err
	}
	return successResponse("user uid retrieved", getUserUIDResponse{UID: d.Descriptor.Int64(descriptor.KeySuggestedUID)})
}

type isClaimedResponse struct {
	Claimed   bool   `json:"claimed"`
	SessionID string `json:"sessionId,omitempty"`
}

func (s *Server) handleDiskIsClaimed(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var in diskIDRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	d, err := s.lookupDisk(in.DiskID)
	if err != nil {
		return nil, err
	}
	owner := d.ClaimedBy()
	return successResponse("claim status retrieved", isClaimedResponse{Claimed: owner != "", SessionID: owner})
}

// handleDiskUnclaim releases a disk's claim, but only if the calling session
// is the one holding it (§3 invariant (iii): at most one claim, released
// only by its owner or on session teardown).
func (s *Server) handleDiskUnclaim(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var in diskIDRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	d, err := s.lookupDisk(in.DiskID)
	if err != nil {
		return nil, err
	}
	if owner := d.ClaimedBy(); owner != "" && owner != req.SessionID {
		return nil, errors.New(errors.RPCNotPermitted, "disk claimed by another session")
	}
	d.Unclaim()
	s.dispatcher.Notify(registry.CallbackDiskClaimRelease, d, nil)
	return successResponse("claim released", nil)
}

type setAdoptionRequest struct {
	DiskID    string `json:"diskId"`
	Automatic bool   `json:"automatic"`
}

// handleDiskSetAdoption is DiskSetAdoption: it records automatic-mount
// adoption policy for a disk, the same mount-map override DiskSetOptions
// writes through, under the name the design's external-interface table
// uses for it.
func (s *Server) handleDiskSetAdoption(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var in setAdoptionRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	d, err := s.lookupDisk(in.DiskID)
	if err != nil {
		return nil, err
	}
	uuid := d.Descriptor.String(descriptor.KeyVolumeUUID)
	if uuid == "" {
		return nil, errors.New(errors.RPCBadArgument, "disk has no volume UUID to key an override on")
	}
	automatic := in.Automatic
	s.mountMap.Set(&mountmap.Override{MatchUUID: uuid, Automatic: &automatic})
	return successResponse("adoption set", nil)
}

type setEncodingRequest struct {
	DiskID   string `json:"diskId"`
	Encoding string `json:"encoding"`
}

// handleDiskSetEncoding records a disk's filename encoding hint directly on
// its descriptor; it has no mount-map persistence counterpart, since it
// only matters while the volume is mounted (§6 DiskSetEncoding).
func (s *Server) handleDiskSetEncoding(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var in setEncodingRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	d, err := s.lookupDisk(in.DiskID)
	if err != nil {
		return nil, err
	}
	d.Descriptor.Set(descriptor.KeyVolumeEncoding, in.Encoding)
	return successResponse("encoding set", nil)
}
