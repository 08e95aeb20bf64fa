// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/diskarbd/diskarbd/pkg/errors"
)

func (s *Server) registerFilesystemHandlers() {
	s.handle(CmdMkdir, s.handleMkdir)
	s.handle(CmdRmdir, s.handleRmdir)
}

type pathRequest struct {
	Path string `json:"path"`
}

// volumeChildPath validates that path names exactly one level below the
// volume root (e.g. /Volumes/name), the only location a client is allowed
// to create or remove a directory (§6 mkdir/rmdir).
func (s *Server) volumeChildPath(path string) (string, error) {
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(s.volumeRoot, clean)
	if err != nil {
		return "", errors.New(errors.RPCBadArgument, path)
	}
	if rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return "", errors.New(errors.RPCNotPermitted, "path must be exactly one level under the volume root")
	}
	return clean, nil
}

func (s *Server) handleMkdir(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var in pathRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	target, err := s.volumeChildPath(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.Mkdir(target, 0755); err != nil {
		return nil, errors.Wrap(err, errors.RPCBadArgument)
	}
	return successResponse("directory created", nil)
}

func (s *Server) handleRmdir(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	var in pathRequest
	if err := decodePayload(req, &in); err != nil {
		return nil, err
	}
	target, err := s.volumeChildPath(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(target); err != nil {
		return nil, errors.Wrap(err, errors.RPCBadArgument)
	}
	return successResponse("directory removed", nil)
}
