// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package mountmap

import (
	"path/filepath"
	"testing"

	"github.com/stratastor/logger"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	l, err := logger.NewTag(logger.Config{LogLevel: "error"}, "test")
	require.NoError(t, err)
	return New(l, filepath.Join(t.TempDir(), "mountmap.yaml"))
}

func TestStore_LoadMissingFileIsEmpty(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Load())
	_, ok := s.Lookup("some-uuid")
	require.False(t, ok)
}

func TestStore_SetLookupFlushRoundtrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Load())

	auto := true
	s.Set(&Override{MatchUUID: "uuid-1", MountPoint: "/Volumes/Pinned", Automatic: &auto})
	require.NoError(t, s.Flush())

	reloaded := New(s.log, s.path)
	require.NoError(t, reloaded.Load())

	o, ok := reloaded.Lookup("uuid-1")
	require.True(t, ok)
	require.Equal(t, "/Volumes/Pinned", o.MountPoint)
	require.True(t, *o.Automatic)
}

func TestStore_RemoveThenLookupMisses(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Load())
	s.Set(&Override{MatchUUID: "uuid-2"})
	s.Remove("uuid-2")
	_, ok := s.Lookup("uuid-2")
	require.False(t, ok)
}
