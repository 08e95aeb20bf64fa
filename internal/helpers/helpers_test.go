// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package helpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stratastor/logger"
	"github.com/stretchr/testify/require"
)

func writeFakeHelper(t *testing.T, dir, name, script string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
}

func TestDispatcher_ResolveMissingHelper(t *testing.T) {
	l, err := logger.NewTag(logger.Config{LogLevel: "error"}, "test")
	require.NoError(t, err)

	d := NewDispatcher(l, []string{t.TempDir()}, nil, nil, 2, 0)
	_, err = d.Resolve(KindProbe, "hfs")
	require.Error(t, err)
	require.False(t, d.Available(KindProbe, "hfs"))
}

func TestDispatcher_RunExecutesResolvedHelper(t *testing.T) {
	dir := t.TempDir()
	writeFakeHelper(t, dir, "hfs", "#!/bin/sh\necho ok\n")

	l, err := logger.NewTag(logger.Config{LogLevel: "error"}, "test")
	require.NoError(t, err)

	d := NewDispatcher(l, []string{dir}, nil, nil, 2, 0)
	require.True(t, d.Available(KindProbe, "hfs"))

	result := d.Run(context.Background(), KindProbe, "hfs", "/dev/disk2s1")
	require.NoError(t, result.Err)
	require.Contains(t, result.Output, "ok")
}

func TestDispatcher_ConcurrencyLimit(t *testing.T) {
	dir := t.TempDir()
	writeFakeHelper(t, dir, "hfs", "#!/bin/sh\nsleep 0.05\necho done\n")

	l, err := logger.NewTag(logger.Config{LogLevel: "error"}, "test")
	require.NoError(t, err)

	d := NewDispatcher(l, []string{dir}, nil, nil, 1, 0)

	ch1 := d.RunAsync(context.Background(), KindProbe, "hfs")
	ch2 := d.RunAsync(context.Background(), KindProbe, "hfs")

	r1 := <-ch1
	r2 := <-ch2
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
}
