// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "pointer")
	require.NoError(t, WriteFileAtomic(filePath, func(f *os.File) error {
		_, err := f.WriteString("checkpoint-a")
		return err
	}))
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-a", string(contents))

	// A failing writer leaves the previous contents and no temporary files behind.
	err = WriteFileAtomic(filePath, func(f *os.File) error {
		_, _ = f.WriteString("partial")
		return errors.New("boom")
	})
	require.Error(t, err)
	contents, err = os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "checkpoint-a", string(contents))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEnsureDirAndFileExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir))
	exists, err = FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)

	filePath := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(filePath, nil, 0644))
	require.Error(t, EnsureDir(filePath))
}

func TestReplaceTildeInDir(t *testing.T) {
	got, err := ReplaceTildeInDir("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)

	got, err = ReplaceTildeInDir("~/runs")
	require.NoError(t, err)
	assert.NotContains(t, got, "~")
}
