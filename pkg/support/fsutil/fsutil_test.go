// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandHome(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)

	tests := []struct {
		path, want string
	}{
		{"", ""},
		{"/tmp/state.bin", "/tmp/state.bin"},
		{"relative/spec.yaml", "relative/spec.yaml"},
		{"~", usr.HomeDir},
		{"~/ckpt/state.bin", filepath.Join(usr.HomeDir, "ckpt/state.bin")},
		{"~" + usr.Username + "/x", filepath.Join(usr.HomeDir, "x")},
	}
	for _, tt := range tests {
		got, err := ExpandHome(tt.path)
		require.NoError(t, err, "path %q", tt.path)
		assert.Equal(t, tt.want, got, "path %q", tt.path)
	}

	_, err = ExpandHome("~no_such_user_for_sure_1234/x")
	assert.Error(t, err)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "spec.yaml")
	exists, err := FileExists(filePath)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, os.WriteFile(filePath, []byte("type: chunk\n"), 0o644))
	exists, err = FileExists(filePath)
	require.NoError(t, err)
	assert.True(t, exists)
}
