package binary

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStoreCopiesOnce(t *testing.T) {
	src := filepath.Join(t.TempDir(), "sample")
	content := []byte("#!/bin/sh\necho hi\n")
	require.NoError(t, os.WriteFile(src, content, 0755))

	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])

	bins := filepath.Join(t.TempDir(), "bins")
	c, err := NewCache(4, bins, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.False(t, c.HasBinary(want))

	hash, err := c.Store(src)
	require.NoError(t, err)
	assert.Equal(t, want, hash)
	assert.True(t, c.HasBinary(hash))

	stored := c.GetBinaryPath(hash)
	assert.Equal(t, filepath.Join(bins, want[:2], want+".bin"), stored)
	got, err := os.ReadFile(stored)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	info, err := os.Stat(stored)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0444), info.Mode().Perm())

	// second store is a no-op
	hash2, err := c.Store(src)
	require.NoError(t, err)
	assert.Equal(t, hash, hash2)

	entries, err := os.ReadDir(filepath.Join(bins, want[:2]))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestHasBinaryFallsBackToDisk(t *testing.T) {
	src := filepath.Join(t.TempDir(), "sample")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
	bins := t.TempDir()

	c1, err := NewCache(1, bins, nil)
	require.NoError(t, err)
	hash, err := c1.Store(src)
	require.NoError(t, err)

	c2, err := NewCache(1, bins, nil)
	require.NoError(t, err)
	assert.True(t, c2.HasBinary(hash), "fresh cache finds existing copy")
}

func TestStoreMissingSource(t *testing.T) {
	c, err := NewCache(1, t.TempDir(), nil)
	require.NoError(t, err)
	_, err = c.Store("/definitely/not/here")
	assert.Error(t, err)
}
