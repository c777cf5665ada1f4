package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "shardline.lock")
	l, err := Acquire(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	pid, ok := Holder(path)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
	assert.Equal(t, path, l.Path())
}

func TestAcquireFailsWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shardline.lock")
	l1, err := Acquire(path)
	require.NoError(t, err)

	// flock is per open file description, so a second open in the same
	// process conflicts.
	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "pid")

	require.NoError(t, l1.Release())
	require.NoError(t, l1.Release(), "double release is a no-op")

	l2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestAcquireRejectsEmptyPath(t *testing.T) {
	_, err := Acquire("")
	assert.Error(t, err)
}

func TestHolderWithoutFile(t *testing.T) {
	_, ok := Holder(filepath.Join(t.TempDir(), "missing"))
	assert.False(t, ok)
}
