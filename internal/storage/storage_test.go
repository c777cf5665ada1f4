package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLiteBootstrapsJournal(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "journal.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var name string
	require.NoError(t, db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", "dispatch_journal").Scan(&name))
	assert.Equal(t, "dispatch_journal", name)

	// Bootstrapping twice is harmless.
	require.NoError(t, Bootstrap(context.Background(), db))
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}

func TestCheckLocalFilesystem(t *testing.T) {
	root := t.TempDir()
	dbPath := filepath.Join(root, "a", "b", "journal.db")

	tests := []struct {
		name    string
		fsType  string
		detErr  error
		wantErr string
	}{
		{name: "local", fsType: "ext4"},
		{name: "hex magic", fsType: "0xef53"},
		{name: "network", fsType: "NFS", wantErr: `network filesystem "NFS"`},
		{name: "unsupported platform", detErr: errDetectUnsupported},
		{name: "statfs failure", detErr: errors.New("boom"), wantErr: "detect filesystem"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inspected string
			err := checkLocalFilesystemWith(dbPath, func(p string) (string, error) {
				inspected = p
				return tt.fsType, tt.detErr
			})
			assert.Equal(t, root, inspected, "detector sees the nearest existing parent")
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
