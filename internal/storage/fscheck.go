package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// errDetectUnsupported is returned by detectors on platforms without statfs.
var errDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

// checkLocalFilesystem refuses journal paths on network filesystems, where
// SQLite locking is unreliable.
func checkLocalFilesystem(path string) error {
	return checkLocalFilesystemWith(path, detectFilesystemType)
}

func checkLocalFilesystemWith(path string, detect func(string) (string, error)) error {
	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve journal path %q: %w", path, err)
	}

	fsType, err := detect(inspectPath)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("journal path %q is on network filesystem %q; set journal.path to local disk", path, fsType)
	}
	return nil
}

// nearestExistingPath walks up from path until it finds something that exists,
// since the journal file and its directory may not have been created yet.
func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
