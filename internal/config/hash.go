package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// Fingerprint computes the BLAKE3 hash of a config file. It is logged at
// startup so operators can tell which revision of a config a process runs.
func Fingerprint(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return FingerprintBytes(data), nil
}

// FingerprintBytes hashes raw config bytes.
func FingerprintBytes(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyFingerprint checks a config file against an expected hash.
func VerifyFingerprint(filePath, expected string) error {
	actual, err := Fingerprint(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", filePath, expected, actual)
	}
	return nil
}
