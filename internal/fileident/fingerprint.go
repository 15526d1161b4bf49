// Package fileident provides content fingerprinting and file stability checks
// for library ingestion.
package fileident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Fingerprint streams the file at path through SHA-256 and returns the
// hex-encoded digest. Identical bytes always produce the same fingerprint, so
// it is safe to use for duplicate and moved-file detection independent of
// path.
func Fingerprint(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for fingerprint: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
