// Package checksum computes and verifies the digests that pin a proposal's
// patch file between creation and acceptance.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const prefix = "sha256:"

// ErrMismatch is returned when a file no longer matches its recorded digest.
var ErrMismatch = errors.New("checksum mismatch")

// Bytes returns the digest of data as "sha256:<hex>".
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return prefix + hex.EncodeToString(sum[:])
}

// File streams the file at path through SHA-256.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks that the file at path still hashes to expected.
func Verify(path, expected string) error {
	if !strings.HasPrefix(expected, prefix) || len(expected) != len(prefix)+64 {
		return fmt.Errorf("invalid checksum format %q", expected)
	}

	actual, err := File(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrMismatch, expected, actual)
	}
	return nil
}
