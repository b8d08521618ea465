package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/iambrandonn/gatekeep/internal/fsutil"
)

// Layout names the files and directories under a gatekeep state directory.
type Layout struct {
	Root string
}

// GetRequiredDirectories returns the directories that must exist in a state
// directory.
func GetRequiredDirectories() []string {
	return []string{
		"audit", // /audit/<YYYY>/<MM>/events.ndjson
		"jobs",  // /jobs/<YYYY-MM-DD>/<job_id>.json
		"tmp",   // /tmp/sandbox-*, /tmp/patch-*
	}
}

// AuditDir is the root of the audit stream.
func (l Layout) AuditDir() string { return filepath.Join(l.Root, "audit") }

// JobsDir holds job summaries.
func (l Layout) JobsDir() string { return filepath.Join(l.Root, "jobs") }

// TempDir holds sandboxes and patches.
func (l Layout) TempDir() string { return filepath.Join(l.Root, "tmp") }

// ProposalsPath is the file-backed proposal document.
func (l Layout) ProposalsPath() string { return filepath.Join(l.Root, "proposals.json") }

// PolicyPath is the default policy file location.
func (l Layout) PolicyPath() string { return filepath.Join(l.Root, "policy.yaml") }

// Initialize creates all required directories with 0700 permissions. It is
// idempotent.
func Initialize(root string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// WritePolicyIfMissing writes content to path unless a file already exists.
// It reports whether it wrote.
func WritePolicyIfMissing(path string, content []byte) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("failed to check policy file %s: %w", path, err)
	}
	if err := fsutil.AtomicWrite(path, content); err != nil {
		return false, fmt.Errorf("failed to write policy file: %w", err)
	}
	return true, nil
}

// IsInitialized checks if a state directory has all required directories.
func IsInitialized(root string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(root, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}
