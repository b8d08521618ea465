package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name string
		path string
		data []byte
		seed []byte
	}{
		{name: "new file", path: filepath.Join(tmpDir, "new.txt"), data: []byte("hello")},
		{name: "overwrite", path: filepath.Join(tmpDir, "existing.txt"), data: []byte("updated"), seed: []byte("original")},
		{name: "empty", path: filepath.Join(tmpDir, "empty.txt"), data: []byte{}},
		{name: "nested directory", path: filepath.Join(tmpDir, "a", "b", "c.txt"), data: []byte("nested")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.seed != nil {
				require.NoError(t, os.WriteFile(tt.path, tt.seed, 0600))
			}

			require.NoError(t, AtomicWrite(tt.path, tt.data))

			content, err := os.ReadFile(tt.path)
			require.NoError(t, err)
			assert.Equal(t, string(tt.data), string(content))

			info, err := os.Stat(tt.path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
		})
	}
}

func TestAtomicWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")

	require.NoError(t, AtomicWriteJSON(path, map[string]any{"version": 1}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(content))
	assert.Equal(t, byte('\n'), content[len(content)-1], "document should end with newline")

	assert.Error(t, AtomicWriteJSON(path, nil))
}

func TestAtomicWriteNoTempFilesLeft(t *testing.T) {
	tmpDir := t.TempDir()
	target := filepath.Join(tmpDir, "proposals.json")

	for i := 0; i < 5; i++ {
		require.NoError(t, AtomicWrite(target, []byte("content")))
	}

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.Name() != "proposals.json" {
			t.Errorf("unexpected file left behind: %s", entry.Name())
		}
	}
}

func TestResolveWithin(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "patch-1", "changes.patch")
	require.NoError(t, os.MkdirAll(filepath.Dir(inside), 0700))
	require.NoError(t, os.WriteFile(inside, []byte("diff"), 0600))

	outsideDir := t.TempDir()
	outside := filepath.Join(outsideDir, "evil.patch")
	require.NoError(t, os.WriteFile(outside, []byte("diff"), 0600))

	link := filepath.Join(root, "link.patch")
	require.NoError(t, os.Symlink(outside, link))

	tests := []struct {
		name    string
		target  string
		wantErr bool
	}{
		{name: "file inside root", target: inside},
		{name: "not yet created inside root", target: filepath.Join(root, "patch-2", "changes.patch")},
		{name: "root itself", target: root, wantErr: true},
		{name: "traversal", target: filepath.Join(root, "..", "elsewhere"), wantErr: true},
		{name: "outside root", target: outside, wantErr: true},
		{name: "symlink escaping root", target: link, wantErr: true},
		{name: "empty", target: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveWithin(root, tt.target)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWithLockSerializesWriters(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "doc.json.lock")

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(lockPath, func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "flock must admit one writer at a time")
}

func TestWithLockReleasesOnError(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "doc.json.lock")
	boom := errors.New("write failed")

	err := WithLock(lockPath, func() error { return boom })
	require.ErrorIs(t, err, boom)

	done := make(chan error, 1)
	go func() { done <- WithLock(lockPath, func() error { return nil }) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("lock was not released after a failed write")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	lock, err := LockFile(filepath.Join(t.TempDir(), "x.lock"))
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())
	assert.NoError(t, lock.Unlock())
}
