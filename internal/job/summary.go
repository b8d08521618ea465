package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/iambrandonn/gatekeep/internal/fsutil"
)

// SummaryWriter persists the human-readable record of a job.
type SummaryWriter interface {
	Write(j Job) error
}

// FileSummaryWriter writes jobs/<YYYY-MM-DD>/<id>.json, partitioned by the
// job's creation date so rewrites land on the same file.
type FileSummaryWriter struct {
	Root string
}

// NewFileSummaryWriter returns a writer rooted at dir.
func NewFileSummaryWriter(dir string) *FileSummaryWriter {
	return &FileSummaryWriter{Root: dir}
}

// SummaryPath returns the artifact path for j.
func SummaryPath(root string, j Job) string {
	return filepath.Join(root, j.CreatedAt.UTC().Format("2006-01-02"), j.ID+".json")
}

// Write replaces the job's summary atomically.
func (w *FileSummaryWriter) Write(j Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	return fsutil.AtomicWriteJSON(SummaryPath(w.Root, j), j)
}

// LoadSummary reads one summary file.
func LoadSummary(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job summary: %w", err)
	}

	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job summary: %w", err)
	}
	if j.History == nil {
		j.History = make([]HistoryEntry, 0)
	}
	return &j, nil
}

// LoadSummaries reads every summary under root, oldest first. A missing root
// yields no jobs.
func LoadSummaries(root string) ([]Job, error) {
	jobs := make([]Job, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		j, err := LoadSummary(path)
		if err != nil {
			return err
		}
		jobs = append(jobs, *j)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return jobs, nil
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	return jobs, nil
}
