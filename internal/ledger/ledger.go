package ledger

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/iambrandonn/gatekeep/internal/eventlog"
	"github.com/iambrandonn/gatekeep/internal/ndjson"
)

// Ledger is an ordered, parsed view of the audit stream.
type Ledger struct {
	Events []eventlog.Event
}

// Filter selects events. Empty fields match everything.
type Filter struct {
	JobID     string
	SessionID string
	Type      string
}

// Match reports whether evt satisfies f.
func (f Filter) Match(evt eventlog.Event) bool {
	if f.JobID != "" && evt.JobID != f.JobID {
		return false
	}
	if f.SessionID != "" && evt.SessionID != f.SessionID {
		return false
	}
	if f.Type != "" && evt.Type != f.Type {
		return false
	}
	return true
}

// ReadLedger reads a single NDJSON partition file.
func ReadLedger(path string) (*Ledger, error) {
	ledger := &Ledger{Events: make([]eventlog.Event, 0)}
	if err := ledger.appendFile(path); err != nil {
		return nil, err
	}
	return ledger, nil
}

// ReadAll reads every year/month partition under root in chronological order.
// A missing root yields an empty ledger.
func ReadAll(root string) (*Ledger, error) {
	ledger := &Ledger{Events: make([]eventlog.Event, 0)}

	var partitions []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == eventlog.FileName {
			partitions = append(partitions, path)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return ledger, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit directory: %w", err)
	}

	// YYYY/MM directory names sort chronologically.
	sort.Strings(partitions)
	for _, path := range partitions {
		if err := ledger.appendFile(path); err != nil {
			return nil, err
		}
	}
	return ledger, nil
}

func (l *Ledger) appendFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer file.Close()

	dec := ndjson.NewDecoder(file, nil)
	for {
		var evt eventlog.Event
		err := dec.Decode(&evt)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if evt.Type == "" {
			return fmt.Errorf("%s line %d: event has no type", path, dec.Line())
		}
		l.Events = append(l.Events, evt)
	}
}

// Select returns events matching f, in stream order.
func (l *Ledger) Select(f Filter) []eventlog.Event {
	out := make([]eventlog.Event, 0)
	for _, evt := range l.Events {
		if f.Match(evt) {
			out = append(out, evt)
		}
	}
	return out
}

// LastTransitions returns the most recent job.transition event per job id.
func (l *Ledger) LastTransitions() map[string]eventlog.Event {
	last := make(map[string]eventlog.Event)
	for _, evt := range l.Events {
		if evt.Type == eventlog.TypeJobTransition && evt.JobID != "" {
			last[evt.JobID] = evt
		}
	}
	return last
}

// OpenJobs returns ids of jobs whose last recorded transition did not land on
// a terminal status, sorted.
func (l *Ledger) OpenJobs(isTerminal func(status string) bool) []string {
	open := make([]string, 0)
	for id, evt := range l.LastTransitions() {
		to, _ := evt.Payload["to"].(string)
		if !isTerminal(to) {
			open = append(open, id)
		}
	}
	sort.Strings(open)
	return open
}
