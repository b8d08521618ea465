package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iambrandonn/gatekeep/internal/eventlog"
)

func writeEvents(t *testing.T, root string, events ...eventlog.Event) {
	t.Helper()
	log, err := eventlog.NewEventLog(root, nil)
	if err != nil {
		t.Fatalf("NewEventLog() error = %v", err)
	}
	defer log.Close()
	for _, evt := range events {
		if err := log.Append(context.Background(), evt); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
}

func TestReadAllAcrossPartitions(t *testing.T) {
	root := t.TempDir()
	sep := time.Date(2026, time.September, 30, 23, 0, 0, 0, time.UTC)
	oct := time.Date(2026, time.October, 1, 1, 0, 0, 0, time.UTC)

	// Written out of order on purpose; partitions are read chronologically.
	writeEvents(t, root,
		eventlog.Event{Type: eventlog.TypeJobTransition, JobID: "job_b", Timestamp: oct, Payload: map[string]any{"to": "PARSED"}},
		eventlog.Event{Type: eventlog.TypeJobCreated, JobID: "job_a", Timestamp: sep},
	)

	ledger, err := ReadAll(root)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(ledger.Events) != 2 {
		t.Fatalf("Events count = %d, want 2", len(ledger.Events))
	}
	if ledger.Events[0].JobID != "job_a" {
		t.Errorf("first event job = %q, want job_a", ledger.Events[0].JobID)
	}
}

func TestReadAllMissingRoot(t *testing.T) {
	ledger, err := ReadAll(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(ledger.Events) != 0 {
		t.Errorf("expected empty ledger, got %d events", len(ledger.Events))
	}
}

func TestReadLedgerRejectsUntypedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), eventlog.FileName)
	if err := os.WriteFile(path, []byte("{\"id\":\"x\"}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadLedger(path); err == nil {
		t.Fatal("expected error for event without type")
	}
}

func TestSelect(t *testing.T) {
	ledger := &Ledger{Events: []eventlog.Event{
		{Type: eventlog.TypeDelegationStarted, SessionID: "s1"},
		{Type: eventlog.TypeDelegationProposal, SessionID: "s1"},
		{Type: eventlog.TypeDelegationStarted, SessionID: "s2"},
		{Type: eventlog.TypeJobCreated, JobID: "job_1"},
	}}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"by session", Filter{SessionID: "s1"}, 2},
		{"by type", Filter{Type: eventlog.TypeDelegationStarted}, 2},
		{"by session and type", Filter{SessionID: "s2", Type: eventlog.TypeDelegationStarted}, 1},
		{"by job", Filter{JobID: "job_1"}, 1},
		{"no match", Filter{JobID: "job_9"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(ledger.Select(tt.filter)); got != tt.want {
				t.Errorf("Select() = %d events, want %d", got, tt.want)
			}
		})
	}
}

func TestOpenJobs(t *testing.T) {
	ledger := &Ledger{Events: []eventlog.Event{
		{Type: eventlog.TypeJobTransition, JobID: "job_1", Payload: map[string]any{"to": "PARSED"}},
		{Type: eventlog.TypeJobTransition, JobID: "job_2", Payload: map[string]any{"to": "EXECUTING"}},
		{Type: eventlog.TypeJobTransition, JobID: "job_1", Payload: map[string]any{"to": "DONE"}},
	}}

	terminal := func(s string) bool { return s == "DONE" }
	open := ledger.OpenJobs(terminal)
	if len(open) != 1 || open[0] != "job_2" {
		t.Errorf("OpenJobs() = %v, want [job_2]", open)
	}

	last := ledger.LastTransitions()
	if last["job_1"].Payload["to"] != "DONE" {
		t.Errorf("last transition for job_1 = %v", last["job_1"].Payload)
	}
}
