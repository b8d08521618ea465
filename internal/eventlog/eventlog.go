// Package eventlog is the append-only audit stream. Every lifecycle step of a
// job, delegation or approval is written as one NDJSON line under
// <root>/<YYYY>/<MM>/events.ndjson.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/gatekeep/internal/ndjson"
)

// FileName is the name of the per-month audit file.
const FileName = "events.ndjson"

// Event types written by the engine.
const (
	TypeJobCreated          = "job.created"
	TypeJobTransition       = "job.transition"
	TypeJobPROpened         = "job.pr_opened"
	TypePolicyEvaluated     = "policy.evaluated"
	TypeRiskClassified      = "risk.classified"
	TypeDelegationStarted   = "delegation.started"
	TypeDelegationProposal  = "delegation.proposal_ready"
	TypeDelegationNoChanges = "delegation.no_changes"
	TypeDelegationCompleted = "delegation.completed"
	TypeDelegationFailed    = "delegation.failed"
	TypeApprovalAccepted    = "approval.accepted"
	TypeApprovalRejected    = "approval.rejected"
	TypeApprovalExpired     = "approval.expired"
	TypeApprovalRefused     = "approval.refused"
	TypeQueueRejected       = "queue.rejected"
)

// Event is a single audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink receives audit events.
type Sink interface {
	Append(ctx context.Context, evt Event) error
}

// EventLog writes events to month-partitioned NDJSON files.
type EventLog struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	partition string
	file      *os.File
	encoder   *ndjson.Encoder
}

// NewEventLog creates an event log rooted at dir. Files are opened lazily on
// the first append of each month.
func NewEventLog(dir string, logger *slog.Logger) (*EventLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	return &EventLog{
		root:   dir,
		logger: logger,
		now:    time.Now,
	}, nil
}

// PartitionPath returns the file that holds events for the month containing t.
func PartitionPath(root string, t time.Time) string {
	t = t.UTC()
	return filepath.Join(root, fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", int(t.Month())), FileName)
}

// Append stamps missing id/timestamp fields and writes evt as one line.
func (l *EventLog) Append(_ context.Context, evt Event) error {
	if evt.Type == "" {
		return fmt.Errorf("audit event type is required")
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.rotate(evt.Timestamp); err != nil {
		return err
	}
	return l.encoder.Encode(evt)
}

// rotate makes sure the open file matches the partition for t.
func (l *EventLog) rotate(t time.Time) error {
	path := PartitionPath(l.root, t)
	if l.file != nil && l.partition == path {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create audit partition: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			l.logger.Warn("failed to close previous audit partition", "path", l.partition, "error", err)
		}
	}

	l.file = file
	l.partition = path
	l.encoder = ndjson.NewEncoder(file, l.logger)
	l.logger.Debug("audit partition opened", "path", path)
	return nil
}

// Close closes the currently open partition.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.encoder = nil
	l.partition = ""
	return err
}

// Discard is a Sink that drops every event.
type Discard struct{}

// Append implements Sink.
func (Discard) Append(context.Context, Event) error { return nil }

// Memory is an in-process Sink that keeps events in order.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Append implements Sink.
func (m *Memory) Append(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

// Events returns a copy of everything appended so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the event types in append order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, len(m.events))
	for i, evt := range m.events {
		types[i] = evt.Type
	}
	return types
}

// Emit appends evt to sink and logs instead of failing when the sink errors.
// Audit failures never undo work that already happened.
func Emit(ctx context.Context, sink Sink, logger *slog.Logger, evt Event) {
	if sink == nil {
		return
	}
	if evt.JobID == "" {
		evt.JobID = JobIDFrom(ctx)
	}
	if err := sink.Append(ctx, evt); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("failed to write audit event", "type", evt.Type, "job_id", evt.JobID, "session_id", evt.SessionID, "error", err)
	}
}

type jobIDKey struct{}

// WithJobID tags ctx so events emitted under it carry the job id.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobIDFrom returns the job id set by WithJobID, or "".
func JobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}
