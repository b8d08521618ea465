package job

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/gatekeep/internal/apperr"
	"github.com/iambrandonn/gatekeep/internal/eventlog"
)

// Job is a unit of work tracked from intake to merge/deploy.
type Job struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	PRNumber  *int           `json:"pr_number,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	History   []HistoryEntry `json:"history"`
}

// HistoryEntry records one applied transition.
type HistoryEntry struct {
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Event  EventKind `json:"event"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Terminal reports whether the job accepts no further events.
func (j Job) Terminal() bool {
	return IsTerminal(j.Status)
}

func (j *Job) clone() Job {
	out := *j
	out.History = append([]HistoryEntry(nil), j.History...)
	if j.PRNumber != nil {
		n := *j.PRNumber
		out.PRNumber = &n
	}
	return out
}

// Service owns job identity and is the only place jobs are mutated.
type Service struct {
	mu   sync.Mutex
	jobs map[string]*Job

	sink      eventlog.Sink
	summaries SummaryWriter
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a job service. sink may be nil.
func NewService(sink eventlog.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = eventlog.Discard{}
	}
	return &Service{
		jobs:   make(map[string]*Job),
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// SetSummaryWriter attaches the per-job artifact writer.
func (s *Service) SetSummaryWriter(w SummaryWriter) {
	s.summaries = w
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// NewID returns a fresh job id.
func NewID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Create registers a new job in RECEIVED.
func (s *Service) Create(ctx context.Context, title, sessionID string) (Job, error) {
	now := s.now().UTC()
	j := &Job{
		ID:        NewID(),
		Title:     title,
		SessionID: sessionID,
		Status:    InitialStatus,
		CreatedAt: now,
		UpdatedAt: now,
		History:   make([]HistoryEntry, 0),
	}

	s.mu.Lock()
	s.jobs[j.ID] = j
	snapshot := j.clone()
	s.mu.Unlock()

	eventlog.Emit(ctx, s.sink, s.logger, eventlog.Event{
		Type:      eventlog.TypeJobCreated,
		JobID:     j.ID,
		SessionID: sessionID,
		Timestamp: now,
		Payload:   map[string]any{"title": title, "status": string(j.Status)},
	})
	s.writeSummary(snapshot)
	s.logger.Info("job created", "job_id", j.ID, "session_id", sessionID)
	return snapshot, nil
}

// Get returns a copy of the job.
func (s *Service) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, apperr.NotFound(fmt.Sprintf("job not found: %s", id))
	}
	return j.clone(), nil
}

// List returns all jobs ordered by creation time.
func (s *Service) List() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Advance applies evt to job id.
func (s *Service) Advance(ctx context.Context, id string, evt Event) (Job, error) {
	return s.mutate(ctx, id, evt, nil)
}

// Deny moves a policy-checked job to DENIED.
func (s *Service) Deny(ctx context.Context, id, reason string) (Job, error) {
	return s.Advance(ctx, id, Event{Kind: EventDenied, Reason: reason})
}

// Fail forces FAILED.
func (s *Service) Fail(ctx context.Context, id, reason string) (Job, error) {
	return s.Advance(ctx, id, Event{Kind: EventFailed, Reason: reason})
}

// Cancel forces CANCELLED.
func (s *Service) Cancel(ctx context.Context, id, reason string) (Job, error) {
	return s.Advance(ctx, id, Event{Kind: EventCancelled, Reason: reason})
}

// TimeOut forces TIMED_OUT.
func (s *Service) TimeOut(ctx context.Context, id, reason string) (Job, error) {
	return s.Advance(ctx, id, Event{Kind: EventTimedOut, Reason: reason})
}

// Complete applies the done event.
func (s *Service) Complete(ctx context.Context, id string) (Job, error) {
	return s.Advance(ctx, id, Event{Kind: EventDone})
}

// OpenPR records the pull request number and moves the job to PR_OPENED.
// A job holds at most one PR.
func (s *Service) OpenPR(ctx context.Context, id string, number int) (Job, error) {
	if number <= 0 {
		return Job{}, apperr.Validationf("invalid PR number %d", number)
	}
	j, err := s.mutate(ctx, id, Event{Kind: EventPROpened}, func(j *Job) error {
		if j.PRNumber != nil {
			return apperr.Conflict(fmt.Sprintf("job %s already has PR #%d", j.ID, *j.PRNumber))
		}
		j.PRNumber = &number
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	eventlog.Emit(ctx, s.sink, s.logger, eventlog.Event{
		Type:      eventlog.TypeJobPROpened,
		JobID:     id,
		SessionID: j.SessionID,
		Timestamp: j.UpdatedAt,
		Payload:   map[string]any{"pr_number": number},
	})
	return j, nil
}

// mutate applies evt under the lock, then emits audit and summary outside it.
// guard runs first and may veto; its changes are undone if the transition is
// refused.
func (s *Service) mutate(ctx context.Context, id string, evt Event, guard func(*Job) error) (Job, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, apperr.NotFound(fmt.Sprintf("job not found: %s", id))
	}

	prevPR := j.PRNumber
	if guard != nil {
		if err := guard(j); err != nil {
			j.PRNumber = prevPR
			s.mu.Unlock()
			return Job{}, err
		}
	}

	from := j.Status
	to, err := Transition(from, evt)
	if err != nil {
		j.PRNumber = prevPR
		s.mu.Unlock()
		return Job{}, apperr.Wrapf(err, apperr.CodeInvalidTransition, "job %s", id)
	}

	now := s.now().UTC()
	j.Status = to
	j.UpdatedAt = now
	if evt.Reason != "" && IsTerminal(to) {
		j.Reason = evt.Reason
	}
	j.History = append(j.History, HistoryEntry{From: from, To: to, Event: evt.Kind, Reason: evt.Reason, At: now})
	snapshot := j.clone()
	s.mu.Unlock()

	payload := map[string]any{
		"from":  string(from),
		"to":    string(to),
		"event": string(evt.Kind),
	}
	if evt.Reason != "" {
		payload["reason"] = evt.Reason
	}
	if evt.Kind == EventPROpened && snapshot.PRNumber != nil {
		payload["pr_number"] = *snapshot.PRNumber
	}
	eventlog.Emit(ctx, s.sink, s.logger, eventlog.Event{
		Type:      eventlog.TypeJobTransition,
		JobID:     id,
		SessionID: snapshot.SessionID,
		Timestamp: now,
		Payload:   payload,
	})
	s.writeSummary(snapshot)

	s.logger.Info("job transition", "job_id", id, "from", from, "to", to, "event", evt.Kind)
	return snapshot, nil
}

func (s *Service) writeSummary(j Job) {
	if s.summaries == nil {
		return
	}
	if err := s.summaries.Write(j); err != nil {
		s.logger.Warn("failed to write job summary", "job_id", j.ID, "error", err)
	}
}
