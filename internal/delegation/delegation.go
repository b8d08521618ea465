// Package delegation is the state machine for one delegated-task run. States
// are immutable values; Apply returns a new State or an error and never
// modifies its input.
package delegation

import (
	"errors"
	"fmt"
	"time"
)

// Status is the position of a run.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusRunning       Status = "running"
	StatusProposalReady Status = "proposal_ready"
	StatusNoChanges     Status = "no_changes"
	StatusFailed        Status = "failed"
	StatusAccepted      Status = "accepted"
	StatusRejected      Status = "rejected"
	StatusExpired       Status = "expired"
)

// EventKind names an input to the machine.
type EventKind string

const (
	EventStart     EventKind = "start"
	EventSucceeded EventKind = "succeeded"
	EventNoDiff    EventKind = "no_diff"
	EventFailed    EventKind = "failed"
	EventAccept    EventKind = "accept"
	EventReject    EventKind = "reject"
	EventExpire    EventKind = "expire"
)

// Event is a machine input. ProposalID is required for succeeded and
// optional for accept/reject, where it must match the stored id when set.
type Event struct {
	Kind       EventKind
	ProposalID string
	Error      string
}

// Start begins a queued run.
func Start() Event { return Event{Kind: EventStart} }

// Succeeded finishes a run that produced proposalID.
func Succeeded(proposalID string) Event {
	return Event{Kind: EventSucceeded, ProposalID: proposalID}
}

// NoDiff finishes a run that changed nothing.
func NoDiff() Event { return Event{Kind: EventNoDiff} }

// Failed finishes a run with an error message.
func Failed(err string) Event { return Event{Kind: EventFailed, Error: err} }

// Accept resolves a ready proposal. An empty id accepts whatever is pending.
func Accept(proposalID string) Event { return Event{Kind: EventAccept, ProposalID: proposalID} }

// Reject discards a ready proposal.
func Reject(proposalID string) Event { return Event{Kind: EventReject, ProposalID: proposalID} }

// Expire discards a ready proposal whose TTL passed.
func Expire() Event { return Event{Kind: EventExpire} }

// State is the persisted value of a run.
type State struct {
	Status     Status    `json:"status"`
	ChangedAt  time.Time `json:"changed_at"`
	ProposalID string    `json:"proposal_id,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Initial returns a queued state.
func Initial(now time.Time) State {
	return State{Status: StatusQueued, ChangedAt: now.UTC()}
}

// IsTerminal reports whether s accepts no further events.
func IsTerminal(s Status) bool {
	switch s {
	case StatusNoChanges, StatusFailed, StatusAccepted, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state accepts no further events.
func (s State) Terminal() bool {
	return IsTerminal(s.Status)
}

// ErrMissingProposalID is returned when succeeded carries no id.
var ErrMissingProposalID = errors.New("succeeded event requires a proposal id")

// TransitionError reports an event the current status does not accept.
type TransitionError struct {
	From  Status
	Event EventKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("delegation: event %q not allowed in state %s", e.Event, e.From)
}

// MismatchError reports an accept/reject aimed at a different proposal.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("proposal id mismatch: requested %s, pending is %s", e.Expected, e.Actual)
}

// Apply returns the state reached by evt at time now.
func Apply(s State, evt Event, now time.Time) (State, error) {
	next := State{ChangedAt: now.UTC(), ProposalID: s.ProposalID}

	switch {
	case s.Status == StatusQueued && evt.Kind == EventStart:
		next.Status = StatusRunning

	case s.Status == StatusRunning && evt.Kind == EventSucceeded:
		if evt.ProposalID == "" {
			return s, ErrMissingProposalID
		}
		next.Status = StatusProposalReady
		next.ProposalID = evt.ProposalID

	case s.Status == StatusRunning && evt.Kind == EventNoDiff:
		next.Status = StatusNoChanges

	case s.Status == StatusRunning && evt.Kind == EventFailed:
		next.Status = StatusFailed
		next.Error = evt.Error

	case s.Status == StatusProposalReady && (evt.Kind == EventAccept || evt.Kind == EventReject):
		if evt.ProposalID != "" && evt.ProposalID != s.ProposalID {
			return s, &MismatchError{Expected: evt.ProposalID, Actual: s.ProposalID}
		}
		if evt.Kind == EventAccept {
			next.Status = StatusAccepted
		} else {
			next.Status = StatusRejected
		}

	case s.Status == StatusProposalReady && evt.Kind == EventExpire:
		next.Status = StatusExpired

	default:
		return s, &TransitionError{From: s.Status, Event: evt.Kind}
	}

	return next, nil
}

// ApplyAll folds events over s, stopping at the first error.
func ApplyAll(s State, now time.Time, events ...Event) (State, error) {
	for _, evt := range events {
		next, err := Apply(s, evt, now)
		if err != nil {
			return s, err
		}
		s = next
	}
	return s, nil
}
