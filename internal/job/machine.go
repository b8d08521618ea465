// Package job tracks a unit of work from intake to merge or deploy.
package job

import "fmt"

// Status is the lifecycle position of a job.
type Status string

const (
	StatusReceived        Status = "RECEIVED"
	StatusParsed          Status = "PARSED"
	StatusPolicyChecked   Status = "POLICY_CHECKED"
	StatusPlanned         Status = "PLANNED"
	StatusExecuting       Status = "EXECUTING"
	StatusPROpened        Status = "PR_OPENED"
	StatusWaitingApproval Status = "WAITING_APPROVAL"
	StatusMerged          Status = "MERGED"
	StatusDeployed        Status = "DEPLOYED"
	StatusDone            Status = "DONE"
	StatusDenied          Status = "DENIED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
	StatusTimedOut        Status = "TIMED_OUT"
)

// InitialStatus is the status of every new job.
const InitialStatus = StatusReceived

// EventKind names a lifecycle event.
type EventKind string

const (
	EventParsed           EventKind = "parsed"
	EventPolicyChecked    EventKind = "policy_checked"
	EventPlanned          EventKind = "planned"
	EventExecute          EventKind = "execute"
	EventPROpened         EventKind = "pr_opened"
	EventAwaitingApproval EventKind = "awaiting_approval"
	EventMerged           EventKind = "merged"
	EventDeployed         EventKind = "deployed"
	EventDone             EventKind = "done"
	EventDenied           EventKind = "denied"
	EventFailed           EventKind = "failed"
	EventCancelled        EventKind = "cancelled"
	EventTimedOut         EventKind = "timed_out"
)

// Event drives a transition. Reason is carried by denied and the universal
// terminal events.
type Event struct {
	Kind   EventKind `json:"kind"`
	Reason string    `json:"reason,omitempty"`
}

// edges is the normal graph: from -> event -> to.
var edges = map[Status]map[EventKind]Status{
	StatusReceived:        {EventParsed: StatusParsed},
	StatusParsed:          {EventPolicyChecked: StatusPolicyChecked},
	StatusPolicyChecked:   {EventPlanned: StatusPlanned, EventDenied: StatusDenied},
	StatusPlanned:         {EventExecute: StatusExecuting},
	StatusExecuting:       {EventPROpened: StatusPROpened, EventDone: StatusDone},
	StatusPROpened:        {EventAwaitingApproval: StatusWaitingApproval},
	StatusWaitingApproval: {EventMerged: StatusMerged},
	StatusMerged:          {EventDeployed: StatusDeployed},
	StatusDeployed:        {EventDone: StatusDone},
}

// universal events override the graph from any non-terminal status.
var universal = map[EventKind]Status{
	EventFailed:    StatusFailed,
	EventCancelled: StatusCancelled,
	EventTimedOut:  StatusTimedOut,
}

// IsTerminal reports whether s accepts no further events.
func IsTerminal(s Status) bool {
	switch s {
	case StatusDone, StatusDenied, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Known reports whether s is a defined status.
func Known(s Status) bool {
	if IsTerminal(s) {
		return true
	}
	_, ok := edges[s]
	return ok
}

// TransitionError reports a refused transition. The job is left unchanged.
type TransitionError struct {
	From  Status
	Event EventKind
}

func (e *TransitionError) Error() string {
	if IsTerminal(e.From) {
		return fmt.Sprintf("job is terminal (%s); event %q rejected", e.From, e.Event)
	}
	return fmt.Sprintf("invalid transition: %s --%s-->", e.From, e.Event)
}

// Transition returns the status reached by applying evt to from.
func Transition(from Status, evt Event) (Status, error) {
	if IsTerminal(from) || !Known(from) {
		return from, &TransitionError{From: from, Event: evt.Kind}
	}
	if to, ok := universal[evt.Kind]; ok {
		return to, nil
	}
	if to, ok := edges[from][evt.Kind]; ok {
		return to, nil
	}
	return from, &TransitionError{From: from, Event: evt.Kind}
}
