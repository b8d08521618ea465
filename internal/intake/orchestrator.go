// Package intake drives a request from job creation through gating,
// background delegation and review, keeping the job lifecycle in step with
// the delegation outcome.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/iambrandonn/gatekeep/internal/apperr"
	"github.com/iambrandonn/gatekeep/internal/approval"
	"github.com/iambrandonn/gatekeep/internal/delegate"
	"github.com/iambrandonn/gatekeep/internal/eventlog"
	"github.com/iambrandonn/gatekeep/internal/job"
	"github.com/iambrandonn/gatekeep/internal/jobqueue"
	"github.com/iambrandonn/gatekeep/internal/policy"
	"github.com/iambrandonn/gatekeep/internal/risk"
)

// QueueFullReason is recorded on jobs cancelled because every slot was busy.
const QueueFullReason = "job queue full"

// Delegator runs a task with review.
type Delegator interface {
	DelegateWithReview(ctx context.Context, sessionID, prompt, workingDir string) (delegate.Outcome, error)
}

// Enqueuer starts background work.
type Enqueuer interface {
	Enqueue(ctx context.Context, t jobqueue.Task) bool
}

// Request is one unit of work submitted by a session.
type Request struct {
	SessionID string
	Title     string
	Prompt    string
	Dir       string
	// Paths are the repository paths the task declares it will touch.
	Paths []string
	// Command, if set, is checked against the command policy before the
	// job is planned.
	Command       string
	Passphrase    string
	OwnerApproved bool
}

// Submission reports how far a request got synchronously.
type Submission struct {
	Job      job.Job
	Decision risk.JobDecision
	Verdict  *policy.Verdict
	Queued   bool
	Message  string
}

// Options configures an Orchestrator.
type Options struct {
	// Policy may be nil, in which case commands are not gated.
	Policy *policy.Policy
	Sink   eventlog.Sink
	Logger *slog.Logger
}

// Orchestrator owns the mapping from proposals back to the jobs that
// produced them.
type Orchestrator struct {
	jobs      *job.Service
	risk      *risk.Classifier
	delegator Delegator
	queue     Enqueuer
	policy    *policy.Policy
	sink      eventlog.Sink
	logger    *slog.Logger

	mu        sync.Mutex
	proposals map[string]string // proposal id -> job id
}

// New creates an orchestrator.
func New(jobs *job.Service, classifier *risk.Classifier, delegator Delegator, queue Enqueuer, opts Options) *Orchestrator {
	if opts.Sink == nil {
		opts.Sink = eventlog.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{
		jobs:      jobs,
		risk:      classifier,
		delegator: delegator,
		queue:     queue,
		policy:    opts.Policy,
		sink:      opts.Sink,
		logger:    opts.Logger,
		proposals: make(map[string]string),
	}
}

// Submit creates a job for req, gates it, and queues the delegation. A
// gated or rejected request is not an error: the job simply ends in DENIED
// or CANCELLED and Submission explains why.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Submission, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return Submission{}, apperr.Validation("session id is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Submission{}, apperr.Validation("task prompt is empty")
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = firstLine(req.Prompt)
	}

	j, err := o.jobs.Create(ctx, title, req.SessionID)
	if err != nil {
		return Submission{}, err
	}
	ctx = eventlog.WithJobID(ctx, j.ID)

	for _, kind := range []job.EventKind{job.EventParsed, job.EventPolicyChecked} {
		if j, err = o.jobs.Advance(ctx, j.ID, job.Event{Kind: kind}); err != nil {
			return Submission{Job: j}, err
		}
	}
	sub := Submission{Job: j}

	if req.Command != "" && o.policy != nil {
		verdict, reason := o.checkCommand(ctx, req)
		sub.Verdict = &verdict
		if reason != "" {
			return o.deny(ctx, sub, reason)
		}
	}

	sub.Decision = o.risk.EvaluateJobPolicy(req.Paths, req.OwnerApproved)
	eventlog.Emit(ctx, o.sink, o.logger, eventlog.Event{
		Type:      eventlog.TypeRiskClassified,
		SessionID: req.SessionID,
		Payload: map[string]any{
			"tier":              sub.Decision.Tier.String(),
			"requires_approval": sub.Decision.RequiresApproval,
			"allowed":           sub.Decision.Allowed,
			"reasons":           sub.Decision.Reasons,
		},
	})
	if !sub.Decision.Allowed {
		return o.deny(ctx, sub, strings.Join(sub.Decision.Reasons, "; "))
	}

	if sub.Job, err = o.jobs.Advance(ctx, j.ID, job.Event{Kind: job.EventPlanned}); err != nil {
		return sub, err
	}

	jobID := j.ID
	queued := o.queue.Enqueue(ctx, jobqueue.Task{
		SessionID: req.SessionID,
		JobID:     jobID,
		Name:      title,
		Run: func(ctx context.Context) (string, error) {
			return o.execute(ctx, jobID, req)
		},
	})
	if !queued {
		eventlog.Emit(ctx, o.sink, o.logger, eventlog.Event{
			Type:      eventlog.TypeQueueRejected,
			SessionID: req.SessionID,
			Payload:   map[string]any{"title": title},
		})
		if sub.Job, err = o.jobs.Cancel(ctx, jobID, QueueFullReason); err != nil {
			return sub, err
		}
		sub.Message = "Too many background tasks are running; try again shortly."
		return sub, nil
	}

	sub.Queued = true
	sub.Message = fmt.Sprintf("Started %s in the background.", jobID)
	return sub, nil
}

// checkCommand returns a denial reason, or "" when the command may run.
func (o *Orchestrator) checkCommand(ctx context.Context, req Request) (policy.Verdict, string) {
	verdict := o.policy.Evaluate(req.Command)
	unlocked := false
	if verdict.Kind == policy.RequiresSecret && req.Passphrase != "" {
		unlocked = o.policy.VerifySecret(verdict.RuleID, req.Passphrase)
	}

	eventlog.Emit(ctx, o.sink, o.logger, eventlog.Event{
		Type:      eventlog.TypePolicyEvaluated,
		SessionID: req.SessionID,
		Payload: map[string]any{
			"kind":     string(verdict.Kind),
			"rule_id":  verdict.RuleID,
			"reason":   verdict.Reason,
			"unlocked": unlocked,
			"digest":   o.policy.Digest(),
		},
	})

	switch verdict.Kind {
	case policy.Allowed:
		return verdict, ""
	case policy.RequiresSecret:
		if unlocked {
			return verdict, ""
		}
		if req.Passphrase == "" {
			return verdict, verdict.Prompt
		}
		return verdict, fmt.Sprintf("incorrect passphrase for rule %s", verdict.RuleID)
	default:
		return verdict, fmt.Sprintf("command blocked: %s", verdict.Reason)
	}
}

func (o *Orchestrator) deny(ctx context.Context, sub Submission, reason string) (Submission, error) {
	j, err := o.jobs.Deny(ctx, sub.Job.ID, reason)
	if err != nil {
		return sub, err
	}
	o.logger.Info("job denied", "job_id", j.ID, "reason", reason)
	sub.Job = j
	sub.Message = "Denied: " + reason
	return sub, nil
}

// execute is the background body. The job stays EXECUTING while its
// proposal awaits review.
func (o *Orchestrator) execute(ctx context.Context, jobID string, req Request) (string, error) {
	ctx = eventlog.WithJobID(ctx, jobID)
	if _, err := o.jobs.Advance(ctx, jobID, job.Event{Kind: job.EventExecute}); err != nil {
		return "", err
	}

	out, err := o.delegator.DelegateWithReview(ctx, req.SessionID, req.Prompt, req.Dir)
	if err != nil {
		o.finish(ctx, jobID, func() (job.Job, error) { return o.jobs.Fail(ctx, jobID, err.Error()) })
		return "", err
	}

	if out.Proposal == nil {
		o.finish(ctx, jobID, func() (job.Job, error) { return o.jobs.Complete(ctx, jobID) })
		msg := "The task finished without changing any files."
		if out.Summary != "" {
			msg += "\n\n" + out.Summary
		}
		return msg, nil
	}

	o.mu.Lock()
	o.proposals[out.Proposal.ID] = jobID
	o.mu.Unlock()

	changed := o.risk.Classify(out.Proposal.ChangedFiles)
	eventlog.Emit(ctx, o.sink, o.logger, eventlog.Event{
		Type:      eventlog.TypeRiskClassified,
		SessionID: req.SessionID,
		Payload: map[string]any{
			"stage":       "proposal",
			"proposal_id": out.Proposal.ID,
			"tier":        changed.Tier.String(),
			"reasons":     changed.Reasons,
		},
	})

	return fmt.Sprintf("Proposal %s is ready for review: %d file(s) changed (%s). Reply \"accept %s\" or \"reject %s\".",
		out.Proposal.ID, len(out.Proposal.ChangedFiles), changed.Tier, out.Proposal.ID, out.Proposal.ID), nil
}

// HandleResolution moves the job behind a resolved proposal to its terminal
// status. Proposals this orchestrator did not start are ignored.
func (o *Orchestrator) HandleResolution(ctx context.Context, r approval.Resolution) {
	o.mu.Lock()
	jobID, ok := o.proposals[r.ProposalID]
	if ok {
		delete(o.proposals, r.ProposalID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	ctx = eventlog.WithJobID(ctx, jobID)
	switch r.Outcome {
	case approval.OutcomeAccepted:
		o.finish(ctx, jobID, func() (job.Job, error) { return o.jobs.Complete(ctx, jobID) })
	case approval.OutcomeRejected:
		o.finish(ctx, jobID, func() (job.Job, error) {
			return o.jobs.Cancel(ctx, jobID, fmt.Sprintf("proposal %s rejected", r.ProposalID))
		})
	case approval.OutcomeExpired:
		o.finish(ctx, jobID, func() (job.Job, error) {
			return o.jobs.TimeOut(ctx, jobID, fmt.Sprintf("proposal %s expired", r.ProposalID))
		})
	}
}

// PendingJob returns the job waiting on proposalID.
func (o *Orchestrator) PendingJob(proposalID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.proposals[proposalID]
	return id, ok
}

func (o *Orchestrator) finish(ctx context.Context, jobID string, step func() (job.Job, error)) {
	j, err := step()
	if err != nil {
		o.logger.Warn("failed to advance job", "job_id", jobID, "error", err)
		return
	}
	o.logger.Info("job finished", "job_id", j.ID, "status", j.Status, "reason", j.Reason)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	const max = 72
	if len(line) > max {
		line = line[:max-3] + "..."
	}
	return line
}
