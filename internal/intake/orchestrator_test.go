package intake

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/gatekeep/internal/apperr"
	"github.com/iambrandonn/gatekeep/internal/approval"
	"github.com/iambrandonn/gatekeep/internal/delegate"
	"github.com/iambrandonn/gatekeep/internal/eventlog"
	"github.com/iambrandonn/gatekeep/internal/job"
	"github.com/iambrandonn/gatekeep/internal/jobqueue"
	"github.com/iambrandonn/gatekeep/internal/policy"
	"github.com/iambrandonn/gatekeep/internal/proposal"
	"github.com/iambrandonn/gatekeep/internal/risk"
)

type fakeDelegator struct {
	outcome delegate.Outcome
	err     error
	calls   int
	jobIDs  []string
}

func (f *fakeDelegator) DelegateWithReview(ctx context.Context, sessionID, prompt, dir string) (delegate.Outcome, error) {
	f.calls++
	f.jobIDs = append(f.jobIDs, eventlog.JobIDFrom(ctx))
	return f.outcome, f.err
}

// syncQueue runs tasks inline so tests observe final job states.
type syncQueue struct {
	full    bool
	results []jobqueue.Result
}

func (q *syncQueue) Enqueue(ctx context.Context, t jobqueue.Task) bool {
	if q.full {
		return false
	}
	summary, err := t.Run(context.WithoutCancel(ctx))
	q.results = append(q.results, jobqueue.Result{Task: t, Summary: summary, Err: err})
	return true
}

type harness struct {
	orch  *Orchestrator
	jobs  *job.Service
	del   *fakeDelegator
	queue *syncQueue
	sink  *eventlog.Memory
}

func newHarness(t *testing.T, pol *policy.Policy) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := &eventlog.Memory{}
	jobs := job.NewService(sink, logger)
	del := &fakeDelegator{}
	queue := &syncQueue{}
	orch := New(jobs, risk.New(risk.DefaultTables()), del, queue, Options{Policy: pol, Sink: sink, Logger: logger})
	return &harness{orch: orch, jobs: jobs, del: del, queue: queue, sink: sink}
}

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	p, err := policy.Compile(policy.Document{
		DefaultAction: policy.ActionAllow,
		Rules: []policy.Rule{
			{ID: "no-force-push", Pattern: `git push .*--force`, Action: policy.ActionBlock},
			{ID: "prod-deploy", Pattern: `^deploy prod`, Action: policy.ActionRequiresSecret, SecretHash: policy.HashSecret("open sesame")},
		},
	})
	require.NoError(t, err)
	return p
}

func pendingView(id string, files ...string) *proposal.View {
	return &proposal.View{ID: id, ChangedFiles: files}
}

func TestSubmitNoChangesCompletesJob(t *testing.T) {
	h := newHarness(t, nil)
	h.del.outcome = delegate.Outcome{NoChanges: true, Summary: "nothing to do"}

	sub, err := h.orch.Submit(context.Background(), Request{SessionID: "s1", Prompt: "tidy docs", Paths: []string{"docs/a.md"}})
	require.NoError(t, err)
	assert.True(t, sub.Queued)
	assert.Equal(t, risk.R1, sub.Decision.Tier)

	j, err := h.jobs.Get(sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDone, j.Status)
	assert.Equal(t, "tidy docs", j.Title)

	require.Len(t, h.queue.results, 1)
	assert.Contains(t, h.queue.results[0].Summary, "without changing any files")
	assert.Equal(t, []string{sub.Job.ID}, h.del.jobIDs, "delegation runs tagged with the job id")
}

func TestSubmitProposalWaitsForReview(t *testing.T) {
	h := newHarness(t, nil)
	h.del.outcome = delegate.Outcome{Proposal: pendingView("prop_1", "src/main.go")}
	ctx := context.Background()

	sub, err := h.orch.Submit(ctx, Request{SessionID: "s1", Prompt: "fix bug", Paths: []string{"src/main.go"}, OwnerApproved: true})
	require.NoError(t, err)

	j, _ := h.jobs.Get(sub.Job.ID)
	assert.Equal(t, job.StatusExecuting, j.Status)
	assert.Contains(t, h.queue.results[0].Summary, "Proposal prop_1 is ready")
	assert.Contains(t, h.queue.results[0].Summary, "R2")

	jobID, ok := h.orch.PendingJob("prop_1")
	require.True(t, ok)
	assert.Equal(t, sub.Job.ID, jobID)
}

func TestResolutionDrivesJob(t *testing.T) {
	tests := []struct {
		outcome approval.Outcome
		want    job.Status
		reason  string
	}{
		{approval.OutcomeAccepted, job.StatusDone, ""},
		{approval.OutcomeRejected, job.StatusCancelled, "proposal prop_1 rejected"},
		{approval.OutcomeExpired, job.StatusTimedOut, "proposal prop_1 expired"},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			h := newHarness(t, nil)
			h.del.outcome = delegate.Outcome{Proposal: pendingView("prop_1", "docs/x.md")}
			ctx := context.Background()

			sub, err := h.orch.Submit(ctx, Request{SessionID: "s1", Prompt: "p", Paths: []string{"docs/x.md"}})
			require.NoError(t, err)

			h.orch.HandleResolution(ctx, approval.Resolution{SessionID: "s1", ProposalID: "prop_1", Outcome: tt.outcome})

			j, _ := h.jobs.Get(sub.Job.ID)
			assert.Equal(t, tt.want, j.Status)
			assert.Equal(t, tt.reason, j.Reason)
			_, pending := h.orch.PendingJob("prop_1")
			assert.False(t, pending)
		})
	}
}

func TestResolutionForUnknownProposalIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	before := len(h.sink.Events())
	h.orch.HandleResolution(context.Background(), approval.Resolution{ProposalID: "prop_other", Outcome: approval.OutcomeAccepted})
	assert.Len(t, h.sink.Events(), before)
}

func TestDelegationFailureFailsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.del.err = errors.New("git worktree add failed")

	sub, err := h.orch.Submit(context.Background(), Request{SessionID: "s1", Prompt: "p"})
	require.NoError(t, err)
	assert.True(t, sub.Queued)

	j, _ := h.jobs.Get(sub.Job.ID)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, "git worktree add failed", j.Reason)
	assert.Error(t, h.queue.results[0].Err)
}

func TestRiskDenial(t *testing.T) {
	h := newHarness(t, nil)

	sub, err := h.orch.Submit(context.Background(), Request{SessionID: "s1", Prompt: "bump deps", Paths: []string{"go.mod"}})
	require.NoError(t, err)
	assert.False(t, sub.Queued)
	assert.Equal(t, job.StatusDenied, sub.Job.Status)
	assert.Equal(t, risk.R3, sub.Decision.Tier)
	assert.Contains(t, sub.Message, "R3 requires approval")
	assert.Zero(t, h.del.calls)
	assert.Contains(t, h.sink.Types(), eventlog.TypeRiskClassified)
}

func TestOwnerApprovalUnlocksHighRisk(t *testing.T) {
	h := newHarness(t, nil)
	h.del.outcome = delegate.Outcome{NoChanges: true}

	sub, err := h.orch.Submit(context.Background(), Request{SessionID: "s1", Prompt: "bump deps", Paths: []string{"go.mod"}, OwnerApproved: true})
	require.NoError(t, err)
	assert.True(t, sub.Queued)
	assert.Equal(t, risk.AuthorityOwner, sub.Decision.ApprovalAuthority)
}

func TestCommandPolicy(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		passphrase string
		queued     bool
		message    string
	}{
		{"allowed", "go test ./...", "", true, ""},
		{"blocked", "git push origin --force", "", false, "command blocked"},
		{"needs secret", "deploy prod", "", false, "Passphrase required"},
		{"wrong secret", "deploy prod", "nope", false, "incorrect passphrase for rule prod-deploy"},
		{"right secret", "deploy prod", "  open sesame ", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testPolicy(t))
			h.del.outcome = delegate.Outcome{NoChanges: true}

			sub, err := h.orch.Submit(context.Background(), Request{
				SessionID:  "s1",
				Prompt:     "p",
				Command:    tt.command,
				Passphrase: tt.passphrase,
			})
			require.NoError(t, err)
			require.NotNil(t, sub.Verdict)
			assert.Equal(t, tt.queued, sub.Queued)
			if !tt.queued {
				assert.Equal(t, job.StatusDenied, sub.Job.Status)
				assert.Contains(t, sub.Message, tt.message)
			}
			assert.Contains(t, h.sink.Types(), eventlog.TypePolicyEvaluated)
		})
	}
}

func TestQueueFullCancelsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.full = true

	sub, err := h.orch.Submit(context.Background(), Request{SessionID: "s1", Prompt: "p"})
	require.NoError(t, err)
	assert.False(t, sub.Queued)
	assert.Equal(t, job.StatusCancelled, sub.Job.Status)
	assert.Equal(t, QueueFullReason, sub.Job.Reason)
	assert.Contains(t, h.sink.Types(), eventlog.TypeQueueRejected)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, Request{Prompt: "p"})
	assert.True(t, apperr.IsValidation(err))
	_, err = h.orch.Submit(ctx, Request{SessionID: "s1", Prompt: "  "})
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, h.jobs.List())
}

func TestFirstLineTitle(t *testing.T) {
	assert.Equal(t, "fix the build", firstLine("  fix the build\nmore detail"))
	long := firstLine(string(make([]byte, 100)))
	assert.LessOrEqual(t, len(long), 72)
}
