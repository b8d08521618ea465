package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/gatekeep/internal/apperr"
	"github.com/iambrandonn/gatekeep/internal/eventlog"
	"github.com/iambrandonn/gatekeep/internal/proposal"
	"github.com/iambrandonn/gatekeep/internal/worktree"
)

type fakeExecutor struct {
	result   worktree.Result
	err      error
	requests []worktree.Request
	cleaned  []string
}

func (f *fakeExecutor) Run(_ context.Context, req worktree.Request) (worktree.Result, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakeExecutor) Cleanup(_ context.Context, p proposal.Proposal) error {
	f.cleaned = append(f.cleaned, p.ID)
	return nil
}

func newTestService(t *testing.T, exec *fakeExecutor) (*Service, *proposal.Repository, *eventlog.Memory) {
	t.Helper()
	repo := proposal.NewRepository(proposal.NewMemoryStore(), nil)
	sink := &eventlog.Memory{}
	svc := NewService(exec, repo, Options{
		MaxPromptBytes: 32,
		Sink:           sink,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return svc, repo, sink
}

func builtProposal(id, session string) *proposal.Proposal {
	return &proposal.Proposal{
		ID:           id,
		SessionID:    session,
		ExpiresAt:    time.Now().Add(time.Hour),
		RepoRoot:     "/secret/repo",
		SandboxPath:  "/tmp/gatekeep/sandbox-1/worktree",
		SandboxDir:   "/tmp/gatekeep/sandbox-1",
		PatchPath:    "/tmp/gatekeep/patch-1/changes.patch",
		PatchDir:     "/tmp/gatekeep/patch-1",
		ChangedFiles: []string{"a.go", "b.go"},
		DiffStat:     " 2 files changed",
		ProjectName:  "app",
		Summary:      "did things",
	}
}

func TestDelegateWithReviewStoresProposal(t *testing.T) {
	exec := &fakeExecutor{result: worktree.Result{Proposal: builtProposal("p-1", "s1"), Summary: "did things"}}
	svc, repo, sink := newTestService(t, exec)
	dir := t.TempDir()

	out, err := svc.DelegateWithReview(context.Background(), "s1", "add tests", dir)
	require.NoError(t, err)
	require.NotNil(t, out.Proposal)
	assert.False(t, out.NoChanges)
	assert.Equal(t, "p-1", out.Proposal.ID)
	assert.Equal(t, []string{"a.go", "b.go"}, out.Proposal.ChangedFiles)

	require.Len(t, exec.requests, 1)
	assert.Equal(t, filepath.Base(dir), exec.requests[0].ProjectName)

	_, err = repo.Get("s1", "p-1")
	assert.NoError(t, err)

	assert.Equal(t, []string{eventlog.TypeDelegationStarted, eventlog.TypeDelegationProposal}, sink.Types())

	encoded, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "/tmp/gatekeep", "outcome must not expose paths")
	assert.NotContains(t, string(encoded), "/secret/repo")
}

func TestDelegateWithReviewNoChanges(t *testing.T) {
	exec := &fakeExecutor{result: worktree.Result{NoChanges: true, ExitCode: 3, Summary: "nothing"}}
	svc, repo, sink := newTestService(t, exec)

	out, err := svc.DelegateWithReview(context.Background(), "s1", "noop", t.TempDir())
	require.NoError(t, err)
	assert.True(t, out.NoChanges)
	assert.Equal(t, 3, out.ExitCode)
	assert.Nil(t, out.Proposal)
	assert.Empty(t, repo.List())
	assert.Equal(t, []string{
		eventlog.TypeDelegationStarted,
		eventlog.TypeDelegationNoChanges,
		eventlog.TypeDelegationCompleted,
	}, sink.Types())
}

func TestDelegateWithReviewExecutorError(t *testing.T) {
	exec := &fakeExecutor{err: worktree.ErrDirtyRepo}
	svc, _, sink := newTestService(t, exec)

	_, err := svc.DelegateWithReview(context.Background(), "s1", "x", t.TempDir())
	assert.ErrorIs(t, err, worktree.ErrDirtyRepo)
	assert.Equal(t, []string{eventlog.TypeDelegationStarted, eventlog.TypeDelegationFailed}, sink.Types())
	assert.Equal(t, worktree.ErrDirtyRepo.Error(), sink.Events()[1].Payload["error"])
}

func TestDelegateWithReviewCleansUpWhenStoreRejects(t *testing.T) {
	exec := &fakeExecutor{result: worktree.Result{Proposal: builtProposal("p-2", "s1")}}
	svc, repo, _ := newTestService(t, exec)

	_, err := repo.Create(*builtProposal("p-1", "s1"))
	require.NoError(t, err)

	_, err = svc.DelegateWithReview(context.Background(), "s1", "again", t.TempDir())
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
	assert.Equal(t, []string{"p-2"}, exec.cleaned)

	rec, err := repo.Get("s1", "")
	require.NoError(t, err)
	assert.Equal(t, "p-1", rec.Proposal.ID)
}

func TestDelegateWithReviewValidatesBeforeRunning(t *testing.T) {
	exec := &fakeExecutor{}
	svc, _, sink := newTestService(t, exec)
	file := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	cases := map[string]struct {
		session, prompt, dir string
		want                 string
	}{
		"no session":    {"", "x", t.TempDir(), "session id"},
		"empty prompt":  {"s1", "  ", t.TempDir(), "empty"},
		"huge prompt":   {"s1", strings.Repeat("x", 33), t.TempDir(), "limit is 32"},
		"missing dir":   {"s1", "x", filepath.Join(t.TempDir(), "gone"), "does not exist"},
		"not directory": {"s1", "x", file, "not a directory"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.DelegateWithReview(context.Background(), tc.session, tc.prompt, tc.dir)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	assert.Empty(t, exec.requests)
	assert.Empty(t, sink.Events())
}

func TestDelegateWithReviewTagsJob(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("boom")}
	svc, _, sink := newTestService(t, exec)

	ctx := eventlog.WithJobID(context.Background(), "job_1")
	_, err := svc.DelegateWithReview(ctx, "s1", "x", t.TempDir())
	require.Error(t, err)
	for _, evt := range sink.Events() {
		assert.Equal(t, "job_1", evt.JobID)
	}
}
