// Package delegate runs a coding task in a sandbox and turns any resulting
// diff into a pending proposal for review.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/iambrandonn/gatekeep/internal/apperr"
	"github.com/iambrandonn/gatekeep/internal/eventlog"
	"github.com/iambrandonn/gatekeep/internal/proposal"
	"github.com/iambrandonn/gatekeep/internal/worktree"
)

// DefaultMaxPromptBytes bounds the task prompt when Options leaves it unset.
const DefaultMaxPromptBytes = 64 * 1024

// Executor is the slice of worktree.Executor the service drives.
type Executor interface {
	Run(ctx context.Context, req worktree.Request) (worktree.Result, error)
	Cleanup(ctx context.Context, p proposal.Proposal) error
}

// Options configures a Service.
type Options struct {
	MaxPromptBytes int
	// DefaultDir is used when the caller passes no working directory.
	// Empty means the process working directory.
	DefaultDir string
	Sink       eventlog.Sink
	Logger     *slog.Logger
}

// Outcome is what callers see of a delegation. It never carries
// filesystem paths.
type Outcome struct {
	NoChanges bool
	ExitCode  int
	Summary   string
	Proposal  *proposal.View
}

// Service implements delegate-with-review.
type Service struct {
	exec      Executor
	repo      *proposal.Repository
	maxPrompt int
	dir       string
	sink      eventlog.Sink
	logger    *slog.Logger
}

// NewService wires the executor to the proposal repository.
func NewService(exec Executor, repo *proposal.Repository, opts Options) *Service {
	if opts.MaxPromptBytes <= 0 {
		opts.MaxPromptBytes = DefaultMaxPromptBytes
	}
	if opts.Sink == nil {
		opts.Sink = eventlog.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		exec:      exec,
		repo:      repo,
		maxPrompt: opts.MaxPromptBytes,
		dir:       opts.DefaultDir,
		sink:      opts.Sink,
		logger:    opts.Logger,
	}
}

// DelegateWithReview runs prompt in a sandbox of workingDir's repository.
// A non-empty diff is stored as the session's pending proposal; an empty
// one completes the delegation immediately.
func (s *Service) DelegateWithReview(ctx context.Context, sessionID, prompt, workingDir string) (Outcome, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Outcome{}, apperr.Validation("session id is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return Outcome{}, apperr.Validation("task prompt is empty")
	}
	if len(prompt) > s.maxPrompt {
		return Outcome{}, apperr.Validationf("task prompt is %d bytes; the limit is %d", len(prompt), s.maxPrompt)
	}
	dir, err := s.resolveDir(workingDir)
	if err != nil {
		return Outcome{}, err
	}
	project := filepath.Base(dir)

	s.emit(ctx, eventlog.TypeDelegationStarted, sessionID, map[string]any{
		"dir":          dir,
		"prompt_bytes": len(prompt),
	})
	s.logger.Info("delegation started", "session_id", sessionID, "dir", dir)

	res, err := s.exec.Run(ctx, worktree.Request{
		SessionID:   sessionID,
		Prompt:      prompt,
		Dir:         dir,
		ProjectName: project,
	})
	if err != nil {
		s.emit(ctx, eventlog.TypeDelegationFailed, sessionID, map[string]any{"error": err.Error()})
		s.logger.Warn("delegation failed", "session_id", sessionID, "error", err)
		return Outcome{}, err
	}

	if res.NoChanges || res.Proposal == nil {
		payload := map[string]any{"exit_code": res.ExitCode}
		s.emit(ctx, eventlog.TypeDelegationNoChanges, sessionID, payload)
		s.emit(ctx, eventlog.TypeDelegationCompleted, sessionID, payload)
		return Outcome{NoChanges: true, ExitCode: res.ExitCode, Summary: res.Summary}, nil
	}

	p := *res.Proposal
	if _, err := s.repo.Create(p); err != nil {
		if cerr := s.exec.Cleanup(context.WithoutCancel(ctx), p); cerr != nil {
			s.logger.Warn("failed to clean up unstored proposal", "proposal_id", p.ID, "error", cerr)
		}
		s.emit(ctx, eventlog.TypeDelegationFailed, sessionID, map[string]any{
			"proposal_id": p.ID,
			"error":       err.Error(),
		})
		return Outcome{}, err
	}

	s.emit(ctx, eventlog.TypeDelegationProposal, sessionID, map[string]any{
		"proposal_id":   p.ID,
		"changed_files": len(p.ChangedFiles),
		"exit_code":     p.ExitCode,
		"expires_at":    p.ExpiresAt,
		"patch_sha256":  p.PatchSHA256,
	})
	s.logger.Info("proposal ready", "session_id", sessionID, "proposal_id", p.ID, "files", len(p.ChangedFiles))

	view := p.View()
	return Outcome{ExitCode: p.ExitCode, Summary: p.Summary, Proposal: &view}, nil
}

func (s *Service) resolveDir(workingDir string) (string, error) {
	dir := workingDir
	if dir == "" {
		dir = s.dir
	}
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to determine working directory: %w", err)
		}
		dir = wd
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", apperr.Wrapf(err, apperr.CodeValidation, "invalid working directory %q", dir)
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", apperr.Validationf("working directory %s does not exist", abs)
	case err != nil:
		return "", apperr.Wrapf(err, apperr.CodeValidation, "cannot access working directory %s", abs)
	case !info.IsDir():
		return "", apperr.Validationf("working directory %s is not a directory", abs)
	}
	return abs, nil
}

func (s *Service) emit(ctx context.Context, typ, sessionID string, payload map[string]any) {
	eventlog.Emit(ctx, s.sink, s.logger, eventlog.Event{Type: typ, SessionID: sessionID, Payload: payload})
}
