// Package worktree runs delegated coding tasks in a throwaway detached git
// worktree and turns whatever they changed into a reviewable patch.
package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/gatekeep/internal/checksum"
	"github.com/iambrandonn/gatekeep/internal/fsutil"
	"github.com/iambrandonn/gatekeep/internal/proposal"
	"github.com/iambrandonn/gatekeep/internal/vcs"
)

const (
	sandboxPattern = "sandbox-*"
	patchPattern   = "patch-*"
	checkoutName   = "worktree"
	patchFileName  = "changes.patch"

	// ContentTypeDeleted labels a path removed by the task.
	ContentTypeDeleted = "deleted"

	DefaultTTL          = 30 * time.Minute
	DefaultPreviewLines = 40
	diffWorkers         = 4
)

var (
	// ErrDirtyRepo means the host working tree has uncommitted or untracked
	// changes.
	ErrDirtyRepo = errors.New("repository has uncommitted changes")
	// ErrHeadMoved means HEAD no longer matches the proposal's base commit.
	ErrHeadMoved = errors.New("repository HEAD moved since the proposal was created")
	// ErrPatchOutsideRoot means a stored patch path escapes the temp root.
	ErrPatchOutsideRoot = errors.New("patch path is outside the sandbox temp root")
)

// ApplyError carries git's explanation for a failed patch application.
type ApplyError struct {
	ExitCode int
	Detail   string
}

func (e *ApplyError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("git apply failed with code %d", e.ExitCode)
	}
	return "git apply failed: " + e.Detail
}

// TaskResult is what the delegated task reports back.
type TaskResult struct {
	ExitCode int
	Summary  string
}

// Delegate runs the untrusted task inside dir.
type Delegate interface {
	Run(ctx context.Context, prompt, dir string) (TaskResult, error)
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(ctx context.Context, prompt, dir string) (TaskResult, error)

// Run implements Delegate.
func (f DelegateFunc) Run(ctx context.Context, prompt, dir string) (TaskResult, error) {
	return f(ctx, prompt, dir)
}

// Request describes one delegation run.
type Request struct {
	SessionID   string
	Prompt      string
	Dir         string
	ProjectName string
}

// Result is either NoChanges or a Proposal, never both.
type Result struct {
	NoChanges bool
	ExitCode  int
	Summary   string
	Proposal  *proposal.Proposal
}

// Options configures an Executor.
type Options struct {
	TempRoot     string
	TTL          time.Duration
	PreviewLines int
	Logger       *slog.Logger
	Now          func() time.Time
}

// Executor creates sandboxes, runs the delegate and builds proposals. It
// keeps no state between runs; proposals own their sandboxes once returned.
type Executor struct {
	runner       vcs.Runner
	delegate     Delegate
	tempRoot     string
	ttl          time.Duration
	previewLines int
	logger       *slog.Logger
	now          func() time.Time
}

// NewExecutor creates the temp root if needed.
func NewExecutor(runner vcs.Runner, delegate Delegate, opts Options) (*Executor, error) {
	if runner == nil || delegate == nil {
		return nil, fmt.Errorf("worktree executor needs a runner and a delegate")
	}
	if opts.TempRoot == "" {
		opts.TempRoot = filepath.Join(os.TempDir(), "gatekeep")
	}
	if err := os.MkdirAll(opts.TempRoot, 0700); err != nil {
		return nil, fmt.Errorf("failed to create temp root: %w", err)
	}
	root, err := filepath.EvalSymlinks(opts.TempRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve temp root: %w", err)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve temp root: %w", err)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PreviewLines <= 0 {
		opts.PreviewLines = DefaultPreviewLines
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Executor{
		runner:       runner,
		delegate:     delegate,
		tempRoot:     root,
		ttl:          opts.TTL,
		previewLines: opts.PreviewLines,
		logger:       opts.Logger,
		now:          opts.Now,
	}, nil
}

// TempRoot returns the resolved directory that owns every sandbox and patch.
func (e *Executor) TempRoot() string {
	return e.tempRoot
}

// Run executes req in a fresh sandbox. A dirty host repository is refused
// before anything is created. Any failure after the sandbox exists removes it
// before returning.
func (e *Executor) Run(ctx context.Context, req Request) (res Result, err error) {
	if req.Dir == "" {
		return Result{}, fmt.Errorf("working directory is required")
	}

	top, err := vcs.RunChecked(ctx, e.runner, req.Dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve repository root: %w", err)
	}
	repoRoot := top.StdoutString()

	if err := e.ensureClean(ctx, repoRoot); err != nil {
		return Result{}, err
	}
	head, err := e.head(ctx, repoRoot)
	if err != nil {
		return Result{}, err
	}

	sandboxDir, err := os.MkdirTemp(e.tempRoot, sandboxPattern)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create sandbox directory: %w", err)
	}
	patchDir, err := os.MkdirTemp(e.tempRoot, patchPattern)
	if err != nil {
		_ = os.RemoveAll(sandboxDir)
		return Result{}, fmt.Errorf("failed to create patch directory: %w", err)
	}

	p := proposal.Proposal{
		SessionID:   req.SessionID,
		RepoRoot:    repoRoot,
		BaseHead:    head,
		SandboxDir:  sandboxDir,
		SandboxPath: filepath.Join(sandboxDir, checkoutName),
		PatchDir:    patchDir,
		ProjectName: req.ProjectName,
	}
	if p.ProjectName == "" {
		p.ProjectName = filepath.Base(repoRoot)
	}

	keep := false
	defer func() {
		if keep {
			return
		}
		// Cleanup must run even if ctx was cancelled mid-run.
		if cerr := e.Cleanup(context.WithoutCancel(ctx), p); cerr != nil {
			e.logger.Warn("sandbox cleanup failed", "sandbox", sandboxDir, "error", cerr)
		}
	}()

	if _, err := vcs.RunChecked(ctx, e.runner, repoRoot, "worktree", "add", "--detach", p.SandboxPath, head); err != nil {
		return Result{}, fmt.Errorf("failed to create sandbox worktree: %w", err)
	}
	e.logger.Info("sandbox created", "session_id", req.SessionID, "sandbox", p.SandboxPath, "head", head)

	task, err := e.delegate.Run(ctx, req.Prompt, p.SandboxPath)
	if err != nil {
		return Result{}, fmt.Errorf("delegated task failed: %w", err)
	}

	if _, err := vcs.RunChecked(ctx, e.runner, p.SandboxPath, "add", "-A"); err != nil {
		return Result{}, fmt.Errorf("failed to stage sandbox changes: %w", err)
	}
	diff, err := vcs.RunChecked(ctx, e.runner, p.SandboxPath, "diff", "--cached", "--binary", "--no-color", "--no-ext-diff", head)
	if err != nil {
		return Result{}, fmt.Errorf("failed to diff sandbox: %w", err)
	}

	if len(bytes.TrimSpace(diff.Stdout)) == 0 {
		e.logger.Info("delegated task produced no changes", "session_id", req.SessionID, "exit_code", task.ExitCode)
		return Result{NoChanges: true, ExitCode: task.ExitCode, Summary: task.Summary}, nil
	}

	if err := e.describe(ctx, &p, head, diff.Stdout); err != nil {
		return Result{}, err
	}

	p.PatchPath = filepath.Join(patchDir, patchFileName)
	if err := fsutil.AtomicWrite(p.PatchPath, diff.Stdout); err != nil {
		return Result{}, fmt.Errorf("failed to write patch: %w", err)
	}
	p.PatchSHA256 = checksum.Bytes(diff.Stdout)

	now := e.now().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.ExpiresAt = now.Add(e.ttl)
	p.ExitCode = task.ExitCode
	p.Summary = task.Summary

	keep = true
	e.logger.Info("proposal built",
		"session_id", req.SessionID,
		"proposal_id", p.ID,
		"files", len(p.ChangedFiles),
		"expires_at", p.ExpiresAt)
	return Result{ExitCode: task.ExitCode, Summary: task.Summary, Proposal: &p}, nil
}

// describe fills the stat, file list, preview and per-file diffs. Renames are
// listed as a delete and an add so both paths reach ChangedFiles.
func (e *Executor) describe(ctx context.Context, p *proposal.Proposal, head string, full []byte) error {
	stat, err := vcs.RunChecked(ctx, e.runner, p.SandboxPath, "diff", "--cached", "--no-renames", "--stat", "--no-color", head)
	if err != nil {
		return fmt.Errorf("failed to compute diff stat: %w", err)
	}
	names, err := vcs.RunChecked(ctx, e.runner, p.SandboxPath, "diff", "--cached", "--no-renames", "--name-only", "-z", head)
	if err != nil {
		return fmt.Errorf("failed to list changed files: %w", err)
	}

	files := splitNUL(names.Stdout)
	diffs := make([]proposal.FileDiff, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(diffWorkers)
	for i, path := range files {
		g.Go(func() error {
			out, err := vcs.RunChecked(gctx, e.runner, p.SandboxPath,
				"diff", "--cached", "--no-renames", "--binary", "--no-color", "--no-ext-diff", head, "--", path)
			if err != nil {
				return fmt.Errorf("failed to diff %s: %w", path, err)
			}
			diffs[i] = proposal.FileDiff{
				Path:        path,
				ContentType: contentType(filepath.Join(p.SandboxPath, filepath.FromSlash(path))),
				Diff:        string(out.Stdout),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.ChangedFiles = files
	p.FileDiffs = diffs
	p.DiffStat = strings.TrimRight(string(stat.Stdout), "\n")
	p.DiffPreview = preview(full, e.previewLines)
	return nil
}

// CheckAcceptPreconditions verifies the host repository is still clean and
// still at the proposal's base commit. The proposal is not modified.
func (e *Executor) CheckAcceptPreconditions(ctx context.Context, p proposal.Proposal) error {
	if err := e.ensureClean(ctx, p.RepoRoot); err != nil {
		return err
	}
	head, err := e.head(ctx, p.RepoRoot)
	if err != nil {
		return err
	}
	if head != p.BaseHead {
		return fmt.Errorf("%w: now %s, proposal built on %s", ErrHeadMoved, shortHash(head), shortHash(p.BaseHead))
	}
	return nil
}

// ApplyPatch applies the stored patch to the host working tree. The patch
// must live under the temp root and match its recorded checksum.
func (e *Executor) ApplyPatch(ctx context.Context, p proposal.Proposal) error {
	patch, err := fsutil.ResolveWithin(e.tempRoot, p.PatchPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPatchOutsideRoot, err)
	}
	if p.PatchSHA256 != "" {
		if err := checksum.Verify(patch, p.PatchSHA256); err != nil {
			return fmt.Errorf("patch integrity check failed: %w", err)
		}
	}

	res, err := e.runner.Run(ctx, p.RepoRoot, "apply", "--ignore-whitespace", "--whitespace=nowarn", patch)
	if err != nil {
		return fmt.Errorf("failed to run git apply: %w", err)
	}
	if res.ExitCode != 0 {
		return &ApplyError{ExitCode: res.ExitCode, Detail: res.StderrString()}
	}
	e.logger.Info("patch applied", "proposal_id", p.ID, "repo", p.RepoRoot, "files", len(p.ChangedFiles))
	return nil
}

// Cleanup removes the sandbox worktree and the patch directory. Missing
// artifacts are not an error, so it is safe to call more than once.
func (e *Executor) Cleanup(ctx context.Context, p proposal.Proposal) error {
	if p.SandboxPath != "" && p.RepoRoot != "" {
		res, err := e.runner.Run(ctx, p.RepoRoot, "worktree", "remove", "--force", p.SandboxPath)
		if err != nil {
			e.logger.Warn("git worktree remove failed", "sandbox", p.SandboxPath, "error", err)
		} else if res.ExitCode != 0 {
			e.logger.Debug("git worktree remove reported an error", "sandbox", p.SandboxPath, "stderr", res.StderrString())
		}
		if _, err := e.runner.Run(ctx, p.RepoRoot, "worktree", "prune"); err != nil {
			e.logger.Warn("git worktree prune failed", "repo", p.RepoRoot, "error", err)
		}
	}

	var errs []error
	for _, dir := range []string{p.SandboxDir, p.PatchDir} {
		if dir == "" {
			continue
		}
		resolved, err := fsutil.ResolveWithin(e.tempRoot, dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("refusing to remove %s: %w", dir, err))
			continue
		}
		if err := os.RemoveAll(resolved); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) ensureClean(ctx context.Context, repoRoot string) error {
	status, err := vcs.RunChecked(ctx, e.runner, repoRoot, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to check repository status: %w", err)
	}
	if len(bytes.TrimSpace(status.Stdout)) > 0 {
		return fmt.Errorf("%w: %s", ErrDirtyRepo, repoRoot)
	}
	return nil
}

func (e *Executor) head(ctx context.Context, repoRoot string) (string, error) {
	res, err := vcs.RunChecked(ctx, e.runner, repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	head := res.StdoutString()
	if head == "" {
		return "", fmt.Errorf("failed to resolve HEAD: empty output")
	}
	return head, nil
}

func contentType(path string) string {
	if _, err := os.Lstat(path); err != nil {
		return ContentTypeDeleted
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

func splitNUL(b []byte) []string {
	parts := bytes.Split(b, []byte{0})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if len(part) > 0 {
			out = append(out, string(part))
		}
	}
	sort.Strings(out)
	return out
}

func preview(diff []byte, maxLines int) string {
	lines := strings.Split(strings.TrimRight(string(diff), "\n"), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:maxLines], "\n") + fmt.Sprintf("\n... (%d more lines)", len(lines)-maxLines)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
