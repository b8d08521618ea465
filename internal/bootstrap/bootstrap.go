// Package bootstrap assembles the engine from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/gatekeep/internal/agentexec"
	"github.com/iambrandonn/gatekeep/internal/approval"
	"github.com/iambrandonn/gatekeep/internal/config"
	"github.com/iambrandonn/gatekeep/internal/delegate"
	"github.com/iambrandonn/gatekeep/internal/eventlog"
	"github.com/iambrandonn/gatekeep/internal/intake"
	"github.com/iambrandonn/gatekeep/internal/job"
	"github.com/iambrandonn/gatekeep/internal/jobqueue"
	"github.com/iambrandonn/gatekeep/internal/policy"
	"github.com/iambrandonn/gatekeep/internal/proposal"
	"github.com/iambrandonn/gatekeep/internal/risk"
	"github.com/iambrandonn/gatekeep/internal/session"
	"github.com/iambrandonn/gatekeep/internal/vcs"
	"github.com/iambrandonn/gatekeep/internal/workspace"
	"github.com/iambrandonn/gatekeep/internal/worktree"
)

// Options overrides parts of the assembly. Zero values use the configured
// defaults.
type Options struct {
	Logger *slog.Logger
	// Notifier receives background job messages. Nil discards them.
	Notifier jobqueue.Notifier
	Trust    approval.Trust
	// Delegate replaces the configured delegate command.
	Delegate worktree.Delegate
	// Runner replaces the git runner.
	Runner vcs.Runner
	// DefaultDir is the repository used when a request names none.
	DefaultDir string
}

// Engine holds every wired component.
type Engine struct {
	Config  *config.Config
	Logger  *slog.Logger
	Layout  workspace.Layout
	Audit   *eventlog.EventLog
	Policy  *policy.Policy
	Risk    *risk.Classifier
	Jobs    *job.Service
	Sandbox *worktree.Executor

	Store      proposal.Store
	Proposals  *proposal.Repository
	Delegation *delegate.Service
	Approvals  *approval.Service
	Sessions   *session.Manager
	Queue      *jobqueue.Queue
	Intake     *intake.Orchestrator

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewLogger builds the process logger from the configured level and format.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// LoadPolicy reads the configured policy file. The file must exist; `gatekeep
// init` writes the default one.
func LoadPolicy(cfg *config.Config) (*policy.Policy, error) {
	p, err := policy.Load(cfg.PolicyFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("policy file %s not found\n\nHint: Run 'gatekeep init' to create the default policy", cfg.PolicyFile)
	}
	return p, err
}

// Open validates cfg, prepares the state directory and wires the engine.
// Call Start to run the job supervisor and Close when done.
func Open(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg, os.Stderr)
	}

	layout := workspace.Layout{Root: cfg.StateDir}
	if err := workspace.Initialize(layout.Root); err != nil {
		return nil, fmt.Errorf("failed to initialize state directory: %w", err)
	}

	pol, err := LoadPolicy(cfg)
	if err != nil {
		return nil, err
	}

	delegateFn := opts.Delegate
	if delegateFn == nil {
		if err := cfg.ValidateDelegate(); err != nil {
			return nil, err
		}
		cmd, err := agentexec.New(cfg.DelegateCmd, nil, cfg.DelegateTailLines, logger.With("component", "agentexec"))
		if err != nil {
			return nil, err
		}
		delegateFn = cmd
	}

	audit, err := eventlog.NewEventLog(layout.AuditDir(), logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Config: cfg,
		Logger: logger,
		Layout: layout,
		Audit:  audit,
		Policy: pol,
		Risk:   risk.New(cfg.Risk.Tables()),
	}
	if err := e.wire(opts, delegateFn); err != nil {
		_ = audit.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) wire(opts Options, delegateFn worktree.Delegate) error {
	cfg, logger := e.Config, e.Logger

	e.Jobs = job.NewService(e.Audit, logger.With("component", "jobs"))
	e.Jobs.SetSummaryWriter(job.NewFileSummaryWriter(e.Layout.JobsDir()))

	runner := opts.Runner
	if runner == nil {
		runner = vcs.NewExecRunner(cfg.CommandTimeout, cfg.CommandMaxOutput, logger.With("component", "git"))
	}
	sandbox, err := worktree.NewExecutor(runner, delegateFn, worktree.Options{
		TempRoot:     e.Layout.TempDir(),
		TTL:          cfg.ProposalTTL,
		PreviewLines: cfg.PreviewLines,
		Logger:       logger.With("component", "worktree"),
	})
	if err != nil {
		return err
	}
	e.Sandbox = sandbox

	if err := e.openStore(); err != nil {
		return err
	}
	e.Proposals = proposal.NewRepository(e.Store, nil)

	e.Sessions = session.NewManager(session.DefaultMaxHistory)
	e.Delegation = delegate.NewService(sandbox, e.Proposals, delegate.Options{
		MaxPromptBytes: cfg.MaxPromptBytes,
		DefaultDir:     opts.DefaultDir,
		Sink:           e.Audit,
		Logger:         logger.With("component", "delegate"),
	})
	e.Approvals = approval.NewService(e.Proposals, sandbox, approval.Options{
		Trust:              opts.Trust,
		AllowLowTrustApply: cfg.AllowLowTrustApply,
		History:            e.Sessions,
		Sink:               e.Audit,
		Logger:             logger.With("component", "approval"),
	})
	e.Queue = jobqueue.New(jobqueue.Options{
		MaxConcurrent: cfg.MaxConcurrentJobs,
		Notifier:      opts.Notifier,
		History:       e.Sessions,
		Logger:        logger.With("component", "jobqueue"),
	})
	e.Intake = intake.New(e.Jobs, e.Risk, e.Delegation, e.Queue, intake.Options{
		Policy: e.Policy,
		Sink:   e.Audit,
		Logger: logger.With("component", "intake"),
	})
	e.Approvals.OnResolve(e.Intake.HandleResolution)
	return nil
}

func (e *Engine) openStore() error {
	if e.Config.ProposalStore == config.StoreMemory {
		e.Store = proposal.NewMemoryStore()
		return nil
	}

	fs, err := proposal.OpenFileStore(e.Layout.ProposalsPath(), proposal.FileStoreOptions{
		Lock:   e.Config.ProposalLock,
		Logger: e.Logger.With("component", "proposals"),
	})
	if err != nil {
		return err
	}
	// Records dropped at load still own sandboxes on disk.
	for _, p := range fs.Dropped() {
		if err := e.Sandbox.Cleanup(context.Background(), p); err != nil {
			e.Logger.Warn("failed to clean up dropped proposal", "proposal_id", p.ID, "error", err)
		}
	}
	e.Store = fs
	return nil
}

// Start runs the job supervisor until ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := e.Queue.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	e.group = g
}

// Close waits for in-flight jobs, stops the supervisor and closes the audit
// log.
func (e *Engine) Close() error {
	var errs []error
	if e.group != nil {
		e.Queue.Wait()
		e.cancel()
		errs = append(errs, e.group.Wait())
	}
	errs = append(errs, e.Audit.Close())
	return errors.Join(errs...)
}
