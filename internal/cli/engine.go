package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/gatekeep/internal/approval"
	"github.com/iambrandonn/gatekeep/internal/bootstrap"
	"github.com/iambrandonn/gatekeep/internal/config"
	"github.com/iambrandonn/gatekeep/internal/transcript"
	"github.com/iambrandonn/gatekeep/internal/worktree"
)

var errNoDelegate = errors.New("no delegate command configured (set GATEKEEP_DELEGATE_CMD)")

// loadConfig reads GATEKEEP_* settings, layering the --env-file underneath.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.LoadOptions{EnvFile: envFile})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type engineOptions struct {
	// reviewOnly commands never delegate, so a missing delegate command is
	// not an error for them.
	reviewOnly bool
	dir        string
}

// openEngine wires the engine for cmd. Background notices are printed to
// cmd's output.
func openEngine(cmd *cobra.Command, opts engineOptions) (*bootstrap.Engine, *consoleNotifier, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	lowTrust, err := cmd.Flags().GetBool("low-trust")
	if err != nil {
		return nil, nil, err
	}

	notifier := newConsoleNotifier(cmd.OutOrStdout(), transcript.NewFormatter())
	bopts := bootstrap.Options{
		Logger:     bootstrap.NewLogger(cfg, cmd.ErrOrStderr()),
		Notifier:   notifier,
		DefaultDir: opts.dir,
	}
	if lowTrust {
		bopts.Trust = approval.TrustLow
	}
	if opts.reviewOnly && len(cfg.DelegateCmd) == 0 {
		bopts.Delegate = worktree.DelegateFunc(func(context.Context, string, string) (worktree.TaskResult, error) {
			return worktree.TaskResult{}, errNoDelegate
		})
	}

	engine, err := bootstrap.Open(cfg, bopts)
	if err != nil {
		return nil, nil, err
	}
	return engine, notifier, nil
}

func sessionFlag(cmd *cobra.Command) (string, error) {
	sid, err := cmd.Flags().GetString("session")
	if err != nil {
		return "", err
	}
	if sid == "" {
		return "", fmt.Errorf("--session must not be empty")
	}
	return sid, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// consoleNotifier prints background job messages as they arrive.
type consoleNotifier struct {
	mu  sync.Mutex
	w   io.Writer
	fmt *transcript.Formatter
}

func newConsoleNotifier(w io.Writer, f *transcript.Formatter) *consoleNotifier {
	return &consoleNotifier{w: w, fmt: f}
}

func (n *consoleNotifier) Notify(_ context.Context, sessionID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := fmt.Fprintln(n.w, n.fmt.FormatNotice(sessionID, message))
	return err
}

// println serialises foreground output with background notices.
func (n *consoleNotifier) println(a ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintln(n.w, a...)
}
