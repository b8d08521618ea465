// Package vcs runs the external version-control binary. Everything the engine
// does to a repository goes through Runner so tests can script git.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Result is the outcome of one invocation. A non-zero ExitCode is not an
// error at this layer.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// StdoutString returns stdout with surrounding whitespace removed.
func (r Result) StdoutString() string {
	return strings.TrimSpace(string(r.Stdout))
}

// StderrString returns stderr with surrounding whitespace removed.
func (r Result) StderrString() string {
	return strings.TrimSpace(string(r.Stderr))
}

// Runner invokes the VCS binary with args inside dir.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (Result, error)
}

var (
	// ErrTimeout is returned when an invocation exceeds its wall-clock limit.
	ErrTimeout = errors.New("vcs command timed out")
	// ErrOutputLimit is returned when stdout or stderr exceeds the cap.
	ErrOutputLimit = errors.New("vcs command output exceeded limit")
)

// CommandError is a non-zero exit turned into an error by RunChecked.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// RunChecked runs args and converts a non-zero exit into *CommandError.
func RunChecked(ctx context.Context, r Runner, dir string, args ...string) (Result, error) {
	res, err := r.Run(ctx, dir, args...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: res.StderrString()}
	}
	return res, nil
}

// ExecRunner runs a real binary with a hard timeout and output cap. The
// child runs in its own process group so the whole tree is killed on expiry.
type ExecRunner struct {
	Binary    string
	Timeout   time.Duration
	MaxOutput int
	Logger    *slog.Logger
}

// Defaults for ExecRunner.
const (
	DefaultTimeout   = 2 * time.Minute
	DefaultMaxOutput = 16 << 20
)

// NewExecRunner returns a git runner with the given limits. Zero values pick
// the defaults.
func NewExecRunner(timeout time.Duration, maxOutput int, logger *slog.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{Binary: "git", Timeout: timeout, MaxOutput: maxOutput, Logger: logger}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	stdout := &cappedBuffer{limit: r.MaxOutput, onOverflow: cancel}
	stderr := &cappedBuffer{limit: r.MaxOutput, onOverflow: cancel}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	r.Logger.Debug("vcs command finished",
		"args", args,
		"dir", dir,
		"duration_ms", time.Since(start).Milliseconds())

	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if stdout.Overflowed() || stderr.Overflowed() {
		return res, fmt.Errorf("git %s: %w (%d bytes)", firstArg(args), ErrOutputLimit, r.MaxOutput)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("git %s: %w after %s", firstArg(args), ErrTimeout, r.Timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to run git %s: %w", firstArg(args), err)
	}
	return res, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// cappedBuffer keeps at most limit bytes and fires onOverflow once when more
// arrive. Writes never fail so the child is not blocked on a full pipe
// before it is killed.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	overflow   bool
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.overflow {
		return len(p), nil
	}
	room := b.limit - b.buf.Len()
	if len(p) > room {
		b.buf.Write(p[:max(room, 0)])
		b.overflow = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *cappedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}
