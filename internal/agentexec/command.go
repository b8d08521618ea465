// Package agentexec runs the delegated coding task as an external command
// inside the sandbox checkout.
package agentexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/iambrandonn/gatekeep/internal/worktree"
)

// DefaultTailLines is how many trailing stdout lines form the summary.
const DefaultTailLines = 20

// maxLineBytes bounds a single output line.
const maxLineBytes = 1024 * 1024

// Command is a worktree.Delegate backed by an external program. The prompt
// is passed as the final argument and the sandbox is the working directory.
// It has no timeout of its own; cancel ctx to stop it.
type Command struct {
	argv      []string
	env       map[string]string
	tailLines int
	logger    *slog.Logger
}

// New creates a Command. argv must name at least the program.
func New(argv []string, env map[string]string, tailLines int, logger *slog.Logger) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, fmt.Errorf("delegate command is empty")
	}
	if tailLines <= 0 {
		tailLines = DefaultTailLines
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{
		argv:      append([]string(nil), argv...),
		env:       env,
		tailLines: tailLines,
		logger:    logger,
	}, nil
}

// Run runs the command for prompt in dir. A non-zero exit is reported
// through ExitCode, not as an error; errors mean the command could not be
// run or was cancelled.
func (c *Command) Run(ctx context.Context, prompt, dir string) (worktree.TaskResult, error) {
	args := append(append([]string(nil), c.argv[1:]...), prompt)
	proc := exec.CommandContext(ctx, c.argv[0], args...)
	proc.Dir = dir
	// Cancellation takes down the whole process group so grandchildren do
	// not keep the output pipes open.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	proc.Cancel = func() error {
		if proc.Process == nil {
			return nil
		}
		return unix.Kill(-proc.Process.Pid, unix.SIGKILL)
	}

	// Inherit the parent environment, then add the sandbox markers.
	proc.Env = os.Environ()
	proc.Env = append(proc.Env, "GATEKEEP_SANDBOX="+dir)
	for k, v := range c.env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := proc.StdoutPipe()
	if err != nil {
		return worktree.TaskResult{}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := proc.StderrPipe()
	if err != nil {
		return worktree.TaskResult{}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	c.logger.Info("starting delegate", "cmd", c.argv[0], "dir", dir, "prompt_bytes", len(prompt))
	if err := proc.Start(); err != nil {
		return worktree.TaskResult{}, fmt.Errorf("failed to start delegate: %w", err)
	}

	tail := newTail(c.tailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.scan(stdout, "stdout", tail.add)
	}()
	go func() {
		defer wg.Done()
		c.scan(stderr, "stderr", nil)
	}()
	// Pipes must be drained before Wait closes them.
	wg.Wait()

	err = proc.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return worktree.TaskResult{}, fmt.Errorf("delegate cancelled: %w", ctxErr)
	}

	res := worktree.TaskResult{Summary: tail.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return worktree.TaskResult{}, fmt.Errorf("delegate failed: %w", err)
	}

	c.logger.Info("delegate exited", "cmd", c.argv[0], "exit_code", res.ExitCode)
	return res, nil
}

func (c *Command) scan(r io.Reader, stream string, sink func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		c.logger.Debug("delegate output", "stream", stream, "line", line)
		if sink != nil {
			sink(line)
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("error reading delegate output", "stream", stream, "error", err)
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

// tail keeps the last n lines.
type tail struct {
	n     int
	lines []string
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	return strings.TrimSpace(strings.Join(t.lines, "\n"))
}
