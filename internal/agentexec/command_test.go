package agentexec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shell(t *testing.T, script string, tail int) *Command {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	c, err := New([]string{"sh", "-c", script, "delegate"}, map[string]string{"EXTRA": "x"}, tail,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestRunPassesPromptAndDir(t *testing.T) {
	dir := t.TempDir()
	c := shell(t, `printf '%s' "$1" > prompt.txt; echo "sandbox=$GATEKEEP_SANDBOX extra=$EXTRA"`, 0)

	res, err := c.Run(context.Background(), "fix the bug", dir)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, fmt.Sprintf("sandbox=%s extra=x", dir), res.Summary)

	data, err := os.ReadFile(filepath.Join(dir, "prompt.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", string(data))
}

func TestRunKeepsStdoutTail(t *testing.T) {
	c := shell(t, `for i in 1 2 3 4 5; do echo "line $i"; done; echo noise >&2`, 2)

	res, err := c.Run(context.Background(), "x", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "line 4\nline 5", res.Summary)
}

func TestRunReportsNonZeroExit(t *testing.T) {
	c := shell(t, `echo "gave up"; exit 7`, 0)

	res, err := c.Run(context.Background(), "x", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.Equal(t, "gave up", res.Summary)
}

func TestRunCancelled(t *testing.T) {
	c := shell(t, `sleep 5`, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Run(ctx, "x", t.TempDir())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "cancelled"))
}

func TestRunMissingBinary(t *testing.T) {
	c, err := New([]string{filepath.Join(t.TempDir(), "no-such-agent")}, nil, 0, nil)
	require.NoError(t, err)

	_, err = c.Run(context.Background(), "x", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start delegate")
}

func TestNewRejectsEmptyCommand(t *testing.T) {
	_, err := New(nil, nil, 0, nil)
	assert.Error(t, err)
	_, err = New([]string{"  "}, nil, 0, nil)
	assert.Error(t, err)
}
