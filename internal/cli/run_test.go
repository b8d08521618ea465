package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/gatekeep/internal/apperr"
)

func TestPromptForInstructionTTY(t *testing.T) {
	input := bufio.NewReader(strings.NewReader("Fix the flaky test\n"))
	var output bytes.Buffer

	instruction, err := promptForInstruction(input, &output, true)
	require.NoError(t, err)
	require.Equal(t, "Fix the flaky test", instruction)
	require.Contains(t, output.String(), "gatekeep> What should I do?")
}

func TestPromptForInstructionNonTTY(t *testing.T) {
	input := bufio.NewReader(strings.NewReader("Fix the flaky test\n"))
	var output bytes.Buffer

	instruction, err := promptForInstruction(input, &output, false)
	require.NoError(t, err)
	require.Equal(t, "Fix the flaky test", instruction)
	require.NotContains(t, output.String(), "gatekeep>")
}

func TestPromptForInstructionEmpty(t *testing.T) {
	input := bufio.NewReader(strings.NewReader("\n"))
	var output bytes.Buffer

	_, err := promptForInstruction(input, &output, true)
	require.Error(t, err)
	require.ErrorIs(t, err, errInstructionRequired)
}

func TestPromptForInstructionEOFWithoutNewline(t *testing.T) {
	input := bufio.NewReader(strings.NewReader("Fix the flaky test"))
	var output bytes.Buffer

	instruction, err := promptForInstruction(input, &output, false)
	require.NoError(t, err)
	require.Equal(t, "Fix the flaky test", instruction)
}

func TestPromptForInstructionImmediateEOF(t *testing.T) {
	input := bufio.NewReader(strings.NewReader(""))
	var output bytes.Buffer

	_, err := promptForInstruction(input, &output, false)
	require.Error(t, err)
	require.ErrorIs(t, err, errInstructionRequired)
}

func TestRunRequestReadsPromptFromStdin(t *testing.T) {
	stateDir(t)
	_, err := execute(t, "", "init")
	require.NoError(t, err)

	resetFlags(rootCmd)
	_, err = execute(t, "\n", "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruction required")
}

func TestSubmitFailureTextHidesInternalDetail(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	text := submitFailureText(logger, "s1", apperr.Validation("task prompt is empty"))
	assert.Equal(t, "Could not start the task: task prompt is empty", text)
	assert.Empty(t, logs.String())

	internal := fmt.Errorf("write /var/lib/gatekeep/jobs/x.json: %w", os.ErrPermission)
	text = submitFailureText(logger, "s1", apperr.Wrap(internal, apperr.CodeInternal, "failed to store job"))
	assert.Equal(t, "Could not start the task because of an internal error.", text)
	assert.NotContains(t, text, "/var/lib")
	assert.Contains(t, logs.String(), "/var/lib/gatekeep/jobs/x.json")
}

// syncBuffer is written by the job supervisor while the test polls it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// delegateRepo creates a git repository and a delegate script that writes
// NOTES.md into whatever checkout it runs in.
func delegateRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# demo\n"), 0644))
	for _, args := range [][]string{{"init", "-q"}, {"add", "-A"}, {"commit", "-q", "-m", "initial"}} {
		cmd := exec.Command("git", append([]string{"-c", "user.name=gatekeep", "-c", "user.email=gatekeep@example.com", "-c", "commit.gpgsign=false"}, args...)...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	script := filepath.Join(t.TempDir(), "delegate.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf 'notes\\n' > NOTES.md\necho \"wrote notes for: $1\"\n"), 0755))
	t.Setenv("GATEKEEP_DELEGATE_CMD", "sh "+script)
	return repo
}

func TestSessionDriverDelegatesAndAccepts(t *testing.T) {
	stateDir(t)
	_, err := execute(t, "", "init")
	require.NoError(t, err)
	resetFlags(rootCmd)
	repo := delegateRepo(t)

	stdin, feed := io.Pipe()
	out := &syncBuffer{}
	rootCmd.SetArgs([]string{"session", "--session", "s1", "--dir", repo})
	rootCmd.SetIn(stdin)
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		resetFlags(rootCmd)
	})

	done := make(chan error, 1)
	go func() { done <- rootCmd.Execute() }()

	_, err = io.WriteString(feed, "write some notes\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "is ready for review")
	}, 30*time.Second, 20*time.Millisecond)
	assert.NoFileExists(t, filepath.Join(repo, "NOTES.md"))

	_, err = io.WriteString(feed, "pending\naccept\n")
	require.NoError(t, err)
	require.NoError(t, feed.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("session command did not exit")
	}

	text := out.String()
	assert.Contains(t, text, "Started job_")
	assert.Contains(t, text, "NOTES.md")
	data, err := os.ReadFile(filepath.Join(repo, "NOTES.md"))
	require.NoError(t, err)
	assert.Equal(t, "notes\n", string(data))

	resetFlags(rootCmd)
	jobsOut, err := execute(t, "", "jobs")
	require.NoError(t, err)
	assert.Contains(t, jobsOut, "DONE")
	assert.Contains(t, jobsOut, "write some notes")
}

func TestRunWaitsForBackgroundJob(t *testing.T) {
	stateDir(t)
	_, err := execute(t, "", "init")
	require.NoError(t, err)
	resetFlags(rootCmd)
	repo := delegateRepo(t)

	out, err := execute(t, "", "run", "--dir", repo, "--path", "NOTES.md", "--owner-approved", "write", "notes")
	require.NoError(t, err)
	assert.Contains(t, out, "Started job_")
	assert.Contains(t, out, "is ready for review")
	assert.Contains(t, out, "EXECUTING")

	resetFlags(rootCmd)
	out, err = execute(t, "", "pending", "--session", "cli")
	require.NoError(t, err)
	assert.Contains(t, out, "NOTES.md")
}

func TestRunDeniedByRisk(t *testing.T) {
	stateDir(t)
	_, err := execute(t, "", "init")
	require.NoError(t, err)
	resetFlags(rootCmd)
	t.Setenv("GATEKEEP_DELEGATE_CMD", "true")

	out, err := execute(t, "", "run", "--path", "go.mod", "bump", "deps")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DENIED")
	assert.Contains(t, out, "R3 requires approval")
}
