package transcript

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/gatekeep/internal/eventlog"
	"github.com/iambrandonn/gatekeep/internal/job"
	"github.com/iambrandonn/gatekeep/internal/proposal"
)

var stamp = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    eventlog.Event
		expected string
	}{
		{
			name: "job transition with reason",
			event: eventlog.Event{
				Timestamp: stamp,
				Type:      eventlog.TypeJobTransition,
				JobID:     "job_1",
				Payload:   map[string]any{"from": "POLICY_CHECKED", "to": "DENIED", "reason": "R3 requires approval"},
			},
			expected: "2026-05-01T10:00:00Z [job.transition] job=job_1: POLICY_CHECKED → DENIED (R3 requires approval)",
		},
		{
			name: "proposal ready",
			event: eventlog.Event{
				Timestamp: stamp,
				Type:      eventlog.TypeDelegationProposal,
				SessionID: "s1",
				Payload:   map[string]any{"proposal_id": "p-1", "changed_files": 2},
			},
			expected: "2026-05-01T10:00:00Z [delegation.proposal_ready] session=s1: proposal p-1, 2 file(s)",
		},
		{
			name: "failure shows error",
			event: eventlog.Event{
				Timestamp: stamp,
				Type:      eventlog.TypeDelegationFailed,
				JobID:     "job_1",
				SessionID: "s1",
				Payload:   map[string]any{"error": "repository has uncommitted changes"},
			},
			expected: "2026-05-01T10:00:00Z [delegation.failed] job=job_1 session=s1: repository has uncommitted changes",
		},
		{
			name: "generic payload is sorted",
			event: eventlog.Event{
				Timestamp: stamp,
				Type:      eventlog.TypeDelegationNoChanges,
				Payload:   map[string]any{"exit_code": 0, "b": "x"},
			},
			expected: "2026-05-01T10:00:00Z [delegation.no_changes]: b=x exit_code=0",
		},
		{
			name:     "no payload",
			event:    eventlog.Event{Timestamp: stamp, Type: eventlog.TypeDelegationStarted},
			expected: "2026-05-01T10:00:00Z [delegation.started]",
		},
	}

	formatter := NewFormatter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, formatter.FormatEvent(tt.event))
		})
	}
}

func TestFormatJob(t *testing.T) {
	pr := 42
	formatter := NewFormatter()

	line := formatter.FormatJob(job.Job{ID: "job_1", Title: "add tests", Status: job.StatusPROpened, PRNumber: &pr})
	assert.Contains(t, line, "job_1")
	assert.Contains(t, line, "PR_OPENED")
	assert.Contains(t, line, "(PR #42)")

	denied := formatter.FormatJob(job.Job{ID: "job_2", Status: job.StatusDenied, Reason: "R3 requires approval"})
	assert.Contains(t, denied, "DENIED")
	assert.Contains(t, denied, "R3 requires approval")
}

func TestFormatProposal(t *testing.T) {
	formatter := NewFormatter()
	out := formatter.FormatProposal(proposal.View{
		ID:           "p-1",
		ProjectName:  "app",
		ExpiresAt:    stamp,
		ChangedFiles: []string{"a.go"},
		DiffStat:     " a.go | 3 ++-\n 1 file changed, 2 insertions(+), 1 deletion(-)",
		DiffPreview:  "@@ -1 +1,2 @@\n-old\n+new\n+more",
		FileDiffs:    []proposal.FileDiff{{Path: "a.go", ContentType: "text/plain; charset=utf-8", Diff: strings.Repeat("x", 2048)}},
		Summary:      "rewrote a.go",
	})

	for _, want := range []string{"Proposal p-1", "app", "rewrote a.go", "a.go | 3 ++-", "2.0 KiB", "+new", "accept p-1", "reject p-1"} {
		assert.Contains(t, out, want)
	}
}

func TestFormatDiffStatKeepsTextWithoutGraph(t *testing.T) {
	formatter := NewFormatter()
	stat := " 1 file changed, 1 insertion(+)"
	assert.Equal(t, stat, formatter.FormatDiffStat(stat))
}

func TestFormatNotice(t *testing.T) {
	assert.Equal(t, "[s1] done", NewFormatter().FormatNotice("s1", "done"))
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name     string
		bytes    int64
		expected string
	}{
		{
			name:     "bytes",
			bytes:    512,
			expected: "512 B",
		},
		{
			name:     "kilobytes",
			bytes:    1432,
			expected: "1.4 KiB",
		},
		{
			name:     "kilobytes rounded",
			bytes:    2048,
			expected: "2.0 KiB",
		},
		{
			name:     "megabytes",
			bytes:    1536 * 1024,
			expected: "1.5 MiB",
		},
		{
			name:     "gigabytes",
			bytes:    2 * 1024 * 1024 * 1024,
			expected: "2.0 GiB",
		},
		{
			name:     "zero bytes",
			bytes:    0,
			expected: "0 B",
		},
		{
			name:     "1 byte",
			bytes:    1,
			expected: "1 B",
		},
		{
			name:     "exactly 1 KiB",
			bytes:    1024,
			expected: "1.0 KiB",
		},
		{
			name:     "exactly 1 MiB",
			bytes:    1024 * 1024,
			expected: "1.0 MiB",
		},
		{
			name:     "exactly 1 GiB",
			bytes:    1024 * 1024 * 1024,
			expected: "1.0 GiB",
		},
	}

	formatter := NewFormatter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatter.formatSize(tt.bytes)
			require.Equal(t, tt.expected, result)
		})
	}
}
