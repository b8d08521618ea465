package transcript

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/iambrandonn/gatekeep/internal/eventlog"
	"github.com/iambrandonn/gatekeep/internal/job"
	"github.com/iambrandonn/gatekeep/internal/proposal"
)

// Formatter renders engine output for the console. Colours are dropped
// automatically when the output is not a terminal.
type Formatter struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	added   lipgloss.Style
	removed lipgloss.Style
	hunk    lipgloss.Style
	box     lipgloss.Style
	ok      lipgloss.Style
	bad     lipgloss.Style
}

// NewFormatter creates a formatter using lipgloss's default renderer.
func NewFormatter() *Formatter {
	return &Formatter{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF")),
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		added:   lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950")),
		removed: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		hunk:    lipgloss.NewStyle().Foreground(lipgloss.Color("#A371F7")),
		box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1),
		ok:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3FB950")),
		bad: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")),
	}
}

// FormatProposal renders a proposal for review.
func (f *Formatter) FormatProposal(v proposal.View) string {
	header := f.title.Render(fmt.Sprintf("Proposal %s", v.ID))
	if v.ProjectName != "" {
		header += f.muted.Render(" · " + v.ProjectName)
	}

	lines := []string{header}
	if v.Summary != "" {
		lines = append(lines, v.Summary)
	}
	if !v.ExpiresAt.IsZero() {
		lines = append(lines, f.muted.Render("expires "+v.ExpiresAt.Format(time.RFC3339)))
	}
	lines = append(lines, "", f.FormatDiffStat(v.DiffStat))

	if len(v.FileDiffs) > 0 {
		lines = append(lines, "")
		for _, fd := range v.FileDiffs {
			lines = append(lines, fmt.Sprintf("  %s %s", fd.Path,
				f.muted.Render(fmt.Sprintf("(%s, %s)", fd.ContentType, f.formatSize(int64(len(fd.Diff)))))))
		}
	}

	if v.DiffPreview != "" {
		lines = append(lines, "", f.FormatDiff(v.DiffPreview))
	}

	lines = append(lines, "", f.muted.Render(fmt.Sprintf("accept %s | reject %s", v.ID, v.ID)))
	return f.box.Render(strings.Join(lines, "\n"))
}

// FormatDiffStat colours the +/- histogram of a git --stat block.
func (f *Formatter) FormatDiffStat(stat string) string {
	var out []string
	for _, line := range strings.Split(strings.TrimRight(stat, "\n"), "\n") {
		bar := strings.LastIndex(line, "|")
		if bar < 0 {
			out = append(out, line)
			continue
		}
		prefix, graph := line[:bar+1], line[bar+1:]
		var b strings.Builder
		b.WriteString(prefix)
		for _, r := range graph {
			switch r {
			case '+':
				b.WriteString(f.added.Render("+"))
			case '-':
				b.WriteString(f.removed.Render("-"))
			default:
				b.WriteRune(r)
			}
		}
		out = append(out, b.String())
	}
	return strings.Join(out, "\n")
}

// FormatDiff colours a unified diff line by line.
func (f *Formatter) FormatDiff(diff string) string {
	lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			lines[i] = f.muted.Render(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = f.added.Render(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = f.removed.Render(line)
		case strings.HasPrefix(line, "@@"):
			lines[i] = f.hunk.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

// FormatEvent formats an audit event as one console line.
func (f *Formatter) FormatEvent(evt eventlog.Event) string {
	var scope []string
	if evt.JobID != "" {
		scope = append(scope, "job="+evt.JobID)
	}
	if evt.SessionID != "" {
		scope = append(scope, "session="+evt.SessionID)
	}

	var details string
	switch evt.Type {
	case eventlog.TypeJobTransition:
		details = fmt.Sprintf("%v → %v", evt.Payload["from"], evt.Payload["to"])
		if reason, ok := evt.Payload["reason"].(string); ok && reason != "" {
			details += fmt.Sprintf(" (%s)", reason)
		}
	case eventlog.TypeDelegationProposal, eventlog.TypeApprovalAccepted:
		details = fmt.Sprintf("proposal %v, %v file(s)", evt.Payload["proposal_id"], evt.Payload["changed_files"])
	case eventlog.TypeDelegationFailed, eventlog.TypeApprovalRefused:
		details = f.bad.Render(fmt.Sprint(firstOf(evt.Payload, "error", "reason")))
	default:
		details = formatPayload(evt.Payload)
	}

	line := fmt.Sprintf("%s [%s]", f.muted.Render(evt.Timestamp.Format(time.RFC3339)), evt.Type)
	if len(scope) > 0 {
		line += " " + strings.Join(scope, " ")
	}
	if details != "" {
		line += ": " + details
	}
	return line
}

// FormatJob formats a job summary line.
func (f *Formatter) FormatJob(j job.Job) string {
	status := string(j.Status)
	switch j.Status {
	case job.StatusDone:
		status = f.ok.Render(status)
	case job.StatusFailed, job.StatusDenied, job.StatusTimedOut:
		status = f.bad.Render(status)
	}
	line := fmt.Sprintf("%s  %-14s %s", j.ID, status, j.Title)
	if j.PRNumber != nil {
		line += fmt.Sprintf(" (PR #%d)", *j.PRNumber)
	}
	if j.Reason != "" {
		line += f.muted.Render(" - " + j.Reason)
	}
	return line
}

// FormatNotice renders a message delivered to a session.
func (f *Formatter) FormatNotice(sessionID, message string) string {
	return fmt.Sprintf("%s %s", f.title.Render("["+sessionID+"]"), message)
}

func firstOf(payload map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			return v
		}
	}
	return ""
}

func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, payload[k])
	}
	return strings.Join(parts, " ")
}

// formatSize formats a byte size in a human-readable format
func (f *Formatter) formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
