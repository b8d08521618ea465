// Package proposal holds reviewable change bundles produced by delegated
// tasks. A session has at most one pending proposal, always stored together
// with its delegation state.
package proposal

import (
	"time"

	"github.com/iambrandonn/gatekeep/internal/delegation"
)

// FileDiff is the diff of a single changed path. ContentType is a cosmetic
// label only.
type FileDiff struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Diff        string `json:"diff"`
}

// Proposal is a pending change set pinned to the sandbox that produced it.
type Proposal struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	RepoRoot     string     `json:"repo_root"`
	BaseHead     string     `json:"base_head"`
	SandboxPath  string     `json:"sandbox_path"`
	SandboxDir   string     `json:"sandbox_dir"`
	PatchPath    string     `json:"patch_path"`
	PatchDir     string     `json:"patch_dir"`
	PatchSHA256  string     `json:"patch_sha256"`
	ChangedFiles []string   `json:"changed_files"`
	DiffStat     string     `json:"diff_stat"`
	DiffPreview  string     `json:"diff_preview"`
	FileDiffs    []FileDiff `json:"file_diffs"`
	ExitCode     int        `json:"exit_code"`
	Summary      string     `json:"summary"`
	ProjectName  string     `json:"project_name"`
}

// Expired reports whether the proposal's TTL has passed at now. The expiry
// instant itself counts as expired.
func (p Proposal) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Record pairs a proposal with its delegation state. The two are only ever
// replaced together.
type Record struct {
	Proposal Proposal         `json:"proposal"`
	State    delegation.State `json:"state"`
}

// View is the display-safe projection of a proposal. It never carries
// filesystem paths.
type View struct {
	ID           string     `json:"id"`
	ProjectName  string     `json:"project_name"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ChangedFiles []string   `json:"changed_files"`
	DiffStat     string     `json:"diff_stat"`
	DiffPreview  string     `json:"diff_preview"`
	FileDiffs    []FileDiff `json:"file_diffs"`
	Summary      string     `json:"summary,omitempty"`
}

// View returns the display-safe projection.
func (p Proposal) View() View {
	return View{
		ID:           p.ID,
		ProjectName:  p.ProjectName,
		ExpiresAt:    p.ExpiresAt,
		ChangedFiles: append([]string(nil), p.ChangedFiles...),
		DiffStat:     p.DiffStat,
		DiffPreview:  p.DiffPreview,
		FileDiffs:    append([]FileDiff(nil), p.FileDiffs...),
		Summary:      p.Summary,
	}
}
