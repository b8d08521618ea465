package policy

// Kind tags a Verdict.
type Kind string

const (
	Allowed        Kind = "allowed"
	Blocked        Kind = "blocked"
	RequiresSecret Kind = "requires_secret"
)

// Verdict is the outcome of evaluating one command. Prompt is only set for
// RequiresSecret.
type Verdict struct {
	Kind   Kind   `json:"kind"`
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
	Prompt string `json:"prompt,omitempty"`
}

// Allowed reports whether the command may run without further input.
func (v Verdict) Allowed() bool {
	return v.Kind == Allowed
}

// DefaultDocument is written by `gatekeep init` when no policy file exists.
const DefaultDocument = `# gatekeep command policy.
# Rules are evaluated top to bottom; the first match wins.
# Patterns are case-sensitive RE2 regular expressions.
# Actions: allow, block, requires_secret (needs secret_hash, see "gatekeep policy hash").
default_action: block
rules:
  - id: block-rm-root
    description: recursive delete of the filesystem root
    pattern: '^\s*rm\s+-[a-zA-Z]*[rR][a-zA-Z]*\s+/(\s|$)'
    action: block
  - id: block-fork-bomb
    description: shell fork bomb
    pattern: ':\(\)\s*\{\s*:\|:&\s*\};:'
    action: block
  - id: block-force-push
    description: force push rewrites shared history
    pattern: '^\s*git\s+push\b.*(\s--force\b|\s-f\b)'
    action: block
  - id: allow-read-only
    description: read-only inspection commands
    pattern: '^\s*(ls|cat|head|tail|wc|pwd|echo|grep|rg|find)(\s|$)'
    action: allow
  - id: allow-git-inspect
    description: read-only git commands
    pattern: '^\s*git\s+(status|log|diff|show|branch)(\s|$)'
    action: allow
  - id: allow-go-toolchain
    description: go build and test
    pattern: '^\s*go\s+(build|test|vet)(\s|$)'
    action: allow
`
