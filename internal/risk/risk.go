// Package risk tiers a set of touched paths and decides whether the owner has
// to sign off before a job may proceed.
package risk

import (
	"fmt"
	"path"
	"strings"
)

// Tier is an ordinal sensitivity level. Higher is more sensitive.
type Tier int

const (
	R0 Tier = iota
	R1
	R2
	R3
)

func (t Tier) String() string {
	switch t {
	case R0:
		return "R0"
	case R1:
		return "R1"
	case R2:
		return "R2"
	case R3:
		return "R3"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// Authority names who may approve a job.
type Authority string

const (
	AuthorityNone  Authority = "none"
	AuthorityOwner Authority = "owner"
)

// Tables lists path prefixes per tier. A prefix ending in "/" matches a
// directory subtree; any other prefix matches a path that starts with it.
type Tables struct {
	R1 []string `json:"r1" yaml:"r1"`
	R2 []string `json:"r2" yaml:"r2"`
	R3 []string `json:"r3" yaml:"r3"`
}

// DefaultTables returns the built-in prefix tables.
func DefaultTables() Tables {
	return Tables{
		R1: []string{
			"docs/", "doc/", "examples/", "testdata/", "test/", "tests/",
			"README", "CHANGELOG", "CONTRIBUTING", "LICENSE",
		},
		R2: []string{
			"src/", "lib/", "internal/", "pkg/", "cmd/", "app/", "web/", "scripts/",
		},
		R3: []string{
			".github/", ".gitlab-ci", ".circleci/", "deploy/", "infra/", "terraform/",
			"k8s/", "helm/", "migrations/", "db/migrations/", "secrets/", ".env",
			"Dockerfile", "docker-compose", "Makefile",
			"go.mod", "go.sum", "package.json", "package-lock.json", "yarn.lock",
			"pnpm-lock.yaml", "Cargo.toml", "Cargo.lock", "requirements.txt",
		},
	}
}

// Classification is the overall tier with one reason per input path.
type Classification struct {
	Tier    Tier     `json:"tier"`
	Reasons []string `json:"reasons"`
}

// JobDecision is the approval decision for a job touching a set of paths.
type JobDecision struct {
	Tier              Tier      `json:"tier"`
	RequiresApproval  bool      `json:"requires_approval"`
	Allowed           bool      `json:"allowed"`
	ApprovalAuthority Authority `json:"approval_authority"`
	Reasons           []string  `json:"reasons"`
}

// Classifier applies a fixed set of tables. It holds no mutable state.
type Classifier struct {
	tables Tables
}

// New returns a classifier over tables. Prefixes are normalized the same way
// as input paths.
func New(tables Tables) *Classifier {
	norm := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, p := range in {
			n := strings.TrimLeft(strings.TrimPrefix(strings.TrimSpace(p), "./"), "/")
			if n != "" {
				out = append(out, n)
			}
		}
		return out
	}
	return &Classifier{tables: Tables{R1: norm(tables.R1), R2: norm(tables.R2), R3: norm(tables.R3)}}
}

// Classify returns R0 for no paths. Otherwise each path is tiered against
// R3, then R2, then R1; unknown or escaping paths are R3.
func (c *Classifier) Classify(paths []string) Classification {
	if len(paths) == 0 {
		return Classification{Tier: R0, Reasons: []string{"no paths touched"}}
	}

	result := Classification{Tier: R0, Reasons: make([]string, 0, len(paths))}
	for _, raw := range paths {
		tier, reason := c.classifyPath(raw)
		if tier > result.Tier {
			result.Tier = tier
		}
		result.Reasons = append(result.Reasons, reason)
	}
	return result
}

func (c *Classifier) classifyPath(raw string) (Tier, string) {
	p, ok := Normalize(raw)
	if !ok {
		return R3, fmt.Sprintf("%s: outside repository root (R3)", raw)
	}

	for _, level := range []struct {
		tier     Tier
		prefixes []string
	}{
		{R3, c.tables.R3},
		{R2, c.tables.R2},
		{R1, c.tables.R1},
	} {
		if prefix, hit := matchPrefix(p, level.prefixes); hit {
			return level.tier, fmt.Sprintf("%s: matches %q (%s)", p, prefix, level.tier)
		}
	}
	return R3, fmt.Sprintf("%s: unclassified path (R3)", p)
}

// Normalize cleans a repository-relative path. It reports false for empty
// paths and paths that climb above the root.
func Normalize(raw string) (string, bool) {
	p := strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/")
	// Any ".." segment is treated as an escape, even if it would clean away.
	if p == "" || strings.Contains("/"+p+"/", "/../") {
		return "", false
	}
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	if p == "" {
		return "", false
	}
	return p, true
}

func matchPrefix(p string, prefixes []string) (string, bool) {
	for _, prefix := range prefixes {
		if strings.HasSuffix(prefix, "/") {
			if strings.HasPrefix(p, prefix) {
				return prefix, true
			}
			continue
		}
		if p == prefix || strings.HasPrefix(p, prefix) {
			return prefix, true
		}
	}
	return "", false
}

// EvaluateJobPolicy decides whether a job touching paths may proceed.
func (c *Classifier) EvaluateJobPolicy(paths []string, ownerApproved bool) JobDecision {
	cls := c.Classify(paths)
	requires := cls.Tier >= R2

	decision := JobDecision{
		Tier:              cls.Tier,
		RequiresApproval:  requires,
		Allowed:           !requires || ownerApproved,
		ApprovalAuthority: AuthorityNone,
		Reasons:           append([]string{}, cls.Reasons...),
	}
	if requires {
		decision.ApprovalAuthority = AuthorityOwner
		if ownerApproved {
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("%s approved by owner", cls.Tier))
		} else {
			decision.Reasons = append(decision.Reasons, fmt.Sprintf("%s requires approval", cls.Tier))
		}
	}
	return decision
}
