// Package policy is the command gate. A policy is an ordered list of regular
// expression rules plus a default action; the first matching rule decides.
//
// Matching is case-sensitive. Rule order is significant and is taken exactly
// as written in the file.
package policy

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/iambrandonn/gatekeep/internal/checksum"
	"gopkg.in/yaml.v3"
)

// Action is what a rule does with a matching command.
type Action string

const (
	ActionAllow          Action = "allow"
	ActionBlock          Action = "block"
	ActionRequiresSecret Action = "requires_secret"
)

// DefaultRuleID is reported when no rule matched.
const DefaultRuleID = "default"

// Rule is one entry of the policy file.
type Rule struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description,omitempty"`
	Pattern     string `yaml:"pattern"`
	Action      Action `yaml:"action"`
	SecretHash  string `yaml:"secret_hash,omitempty"`
}

// Document is the on-disk policy format.
type Document struct {
	DefaultAction Action `yaml:"default_action"`
	Rules         []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Policy is a validated, compiled policy document. It is immutable after
// construction and safe for concurrent use.
type Policy struct {
	defaultAction Action
	rules         []compiledRule
	byID          map[string]int
	digest        string
}

// Load reads and parses the policy file at path.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a YAML policy document. Unknown keys are
// rejected so a typo cannot silently drop a rule attribute.
func Parse(data []byte) (*Policy, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("policy document is empty")
		}
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	p, err := compile(doc)
	if err != nil {
		return nil, err
	}
	p.digest = checksum.Bytes(data)
	return p, nil
}

// Compile validates an in-memory document. The digest covers its canonical
// YAML encoding.
func Compile(doc Document) (*Policy, error) {
	p, err := compile(doc)
	if err != nil {
		return nil, err
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy for digest: %w", err)
	}
	p.digest = checksum.Bytes(out)
	return p, nil
}

func compile(doc Document) (*Policy, error) {
	switch doc.DefaultAction {
	case ActionAllow, ActionBlock:
	case "":
		return nil, fmt.Errorf("default_action is required")
	default:
		return nil, fmt.Errorf("default_action must be %q or %q, got %q", ActionAllow, ActionBlock, doc.DefaultAction)
	}

	p := &Policy{
		defaultAction: doc.DefaultAction,
		rules:         make([]compiledRule, 0, len(doc.Rules)),
		byID:          make(map[string]int, len(doc.Rules)),
	}

	for i, rule := range doc.Rules {
		if strings.TrimSpace(rule.ID) == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if rule.ID == DefaultRuleID {
			return nil, fmt.Errorf("rule %d: id %q is reserved", i, DefaultRuleID)
		}
		if _, dup := p.byID[rule.ID]; dup {
			return nil, fmt.Errorf("rule %q: duplicate id", rule.ID)
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %q: pattern is required", rule.ID)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: invalid pattern: %w", rule.ID, err)
		}

		switch rule.Action {
		case ActionAllow, ActionBlock:
		case ActionRequiresSecret:
			if !isSHA256Hex(rule.SecretHash) {
				return nil, fmt.Errorf("rule %q: requires_secret needs a 64-character hex secret_hash", rule.ID)
			}
		default:
			return nil, fmt.Errorf("rule %q: unknown action %q", rule.ID, rule.Action)
		}

		p.byID[rule.ID] = len(p.rules)
		p.rules = append(p.rules, compiledRule{Rule: rule, re: re})
	}

	return p, nil
}

// Evaluate returns the verdict for command. The first rule whose pattern
// matches wins; otherwise the default action applies.
func (p *Policy) Evaluate(command string) Verdict {
	for _, rule := range p.rules {
		if !rule.re.MatchString(command) {
			continue
		}
		return verdictFor(rule.Rule)
	}

	if p.defaultAction == ActionAllow {
		return Verdict{Kind: Allowed, RuleID: DefaultRuleID, Reason: "no rule matched; default allow"}
	}
	return Verdict{Kind: Blocked, RuleID: DefaultRuleID, Reason: "no rule matched; default block"}
}

func verdictFor(rule Rule) Verdict {
	desc := rule.Description
	switch rule.Action {
	case ActionAllow:
		if desc == "" {
			desc = "allowed by rule " + rule.ID
		}
		return Verdict{Kind: Allowed, RuleID: rule.ID, Reason: desc}
	case ActionRequiresSecret:
		if desc == "" {
			desc = "rule " + rule.ID
		}
		return Verdict{
			Kind:   RequiresSecret,
			RuleID: rule.ID,
			Reason: desc,
			Prompt: fmt.Sprintf("Passphrase required to run this command (%s).", desc),
		}
	default:
		if desc == "" {
			desc = "blocked by rule " + rule.ID
		}
		return Verdict{Kind: Blocked, RuleID: rule.ID, Reason: desc}
	}
}

// VerifySecret reports whether passphrase unlocks ruleID. Unknown rules,
// rules without a hash and malformed hashes all return false.
func (p *Policy) VerifySecret(ruleID, passphrase string) bool {
	idx, ok := p.byID[ruleID]
	if !ok {
		return false
	}
	stored, err := hex.DecodeString(p.rules[idx].SecretHash)
	if err != nil || len(stored) != sha256.Size {
		return false
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(passphrase)))
	return subtle.ConstantTimeCompare(stored, sum[:]) == 1
}

// HashSecret returns the hex SHA-256 of the trimmed passphrase, in the form
// expected by secret_hash.
func HashSecret(passphrase string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(passphrase)))
	return hex.EncodeToString(sum[:])
}

// Digest identifies the loaded document in audit records.
func (p *Policy) Digest() string {
	return p.digest
}

// Rules returns a copy of the rules in evaluation order.
func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.Rule
	}
	return out
}

// DefaultAction returns the fallthrough action.
func (p *Policy) DefaultAction() Action {
	return p.defaultAction
}

func isSHA256Hex(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
