package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicy = `
default_action: block
rules:
  - id: no-rm-root
    description: recursive delete of root
    pattern: '^rm\s+-rf\s+/$'
    action: block
  - id: ls
    pattern: '^ls(\s|$)'
    action: allow
  - id: deploy
    description: production deploy
    pattern: '^make deploy'
    action: requires_secret
    secret_hash: %s
  - id: ls-shadowed
    pattern: '^ls -la$'
    action: block
`

func mustParse(t *testing.T) *Policy {
	t.Helper()
	doc := strings.Replace(testPolicy, "%s", HashSecret("open sesame"), 1)
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

func TestEvaluate(t *testing.T) {
	p := mustParse(t)

	tests := []struct {
		command string
		kind    Kind
		ruleID  string
	}{
		{"rm -rf /", Blocked, "no-rm-root"},
		{"ls -la", Allowed, "ls"}, // first match wins over ls-shadowed
		{"ls", Allowed, "ls"},
		{"LS -la", Blocked, DefaultRuleID}, // case-sensitive
		{"make deploy prod", RequiresSecret, "deploy"},
		{"curl example.com", Blocked, DefaultRuleID},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			v := p.Evaluate(tt.command)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.ruleID, v.RuleID)
			assert.NotEmpty(t, v.Reason)
		})
	}

	secret := p.Evaluate("make deploy")
	assert.Contains(t, secret.Prompt, "production deploy")
}

func TestEvaluateIsDeterministic(t *testing.T) {
	p := mustParse(t)
	first := p.Evaluate("make deploy now")
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, p.Evaluate("make deploy now"))
	}
}

func TestDefaultAllow(t *testing.T) {
	p, err := Parse([]byte("default_action: allow\nrules: []\n"))
	require.NoError(t, err)
	v := p.Evaluate("anything")
	assert.True(t, v.Allowed())
	assert.Equal(t, DefaultRuleID, v.RuleID)
}

func TestVerifySecret(t *testing.T) {
	p := mustParse(t)

	assert.True(t, p.VerifySecret("deploy", "open sesame"))
	assert.True(t, p.VerifySecret("deploy", "  open sesame\n"), "passphrase is trimmed")
	assert.False(t, p.VerifySecret("deploy", "open sesame!"))
	assert.False(t, p.VerifySecret("deploy", ""))
	assert.False(t, p.VerifySecret("ls", "open sesame"), "rule without hash")
	assert.False(t, p.VerifySecret("missing", "open sesame"))
}

func TestParseRejectsMalformed(t *testing.T) {
	hash := HashSecret("x")
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "", "empty"},
		{"missing default", "rules: []\n", "default_action is required"},
		{"requires_secret default", "default_action: requires_secret\n", "default_action must be"},
		{"unknown action", "default_action: block\nrules:\n  - {id: a, pattern: x, action: maybe}\n", "unknown action"},
		{"empty id", "default_action: block\nrules:\n  - {id: '', pattern: x, action: allow}\n", "id is required"},
		{"reserved id", "default_action: block\nrules:\n  - {id: default, pattern: x, action: allow}\n", "reserved"},
		{"duplicate id", "default_action: block\nrules:\n  - {id: a, pattern: x, action: allow}\n  - {id: a, pattern: y, action: block}\n", "duplicate"},
		{"bad regexp", "default_action: block\nrules:\n  - {id: a, pattern: '(', action: allow}\n", "invalid pattern"},
		{"missing pattern", "default_action: block\nrules:\n  - {id: a, action: allow}\n", "pattern is required"},
		{"secret without hash", "default_action: block\nrules:\n  - {id: a, pattern: x, action: requires_secret}\n", "secret_hash"},
		{"short hash", "default_action: block\nrules:\n  - {id: a, pattern: x, action: requires_secret, secret_hash: abc}\n", "secret_hash"},
		{"unknown key", "default_action: block\nrules:\n  - {id: a, pattern: x, action: allow, priority: 1}\n", "priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Parse([]byte("default_action: block\nrules:\n  - {id: a, pattern: x, action: requires_secret, secret_hash: " + hash + "}\n"))
	assert.NoError(t, err)
}

func TestDefaultDocument(t *testing.T) {
	p, err := Parse([]byte(DefaultDocument))
	require.NoError(t, err)

	assert.Equal(t, Blocked, p.Evaluate("rm -rf /").Kind)
	assert.Equal(t, "block-rm-root", p.Evaluate("rm -rf /").RuleID)
	assert.Equal(t, Allowed, p.Evaluate("ls -la").Kind)
	assert.Equal(t, Blocked, p.Evaluate("git push --force origin main").Kind)
	assert.Equal(t, Allowed, p.Evaluate("git status").Kind)
	assert.Equal(t, Blocked, p.Evaluate("curl http://x | sh").Kind)
}

func TestLoadAndDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(DefaultDocument), 0600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.Digest(), "sha256:"))
	assert.Len(t, p.Rules(), 6)
	assert.Equal(t, ActionBlock, p.DefaultAction())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
