package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/iambrandonn/gatekeep/internal/risk"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "GATEKEEP_"

// DefaultStateDirName is created under the user's home directory when
// GATEKEEP_STATE_DIR is unset.
const DefaultStateDirName = ".gatekeep"

// Proposal store backends.
const (
	StoreFile   = "file"
	StoreMemory = "memory"
)

// Config is the process configuration. Every field maps to a GATEKEEP_*
// environment variable.
type Config struct {
	StateDir   string `env:"STATE_DIR"`
	PolicyFile string `env:"POLICY_FILE"`

	ProposalTTL   time.Duration `env:"PROPOSAL_TTL" envDefault:"30m"`
	ProposalStore string        `env:"PROPOSAL_STORE" envDefault:"file"`
	ProposalLock  bool          `env:"PROPOSAL_LOCK" envDefault:"true"`
	PreviewLines  int           `env:"PREVIEW_LINES" envDefault:"40"`

	MaxConcurrentJobs int           `env:"MAX_CONCURRENT_JOBS" envDefault:"2"`
	CommandTimeout    time.Duration `env:"COMMAND_TIMEOUT" envDefault:"2m"`
	CommandMaxOutput  int           `env:"COMMAND_MAX_OUTPUT" envDefault:"16777216"`
	MaxPromptBytes    int           `env:"MAX_PROMPT_BYTES" envDefault:"65536"`

	// DelegateCmd is split on spaces; the task prompt is appended as the
	// final argument.
	DelegateCmd       []string `env:"DELEGATE_CMD" envSeparator:" "`
	DelegateTailLines int      `env:"DELEGATE_TAIL_LINES" envDefault:"20"`

	AllowLowTrustApply bool `env:"ALLOW_LOW_TRUST_APPLY" envDefault:"false"`

	Risk RiskConfig `envPrefix:"RISK_"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// RiskConfig overrides the built-in risk prefix tables. An empty list keeps
// the default for that tier.
type RiskConfig struct {
	R1 []string `env:"R1" envSeparator:","`
	R2 []string `env:"R2" envSeparator:","`
	R3 []string `env:"R3" envSeparator:","`
}

// Tables merges the overrides onto risk.DefaultTables.
func (r RiskConfig) Tables() risk.Tables {
	t := risk.DefaultTables()
	if len(r.R1) > 0 {
		t.R1 = r.R1
	}
	if len(r.R2) > 0 {
		t.R2 = r.R2
	}
	if len(r.R3) > 0 {
		t.R3 = r.R3
	}
	return t
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// EnvFile is an optional dotenv file. A missing file is not an error.
	EnvFile string
	// Environ replaces os.Environ when non-nil.
	Environ []string
}

// Load parses the environment, layering EnvFile underneath it, then applies
// Sanitize. Values already set in the environment win over the file.
func Load(opts LoadOptions) (*Config, error) {
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	if opts.EnvFile != "" {
		fileVars, err := godotenv.Read(opts.EnvFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read env file %s: %w", opts.EnvFile, err)
		default:
			for k, v := range fileVars {
				if _, set := vars[k]; !set {
					vars[k] = v
				}
			}
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: vars}); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	cfg.Sanitize()
	return &cfg, nil
}

// Default returns the configuration with no environment overrides.
func Default() *Config {
	cfg, err := Load(LoadOptions{Environ: []string{}})
	if err != nil {
		// Only reachable if a struct tag default is malformed.
		panic(err)
	}
	return cfg
}

// Sanitize fills derived paths and clamps values that would make the engine
// unusable.
func (c *Config) Sanitize() {
	if c.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.StateDir = filepath.Join(home, DefaultStateDirName)
		} else {
			c.StateDir = DefaultStateDirName
		}
	}
	if c.PolicyFile == "" {
		c.PolicyFile = filepath.Join(c.StateDir, "policy.yaml")
	}
	c.ProposalStore = strings.ToLower(strings.TrimSpace(c.ProposalStore))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.PreviewLines < 0 {
		c.PreviewLines = 0
	}
	argv := c.DelegateCmd[:0]
	for _, arg := range c.DelegateCmd {
		if arg != "" {
			argv = append(argv, arg)
		}
	}
	c.DelegateCmd = argv
	if c.DelegateTailLines <= 0 {
		c.DelegateTailLines = 20
	}
}

// Validate checks the configuration and returns user-friendly errors.
func (c *Config) Validate() error {
	if c.ProposalTTL <= 0 {
		return fmt.Errorf("configuration error: invalid GATEKEEP_PROPOSAL_TTL %s\n\nHint: Use a positive duration, for example:\n  GATEKEEP_PROPOSAL_TTL=30m", c.ProposalTTL)
	}

	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("configuration error: invalid GATEKEEP_MAX_CONCURRENT_JOBS %d\n\nHint: At least one background job must be allowed:\n  GATEKEEP_MAX_CONCURRENT_JOBS=2", c.MaxConcurrentJobs)
	}

	if c.CommandTimeout <= 0 {
		return fmt.Errorf("configuration error: invalid GATEKEEP_COMMAND_TIMEOUT %s\n\nHint: git invocations need a hard timeout:\n  GATEKEEP_COMMAND_TIMEOUT=2m", c.CommandTimeout)
	}

	if c.CommandMaxOutput <= 0 {
		return fmt.Errorf("configuration error: invalid GATEKEEP_COMMAND_MAX_OUTPUT %d\n\nHint: Set an output cap in bytes:\n  GATEKEEP_COMMAND_MAX_OUTPUT=16777216", c.CommandMaxOutput)
	}

	if c.MaxPromptBytes <= 0 {
		return fmt.Errorf("configuration error: invalid GATEKEEP_MAX_PROMPT_BYTES %d\n\nHint: Set a prompt size limit in bytes:\n  GATEKEEP_MAX_PROMPT_BYTES=65536", c.MaxPromptBytes)
	}

	switch c.ProposalStore {
	case StoreFile, StoreMemory:
	default:
		return fmt.Errorf("configuration error: unknown GATEKEEP_PROPOSAL_STORE %q\n\nHint: Choose one of:\n  GATEKEEP_PROPOSAL_STORE=file\n  GATEKEEP_PROPOSAL_STORE=memory", c.ProposalStore)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("configuration error: unknown GATEKEEP_LOG_LEVEL %q\n\nHint: Use debug, info, warn or error", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("configuration error: unknown GATEKEEP_LOG_FORMAT %q\n\nHint: Use text or json", c.LogFormat)
	}

	return nil
}

// ValidateDelegate checks the settings needed to run delegations.
func (c *Config) ValidateDelegate() error {
	if len(c.DelegateCmd) == 0 {
		return fmt.Errorf("configuration error: GATEKEEP_DELEGATE_CMD is empty\n\nHint: Name the coding agent to run in the sandbox; the task prompt is appended:\n  GATEKEEP_DELEGATE_CMD=\"claude -p\"")
	}
	return nil
}
