package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/gatekeep/internal/policy"
	"github.com/iambrandonn/gatekeep/internal/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the state directory and a default policy file",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if err := workspace.Initialize(cfg.StateDir); err != nil {
		return fmt.Errorf("failed to initialize state directory: %w", err)
	}
	fmt.Fprintf(out, "State directory: %s\n", cfg.StateDir)

	wrote, err := workspace.WritePolicyIfMissing(cfg.PolicyFile, []byte(policy.DefaultDocument))
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(out, "Wrote default policy: %s\n", cfg.PolicyFile)
		return nil
	}

	// An existing file is kept, but it must still be valid.
	if _, err := policy.Load(cfg.PolicyFile); err != nil {
		return err
	}
	fmt.Fprintf(out, "Policy already present: %s\n", cfg.PolicyFile)
	return nil
}
