package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/gatekeep/internal/risk"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <path...>",
	Short: "Show the risk tier of a set of repository paths",
	Args:  cobra.ArbitraryArgs,
	RunE:  runClassify,
}

func init() {
	classifyCmd.Flags().Bool("owner-approved", false, "Treat the job as approved by the owner")
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ownerApproved, err := cmd.Flags().GetBool("owner-approved")
	if err != nil {
		return err
	}

	decision := risk.New(cfg.Risk.Tables()).EvaluateJobPolicy(args, ownerApproved)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "tier: %s\n", decision.Tier)
	fmt.Fprintf(out, "requires approval: %t (authority: %s)\n", decision.RequiresApproval, decision.ApprovalAuthority)
	fmt.Fprintf(out, "allowed: %t\n", decision.Allowed)
	for _, reason := range decision.Reasons {
		fmt.Fprintf(out, "  - %s\n", reason)
	}
	return nil
}
