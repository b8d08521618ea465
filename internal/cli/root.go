package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gatekeep",
	Short: "Gated delegation of coding tasks with human review",
	Long: `gatekeep runs delegated coding tasks in throwaway git worktrees and turns
their changes into proposals that a person must accept before anything touches
the real checkout. Commands are gated by a policy file and jobs by path risk.

Configuration comes from GATEKEEP_* environment variables and an optional
.env file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(delegateCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(jobsCmd)

	// Global flags
	rootCmd.PersistentFlags().String("env-file", ".env", "Optional dotenv file layered under the environment")
	rootCmd.PersistentFlags().StringP("session", "s", "cli", "Session id for delegation and review commands")
	rootCmd.PersistentFlags().Bool("low-trust", false, "Treat this channel as low trust (proposals can be inspected and rejected, not applied)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx, so an interrupt cancels
// in-flight git and delegate processes.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
