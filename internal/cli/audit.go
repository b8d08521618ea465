package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/gatekeep/internal/job"
	"github.com/iambrandonn/gatekeep/internal/ledger"
	"github.com/iambrandonn/gatekeep/internal/transcript"
	"github.com/iambrandonn/gatekeep/internal/workspace"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print the audit stream",
	Args:  cobra.NoArgs,
	RunE:  runAudit,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List job summaries",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

func init() {
	auditCmd.Flags().String("job", "", "Only events for this job id")
	auditCmd.Flags().String("type", "", "Only events of this type (e.g. job.transition)")
	auditCmd.Flags().Bool("open", false, "List jobs whose last transition is not terminal")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	var filter ledger.Filter
	if filter.JobID, err = flags.GetString("job"); err != nil {
		return err
	}
	if filter.Type, err = flags.GetString("type"); err != nil {
		return err
	}
	// --session is global; only filter on it when given explicitly.
	if flags.Changed("session") {
		if filter.SessionID, err = flags.GetString("session"); err != nil {
			return err
		}
	}
	open, err := flags.GetBool("open")
	if err != nil {
		return err
	}

	l, err := ledger.ReadAll(workspace.Layout{Root: cfg.StateDir}.AuditDir())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if open {
		for _, id := range l.OpenJobs(func(status string) bool { return job.IsTerminal(job.Status(status)) }) {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	f := transcript.NewFormatter()
	for _, evt := range l.Select(filter) {
		fmt.Fprintln(out, f.FormatEvent(evt))
	}
	return nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	jobs, err := job.LoadSummaries(workspace.Layout{Root: cfg.StateDir}.JobsDir())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs recorded.")
		return nil
	}
	f := transcript.NewFormatter()
	for _, j := range jobs {
		fmt.Fprintln(out, f.FormatJob(j))
	}
	return nil
}
