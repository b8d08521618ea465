package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/gatekeep/internal/approval"
	"github.com/iambrandonn/gatekeep/internal/transcript"
)

var delegateCmd = &cobra.Command{
	Use:   "delegate <prompt...>",
	Short: "Run a task in a sandbox and store its changes for review",
	Long: `Run the configured delegate command in a fresh worktree of --dir and wait
for it. Any changes become the session's pending proposal; review them with
'pending', then 'accept' or 'reject'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelegate,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show the session's pending proposal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApproval(cmd, approval.Command{Kind: approval.KindPending})
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept [proposal-id]",
	Short: "Apply the pending proposal to the repository",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApproval(cmd, approval.Command{Kind: approval.KindAccept, ProposalID: optionalArg(args)})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject [proposal-id]",
	Short: "Discard the pending proposal",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApproval(cmd, approval.Command{Kind: approval.KindReject, ProposalID: optionalArg(args)})
	},
}

func init() {
	delegateCmd.Flags().StringP("dir", "d", "", "Repository to work on (default: current directory)")
}

func optionalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func runDelegate(cmd *cobra.Command, args []string) error {
	sid, err := sessionFlag(cmd)
	if err != nil {
		return err
	}
	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return err
	}

	engine, _, err := openEngine(cmd, engineOptions{dir: dir})
	if err != nil {
		return err
	}
	defer engine.Close()

	out := cmd.OutOrStdout()
	outcome, err := engine.Delegation.DelegateWithReview(commandContext(cmd), sid, strings.Join(args, " "), dir)
	if err != nil {
		return err
	}
	if outcome.Proposal == nil {
		fmt.Fprintf(out, "No changes (exit code %d).\n", outcome.ExitCode)
		if outcome.Summary != "" {
			fmt.Fprintln(out, outcome.Summary)
		}
		return nil
	}
	fmt.Fprintln(out, transcript.NewFormatter().FormatProposal(*outcome.Proposal))
	return nil
}

func runApproval(cmd *cobra.Command, command approval.Command) error {
	sid, err := sessionFlag(cmd)
	if err != nil {
		return err
	}
	engine, _, err := openEngine(cmd, engineOptions{reviewOnly: true})
	if err != nil {
		return err
	}
	defer engine.Close()

	reply := engine.Approvals.Handle(commandContext(cmd), sid, command)
	printReply(cmd, transcript.NewFormatter(), reply)
	return replyError(reply)
}

func printReply(cmd *cobra.Command, f *transcript.Formatter, reply approval.Reply) {
	out := cmd.OutOrStdout()
	if reply.Proposal != nil {
		fmt.Fprintln(out, f.FormatProposal(*reply.Proposal))
	}
	if reply.Text != "" {
		fmt.Fprintln(out, reply.Text)
	}
}

// replyError turns refusals into a non-zero exit status.
func replyError(reply approval.Reply) error {
	switch reply.Outcome {
	case approval.OutcomeRefused, approval.OutcomePrecondition, approval.OutcomeApplyFailed,
		approval.OutcomeMismatch, approval.OutcomeInvalid, approval.OutcomeInternalError:
		return fmt.Errorf("%s", reply.Outcome)
	}
	return nil
}
