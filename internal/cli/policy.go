package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/gatekeep/internal/bootstrap"
	"github.com/iambrandonn/gatekeep/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and test the command policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <command...>",
	Short: "Evaluate a command against the policy",
	Long: `Evaluate a command against the policy. The command is the remaining
arguments joined with spaces. Exits non-zero unless the command may run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPolicyCheck,
}

var policyHashCmd = &cobra.Command{
	Use:   "hash [passphrase]",
	Short: "Print the secret_hash for a passphrase (read from stdin if omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyHash,
}

var policyVerifyCmd = &cobra.Command{
	Use:   "verify <rule-id> <passphrase>",
	Short: "Check a passphrase against a requires_secret rule",
	Args:  cobra.ExactArgs(2),
	RunE:  runPolicyVerify,
}

func init() {
	policyCheckCmd.Flags().String("passphrase", "", "Passphrase for requires_secret rules")
	policyCmd.AddCommand(policyCheckCmd, policyHashCmd, policyVerifyCmd)
}

func loadPolicy(cmd *cobra.Command) (*policy.Policy, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return bootstrap.LoadPolicy(cfg)
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	pol, err := loadPolicy(cmd)
	if err != nil {
		return err
	}
	passphrase, err := cmd.Flags().GetString("passphrase")
	if err != nil {
		return err
	}

	command := strings.Join(args, " ")
	verdict := pol.Evaluate(command)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (rule %s): %s\n", verdict.Kind, verdict.RuleID, verdict.Reason)

	switch verdict.Kind {
	case policy.Allowed:
		return nil
	case policy.RequiresSecret:
		if passphrase == "" {
			fmt.Fprintln(out, verdict.Prompt)
			return fmt.Errorf("passphrase required for rule %s", verdict.RuleID)
		}
		if !pol.VerifySecret(verdict.RuleID, passphrase) {
			return fmt.Errorf("incorrect passphrase for rule %s", verdict.RuleID)
		}
		fmt.Fprintln(out, "unlocked")
		return nil
	default:
		return fmt.Errorf("command blocked by rule %s", verdict.RuleID)
	}
}

func runPolicyHash(cmd *cobra.Command, args []string) error {
	var passphrase string
	if len(args) == 1 {
		passphrase = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}
		passphrase = line
	}
	if strings.TrimSpace(passphrase) == "" {
		return fmt.Errorf("passphrase is empty")
	}
	fmt.Fprintln(cmd.OutOrStdout(), policy.HashSecret(passphrase))
	return nil
}

func runPolicyVerify(cmd *cobra.Command, args []string) error {
	pol, err := loadPolicy(cmd)
	if err != nil {
		return err
	}
	if !pol.VerifySecret(args[0], args[1]) {
		return fmt.Errorf("passphrase does not unlock rule %s", args[0])
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}
