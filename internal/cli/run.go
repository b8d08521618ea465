package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/gatekeep/internal/apperr"
	"github.com/iambrandonn/gatekeep/internal/approval"
	"github.com/iambrandonn/gatekeep/internal/bootstrap"
	"github.com/iambrandonn/gatekeep/internal/intake"
	"github.com/iambrandonn/gatekeep/internal/session"
	"github.com/iambrandonn/gatekeep/internal/transcript"
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Submit a task through the full intake flow and wait for it",
	Long: `Create a job for the task, check it against the command policy and the
path risk tables, then run it in the background and wait for the result. If no
prompt is given, gatekeep asks for one on standard input.`,
	RunE: runRun,
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Drive a session line by line from standard input",
	Long: `Read one message per line. "accept [id]", "reject [id]" and "pending"
resolve the session's proposal; any other line is submitted as a task. Tasks run
in the background and report back when they finish.`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

func init() {
	for _, c := range []*cobra.Command{runCmd, sessionCmd} {
		c.Flags().StringP("dir", "d", "", "Repository to work on (default: current directory)")
	}
	runCmd.Flags().String("title", "", "Job title (default: first line of the prompt)")
	runCmd.Flags().StringSlice("path", nil, "Repository path the task will touch (repeatable)")
	runCmd.Flags().String("command", "", "Command to check against the policy before running")
	runCmd.Flags().String("passphrase", "", "Passphrase for a requires_secret rule")
	runCmd.Flags().Bool("owner-approved", false, "The owner approved this job")
}

var errInstructionRequired = errors.New("instruction is required")

func runRun(cmd *cobra.Command, args []string) error {
	req, err := runRequest(cmd, args)
	if err != nil {
		return err
	}

	engine, notifier, err := openEngine(cmd, engineOptions{dir: req.Dir})
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	engine.Start(ctx)
	defer engine.Close()

	sub, err := engine.Intake.Submit(ctx, req)
	if err != nil {
		return err
	}
	notifier.println(sub.Message)
	if !sub.Queued {
		return fmt.Errorf("job %s ended %s", sub.Job.ID, sub.Job.Status)
	}

	engine.Queue.Wait()

	f := transcript.NewFormatter()
	if j, err := engine.Jobs.Get(sub.Job.ID); err == nil {
		notifier.println(f.FormatJob(j))
	}
	return nil
}

func runRequest(cmd *cobra.Command, args []string) (intake.Request, error) {
	sid, err := sessionFlag(cmd)
	if err != nil {
		return intake.Request{}, err
	}
	flags := cmd.Flags()
	req := intake.Request{SessionID: sid}
	if req.Dir, err = flags.GetString("dir"); err != nil {
		return req, err
	}
	if req.Title, err = flags.GetString("title"); err != nil {
		return req, err
	}
	if req.Paths, err = flags.GetStringSlice("path"); err != nil {
		return req, err
	}
	if req.Command, err = flags.GetString("command"); err != nil {
		return req, err
	}
	if req.Passphrase, err = flags.GetString("passphrase"); err != nil {
		return req, err
	}
	if req.OwnerApproved, err = flags.GetBool("owner-approved"); err != nil {
		return req, err
	}

	if len(args) > 0 {
		req.Prompt = strings.Join(args, " ")
		return req, nil
	}

	inputReader := cmd.InOrStdin()
	isTTY := false
	if file, ok := inputReader.(*os.File); ok {
		isTTY = isTerminalFile(file)
	}
	req.Prompt, err = promptForInstruction(inputReader, cmd.OutOrStdout(), isTTY)
	if errors.Is(err, errInstructionRequired) {
		return req, fmt.Errorf("instruction required: pass the task as arguments or on standard input")
	}
	return req, err
}

func runSession(cmd *cobra.Command, args []string) error {
	sid, err := sessionFlag(cmd)
	if err != nil {
		return err
	}
	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return err
	}

	engine, notifier, err := openEngine(cmd, engineOptions{dir: dir})
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	engine.Start(ctx)
	defer engine.Close()

	d := &sessionDriver{engine: engine, notifier: notifier, fmt: transcript.NewFormatter(), sessionID: sid, dir: dir}
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		d.handle(cmd, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	// Let queued tasks report before exiting.
	engine.Queue.Wait()
	return nil
}

// sessionDriver handles one message at a time for a single session.
type sessionDriver struct {
	engine    *bootstrap.Engine
	notifier  *consoleNotifier
	fmt       *transcript.Formatter
	sessionID string
	dir       string
}

func (d *sessionDriver) handle(cmd *cobra.Command, line string) {
	sessions := d.engine.Sessions
	if !sessions.TryBegin(d.sessionID) {
		d.notifier.println(session.ErrBusy.Error())
		return
	}
	defer sessions.End(d.sessionID)
	sessions.Append(d.sessionID, session.RoleUser, line)

	ctx := commandContext(cmd)
	command := approval.ParseCommand(line)
	if command.Kind != approval.KindNone {
		reply := d.engine.Approvals.Handle(ctx, d.sessionID, command)
		if reply.Proposal != nil {
			d.notifier.println(d.fmt.FormatProposal(*reply.Proposal))
		}
		d.reply(reply.Text)
		return
	}

	sub, err := d.engine.Intake.Submit(ctx, intake.Request{SessionID: d.sessionID, Prompt: line, Dir: d.dir})
	if err != nil {
		d.reply(submitFailureText(d.engine.Logger, d.sessionID, err))
		return
	}
	d.reply(sub.Message)
}

// submitFailureText shows validation messages as-is. Anything else stays in
// the log.
func submitFailureText(logger *slog.Logger, sessionID string, err error) string {
	var ae *apperr.AppError
	if errors.As(err, &ae) && ae.Code == apperr.CodeValidation {
		return "Could not start the task: " + ae.Message
	}
	logger.Error("failed to submit task", "session_id", sessionID, "error", err)
	return "Could not start the task because of an internal error."
}

func (d *sessionDriver) reply(text string) {
	if text == "" {
		return
	}
	d.engine.Sessions.Append(d.sessionID, session.RoleAssistant, text)
	d.notifier.println(text)
}

func promptForInstruction(r io.Reader, w io.Writer, tty bool) (string, error) {
	reader := bufio.NewReader(r)
	if tty {
		fmt.Fprint(w, "gatekeep> What should I do? ")
	}

	line, err := reader.ReadString('\n')
	if errors.Is(err, io.EOF) {
		line = strings.TrimSpace(line)
		if line == "" {
			return "", errInstructionRequired
		}
		if tty {
			fmt.Fprintln(w)
		}
		return line, nil
	}
	if err != nil {
		return "", err
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return "", errInstructionRequired
	}
	if tty {
		fmt.Fprintln(w)
	}
	return line, nil
}

func isTerminalFile(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
