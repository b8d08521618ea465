package approval

import "strings"

// Kind classifies a line of user input.
type Kind string

const (
	// KindNone means the input is not an approval command.
	KindNone    Kind = "none"
	KindInvalid Kind = "invalid"
	KindPending Kind = "pending"
	KindAccept  Kind = "accept"
	KindReject  Kind = "reject"
)

// Command is a parsed control command. ProposalID is optional.
type Command struct {
	Kind       Kind
	ProposalID string
}

// ParseCommand recognises "accept [id]", "reject [id]" and "pending",
// with or without a leading slash. Keywords are case-insensitive; the id is
// kept verbatim.
func ParseCommand(text string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{Kind: KindNone}
	}

	switch keyword := strings.ToLower(strings.TrimPrefix(fields[0], "/")); keyword {
	case "pending":
		if len(fields) > 1 {
			return Command{Kind: KindInvalid}
		}
		return Command{Kind: KindPending}
	case "accept", "reject":
		if len(fields) > 2 {
			return Command{Kind: KindInvalid}
		}
		cmd := Command{Kind: Kind(keyword)}
		if len(fields) == 2 {
			cmd.ProposalID = fields[1]
		}
		return cmd
	default:
		return Command{Kind: KindNone}
	}
}
