package ingestion

import (
	fpmath "IndexVault/internal/math"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CommandSubjectPrefix is the subject space of operator commands; the last
// token names the command.
const CommandSubjectPrefix = "vault.cmd."

// Command kinds.
const (
	CommandRebalance = "rebalance"
	CommandSettle    = "settle"
	CommandRecall    = "recall"
	CommandDeploy    = "deploy"
)

// Command is a validated operator command.
type Command struct {
	Kind string
	// ID is the operator-supplied idempotency key.
	ID string

	ClientOrderIDs []uuid.UUID  // rebalance
	AmountUsd1e18  *uint256.Int // recall, deploy
}

// --- JSON wire formats ---
// Field names use snake_case to match operator tooling. USD amounts are
// decimal strings ("1250.5").

// CommandBody is the JSON body of a command message.
type CommandBody struct {
	CommandID      string   `json:"command_id"`
	ClientOrderIDs []string `json:"client_order_ids,omitempty"`
	AmountUsd      string   `json:"amount_usd,omitempty"`
}

// CommandKind extracts the command name from a subject such as
// "vault.cmd.rebalance".
func CommandKind(subject string) (string, error) {
	if !strings.HasPrefix(subject, CommandSubjectPrefix) {
		return "", fmt.Errorf("subject %q is not a command subject", subject)
	}
	kind := strings.TrimPrefix(subject, CommandSubjectPrefix)
	if kind == "" || strings.Contains(kind, ".") {
		return "", fmt.Errorf("subject %q has no single command token", subject)
	}
	return kind, nil
}

// ParseCommand validates a command message body for the given kind.
func ParseCommand(kind string, data []byte) (*Command, error) {
	var j CommandBody
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse %s command: %w", kind, err)
	}
	return BuildCommand(kind, j)
}

// BuildCommand validates a decoded body.
func BuildCommand(kind string, j CommandBody) (*Command, error) {
	if strings.TrimSpace(j.CommandID) == "" {
		return nil, fmt.Errorf("parse %s command: command_id is required", kind)
	}
	cmd := &Command{Kind: kind, ID: j.CommandID}

	switch kind {
	case CommandRebalance:
		for i, s := range j.ClientOrderIDs {
			if s == "" {
				// positional; empty means generate
				cmd.ClientOrderIDs = append(cmd.ClientOrderIDs, uuid.Nil)
				continue
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("parse client_order_ids[%d]: %w", i, err)
			}
			cmd.ClientOrderIDs = append(cmd.ClientOrderIDs, id)
		}

	case CommandSettle:

	case CommandRecall, CommandDeploy:
		if j.AmountUsd == "" {
			return nil, fmt.Errorf("parse %s command: amount_usd is required", kind)
		}
		amt, err := fpmath.ParseUsd(j.AmountUsd)
		if err != nil {
			return nil, fmt.Errorf("parse %s amount: %w", kind, err)
		}
		if amt.IsZero() {
			return nil, fmt.Errorf("parse %s command: amount_usd must be positive", kind)
		}
		cmd.AmountUsd1e18 = amt

	default:
		return nil, fmt.Errorf("unknown command: %s", kind)
	}
	return cmd, nil
}
