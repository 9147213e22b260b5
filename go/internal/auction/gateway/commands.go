package gateway

import (
	"encoding/json"
	"fmt"
)

// CommandType is the type of a client frame.
type CommandType string

const (
	CommandJoin        CommandType = "join"
	CommandLeave       CommandType = "leave"
	CommandBid         CommandType = "bid"
	CommandPing        CommandType = "ping"
	CommandSubscribe   CommandType = "subscribe"
	CommandUnsubscribe CommandType = "unsubscribe"
)

// Command is a frame sent by a client.
type Command struct {
	Type        CommandType `json:"type"`
	AuctionID   string      `json:"auctionId,omitempty"`
	Amount      int64       `json:"amount,omitempty"`
	ClientNonce string      `json:"clientNonce,omitempty"`
	Topics      []string    `json:"topics,omitempty"`
}

// ParseCommand decodes and validates a client frame.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("malformed command: %w", err)
	}
	switch cmd.Type {
	case CommandPing:
		return cmd, nil
	case CommandJoin, CommandLeave, CommandBid:
		if cmd.AuctionID == "" {
			return Command{}, fmt.Errorf("%s requires auctionId", cmd.Type)
		}
		return cmd, nil
	case CommandSubscribe, CommandUnsubscribe:
		if len(cmd.Topics) == 0 {
			return Command{}, fmt.Errorf("%s requires topics", cmd.Type)
		}
		return cmd, nil
	case "":
		return Command{}, fmt.Errorf("command type is required")
	default:
		return Command{}, fmt.Errorf("unknown command type %q", cmd.Type)
	}
}
