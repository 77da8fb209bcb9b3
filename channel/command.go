package channel

import (
	"encoding/json"
	"fmt"
)

// Command is one parsed client command. It is a closed set of variants so the
// protocol handler can branch exhaustively: SubscribeCommand,
// UnsubscribeCommand, UnsubscribeAllCommand, or InvalidCommand.
type Command interface {
	isCommand()
}

// Request the common fields of a well-formed channel command
type Request struct {
	// Feed is the feed name the command targets
	Feed string
	// Params are the channel parameters, empty if the client gave none
	Params map[string]interface{}
	// Key is the derived channel key
	Key Key
}

// SubscribeCommand request to subscribe the connection to a channel
type SubscribeCommand struct {
	Request
}

// UnsubscribeCommand request to unsubscribe the connection from a channel
type UnsubscribeCommand struct {
	Request
}

// UnsubscribeAllCommand request to drop every subscription the connection holds
type UnsubscribeAllCommand struct{}

// InvalidCommand a message which could not be parsed into a valid command
type InvalidCommand struct {
	// Reason is a human readable description of the parse failure
	Reason string
}

func (SubscribeCommand) isCommand()      {}
func (UnsubscribeCommand) isCommand()    {}
func (UnsubscribeAllCommand) isCommand() {}
func (InvalidCommand) isCommand()        {}

// commandWire the inbound message payload shape
type commandWire struct {
	Action  string                 `json:"action"`
	Channel string                 `json:"channel"`
	Params  map[string]interface{} `json:"params"`
}

// ParseCommand parse a serialized control message from a client. A malformed
// payload yields an InvalidCommand rather than an error; nothing here mutates
// state, so a bad message from one client never affects another.
func ParseCommand(raw []byte) Command {
	var wire commandWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return InvalidCommand{Reason: fmt.Sprintf("message is not valid JSON: %s", err)}
	}
	if wire.Params == nil {
		wire.Params = map[string]interface{}{}
	}
	switch wire.Action {
	case "subscribe", "unsubscribe":
		if wire.Channel == "" {
			return InvalidCommand{
				Reason: fmt.Sprintf("action %s requires a channel", wire.Action),
			}
		}
		request := Request{
			Feed:   wire.Channel,
			Params: wire.Params,
			Key:    MakeKey(wire.Channel, wire.Params),
		}
		if wire.Action == "subscribe" {
			return SubscribeCommand{Request: request}
		}
		return UnsubscribeCommand{Request: request}
	case "unsubscribe-all":
		return UnsubscribeAllCommand{}
	case "":
		return InvalidCommand{Reason: "message is missing an action"}
	default:
		return InvalidCommand{Reason: fmt.Sprintf("action %s not recognized", wire.Action)}
	}
}
