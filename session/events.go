package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Transport event types of the WebSocket-over-HTTP framing the GRIP proxy
// speaks. OPEN, DISCONNECT and CLOSE frames carry no content; TEXT frames do.
const (
	EventOpen       = "OPEN"
	EventText       = "TEXT"
	EventDisconnect = "DISCONNECT"
	EventClose      = "CLOSE"
)

// controlPrefix marks a TEXT frame carrying a control instruction for the
// transport rather than data for the client
const controlPrefix = "c:"

// Event one framed transport event
type Event struct {
	// Type is the event type tag
	Type string
	// Content is the event body, nil for content-less events
	Content []byte
}

// TextEvent build a TEXT event carrying content
func TextEvent(content string) Event {
	return Event{Type: EventText, Content: []byte(content)}
}

// ControlEvent build a TEXT event carrying a control instruction for the
// transport: instruct it to add or remove the connection on a named topic
func ControlEvent(operation, topic string) (Event, error) {
	message, err := json.Marshal(map[string]interface{}{
		"type": operation, "channel": topic,
	})
	if err != nil {
		return Event{}, err
	}
	return TextEvent(controlPrefix + string(message)), nil
}

// ParseControl decode a control instruction from a TEXT event. Returns the
// operation and topic, or ok=false if the event is not a control instruction.
func ParseControl(event Event) (operation, topic string, ok bool) {
	if event.Type != EventText || !bytes.HasPrefix(event.Content, []byte(controlPrefix)) {
		return "", "", false
	}
	var message struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(event.Content[len(controlPrefix):], &message); err != nil {
		return "", "", false
	}
	return message.Type, message.Channel, true
}

// DecodeWebSocketEvents parse a websocket-events request body into its frames.
// Each frame is "TYPE[ hex-content-length]\r\n[content\r\n]".
func DecodeWebSocketEvents(body []byte) ([]Event, error) {
	events := []Event{}
	remaining := body
	for len(remaining) > 0 {
		headerEnd := bytes.Index(remaining, []byte("\r\n"))
		if headerEnd < 0 {
			return nil, fmt.Errorf("truncated websocket-events frame header")
		}
		header := string(remaining[:headerEnd])
		remaining = remaining[headerEnd+2:]
		eventType := header
		var content []byte
		if space := bytes.IndexByte([]byte(header), ' '); space >= 0 {
			eventType = header[:space]
			size, err := strconv.ParseInt(header[space+1:], 16, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid websocket-events content length: %s", err)
			}
			if int64(len(remaining)) < size+2 {
				return nil, fmt.Errorf("truncated websocket-events frame content")
			}
			content = remaining[:size]
			if !bytes.Equal(remaining[size:size+2], []byte("\r\n")) {
				return nil, fmt.Errorf("websocket-events frame content not terminated")
			}
			remaining = remaining[size+2:]
		}
		events = append(events, Event{Type: eventType, Content: content})
	}
	return events, nil
}

// EncodeWebSocketEvents serialize frames into a websocket-events body
func EncodeWebSocketEvents(events []Event) []byte {
	var builder bytes.Buffer
	for _, event := range events {
		if event.Content != nil {
			builder.WriteString(
				fmt.Sprintf("%s %x\r\n", event.Type, len(event.Content)),
			)
			builder.Write(event.Content)
			builder.WriteString("\r\n")
		} else {
			builder.WriteString(fmt.Sprintf("%s\r\n", event.Type))
		}
	}
	return builder.Bytes()
}
