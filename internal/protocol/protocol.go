package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound command types (client -> server)
const (
	CommandSetLanguage    = "setLanguage"
	CommandSetAudioDevice = "setAudioDevice"
	CommandMute           = "mute"
	CommandUnmute         = "unmute"
)

// Outbound event types (server -> client)
const (
	EventTranscript = "transcript"
	EventStatus     = "status"
	EventError      = "error"
	EventDebug      = "debug"
)

// Status values carried by status events
const (
	StatusConnected    = "Connected"
	StatusDisconnected = "Disconnected"
)

// MaxCommandSize bounds a single inbound control frame
const MaxCommandSize = 4096

// Command is a parsed client command
type Command struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

// Event is a server event. Transcript events use Original, Translated and Language;
// every other event carries its payload in Data.
type Event struct {
	Type       string `json:"type"`
	Original   string `json:"original,omitempty"`
	Translated string `json:"translated,omitempty"`
	Language   string `json:"language,omitempty"`
	Data       string `json:"data,omitempty"`
}

// Error reports a malformed or unsupported client message. The connection stays open.
type Error struct {
	Reason string
	Raw    string
}

func (e *Error) Error() string {
	if e.Raw == "" {
		return "client protocol error: " + e.Reason
	}
	return fmt.Sprintf("client protocol error: %s (message %q)", e.Reason, truncate(e.Raw, 64))
}

// ParseCommand decodes and validates one inbound text frame
func ParseCommand(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, &Error{Reason: "empty message"}
	}

	if len(data) > MaxCommandSize {
		return nil, &Error{Reason: fmt.Sprintf("message too large: %d bytes (max %d)", len(data), MaxCommandSize)}
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, &Error{Reason: "invalid JSON: " + err.Error(), Raw: string(data)}
	}

	if err := cmd.Validate(); err != nil {
		return nil, &Error{Reason: err.Error(), Raw: string(data)}
	}

	return &cmd, nil
}

// Validate checks that the command type is known and its required fields are set
func (c *Command) Validate() error {
	switch c.Type {
	case CommandSetLanguage:
		c.Language = strings.TrimSpace(c.Language)
		if c.Language == "" {
			return fmt.Errorf("%s requires a non-empty language", c.Type)
		}
	case CommandSetAudioDevice:
		if c.DeviceID == "" {
			return fmt.Errorf("%s requires a deviceId", c.Type)
		}
	case CommandMute, CommandUnmute:
	case "":
		return fmt.Errorf("missing message type")
	default:
		return fmt.Errorf("unknown message type %q", c.Type)
	}
	return nil
}

// Transcript builds a transcript event
func Transcript(original, translated, languageLabel string) Event {
	return Event{
		Type:       EventTranscript,
		Original:   original,
		Translated: translated,
		Language:   languageLabel,
	}
}

// Status builds a status event
func Status(value string) Event {
	return Event{Type: EventStatus, Data: value}
}

// ErrorEvent builds an error event
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Data: message}
}

// Debug builds a debug event
func Debug(format string, args ...any) Event {
	return Event{Type: EventDebug, Data: fmt.Sprintf(format, args...)}
}

// MarshalJSON always writes the three transcript keys on transcript events,
// even when a value is empty
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Type == EventTranscript {
		return json.Marshal(struct {
			Type       string `json:"type"`
			Original   string `json:"original"`
			Translated string `json:"translated"`
			Language   string `json:"language"`
		}{e.Type, e.Original, e.Translated, e.Language})
	}
	type plain Event
	return json.Marshal(plain(e))
}

// Encode serializes an event into a single text frame
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
