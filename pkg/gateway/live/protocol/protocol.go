// Package protocol defines the JSON frames exchanged over /v1/live.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ClientHello opens a live session. It must be the first frame.
type ClientHello struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	UserID          string `json:"user_id"`
	OrgID           string `json:"org_id,omitempty"`
	Mode            string `json:"mode,omitempty"`
}

// ClientUtterance carries one completed user turn.
type ClientUtterance struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Voice bool   `json:"voice,omitempty"`
	Mood  string `json:"mood,omitempty"`
}

// ClientListening reports interim listening state so the gateway can decide
// whether to acknowledge.
type ClientListening struct {
	Type          string `json:"type"`
	InterimLength int    `json:"interim_length,omitempty"`
	PauseMS       int64  `json:"pause_ms,omitempty"`
	Mood          string `json:"mood,omitempty"`
}

// ClientSetMode switches the listening mode mid-session.
type ClientSetMode struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

// ClientBye closes the session cleanly.
type ClientBye struct {
	Type string `json:"type"`
}

// Server frames.

type ServerReady struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

type ServerReply struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Spoken bool   `json:"spoken"`
	Mode   string `json:"mode"`
}

type ServerDenied struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ServerAck struct {
	Type  string `json:"type"`
	Acked bool   `json:"acked"`
}

type ServerMode struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

type ServerError struct {
	Type    string         `json:"type"`
	Scope   string         `json:"scope"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Fatal   bool           `json:"fatal"`
	Details map[string]any `json:"details,omitempty"`
}

// DecodeClientMessage parses one inbound frame into its typed form.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if strings.TrimSpace(msg.UserID) == "" {
			return nil, badRequest("hello.user_id is required", "user_id")
		}
		return msg, nil
	case "utterance":
		var msg ClientUtterance
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid utterance frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("utterance.text is required", "text")
		}
		return msg, nil
	case "listening":
		var msg ClientListening
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid listening frame", "")
		}
		if msg.InterimLength < 0 || msg.PauseMS < 0 {
			return nil, badRequest("listening lengths must be >= 0", "")
		}
		return msg, nil
	case "set_mode":
		var msg ClientSetMode
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid set_mode frame", "")
		}
		if strings.TrimSpace(msg.Mode) == "" {
			return nil, badRequest("set_mode.mode is required", "mode")
		}
		return msg, nil
	case "bye":
		var msg ClientBye
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid bye frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unknown message type", "type")
	}
}
