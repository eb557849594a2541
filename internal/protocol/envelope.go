package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/companion-console/console/internal/interfaces"
)

// Kind classifies a decoded incoming payload
type Kind int

const (
	// KindText is a payload that was not a JSON object; Content holds it verbatim
	KindText Kind = iota
	// KindResponse is the companion's reply to a chat message
	KindResponse
	// KindModeAck acknowledges or rejects a mode change
	KindModeAck
	// KindError is a server-side failure notice
	KindError
	// KindNotice is any other structured payload
	KindNotice
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindResponse:
		return "response"
	case KindModeAck:
		return "mode_ack"
	case KindError:
		return "error"
	case KindNotice:
		return "notice"
	default:
		return "unknown"
	}
}

// Envelope is an outgoing duplex message
type Envelope struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Mode    string `json:"mode,omitempty"`
}

// Incoming is the decoded form of one payload received on the duplex channel
type Incoming struct {
	Kind      Kind
	Type      string
	Content   string
	Emotion   string
	Animation string
	Mode      interfaces.Mode
	HasMode   bool
	Accepted  bool
	Reason    string
	Raw       []byte
}

// EncodeChat serializes a user chat message
func EncodeChat(text string) ([]byte, error) {
	if err := ValidateMessage(text); err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeMessage, Content: text})
}

// EncodeMode serializes a mode-change request
func EncodeMode(mode interfaces.Mode) ([]byte, error) {
	if err := ValidateMode(mode); err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeMode, Mode: mode.String()})
}

// Decode classifies a payload received on the duplex channel. It never fails:
// payloads that are not JSON objects come back as KindText and unknown
// envelope types as KindNotice.
func Decode(payload []byte) Incoming {
	in := Incoming{Raw: payload}

	var fields map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&fields); err != nil || fields == nil || dec.More() {
		in.Kind = KindText
		in.Content = string(payload)
		return in
	}

	in.Type = strings.ToLower(stringField(fields, "type"))
	in.Emotion = stringField(fields, "emotion")
	in.Animation = stringField(fields, "animation")

	switch in.Type {
	case TypeMessage, TypeResponse:
		in.Kind = KindResponse
		in.Content = stringField(fields, "content", "response", "message")
		in.setMode(stringField(fields, "mode"))

	case TypeMode, TypeModeAck, TypeModeChanged:
		in.Kind = KindModeAck
		in.Accepted = ackAccepted(fields)
		in.setMode(stringField(fields, "mode", "current_mode"))
		in.Reason = stringField(fields, "reason", "message", "error")

	case TypeError:
		in.Kind = KindError
		in.Reason = stringField(fields, "message", "error", "detail", "content")
		in.Content = in.Reason

	case "":
		if content := stringField(fields, "content", "response"); content != "" {
			in.Kind = KindResponse
			in.Content = content
			in.setMode(stringField(fields, "mode"))
			return in
		}
		in.Kind = KindNotice
		in.Content = noticeText(fields, payload)

	default:
		in.Kind = KindNotice
		in.Content = noticeText(fields, payload)
	}

	return in
}

func (in *Incoming) setMode(value string) {
	if value == "" {
		return
	}
	if mode, err := interfaces.ParseMode(value); err == nil {
		in.Mode = mode
		in.HasMode = true
	}
}

// ackAccepted reads the acceptance flags of a mode acknowledgement
func ackAccepted(fields map[string]interface{}) bool {
	if v, ok := fields["accepted"].(bool); ok && !v {
		return false
	}
	switch strings.ToLower(stringField(fields, "status")) {
	case "error", "rejected", "failed":
		return false
	}
	return true
}

// stringField returns the first non-empty string value among keys
func stringField(fields map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := fields[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func noticeText(fields map[string]interface{}, payload []byte) string {
	if s := stringField(fields, "content", "message", "text"); s != "" {
		return s
	}
	return string(payload)
}
