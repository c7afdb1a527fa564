// Package protocol defines the frames exchanged over a chat connection.
//
// Inbound and outbound frames are closed sets: each is a distinct Go type
// implementing a sealed interface, and every JSON object carries a "type" tag
// naming its variant.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Inbound frame type tags.
const (
	TypeInit    = "init"
	TypeMessage = "message"
)

// Inbound is a decoded client frame: InitFrame or MessageFrame.
type Inbound interface {
	inbound()
}

// Character describes the persona the client wants to chat with.
type Character struct {
	SystemPrompt string `json:"systemPrompt"`
	Name         string `json:"name"`
	Avatar       string `json:"avatar"`
}

// InitFrame opens the conversation. SessionID is empty when the client has
// none yet.
type InitFrame struct {
	SessionID string
	Character Character
}

// MessageFrame is one user turn.
type MessageFrame struct {
	Content string
}

func (InitFrame) inbound()    {}
func (MessageFrame) inbound() {}

// MalformedFrameError reports a frame that could not be decoded into a known
// variant.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return "malformed frame: " + e.Reason
}

const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string"}
  }
}`

const initSchema = `{
  "type": "object",
  "properties": {
    "type": {"const": "init"},
    "sessionId": {"type": ["string", "null"]},
    "character": {
      "type": "object",
      "properties": {
        "systemPrompt": {"type": "string"},
        "name": {"type": "string"},
        "avatar": {"type": "string"}
      }
    }
  }
}`

const messageSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "type": {"const": "message"},
    "content": {"type": "string"}
  }
}`

var (
	envelopeValidator = jsonschema.MustCompileString("envelope.json", envelopeSchema)
	frameValidators   = map[string]*jsonschema.Schema{
		TypeInit:    jsonschema.MustCompileString("init.json", initSchema),
		TypeMessage: jsonschema.MustCompileString("message.json", messageSchema),
	}
)

type initWire struct {
	SessionID *string    `json:"sessionId"`
	Character *Character `json:"character"`
}

type messageWire struct {
	Content string `json:"content"`
}

// Decode parses a raw text frame into its variant. Any failure is a
// *MalformedFrameError.
func Decode(data []byte) (Inbound, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &MalformedFrameError{Reason: err.Error()}
	}
	if err := envelopeValidator.Validate(doc); err != nil {
		return nil, &MalformedFrameError{Reason: validationReason(err)}
	}

	tag := doc.(map[string]any)["type"].(string)
	validator, ok := frameValidators[tag]
	if !ok {
		return nil, &MalformedFrameError{Reason: fmt.Sprintf("unknown frame type %q", tag)}
	}
	if err := validator.Validate(doc); err != nil {
		return nil, &MalformedFrameError{Reason: validationReason(err)}
	}

	switch tag {
	case TypeInit:
		var w initWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, &MalformedFrameError{Reason: err.Error()}
		}
		f := InitFrame{}
		if w.SessionID != nil {
			f.SessionID = *w.SessionID
		}
		if w.Character != nil {
			f.Character = *w.Character
		}
		return f, nil
	default:
		var w messageWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, &MalformedFrameError{Reason: err.Error()}
		}
		return MessageFrame{Content: w.Content}, nil
	}
}

// validationReason flattens a schema validation error to its most specific
// cause.
func validationReason(err error) string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	loc := verr.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + verr.Message
}
