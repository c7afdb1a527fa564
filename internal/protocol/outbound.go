package protocol

import "encoding/json"

// Outbound frame type tags.
const (
	TypeHistory = "history"
	TypeReady   = "ready"
	TypeTyping  = "typing"
	TypeReply   = "message"
	TypeError   = "error"
)

// Event is a server frame: HistoryEvent, ReadyEvent, TypingEvent, ReplyEvent
// or ErrorEvent. Each marshals to a JSON object with its "type" tag.
type Event interface {
	json.Marshaler
	event()
}

// HistoryMessage is one persisted message replayed to the client.
type HistoryMessage struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

type HistoryEvent struct {
	Messages []HistoryMessage
}

// ReadyEvent confirms initialization. SessionID is the resolved session
// identifier, which the client keeps to reconnect to the same conversation.
type ReadyEvent struct {
	SessionID string
}

type TypingEvent struct{}

// ReplyEvent carries the character's reply; on the wire its type is "message".
type ReplyEvent struct {
	Content string
}

type ErrorEvent struct {
	Message string
}

func (HistoryEvent) event() {}
func (ReadyEvent) event()   {}
func (TypingEvent) event()  {}
func (ReplyEvent) event()   {}
func (ErrorEvent) event()   {}

func (e HistoryEvent) MarshalJSON() ([]byte, error) {
	msgs := e.Messages
	if msgs == nil {
		msgs = []HistoryMessage{}
	}
	return json.Marshal(struct {
		Type     string           `json:"type"`
		Messages []HistoryMessage `json:"messages"`
	}{TypeHistory, msgs})
}

func (e ReadyEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId,omitempty"`
	}{TypeReady, e.SessionID})
}

func (TypingEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{TypeTyping})
}

func (e ReplyEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}{TypeReply, e.Content})
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{TypeError, e.Message})
}
