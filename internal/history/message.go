package history

import "time"

// Sender identifies who authored a persisted message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderCharacter Sender = "character"
)

// CharacterInfo is the display metadata stored when a conversation is created.
type CharacterInfo struct {
	Name   string
	Avatar string
}

// Conversation is one chat thread between a session and a character.
// At most one exists per (SessionID, CharacterID).
type Conversation struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	CharacterID     string    `json:"character_id"`
	CharacterName   string    `json:"character_name"`
	CharacterAvatar string    `json:"character_avatar"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Message represents a single persisted turn of a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatSummary is a conversation as shown in the recent chats listing.
type ChatSummary struct {
	CharacterID     string
	CharacterName   string
	CharacterAvatar string
	UpdatedAt       time.Time
	HasMessages     bool
	// LastMessage is the newest message content cut to previewLength runes.
	LastMessage string
}
