package models

import "time"

// Sender identifies which side of a conversation produced a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// MessageType describes the payload carried by a message.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageAudio MessageType = "audio"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Valid reports whether the type is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageAudio, MessageImage, MessageFile:
		return true
	}
	return false
}

// Message is one immutable turn in a conversation. Attachment columns are
// nil for plain text messages.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	UserID         string      `json:"user_id"`
	Sender         Sender      `json:"sender"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type"`
	FileURL        *string     `json:"file_url"`
	FileType       *string     `json:"file_type"`
	FileSize       *int64      `json:"file_size"`
	CreatedAt      time.Time   `json:"created_at"`
}
