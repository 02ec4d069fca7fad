package domain

import (
	"encoding/json"
	"time"
)

// SessionBlob is the persisted state of one chat, keyed by chat key. It
// lets a reloaded page rebuild the chat window without asking the server
// to resend the whole history.
type SessionBlob struct {
	ChatKey            string            `json:"chatKey"`
	Messages           []Message         `json:"messages"`
	LastMessageID      ID                `json:"lastMessageId,omitempty"`
	Brandings          json.RawMessage   `json:"brandings,omitempty"`
	ClientData         ClientData        `json:"clientData"`
	QueueIndicator     *QueueIndicator   `json:"queueIndicator,omitempty"`
	People             map[ID]Person     `json:"people,omitempty"`
	ChatParams         json.RawMessage   `json:"chatParams,omitempty"`
	VisitInfo          json.RawMessage   `json:"visitInfo,omitempty"`
	ChatWindowSettings json.RawMessage   `json:"chatWindowSettings,omitempty"`
	Minimized          bool              `json:"isMinimized"`
	UpdatedAt          time.Time         `json:"lastUpdated"`
}

// NewSessionBlob returns an empty blob for chatKey.
func NewSessionBlob(chatKey string) *SessionBlob {
	return &SessionBlob{
		ChatKey:  chatKey,
		Messages: []Message{},
		People:   map[ID]Person{},
	}
}

// AddMessage appends m, or replaces the stored message with the same id.
// Only appends move the last message id.
func (b *SessionBlob) AddMessage(m Message) {
	if m.MessageID != "" {
		for i := range b.Messages {
			if b.Messages[i].MessageID == m.MessageID {
				b.Messages[i] = m
				return
			}
		}
	}
	b.Messages = append(b.Messages, m)
	b.LastMessageID = m.MessageID
}
