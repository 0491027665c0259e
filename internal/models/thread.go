package models

import "time"

// DefaultChatName is assigned to threads created without a name.
const DefaultChatName = "New Chat"

// ChatThread is a conversation scoped to a subset of its owner's documents.
type ChatThread struct {
	ThreadID  string    `json:"threadId"`
	UserID    string    `json:"-"`
	ChatName  string    `json:"chatName"`
	Documents []string  `json:"chatDocs"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
