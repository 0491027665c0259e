package models

import "time"

// Sender marks who wrote a chat message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// ChatMessage is one row of a thread's history. AI rows start as empty
// placeholders and are overwritten once the stream completes.
type ChatMessage struct {
	ID       int64     `json:"id"`
	ThreadID string    `json:"thread_id"`
	Sender   Sender    `json:"sender"`
	Message  string    `json:"message"`
	TimeSent time.Time `json:"time_sent"`
}
