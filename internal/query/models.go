package query

import (
	"fmt"
	"time"

	"github.com/chatrack/chatrack/internal/linkex"
)

// ChatSummary is one chat with its recomputed aggregates. Aggregates are
// always derived set-based from the index, never maintained
// incrementally.
type ChatSummary struct {
	ChatRowID       int64     `json:"chat_rowid"`
	Name            string    `json:"name"`
	Participants    []string  `json:"participants"`
	MessageCount    int64     `json:"message_count"`
	OwnMessageCount int64     `json:"own_message_count"`
	LastMessageAt   time.Time `json:"last_message_at"`
}

// Message is one indexed message with its sender resolved and links
// annotated.
type Message struct {
	RowID        int64        `json:"rowid"`
	ChatRowID    int64        `json:"chat_rowid"`
	Sender       string       `json:"sender"`
	SenderHandle string       `json:"sender_handle"`
	SentAt       time.Time    `json:"sent_at"`
	IsFromMe     bool         `json:"is_from_me"`
	Body         string       `json:"body"`
	Links        []linkex.Link `json:"links,omitempty"`
}

// ChatDetail is a chat summary plus its most recent messages in
// chronological order.
type ChatDetail struct {
	Summary ChatSummary `json:"summary"`
	Recent  []Message   `json:"recent"`
}

// ChatSort orders assembled chat summaries. Values outside the known set
// are rejected, never interpolated.
type ChatSort string

const (
	SortByLastMessage  ChatSort = "last_message"
	SortByMessageCount ChatSort = "message_count"
	SortByName         ChatSort = "name"
)

func (s ChatSort) validate() error {
	switch s {
	case SortByLastMessage, SortByMessageCount, SortByName:
		return nil
	}
	return fmt.Errorf("invalid sort field %q", string(s))
}
