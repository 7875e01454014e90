package chatdb

import (
	"database/sql"
	"time"
)

// Chat is a conversation row from the source database.
type Chat struct {
	RowID       int64
	GUID        string
	DisplayName string
	Service     string
	Identifier  string
}

// Message is a message row from the source database with its chat and
// sender joined in. Text, AttributedBody and PayloadData are the raw
// alternative body encodings; use DecodeBody to get plain text.
type Message struct {
	RowID          int64
	GUID           string
	ChatRowID      int64
	Sender         string
	SentAt         time.Time
	IsFromMe       bool
	Text           sql.NullString
	AttributedBody []byte
	PayloadData    []byte
}
