// Package dbtest provides shared database fixtures for tests.
package dbtest

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// appleEpoch mirrors the chat.db timestamp reference date.
var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// AppleNanos converts a time to the nanosecond chat.db date encoding.
func AppleNanos(t time.Time) int64 {
	return t.Sub(appleEpoch).Nanoseconds()
}

// ChatDB is a throwaway source-database fixture with the schema of an
// iMessage-style chat.db. The writable handle is for seeding only; code
// under test opens Path read-only.
type ChatDB struct {
	t    *testing.T
	Path string
	DB   *sql.DB
}

// NewChatDB creates a seeded-empty chat database in a temp directory.
func NewChatDB(t *testing.T) *ChatDB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open fixture chat db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE chat (
			ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
			guid TEXT,
			display_name TEXT,
			service_name TEXT,
			chat_identifier TEXT
		);
		CREATE TABLE handle (
			ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT
		);
		CREATE TABLE message (
			ROWID INTEGER PRIMARY KEY AUTOINCREMENT,
			guid TEXT,
			handle_id INTEGER,
			date INTEGER,
			is_from_me INTEGER,
			text TEXT,
			attributedBody BLOB,
			payload_data BLOB
		);
		CREATE TABLE chat_message_join (
			chat_id INTEGER,
			message_id INTEGER
		);
		CREATE TABLE chat_handle_join (
			chat_id INTEGER,
			handle_id INTEGER
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create fixture schema: %v", err)
	}

	return &ChatDB{t: t, Path: path, DB: db}
}

// AddHandle inserts a handle row and returns its ROWID.
func (c *ChatDB) AddHandle(id string) int64 {
	c.t.Helper()
	res, err := c.DB.Exec(`INSERT INTO handle (id) VALUES (?)`, id)
	if err != nil {
		c.t.Fatalf("insert handle: %v", err)
	}
	rowID, _ := res.LastInsertId()
	return rowID
}

// AddChat inserts a chat row and returns its ROWID.
func (c *ChatDB) AddChat(guid, displayName string) int64 {
	c.t.Helper()
	res, err := c.DB.Exec(
		`INSERT INTO chat (guid, display_name, service_name, chat_identifier) VALUES (?, ?, 'iMessage', ?)`,
		guid, displayName, guid,
	)
	if err != nil {
		c.t.Fatalf("insert chat: %v", err)
	}
	rowID, _ := res.LastInsertId()
	return rowID
}

// JoinHandle links a handle into a chat.
func (c *ChatDB) JoinHandle(chatRowID, handleRowID int64) {
	c.t.Helper()
	if _, err := c.DB.Exec(
		`INSERT INTO chat_handle_join (chat_id, handle_id) VALUES (?, ?)`,
		chatRowID, handleRowID,
	); err != nil {
		c.t.Fatalf("insert chat_handle_join: %v", err)
	}
}

// MessageSpec describes a message to seed. A zero HandleRowID stores a
// NULL sender, matching how chat.db records the owner's own messages.
type MessageSpec struct {
	GUID           string
	ChatRowID      int64
	HandleRowID    int64
	SentAt         time.Time
	IsFromMe       bool
	Text           string
	AttributedBody []byte
	PayloadData    []byte
}

// AddMessage inserts a message row plus its chat join and returns the
// message ROWID.
func (c *ChatDB) AddMessage(spec MessageSpec) int64 {
	c.t.Helper()

	var handle interface{}
	if spec.HandleRowID != 0 {
		handle = spec.HandleRowID
	}
	var text interface{}
	if spec.Text != "" {
		text = spec.Text
	}
	fromMe := 0
	if spec.IsFromMe {
		fromMe = 1
	}

	res, err := c.DB.Exec(`
		INSERT INTO message (guid, handle_id, date, is_from_me, text, attributedBody, payload_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, spec.GUID, handle, AppleNanos(spec.SentAt), fromMe, text, spec.AttributedBody, spec.PayloadData)
	if err != nil {
		c.t.Fatalf("insert message: %v", err)
	}
	rowID, _ := res.LastInsertId()

	if spec.ChatRowID != 0 {
		if _, err := c.DB.Exec(
			`INSERT INTO chat_message_join (chat_id, message_id) VALUES (?, ?)`,
			spec.ChatRowID, rowID,
		); err != nil {
			c.t.Fatalf("insert chat_message_join: %v", err)
		}
	}
	return rowID
}

// TypedStreamBody builds a minimal attributedBody typedstream blob whose
// NSString payload is text. Good enough for decoder tests; a real blob
// carries more archive framing that the decoder skips anyway.
func TypedStreamBody(text string) []byte {
	var buf []byte
	buf = append(buf, []byte("streamtyped framing ")...)
	buf = append(buf, []byte("NSString")...)
	buf = append(buf, 0x01, 0x94, 0x84, 0x01, '+')
	n := len(text)
	switch {
	case n < 0x80:
		buf = append(buf, byte(n))
	case n <= 0xffff:
		buf = append(buf, 0x81, byte(n), byte(n>>8))
	default:
		buf = append(buf, 0x82, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	}
	buf = append(buf, []byte(text)...)
	buf = append(buf, 0x86, 0x84)
	return buf
}
