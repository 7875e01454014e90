package chatdb

import (
	"context"
	"fmt"
	"strings"
)

// Chats returns all chats ordered by ROWID.
func (s *Source) Chats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.ROWID,
			COALESCE(c.guid, ''),
			COALESCE(c.display_name, ''),
			COALESCE(c.service_name, ''),
			COALESCE(c.chat_identifier, '')
		FROM chat c
		ORDER BY c.ROWID ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("fetch chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.RowID, &c.GUID, &c.DisplayName, &c.Service, &c.Identifier); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ChatParticipants returns the handle identifiers joined to each of the
// given chats. Returns a map of chat ROWID to identifiers.
func (s *Source) ChatParticipants(ctx context.Context, chatRowIDs []int64) (map[int64][]string, error) {
	result := make(map[int64][]string)
	if len(chatRowIDs) == 0 {
		return result, nil
	}

	// Process in chunks to stay within SQLite's parameter limit.
	const chunkSize = 500
	for i := 0; i < len(chatRowIDs); i += chunkSize {
		end := i + chunkSize
		if end > len(chatRowIDs) {
			end = len(chatRowIDs)
		}
		chunk := chatRowIDs[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for j, id := range chunk {
			placeholders[j] = "?"
			args[j] = id
		}

		query := fmt.Sprintf(`
			SELECT chj.chat_id, COALESCE(h.id, '')
			FROM chat_handle_join chj
			JOIN handle h ON h.ROWID = chj.handle_id
			WHERE chj.chat_id IN (%s)
			ORDER BY chj.chat_id, h.ROWID
		`, strings.Join(placeholders, ","))

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("fetch chat participants: %w", err)
		}
		for rows.Next() {
			var chatID int64
			var handle string
			if err := rows.Scan(&chatID, &handle); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan chat participant: %w", err)
			}
			if handle != "" {
				result[chatID] = append(result[chatID], handle)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// MessageRowIDs returns every message ROWID in the source, ascending.
func (s *Source) MessageRowIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ROWID FROM message ORDER BY ROWID ASC`)
	if err != nil {
		return nil, fmt.Errorf("fetch message rowids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message rowid: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MessageCount returns the number of messages in the source.
func (s *Source) MessageCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// MessagesByRowID fetches the given messages with chat and sender joined
// in. Results follow the order of rowIDs chunk by chunk, so passing an
// ascending id list yields an ascending result. Row IDs with no matching
// message are silently absent from the result.
func (s *Source) MessagesByRowID(ctx context.Context, rowIDs []int64) ([]Message, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}

	var messages []Message

	const chunkSize = 500
	for i := 0; i < len(rowIDs); i += chunkSize {
		end := i + chunkSize
		if end > len(rowIDs) {
			end = len(rowIDs)
		}
		chunk := rowIDs[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for j, id := range chunk {
			placeholders[j] = "?"
			args[j] = id
		}

		query := fmt.Sprintf(`
			SELECT
				m.ROWID,
				COALESCE(m.guid, ''),
				COALESCE(cmj.chat_id, 0),
				COALESCE(h.id, ''),
				COALESCE(m.date, 0),
				COALESCE(m.is_from_me, 0),
				m.text,
				m.attributedBody,
				m.payload_data
			FROM message m
			LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
			LEFT JOIN handle h ON h.ROWID = m.handle_id
			WHERE m.ROWID IN (%s)
			ORDER BY m.ROWID ASC
		`, strings.Join(placeholders, ","))

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("fetch messages: %w", err)
		}
		for rows.Next() {
			var m Message
			var date, fromMe int64
			if err := rows.Scan(
				&m.RowID, &m.GUID, &m.ChatRowID, &m.Sender,
				&date, &fromMe, &m.Text, &m.AttributedBody, &m.PayloadData,
			); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan message: %w", err)
			}
			m.SentAt = appleTime(date)
			m.IsFromMe = fromMe != 0
			messages = append(messages, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return messages, nil
}
