// Package query answers chat and message questions over the index store
// and the read-only source database.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/chatrack/chatrack/internal/chatdb"
	"github.com/chatrack/chatrack/internal/contacts"
	"github.com/chatrack/chatrack/internal/linkex"
	"github.com/chatrack/chatrack/internal/store"
)

// Engine runs queries. Source database handles are short-lived: one is
// opened per operation and closed before it returns.
type Engine struct {
	store      *store.Store
	chatDBPath string
	resolver   contacts.Resolver
	logger     *slog.Logger
}

// NewEngine creates an Engine. resolver may be nil, in which case raw
// handles are shown.
func NewEngine(s *store.Store, chatDBPath string, resolver contacts.Resolver) *Engine {
	if resolver == nil {
		resolver = contacts.NullResolver{}
	}
	return &Engine{store: s, chatDBPath: chatDBPath, resolver: resolver, logger: slog.Default()}
}

// WithLogger sets the logger and returns the engine.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	if l != nil {
		e.logger = l
	}
	return e
}

// ListChats returns a summary of every chat, ordered by the given sort
// field.
func (e *Engine) ListChats(ctx context.Context, sortBy ChatSort) ([]ChatSummary, error) {
	if err := sortBy.validate(); err != nil {
		return nil, err
	}

	src, err := chatdb.Open(e.chatDBPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	summaries, err := e.assembleSummaries(ctx, src, nil)
	if err != nil {
		return nil, err
	}
	sortSummaries(summaries, sortBy)
	return summaries, nil
}

// SearchChats returns chats whose display name matches term or that
// contain a full-text match for it. The result is unordered; callers
// sort for presentation.
func (e *Engine) SearchChats(ctx context.Context, term string) ([]ChatSummary, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}

	src, err := chatdb.Open(e.chatDBPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	matched := make(map[int64]struct{})

	chats, err := src.Chats(ctx)
	if err != nil {
		return nil, err
	}
	lowered := strings.ToLower(term)
	for _, c := range chats {
		if strings.Contains(strings.ToLower(c.DisplayName), lowered) {
			matched[c.RowID] = struct{}{}
		}
	}

	ftsIDs, err := e.chatsMatchingBody(ctx, term)
	if err != nil {
		return nil, err
	}
	for _, id := range ftsIDs {
		matched[id] = struct{}{}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	return e.assembleSummaries(ctx, src, matched)
}

// ChatDetail returns one chat's summary plus its recentN most recent
// messages in chronological order.
func (e *Engine) ChatDetail(ctx context.Context, chatRowID int64, recentN int) (*ChatDetail, error) {
	src, err := chatdb.Open(e.chatDBPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	summaries, err := e.assembleSummaries(ctx, src, map[int64]struct{}{chatRowID: {}})
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, fmt.Errorf("chat %d not found", chatRowID)
	}
	detail := &ChatDetail{Summary: summaries[0]}

	if recentN <= 0 {
		return detail, nil
	}

	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT message_rowid, chat_rowid, sender, sent_at, is_from_me, body
		FROM message_index
		WHERE chat_rowid = ?
		ORDER BY sent_at DESC, message_rowid DESC
		LIMIT ?
	`, chatRowID, recentN)
	if err != nil {
		return nil, fmt.Errorf("fetch recent messages: %w", err)
	}
	msgs, err := e.scanMessages(ctx, rows)
	if err != nil {
		return nil, err
	}
	// Scanned newest-first; present oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	detail.Recent = msgs
	return detail, nil
}

// messagesChunkSize caps chat ids per query, under SQLite's 999
// parameter limit.
const messagesChunkSize = 500

// MessagesInRange returns the messages of the given chats with sent_at
// in [start, end), ordered by time then source rowid. The chat-id list
// is queried in chunks, so arbitrarily many chats are fine.
func (e *Engine) MessagesInRange(ctx context.Context, chatRowIDs []int64, start, end time.Time) ([]Message, error) {
	if len(chatRowIDs) == 0 {
		return nil, nil
	}

	var msgs []Message
	for i := 0; i < len(chatRowIDs); i += messagesChunkSize {
		chunkEnd := i + messagesChunkSize
		if chunkEnd > len(chatRowIDs) {
			chunkEnd = len(chatRowIDs)
		}
		chunk := chatRowIDs[i:chunkEnd]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, 0, len(chunk)+2)
		for j, id := range chunk {
			placeholders[j] = "?"
			args = append(args, id)
		}
		args = append(args, start.UnixNano(), end.UnixNano())

		query := fmt.Sprintf(`
			SELECT message_rowid, chat_rowid, sender, sent_at, is_from_me, body
			FROM message_index
			WHERE chat_rowid IN (%s)
			  AND sent_at >= ? AND sent_at < ?
			ORDER BY sent_at ASC, message_rowid ASC
		`, strings.Join(placeholders, ","))

		rows, err := e.store.DB().QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("fetch messages in range: %w", err)
		}
		chunkMsgs, err := e.scanMessages(ctx, rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, chunkMsgs...)
	}

	// Per-chunk ordering does not compose; restore the global order.
	if len(chatRowIDs) > messagesChunkSize {
		sort.SliceStable(msgs, func(i, j int) bool {
			if !msgs[i].SentAt.Equal(msgs[j].SentAt) {
				return msgs[i].SentAt.Before(msgs[j].SentAt)
			}
			return msgs[i].RowID < msgs[j].RowID
		})
	}
	return msgs, nil
}

// chatsMatchingBody returns the distinct chats containing a body match
// for term. The term is always passed as literal text; neither FTS
// operators nor LIKE wildcards in user input carry any meaning.
func (e *Engine) chatsMatchingBody(ctx context.Context, term string) ([]int64, error) {
	if !e.store.FTS5Available() {
		return e.chatsMatchingLike(ctx, term)
	}
	return e.chatsMatchingFTS(ctx, term)
}

func (e *Engine) chatsMatchingFTS(ctx context.Context, term string) ([]int64, error) {
	literal := ftsLiteral(term)
	if literal == "" {
		return nil, nil
	}
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT DISTINCT mi.chat_rowid
		FROM message_fts f
		JOIN message_index mi ON mi.message_rowid = f.rowid
		WHERE message_fts MATCH ?
	`, literal)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()
	return scanChatIDs(rows)
}

// chatsMatchingLike is the body search for builds without the fts5
// module: a parameterized substring scan over the index. Slower and
// without tokenization, but the same injection-safety holds.
func (e *Engine) chatsMatchingLike(ctx context.Context, term string) ([]int64, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT DISTINCT chat_rowid
		FROM message_index
		WHERE body LIKE ? ESCAPE '\'
	`, "%"+escapeLike(term)+"%")
	if err != nil {
		return nil, fmt.Errorf("body search: %w", err)
	}
	defer rows.Close()
	return scanChatIDs(rows)
}

func scanChatIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan matched chat: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// escapeLike neutralizes LIKE wildcards in user input.
func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

// ftsLiteral turns raw user input into a literal FTS5 query: each token
// double-quote-escaped and wrapped, so OR, NEAR, - and * are matched as
// text instead of being parsed as operators.
func ftsLiteral(term string) string {
	fields := strings.Fields(term)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

// chatAggregates holds the per-chat GROUP BY results.
type chatAggregates struct {
	count  int64
	own    int64
	lastAt int64
}

// assembleSummaries builds summaries for the chats in filter (all chats
// when filter is nil). Aggregates come from one GROUP BY over the index;
// participants from one chunked join against the source.
func (e *Engine) assembleSummaries(ctx context.Context, src *chatdb.Source, filter map[int64]struct{}) ([]ChatSummary, error) {
	chats, err := src.Chats(ctx)
	if err != nil {
		return nil, err
	}

	selected := make([]chatdb.Chat, 0, len(chats))
	ids := make([]int64, 0, len(chats))
	for _, c := range chats {
		if filter != nil {
			if _, ok := filter[c.RowID]; !ok {
				continue
			}
		}
		selected = append(selected, c)
		ids = append(ids, c.RowID)
	}
	if len(selected) == 0 {
		return nil, nil
	}

	aggs := make(map[int64]chatAggregates)
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT chat_rowid, COUNT(*), SUM(is_from_me), MAX(sent_at)
		FROM message_index
		GROUP BY chat_rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("chat aggregates: %w", err)
	}
	for rows.Next() {
		var id int64
		var a chatAggregates
		if err := rows.Scan(&id, &a.count, &a.own, &a.lastAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan chat aggregates: %w", err)
		}
		aggs[id] = a
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	participants, err := src.ChatParticipants(ctx, ids)
	if err != nil {
		return nil, err
	}

	summaries := make([]ChatSummary, 0, len(selected))
	for _, c := range selected {
		s := ChatSummary{ChatRowID: c.RowID, Name: c.DisplayName}

		for _, handle := range participants[c.RowID] {
			s.Participants = append(s.Participants, e.resolveHandle(ctx, handle))
		}
		if s.Name == "" {
			if len(s.Participants) > 0 {
				s.Name = strings.Join(s.Participants, ", ")
			} else {
				s.Name = c.Identifier
			}
		}

		if a, ok := aggs[c.RowID]; ok {
			s.MessageCount = a.count
			s.OwnMessageCount = a.own
			if a.lastAt > 0 {
				s.LastMessageAt = time.Unix(0, a.lastAt)
			}
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// resolveHandle decorates a handle with the contact directory, degrading
// to the raw handle on any directory failure.
func (e *Engine) resolveHandle(ctx context.Context, handle string) string {
	name, err := e.resolver.ResolveDisplayName(ctx, handle)
	if err != nil {
		e.logger.Debug("contact resolution failed", "handle", handle, "error", err)
		return handle
	}
	return name
}

func (e *Engine) scanMessages(ctx context.Context, rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var sentAt, fromMe int64
		if err := rows.Scan(&m.RowID, &m.ChatRowID, &m.SenderHandle, &sentAt, &fromMe, &m.Body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SentAt = time.Unix(0, sentAt)
		m.IsFromMe = fromMe != 0
		if m.SenderHandle != "" {
			m.Sender = e.resolveHandle(ctx, m.SenderHandle)
		}
		m.Links = linkex.Extract(m.Body)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func sortSummaries(s []ChatSummary, by ChatSort) {
	sort.SliceStable(s, func(i, j int) bool {
		switch by {
		case SortByMessageCount:
			return s[i].MessageCount > s[j].MessageCount
		case SortByName:
			return strings.ToLower(s[i].Name) < strings.ToLower(s[j].Name)
		default:
			return s[i].LastMessageAt.After(s[j].LastMessageAt)
		}
	})
}
