package store

import (
	"context"
	"database/sql"
	"errors"
)

// Highlight markers the snippet function wraps around matched terms. The
// search layer's sanitizer restores exactly these after escaping.
const (
	MarkOpen  = "<mark>"
	MarkClose = "</mark>"
)

// Result is one ranked search hit.
type Result struct {
	ConversationID string  `json:"conversation_id"`
	Timestamp      string  `json:"timestamp"`
	Sender         string  `json:"sender"`
	Snippet        string  `json:"snippet"`
	Title          string  `json:"title"`
	MessageCount   int     `json:"message_count"`
	UpdatedAt      string  `json:"updated_at"`
	Rank           float64 `json:"rank"`
}

// Search runs a compiled full-text query, ranked by the engine's native
// relevance ordering. The compiled string must come from the query compiler;
// a syntax error here is a contract violation, not user error.
func (s *Store) Search(ctx context.Context, compiled string, limit, offset int) ([]Result, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, `
		SELECT messages.conversation_id,
		       messages.timestamp,
		       messages.sender,
		       snippet(messages, 3, ?, ?, '...', 32),
		       conversations.title,
		       conversations.message_count,
		       conversations.updated_at,
		       messages.rank
		FROM messages
		JOIN conversations ON messages.conversation_id = conversations.conversation_id
		WHERE messages MATCH ?
		ORDER BY messages.rank
		LIMIT ? OFFSET ?
	`, MarkOpen, MarkClose, compiled, limit, offset)
	if err != nil {
		return nil, translateErr("search", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(
			&r.ConversationID, &r.Timestamp, &r.Sender, &r.Snippet,
			&r.Title, &r.MessageCount, &r.UpdatedAt, &r.Rank,
		); err != nil {
			return nil, translateErr("search scan", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, translateErr("search rows", err)
	}

	return results, nil
}

// Count returns the total number of matching message rows for pagination.
func (s *Store) Count(ctx context.Context, compiled string) (int, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var n int
	err = conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE messages MATCH ?", compiled,
	).Scan(&n)
	if err != nil {
		return 0, translateErr("count", err)
	}
	return n, nil
}

// StoredMessage is one message read back from the index.
type StoredMessage struct {
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
}

// Conversation is full metadata plus ordered messages.
type Conversation struct {
	ID           string          `json:"conversation_id"`
	Title        string          `json:"title"`
	MessageCount int             `json:"message_count"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	Checksum     string          `json:"checksum,omitempty"`
	IndexedAt    string          `json:"indexed_at,omitempty"`
	Messages     []StoredMessage `json:"messages"`
}

// GetConversation loads metadata and all messages ordered by timestamp
// ascending, with insertion order breaking ties. Returns ErrNotFound for an
// unknown id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conv := &Conversation{ID: id}
	var checksum, indexedAt sql.NullString
	err = conn.QueryRowContext(ctx, `
		SELECT title, message_count, created_at, updated_at, checksum, indexed_at
		FROM conversations WHERE conversation_id = ?
	`, id).Scan(&conv.Title, &conv.MessageCount, &conv.CreatedAt, &conv.UpdatedAt, &checksum, &indexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, translateErr("get conversation", err)
	}
	conv.Checksum = checksum.String
	conv.IndexedAt = indexedAt.String

	rows, err := conn.QueryContext(ctx, `
		SELECT timestamp, sender, content
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`, id)
	if err != nil {
		return nil, translateErr("get messages", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.Timestamp, &m.Sender, &m.Content); err != nil {
			return nil, translateErr("get messages scan", err)
		}
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, translateErr("get messages rows", err)
	}

	return conv, nil
}

// Suggest returns distinct titles containing the (already LIKE-escaped)
// partial text, most recently updated first.
func (s *Store) Suggest(ctx context.Context, escapedPartial string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, `
		SELECT title
		FROM conversations
		WHERE title LIKE ? ESCAPE '\'
		GROUP BY title
		ORDER BY MAX(updated_at) DESC
		LIMIT ?
	`, "%"+escapedPartial+"%", limit)
	if err != nil {
		return nil, translateErr("suggest", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, translateErr("suggest scan", err)
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}
