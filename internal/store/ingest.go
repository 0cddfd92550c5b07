package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"
)

// Message is one message to be indexed. Content is expected to be non-empty;
// the archive reader drops empty messages before they get here.
type Message struct {
	Sender    string
	Content   string
	Timestamp time.Time
}

// Checksum computes the content hash over ordered message tuples. It is the
// idempotence key for re-ingestion.
func Checksum(msgs []Message) string {
	h := sha256.New()
	for _, m := range msgs {
		h.Write([]byte(m.Sender))
		h.Write([]byte{0x1f})
		h.Write([]byte(m.Content))
		h.Write([]byte{0x1f})
		h.Write([]byte(m.Timestamp.UTC().Format(timeLayout)))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ingest writes a conversation's messages to the index and upserts its
// metadata row as one transaction. Returns the number of messages inserted:
// 0 when the stored checksum already matches (idempotent re-ingestion) or
// when msgs is empty. A changed checksum replaces the previous message rows
// so the index never holds duplicates.
func (s *Store) Ingest(ctx context.Context, conversationID, title string, msgs []Message, checksum string) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	if checksum == "" {
		checksum = Checksum(msgs)
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, translateErr("ingest begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT checksum FROM conversations WHERE conversation_id = ?",
		conversationID,
	).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, translateErr("ingest checksum lookup", err)
	}
	if existing.Valid && existing.String == checksum {
		storeLog.Debug("ingest_unchanged", "conversation_id", conversationID)
		return 0, nil
	}
	if existing.Valid {
		// Content changed: drop the stale index rows before re-inserting.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE conversation_id = ?", conversationID,
		); err != nil {
			return 0, translateErr("ingest delete stale", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (conversation_id, timestamp, sender, content)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return 0, translateErr("ingest prepare", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx,
			conversationID, m.Timestamp.UTC().Format(timeLayout), m.Sender, m.Content,
		); err != nil {
			return 0, translateErr("ingest insert message", err)
		}
	}

	createdAt, updatedAt := timestampBounds(msgs)

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO conversations
			(conversation_id, title, message_count, created_at, updated_at, checksum)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conversationID, title, len(msgs), createdAt, updatedAt, checksum); err != nil {
		return 0, translateErr("ingest upsert metadata", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, translateErr("ingest commit", err)
	}

	return len(msgs), nil
}

// timestampBounds returns the earliest and latest message timestamps,
// formatted for storage. The current time substitutes only when every
// timestamp is zero-valued.
func timestampBounds(msgs []Message) (createdAt, updatedAt string) {
	earliest := msgs[0].Timestamp
	latest := msgs[0].Timestamp
	for _, m := range msgs[1:] {
		if m.Timestamp.Before(earliest) {
			earliest = m.Timestamp
		}
		if m.Timestamp.After(latest) {
			latest = m.Timestamp
		}
	}
	if earliest.IsZero() && latest.IsZero() {
		now := time.Now()
		earliest, latest = now, now
	}
	return earliest.UTC().Format(timeLayout), latest.UTC().Format(timeLayout)
}

// ImportRecord is one ingestion run over a source file.
type ImportRecord struct {
	FilePath      string        `json:"file_path"`
	FileSize      int64         `json:"file_size"`
	FileChecksum  string        `json:"file_checksum"`
	Conversations int           `json:"conversations_imported"`
	Messages      int           `json:"messages_imported"`
	Errors        int           `json:"errors_count"`
	Duration      time.Duration `json:"-"`
	ImportedAt    string        `json:"imported_at,omitempty"`
}

// HasImport reports whether a file with this checksum was already imported.
func (s *Store) HasImport(ctx context.Context, fileChecksum string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var id int64
	err = conn.QueryRowContext(ctx,
		"SELECT id FROM import_history WHERE file_checksum = ? LIMIT 1",
		fileChecksum,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, translateErr("import lookup", err)
	}
	return true, nil
}

// RecordImport appends an import-history row. A byte-identical source file
// (same checksum) is detected and skipped; the return reports whether a row
// was written.
func (s *Store) RecordImport(ctx context.Context, rec ImportRecord) (bool, error) {
	exists, err := s.HasImport(ctx, rec.FileChecksum)
	if err != nil {
		return false, err
	}
	if exists {
		storeLog.Warn("import_already_recorded", "file_path", rec.FilePath)
		return false, nil
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO import_history
			(file_path, file_size, file_checksum,
			 conversations_imported, messages_imported, errors_count, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.FilePath, rec.FileSize, rec.FileChecksum,
		rec.Conversations, rec.Messages, rec.Errors, rec.Duration.Seconds(),
	); err != nil {
		return false, translateErr("record import", err)
	}

	return true, nil
}
