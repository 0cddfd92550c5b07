package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"time"
)

// auditTimeLayout matches SQLite's CURRENT_TIMESTAMP format so retention
// cutoffs compare correctly against the column default.
const auditTimeLayout = "2006-01-02 15:04:05"

// AuditEntry is one privacy-preserving record of a search attempt. QueryHash
// replaces the raw query; the raw text is never stored.
type AuditEntry struct {
	QueryHash   string
	UserID      string
	QueryLength int
	FromCache   bool
	Duration    time.Duration
	Error       string
}

// LogSearchAudit appends a search audit row.
func (s *Store) LogSearchAudit(ctx context.Context, e AuditEntry) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var userID, errStr any
	if e.UserID != "" {
		userID = e.UserID
	}
	if e.Error != "" {
		errStr = e.Error
	}

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO search_audit
			(query_hash, user_id, query_length, from_cache, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.QueryHash, userID, e.QueryLength, e.FromCache,
		float64(e.Duration.Microseconds())/1000.0, errStr,
	); err != nil {
		return translateErr("log audit", err)
	}
	return nil
}

// PruneSearchAudits deletes audit rows older than cutoff and returns the
// number removed.
func (s *Store) PruneSearchAudits(ctx context.Context, cutoff time.Time) (int64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx,
		"DELETE FROM search_audit WHERE searched_at < ?",
		cutoff.UTC().Format(auditTimeLayout),
	)
	if err != nil {
		return 0, translateErr("prune audits", err)
	}
	return res.RowsAffected()
}

// AuditStats is the 7-day search activity rollup.
type AuditStats struct {
	Searches    int64   `json:"total_searches"`
	AvgDuration float64 `json:"avg_duration_ms"`
	UniqueUsers int64   `json:"unique_users"`
	CacheHits   int64   `json:"cache_hits"`
}

// Stats is the outward-facing store statistics snapshot.
type Stats struct {
	Conversations int64         `json:"total_conversations"`
	Messages      int64         `json:"total_messages"`
	DBSizeBytes   int64         `json:"db_size_bytes"`
	WALSizeBytes  int64         `json:"wal_size_bytes"`
	SearchStats7d AuditStats    `json:"search_stats_7d"`
	LastImport    *ImportRecord `json:"last_import,omitempty"`
	Earliest      string        `json:"earliest_conversation,omitempty"`
	Latest        string        `json:"latest_conversation,omitempty"`
}

// Stats gathers conversation/message counts, file sizes, the 7-day audit
// rollup, the last import and the conversation date range.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	st := &Stats{}

	if err := conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM conversations",
	).Scan(&st.Conversations); err != nil {
		return nil, translateErr("stats conversations", err)
	}
	if err := conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages",
	).Scan(&st.Messages); err != nil {
		return nil, translateErr("stats messages", err)
	}

	if fi, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = fi.Size()
	}
	if fi, err := os.Stat(s.path + "-wal"); err == nil {
		st.WALSizeBytes = fi.Size()
	}

	var avg sql.NullFloat64
	err = conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       AVG(duration_ms),
		       COUNT(DISTINCT user_id),
		       COALESCE(SUM(CASE WHEN from_cache THEN 1 ELSE 0 END), 0)
		FROM search_audit
		WHERE searched_at > datetime('now', '-7 days')
	`).Scan(&st.SearchStats7d.Searches, &avg,
		&st.SearchStats7d.UniqueUsers, &st.SearchStats7d.CacheHits)
	if err != nil {
		return nil, translateErr("stats audit", err)
	}
	st.SearchStats7d.AvgDuration = avg.Float64

	var rec ImportRecord
	var durationSecs sql.NullFloat64
	err = conn.QueryRowContext(ctx, `
		SELECT file_path, file_size, file_checksum,
		       conversations_imported, messages_imported, errors_count,
		       duration_seconds, imported_at
		FROM import_history
		ORDER BY imported_at DESC, id DESC
		LIMIT 1
	`).Scan(&rec.FilePath, &rec.FileSize, &rec.FileChecksum,
		&rec.Conversations, &rec.Messages, &rec.Errors,
		&durationSecs, &rec.ImportedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no imports yet
	case err != nil:
		return nil, translateErr("stats import", err)
	default:
		rec.Duration = time.Duration(durationSecs.Float64 * float64(time.Second))
		st.LastImport = &rec
	}

	var earliest, latest sql.NullString
	if err := conn.QueryRowContext(ctx,
		"SELECT MIN(created_at), MAX(updated_at) FROM conversations",
	).Scan(&earliest, &latest); err != nil {
		return nil, translateErr("stats range", err)
	}
	st.Earliest = earliest.String
	st.Latest = latest.String

	return st, nil
}
