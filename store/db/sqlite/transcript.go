package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/aviary-ai/aviary/store"
)

func (d *DB) SaveTranscript(ctx context.Context, entry *store.TranscriptEntry) (*store.TranscriptEntry, error) {
	if entry.SessionKey == "" {
		return nil, errors.New("session key required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO transcript (session_key, role, author, content, trace_id, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionKey, entry.Role, entry.Author, entry.Content, entry.TraceID, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert transcript entry")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read transcript id")
	}
	entry.ID = id
	return entry, nil
}

func (d *DB) ListTranscript(ctx context.Context, find *store.FindTranscript) ([]*store.TranscriptEntry, error) {
	where := []string{"1 = 1"}
	args := []any{}
	if find.SessionKey != "" {
		where = append(where, "session_key = ?")
		args = append(args, find.SessionKey)
	}
	if !find.Since.IsZero() {
		where = append(where, "created_ts >= ?")
		args = append(args, find.Since.UnixMilli())
	}

	query := `
		SELECT id, session_key, role, author, content, trace_id, created_ts
		FROM transcript
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts ASC, id ASC`
	if find.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, find.Limit, find.Offset)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list transcript")
	}
	defer rows.Close()

	var entries []*store.TranscriptEntry
	for rows.Next() {
		var entry store.TranscriptEntry
		var createdTS int64
		if err := rows.Scan(&entry.ID, &entry.SessionKey, &entry.Role, &entry.Author,
			&entry.Content, &entry.TraceID, &createdTS); err != nil {
			return nil, errors.Wrap(err, "failed to scan transcript entry")
		}
		entry.CreatedAt = time.UnixMilli(createdTS)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (d *DB) DeleteTranscript(ctx context.Context, sessionKey string) (int64, error) {
	if sessionKey == "" {
		return 0, errors.New("session key required")
	}
	res, err := d.db.ExecContext(ctx, "DELETE FROM transcript WHERE session_key = ?", sessionKey)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete transcript")
	}
	return res.RowsAffected()
}
