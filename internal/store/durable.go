package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiy/memory-engine/pkg/types"
)

const durableColumns = `id, user_id, kind, content_json, metadata_json, source_medium_id,
       created_at, last_accessed_at, access_count, importance_score, decayed_at`

// InsertDurable stores a new durable record. Re-inserting an existing id is a no-op.
func (s *SQLStore) InsertDurable(ctx context.Context, rec types.DurableRecord) error {
	args, err := durableArgs(rec)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, `INSERT INTO durable_records (`+durableColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`, args...); err != nil {
		return fmt.Errorf("insert durable record: %w", err)
	}
	return nil
}

// PromoteMedium inserts rec and deletes its source medium record in one
// transaction. Replaying a promotion is safe: the insert is skipped when a
// record with the same source already exists and a missing source is ignored.
func (s *SQLStore) PromoteMedium(ctx context.Context, sourceID string, rec types.DurableRecord) (bool, error) {
	rec.SourceMediumID = sourceID
	args, err := durableArgs(rec)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin promote tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO durable_records (`+durableColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`), args...)
	if err != nil {
		return false, fmt.Errorf("insert promoted record: %w", err)
	}
	inserted, err := rowsAffected(res, "insert promoted record")
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM medium_records WHERE id = ?`), sourceID); err != nil {
		return false, fmt.Errorf("delete promoted source: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit promote tx: %w", err)
	}
	return inserted > 0, nil
}

// ListDurable returns a user's records by importance then recency.
func (s *SQLStore) ListDurable(ctx context.Context, userID string, f types.Filter) ([]types.DurableRecord, error) {
	q := `SELECT ` + durableColumns + `
FROM durable_records
WHERE user_id = ?
`
	args := []any{userID}
	q, args = appendFilter(q, args, f, "importance_score")
	q += " ORDER BY importance_score DESC, created_at DESC, id DESC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list durable records: %w", err)
	}
	defer rows.Close()

	out := []types.DurableRecord{}
	for rows.Next() {
		rec, err := scanDurable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan durable record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetDurable loads one record by id.
func (s *SQLStore) GetDurable(ctx context.Context, id string) (types.DurableRecord, error) {
	row := s.queryRow(ctx, `SELECT `+durableColumns+` FROM durable_records WHERE id = ?`, id)
	return scanDurable(row)
}

// GetDurableBySource finds the record promoted from a medium record.
func (s *SQLStore) GetDurableBySource(ctx context.Context, sourceID string) (types.DurableRecord, error) {
	row := s.queryRow(ctx, `SELECT `+durableColumns+` FROM durable_records WHERE source_medium_id = ?`, sourceID)
	return scanDurable(row)
}

// TouchDurable bumps access statistics for the given ids.
func (s *SQLStore) TouchDurable(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTS(now))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.exec(ctx, `UPDATE durable_records
SET access_count = access_count + 1, last_accessed_at = ?
WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("touch durable records: %w", err)
	}
	return nil
}

// DecayImportance multiplies importance by factor (never below floor) for
// records not accessed since staleBefore and not decayed since decayedBefore.
func (s *SQLStore) DecayImportance(ctx context.Context, staleBefore, decayedBefore, now time.Time, factor, floor float64) (int64, error) {
	q := `UPDATE durable_records
SET importance_score = ` + s.dialect.greatest + `(importance_score * ?, ?), decayed_at = ?
WHERE last_accessed_at < ?
  AND importance_score > ?
  AND (decayed_at IS NULL OR decayed_at < ?)`
	res, err := s.exec(ctx, q,
		factor, floor, formatTS(now),
		formatTS(staleBefore),
		floor,
		formatTS(decayedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("decay durable importance: %w", err)
	}
	return rowsAffected(res, "decay durable importance")
}

// DurableStats counts a user's records, their content size and mean importance.
func (s *SQLStore) DurableStats(ctx context.Context, userID string) (count, chars int64, avgImportance float64, err error) {
	err = s.queryRow(ctx, `SELECT count(*), CAST(COALESCE(SUM(LENGTH(content_json)), 0) AS BIGINT), COALESCE(AVG(importance_score), 0)
FROM durable_records
WHERE user_id = ?`, userID).Scan(&count, &chars, &avgImportance)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("durable stats: %w", err)
	}
	return count, chars, avgImportance, nil
}

func durableArgs(rec types.DurableRecord) ([]any, error) {
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal durable content: %w", err)
	}
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	source := sql.NullString{String: rec.SourceMediumID, Valid: rec.SourceMediumID != ""}
	lastAccessed := rec.LastAccessedAt
	if lastAccessed.IsZero() {
		lastAccessed = rec.CreatedAt
	}
	return []any{
		rec.ID,
		rec.UserID,
		string(rec.Kind),
		string(content),
		meta,
		source,
		formatTS(rec.CreatedAt),
		formatTS(lastAccessed),
		rec.AccessCount,
		rec.ImportanceScore,
		nullTS(rec.DecayedAt),
	}, nil
}

func scanDurable(sc scanner) (types.DurableRecord, error) {
	var (
		rec                     types.DurableRecord
		kind, content, meta     string
		source, decayedAt       sql.NullString
		createdAt, lastAccessed string
	)
	if err := sc.Scan(
		&rec.ID,
		&rec.UserID,
		&kind,
		&content,
		&meta,
		&source,
		&createdAt,
		&lastAccessed,
		&rec.AccessCount,
		&rec.ImportanceScore,
		&decayedAt,
	); err != nil {
		return rec, err
	}
	rec.Kind = types.DurableKind(kind)
	if err := json.Unmarshal([]byte(content), &rec.Content); err != nil {
		return rec, fmt.Errorf("decode durable content %s: %w", rec.ID, err)
	}
	rec.Metadata = unmarshalMetadata(meta)
	rec.SourceMediumID = source.String

	var err error
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return rec, err
	}
	if rec.LastAccessedAt, err = parseTS(lastAccessed); err != nil {
		return rec, err
	}
	rec.DecayedAt = parseNullTS(decayedAt)
	return rec, nil
}
