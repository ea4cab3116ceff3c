package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiy/memory-engine/pkg/types"
)

const mediumColumns = `id, user_id, kind, content_json, metadata_json, session_refs_json,
       created_at, expires_at, relevance_score, decayed_at`

// InsertMedium stores a new medium-lived record. Re-inserting an existing id
// is a no-op so replayed writes are safe.
func (s *SQLStore) InsertMedium(ctx context.Context, rec types.MediumRecord) error {
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("marshal medium content: %w", err)
	}
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	refs := rec.SessionRefs
	if refs == nil {
		refs = []string{}
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshal session refs: %w", err)
	}

	_, err = s.exec(ctx, `INSERT INTO medium_records (`+mediumColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`,
		rec.ID,
		rec.UserID,
		string(rec.Kind),
		string(content),
		meta,
		string(refsJSON),
		formatTS(rec.CreatedAt),
		formatTS(rec.ExpiresAt),
		rec.RelevanceScore,
		nullTS(rec.DecayedAt),
	)
	if err != nil {
		return fmt.Errorf("insert medium record: %w", err)
	}
	return nil
}

// ListMedium returns a user's unexpired records, newest first.
func (s *SQLStore) ListMedium(ctx context.Context, userID string, f types.Filter, now time.Time) ([]types.MediumRecord, error) {
	q := `SELECT ` + mediumColumns + `
FROM medium_records
WHERE user_id = ?
  AND expires_at > ?
`
	args := []any{userID, formatTS(now)}
	q, args = appendFilter(q, args, f, "relevance_score")
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))

	return s.queryMedium(ctx, "list medium records", q, args...)
}

// GetMedium loads one record by id.
func (s *SQLStore) GetMedium(ctx context.Context, id string) (types.MediumRecord, error) {
	row := s.queryRow(ctx, `SELECT `+mediumColumns+` FROM medium_records WHERE id = ?`, id)
	return scanMedium(row)
}

// PromotionCandidates returns unexpired records above minRelevance across all
// users, most relevant first.
func (s *SQLStore) PromotionCandidates(ctx context.Context, minRelevance float64, limit int, now time.Time) ([]types.MediumRecord, error) {
	return s.queryMedium(ctx, "list promotion candidates", `SELECT `+mediumColumns+`
FROM medium_records
WHERE relevance_score > ?
  AND expires_at > ?
ORDER BY relevance_score DESC, created_at DESC
LIMIT ?`, minRelevance, formatTS(now), limitOrDefault(limit))
}

// DeleteStaleMedium removes expired records and low-relevance records created
// before olderThan. Deleting already-deleted rows is a no-op.
func (s *SQLStore) DeleteStaleMedium(ctx context.Context, now time.Time, lowRelevance float64, olderThan time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM medium_records
WHERE expires_at < ?
   OR (relevance_score < ? AND created_at < ?)`,
		formatTS(now), lowRelevance, formatTS(olderThan))
	if err != nil {
		return 0, fmt.Errorf("delete stale medium records: %w", err)
	}
	return rowsAffected(res, "delete stale medium")
}

// DecayMediumRelevance multiplies relevance by factor for records created and
// last decayed before decayedBefore. Each record decays at most once per interval.
func (s *SQLStore) DecayMediumRelevance(ctx context.Context, factor float64, decayedBefore, now time.Time) (int64, error) {
	cutoff := formatTS(decayedBefore)
	res, err := s.exec(ctx, `UPDATE medium_records
SET relevance_score = relevance_score * ?, decayed_at = ?
WHERE created_at < ?
  AND (decayed_at IS NULL OR decayed_at < ?)`,
		factor, formatTS(now), cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("decay medium relevance: %w", err)
	}
	return rowsAffected(res, "decay medium relevance")
}

// MediumStats counts a user's unexpired records and their content size in characters.
func (s *SQLStore) MediumStats(ctx context.Context, userID string, now time.Time) (count, chars int64, err error) {
	err = s.queryRow(ctx, `SELECT count(*), CAST(COALESCE(SUM(LENGTH(content_json)), 0) AS BIGINT)
FROM medium_records
WHERE user_id = ? AND expires_at > ?`, userID, formatTS(now)).Scan(&count, &chars)
	if err != nil {
		return 0, 0, fmt.Errorf("medium stats: %w", err)
	}
	return count, chars, nil
}

func (s *SQLStore) queryMedium(ctx context.Context, what, q string, args ...any) ([]types.MediumRecord, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	out := []types.MediumRecord{}
	for rows.Next() {
		rec, err := scanMedium(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanMedium(sc scanner) (types.MediumRecord, error) {
	var (
		rec                       types.MediumRecord
		kind, content, meta, refs string
		createdAt, expiresAt      string
		decayedAt                 sql.NullString
	)
	if err := sc.Scan(
		&rec.ID,
		&rec.UserID,
		&kind,
		&content,
		&meta,
		&refs,
		&createdAt,
		&expiresAt,
		&rec.RelevanceScore,
		&decayedAt,
	); err != nil {
		return rec, err
	}
	rec.Kind = types.MediumKind(kind)
	if err := json.Unmarshal([]byte(content), &rec.Content); err != nil {
		return rec, fmt.Errorf("decode medium content %s: %w", rec.ID, err)
	}
	rec.Metadata = unmarshalMetadata(meta)
	if err := json.Unmarshal([]byte(refs), &rec.SessionRefs); err != nil {
		rec.SessionRefs = nil
	}

	var err error
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return rec, err
	}
	if rec.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return rec, err
	}
	rec.DecayedAt = parseNullTS(decayedAt)
	return rec, nil
}
