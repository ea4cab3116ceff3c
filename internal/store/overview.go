package store

import (
	"context"
	"fmt"
	"time"
)

// Overview summarizes table sizes for the admin dashboard.
type Overview struct {
	MediumLive     int64
	MediumExpired  int64
	Durable        int64
	Promoted       int64
	FailuresOpen   int64
	FailuresFailed int64
}

// RecentRecord is one row of the dashboard's recent-records pane.
type RecentRecord struct {
	Tier      string
	ID        string
	UserID    string
	Kind      string
	Score     float64
	CreatedAt time.Time
}

// Overview counts records per tier and failure queue backlog.
func (s *SQLStore) Overview(ctx context.Context, now time.Time) (Overview, error) {
	var o Overview
	nowText := formatTS(now)

	err := s.queryRow(ctx, `SELECT
  COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0)
FROM medium_records`, nowText, nowText).Scan(&o.MediumLive, &o.MediumExpired)
	if err != nil {
		return o, fmt.Errorf("count medium records: %w", err)
	}

	err = s.queryRow(ctx, `SELECT
  count(*),
  COALESCE(SUM(CASE WHEN source_medium_id IS NOT NULL THEN 1 ELSE 0 END), 0)
FROM durable_records`).Scan(&o.Durable, &o.Promoted)
	if err != nil {
		return o, fmt.Errorf("count durable records: %w", err)
	}

	err = s.queryRow(ctx, `SELECT
  COALESCE(SUM(CASE WHEN status IN ('pending', 'retrying') THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
FROM failure_queue`).Scan(&o.FailuresOpen, &o.FailuresFailed)
	if err != nil {
		return o, fmt.Errorf("count failure queue: %w", err)
	}
	return o, nil
}

// RecentRecords lists the newest records of both persistent tiers.
func (s *SQLStore) RecentRecords(ctx context.Context, limit int) ([]RecentRecord, error) {
	limit = limitOrDefault(limit)
	rows, err := s.query(ctx, `SELECT tier, id, user_id, kind, score, created_at FROM (
  SELECT 'medium_lived' AS tier, id, user_id, kind, relevance_score AS score, created_at FROM medium_records
  UNION ALL
  SELECT 'durable' AS tier, id, user_id, kind, importance_score AS score, created_at FROM durable_records
) recent
ORDER BY created_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent records: %w", err)
	}
	defer rows.Close()

	out := make([]RecentRecord, 0, limit)
	for rows.Next() {
		var (
			r         RecentRecord
			createdAt string
		)
		if err := rows.Scan(&r.Tier, &r.ID, &r.UserID, &r.Kind, &r.Score, &createdAt); err != nil {
			return nil, fmt.Errorf("scan recent record: %w", err)
		}
		if ts, err := parseTS(createdAt); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
