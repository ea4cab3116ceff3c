package store

import (
	"context"
	"fmt"
	"time"

	"github.com/xiy/memory-engine/pkg/types"
)

const failureColumns = `event_id, event_type, payload, retry_count, max_retries, next_retry_at,
       status, last_error, created_at, updated_at`

// InsertFailure persists a new failure queue entry.
func (s *SQLStore) InsertFailure(ctx context.Context, rec types.FailureRecord) error {
	_, err := s.exec(ctx, `INSERT INTO failure_queue (`+failureColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID,
		rec.EventType,
		string(rec.Payload),
		rec.RetryCount,
		rec.MaxRetries,
		formatTS(rec.NextRetryAt),
		string(rec.Status),
		rec.LastError,
		formatTS(rec.CreatedAt),
		formatTS(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert failure record: %w", err)
	}
	return nil
}

// DueFailures lists pending entries whose retry time has come, plus retrying
// entries whose claim went stale before claimBefore.
func (s *SQLStore) DueFailures(ctx context.Context, now, claimBefore time.Time, limit int) ([]types.FailureRecord, error) {
	return s.queryFailures(ctx, "list due failures", `SELECT `+failureColumns+`
FROM failure_queue
WHERE (status = 'pending' AND next_retry_at <= ?)
   OR (status = 'retrying' AND updated_at < ?)
ORDER BY next_retry_at ASC
LIMIT ?`, formatTS(now), formatTS(claimBefore), limitOrDefault(limit))
}

// ClaimFailure moves an entry to retrying with a conditional update so only
// one replayer wins it.
func (s *SQLStore) ClaimFailure(ctx context.Context, eventID string, now, claimBefore time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE failure_queue
SET status = 'retrying', updated_at = ?
WHERE event_id = ?
  AND (status = 'pending' OR (status = 'retrying' AND updated_at < ?))`,
		formatTS(now), eventID, formatTS(claimBefore))
	if err != nil {
		return false, fmt.Errorf("claim failure record: %w", err)
	}
	n, err := rowsAffected(res, "claim failure")
	return n == 1, err
}

// CompleteFailure records the outcome of an attempt claimed at claimedAt. It
// reports false when the claim was lost to another replayer in the meantime,
// in which case nothing is written.
func (s *SQLStore) CompleteFailure(ctx context.Context, rec types.FailureRecord, claimedAt time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE failure_queue
SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
WHERE event_id = ? AND status = 'retrying' AND updated_at = ?`,
		string(rec.Status),
		rec.RetryCount,
		formatTS(rec.NextRetryAt),
		rec.LastError,
		formatTS(rec.UpdatedAt),
		rec.EventID,
		formatTS(claimedAt),
	)
	if err != nil {
		return false, fmt.Errorf("complete failure record: %w", err)
	}
	n, err := rowsAffected(res, "complete failure")
	return n == 1, err
}

// GetFailure loads one entry.
func (s *SQLStore) GetFailure(ctx context.Context, eventID string) (types.FailureRecord, error) {
	row := s.queryRow(ctx, `SELECT `+failureColumns+` FROM failure_queue WHERE event_id = ?`, eventID)
	return scanFailure(row)
}

// ListFailures returns entries newest first; an empty status lists all.
func (s *SQLStore) ListFailures(ctx context.Context, status types.FailureStatus, limit int) ([]types.FailureRecord, error) {
	q := `SELECT ` + failureColumns + ` FROM failure_queue`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))
	return s.queryFailures(ctx, "list failures", q, args...)
}

// CountFailures returns entry counts keyed by status.
func (s *SQLStore) CountFailures(ctx context.Context) (map[types.FailureStatus]int64, error) {
	rows, err := s.query(ctx, `SELECT status, count(*) FROM failure_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count failures: %w", err)
	}
	defer rows.Close()

	out := map[types.FailureStatus]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan failure count: %w", err)
		}
		out[types.FailureStatus(status)] = n
	}
	return out, rows.Err()
}

// PurgeResolved deletes resolved entries last updated before cutoff.
func (s *SQLStore) PurgeResolved(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM failure_queue WHERE status = 'resolved' AND updated_at < ?`, formatTS(before))
	if err != nil {
		return 0, fmt.Errorf("purge resolved failures: %w", err)
	}
	return rowsAffected(res, "purge resolved failures")
}

// AppendReplay adds one audit row. The replay log is never updated.
func (s *SQLStore) AppendReplay(ctx context.Context, entry types.ReplayEntry) error {
	success := 0
	if entry.Success {
		success = 1
	}
	_, err := s.exec(ctx, `INSERT INTO replay_log (event_id, event_type, attempt, success, error_text, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		entry.EventID,
		entry.EventType,
		entry.Attempt,
		success,
		entry.ErrorText,
		formatTS(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append replay log: %w", err)
	}
	return nil
}

// ReplayHistory lists audit rows for one event, oldest first.
func (s *SQLStore) ReplayHistory(ctx context.Context, eventID string) ([]types.ReplayEntry, error) {
	return s.queryReplays(ctx, `SELECT id, event_id, event_type, attempt, success, error_text, created_at
FROM replay_log WHERE event_id = ? ORDER BY id ASC`, eventID)
}

// RecentReplays lists the newest audit rows.
func (s *SQLStore) RecentReplays(ctx context.Context, limit int) ([]types.ReplayEntry, error) {
	return s.queryReplays(ctx, `SELECT id, event_id, event_type, attempt, success, error_text, created_at
FROM replay_log ORDER BY id DESC LIMIT ?`, limitOrDefault(limit))
}

func (s *SQLStore) queryReplays(ctx context.Context, q string, args ...any) ([]types.ReplayEntry, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list replay log: %w", err)
	}
	defer rows.Close()

	out := []types.ReplayEntry{}
	for rows.Next() {
		var (
			e            types.ReplayEntry
			successAsInt int
			createdAt    string
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.Attempt, &successAsInt, &e.ErrorText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan replay log: %w", err)
		}
		e.Success = successAsInt == 1
		if ts, err := parseTS(createdAt); err == nil {
			e.CreatedAt = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) queryFailures(ctx context.Context, what, q string, args ...any) ([]types.FailureRecord, error) {
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	out := []types.FailureRecord{}
	for rows.Next() {
		rec, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", what, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanFailure(sc scanner) (types.FailureRecord, error) {
	var (
		rec                             types.FailureRecord
		payload, status                 string
		nextRetry, createdAt, updatedAt string
	)
	if err := sc.Scan(
		&rec.EventID,
		&rec.EventType,
		&payload,
		&rec.RetryCount,
		&rec.MaxRetries,
		&nextRetry,
		&status,
		&rec.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return rec, err
	}
	rec.Payload = []byte(payload)
	rec.Status = types.FailureStatus(status)

	var err error
	if rec.NextRetryAt, err = parseTS(nextRetry); err != nil {
		return rec, err
	}
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}
