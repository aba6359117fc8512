package repo

import (
	"context"
	"database/sql"
	"time"

	"claimline/internal/domain"
)

// GetRoundTime returns the cached round duration for a lineage.
func (r Repo) GetRoundTime(ctx context.Context, lineageID string) (time.Duration, string, error) {
	var (
		ms        int64
		fetchedAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT round_time_ms, fetched_at FROM round_times WHERE lineage_id=?`, lineageID).Scan(&ms, &fetchedAt)
	if err == sql.ErrNoRows {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", err
	}
	return time.Duration(ms) * time.Millisecond, fetchedAt, nil
}

func (r Repo) UpsertRoundTime(ctx context.Context, lineageID string, d time.Duration, fetchedAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO round_times(lineage_id,round_time_ms,fetched_at) VALUES (?,?,?)
ON CONFLICT(lineage_id) DO UPDATE SET round_time_ms=excluded.round_time_ms, fetched_at=excluded.fetched_at`,
		lineageID, d.Milliseconds(), fetchedAt)
	return err
}

// RecordFailureTx stores a worker error report. Repeats of the same message
// bump the counter instead of adding a row.
func (r Repo) RecordFailureTx(ctx context.Context, tx *sql.Tx, f domain.FailureLog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO failure_logs(claimant_key,lineage_id,unit_id,message,count,first_seen_at,last_seen_at) VALUES (?,?,?,?,1,?,?)
ON CONFLICT(claimant_key, lineage_id, unit_id, message) DO UPDATE SET count=failure_logs.count+1, last_seen_at=excluded.last_seen_at`,
		f.ClaimantKey, f.LineageID, f.UnitID, f.Message, f.FirstSeenAt, f.LastSeenAt)
	return err
}

func (r Repo) ListFailures(ctx context.Context, lineageID, claimantKey string) ([]domain.FailureLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT claimant_key,lineage_id,unit_id,message,count,first_seen_at,last_seen_at FROM failure_logs
WHERE lineage_id=? AND claimant_key=? ORDER BY last_seen_at DESC`, lineageID, claimantKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FailureLog
	for rows.Next() {
		var f domain.FailureLog
		if err := rows.Scan(&f.ClaimantKey, &f.LineageID, &f.UnitID, &f.Message, &f.Count, &f.FirstSeenAt, &f.LastSeenAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) AddEligible(ctx context.Context, lineageID, claimantKey, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO eligible_claimants(lineage_id,claimant_key,created_at) VALUES (?,?,?)`,
		lineageID, claimantKey, now)
	return err
}

func (r Repo) RemoveEligible(ctx context.Context, lineageID, claimantKey string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM eligible_claimants WHERE lineage_id=? AND claimant_key=?`, lineageID, claimantKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IsEligible(ctx context.Context, lineageID, claimantKey string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM eligible_claimants WHERE lineage_id=? AND claimant_key=? LIMIT 1`, lineageID, claimantKey).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
