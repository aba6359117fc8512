package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"claimline/internal/domain"
)

// AcquireLedger claims the reconciliation slot for (lineage, round). The slot
// is free when no entry exists, the previous run failed, or an in-progress run
// has not been touched since staleBefore. When the slot is taken the current
// entry is returned with acquired=false.
func (r Repo) AcquireLedger(ctx context.Context, lineageID string, round int64, now, staleBefore string) (domain.LedgerEntry, bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO audit_ledger(lineage_id,round,status,error,started_at,updated_at) VALUES (?,?,?,NULL,?,?)
ON CONFLICT(lineage_id, round) DO UPDATE SET status=excluded.status, error=NULL, started_at=excluded.started_at, updated_at=excluded.updated_at
WHERE audit_ledger.status=? OR (audit_ledger.status=? AND audit_ledger.updated_at<=?)`,
		lineageID, round, domain.LedgerInProgress, now, now, domain.LedgerFailed, domain.LedgerInProgress, staleBefore)
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("acquire ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	entry, err := r.GetLedger(ctx, lineageID, round)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	return entry, n == 1, nil
}

// FinishLedger records the outcome of a reconciliation run.
func (r Repo) FinishLedger(ctx context.Context, lineageID string, round int64, status domain.LedgerStatus, errMsg, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE audit_ledger SET status=?, error=?, updated_at=? WHERE lineage_id=? AND round=?`,
		status, nullable(errMsg), now, lineageID, round)
	return expectOne(res, err)
}

func (r Repo) GetLedger(ctx context.Context, lineageID string, round int64) (domain.LedgerEntry, error) {
	var (
		e      domain.LedgerEntry
		errMsg sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT lineage_id,round,status,error,started_at,updated_at FROM audit_ledger WHERE lineage_id=? AND round=?`,
		lineageID, round).Scan(&e.LineageID, &e.Round, &e.Status, &errMsg, &e.StartedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Error = errMsg.String
	return e, nil
}

// UpsertVerdict stores the distribution result for a round, replacing any
// previous one.
func (r Repo) UpsertVerdict(ctx context.Context, v domain.Verdict) error {
	pos, err := json.Marshal(nonNil(v.Positive))
	if err != nil {
		return err
	}
	neg, err := json.Marshal(nonNil(v.Negative))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO distribution_results(lineage_id,round,positive_json,negative_json,recorded_at) VALUES (?,?,?,?,?)
ON CONFLICT(lineage_id, round) DO UPDATE SET positive_json=excluded.positive_json, negative_json=excluded.negative_json, recorded_at=excluded.recorded_at`,
		v.LineageID, v.Round, string(pos), string(neg), v.RecordedAt)
	return err
}

func (r Repo) GetVerdict(ctx context.Context, lineageID string, round int64) (domain.Verdict, error) {
	var (
		v        domain.Verdict
		pos, neg string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT lineage_id,round,positive_json,negative_json,recorded_at FROM distribution_results WHERE lineage_id=? AND round=?`,
		lineageID, round).Scan(&v.LineageID, &v.Round, &pos, &neg, &v.RecordedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(pos), &v.Positive); err != nil {
		return v, fmt.Errorf("decode positive keys: %w", err)
	}
	if err := json.Unmarshal([]byte(neg), &v.Negative); err != nil {
		return v, fmt.Errorf("decode negative keys: %w", err)
	}
	return v, nil
}

// PendingRounds lists rounds with a recorded verdict that have not been
// reconciled successfully.
func (r Repo) PendingRounds(ctx context.Context, lineageID string) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT d.round FROM distribution_results d
LEFT JOIN audit_ledger l ON l.lineage_id=d.lineage_id AND l.round=d.round
WHERE d.lineage_id=? AND (l.status IS NULL OR l.status=?)
ORDER BY d.round ASC`, lineageID, domain.LedgerFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rounds []int64
	for rows.Next() {
		var round int64
		if err := rows.Scan(&round); err != nil {
			return nil, err
		}
		rounds = append(rounds, round)
	}
	return rounds, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
