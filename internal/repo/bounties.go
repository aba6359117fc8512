package repo

import (
	"context"
	"database/sql"
	"fmt"

	"claimline/internal/domain"
)

// BountySubmission guards the single pull request opened for a bounty.
type BountySubmission struct {
	BountyID  string
	LineageID string
	Status    domain.LedgerStatus
	PRURL     string
	Error     string
	StartedAt string
	UpdatedAt string
}

// AcquireBountySubmission takes the submission slot for a bounty with the same
// rules as AcquireLedger: free when absent, failed, or stale in progress.
func (r Repo) AcquireBountySubmission(ctx context.Context, bountyID, lineageID, now, staleBefore string) (BountySubmission, bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO bounty_submissions(bounty_id,lineage_id,status,pr_url,error,started_at,updated_at) VALUES (?,?,?,NULL,NULL,?,?)
ON CONFLICT(bounty_id) DO UPDATE SET lineage_id=excluded.lineage_id, status=excluded.status, error=NULL, started_at=excluded.started_at, updated_at=excluded.updated_at
WHERE bounty_submissions.status=? OR (bounty_submissions.status=? AND bounty_submissions.updated_at<=?)`,
		bountyID, lineageID, domain.LedgerInProgress, now, now, domain.LedgerFailed, domain.LedgerInProgress, staleBefore)
	if err != nil {
		return BountySubmission{}, false, fmt.Errorf("acquire bounty submission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return BountySubmission{}, false, err
	}
	s, err := r.GetBountySubmission(ctx, bountyID)
	if err != nil {
		return BountySubmission{}, false, err
	}
	return s, n == 1, nil
}

// FinishBountySubmissionTx records the outcome inside the caller's transaction
// so the pull request url lands together with the unit transitions.
func (r Repo) FinishBountySubmissionTx(ctx context.Context, tx *sql.Tx, bountyID string, status domain.LedgerStatus, prURL, errMsg, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE bounty_submissions SET status=?, pr_url=?, error=?, updated_at=? WHERE bounty_id=?`,
		status, nullable(prURL), nullable(errMsg), now, bountyID)
	return expectOne(res, err)
}

func (r Repo) FailBountySubmission(ctx context.Context, bountyID, errMsg, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE bounty_submissions SET status=?, error=?, updated_at=? WHERE bounty_id=?`,
		domain.LedgerFailed, nullable(errMsg), now, bountyID)
	return expectOne(res, err)
}

func (r Repo) GetBountySubmission(ctx context.Context, bountyID string) (BountySubmission, error) {
	var (
		s          BountySubmission
		pr, errMsg sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT bounty_id,lineage_id,status,pr_url,error,started_at,updated_at FROM bounty_submissions WHERE bounty_id=?`,
		bountyID).Scan(&s.BountyID, &s.LineageID, &s.Status, &pr, &errMsg, &s.StartedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.PRURL = pr.String
	s.Error = errMsg.String
	return s, nil
}
