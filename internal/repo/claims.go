package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"claimline/internal/domain"
)

// ClaimQuery selects and binds the oldest claimable unit of one variant.
type ClaimQuery struct {
	Variant        domain.Variant
	LineageID      string
	ClaimantKey    string
	GithubUsername string
	// ClaimFrom lists every status the variant table accepts a claim in.
	ClaimFrom    []domain.Status
	Terminal     []domain.Status
	OpenStatus   domain.Status
	HeldStatuses []domain.Status
	// StaleBefore is the status_changed_at cutoff for timed-out held claims.
	StaleBefore string
	// AbandonBefore is the first round that still counts as an active review.
	AbandonBefore int64
	// MaxAttempts caps the assignment history a unit may carry before a claim.
	MaxAttempts int
	To          domain.Status
	Now         string
}

// claimableClause builds the recycling predicate of the claim. Column
// references use the alias c.
func claimableClause(open domain.Status, held []domain.Status, staleBefore string, abandonBefore int64, lineageID string) (string, []any) {
	var args []any
	parts := []string{"c.status=?"}
	args = append(args, open)

	parts = append(parts, "(c.status IN ("+placeholders(len(held))+") AND c.status_changed_at<=?)")
	args = append(args, statusArgs(held)...)
	args = append(args, staleBefore)

	parts = append(parts, "(c.status=? AND c.round_number IS NOT NULL AND c.round_number<?)")
	args = append(args, domain.StatusInReview, abandonBefore)

	if lineageID != "" {
		carry := append(append([]domain.Status{}, held...), domain.StatusInReview)
		parts = append(parts, "(c.status IN ("+placeholders(len(carry))+") AND c.lineage_id IS NOT NULL AND c.lineage_id<>?)")
		args = append(args, statusArgs(carry)...)
		args = append(args, lineageID)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

// ClaimNextTx atomically binds the next claimable unit to the claimant and
// appends an assignment. The selection and the status change are one UPDATE
// statement, so two claimers can never both bind the same unit. Returns
// ErrNotFound when nothing is claimable.
func (r Repo) ClaimNextTx(ctx context.Context, tx *sql.Tx, q ClaimQuery) (domain.WorkUnit, error) {
	if len(q.ClaimFrom) == 0 || len(q.HeldStatuses) == 0 {
		return domain.WorkUnit{}, fmt.Errorf("claim query for %s has no claimable statuses", q.Variant)
	}
	if q.MaxAttempts <= 0 {
		return domain.WorkUnit{}, fmt.Errorf("claim query for %s has no attempt budget", q.Variant)
	}
	recycle, recycleArgs := claimableClause(q.OpenStatus, q.HeldStatuses, q.StaleBefore, q.AbandonBefore, q.LineageID)

	var args []any
	args = append(args, q.To, q.LineageID, q.ClaimantKey, nullable(q.GithubUsername), q.Now, q.Now)
	args = append(args, q.Variant)
	args = append(args, statusArgs(q.ClaimFrom)...)
	args = append(args, statusArgs(q.Terminal)...)
	args = append(args, q.ClaimantKey, q.GithubUsername, q.GithubUsername)
	args = append(args, q.MaxAttempts)
	args = append(args, recycleArgs...)

	terminalClause := "1=1"
	if len(q.Terminal) > 0 {
		terminalClause = "c.status NOT IN (" + placeholders(len(q.Terminal)) + ")"
	}
	query := fmt.Sprintf(`UPDATE work_units
SET status=?, lineage_id=?, claimant_key=?, github_username=?, round_number=NULL, updated_at=?, status_changed_at=?
WHERE id = (
  SELECT c.id FROM work_units c
  WHERE c.variant=?
    AND c.status IN (%s)
    AND %s
    AND NOT EXISTS (
      SELECT 1 FROM assignments a
      WHERE a.unit_id=c.id AND (a.claimant_key=? OR (?<>'' AND a.github_username=?))
    )
    AND (SELECT count(*) FROM assignments a WHERE a.unit_id=c.id) < ?
    AND %s
  ORDER BY c.created_at ASC, c.rowid ASC
  LIMIT 1
)
RETURNING id`, placeholders(len(q.ClaimFrom)), terminalClause, recycle)

	var id string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return domain.WorkUnit{}, ErrNotFound
		}
		return domain.WorkUnit{}, fmt.Errorf("claim %s: %w", q.Variant, err)
	}
	a := domain.Assignment{
		ID:          uuid.NewString(),
		UnitID:      id,
		ClaimantKey: q.ClaimantKey,
		LineageID:   q.LineageID,
		CreatedAt:   q.Now,
		UpdatedAt:   q.Now,
	}
	if q.GithubUsername != "" {
		gh := q.GithubUsername
		a.GithubUsername = &gh
	}
	if err := r.InsertAssignmentTx(ctx, tx, a); err != nil {
		return domain.WorkUnit{}, fmt.Errorf("append assignment: %w", err)
	}
	return r.GetUnitTx(ctx, tx, id)
}

// ExhaustQuery finds non-terminal units whose attempt history has reached
// the budget, whether or not a claim still holds them.
type ExhaustQuery struct {
	Variant     domain.Variant
	MaxAttempts int
	Terminal    []domain.Status
}

type ExhaustedUnit struct {
	ID       string
	Status   domain.Status
	BountyID *string
	HasProof bool
}

func (r Repo) ExhaustedUnits(ctx context.Context, q ExhaustQuery) ([]ExhaustedUnit, error) {
	var args []any
	args = append(args, q.Variant)
	terminalClause := "1=1"
	if len(q.Terminal) > 0 {
		terminalClause = "c.status NOT IN (" + placeholders(len(q.Terminal)) + ")"
		args = append(args, statusArgs(q.Terminal)...)
	}
	args = append(args, q.MaxAttempts)
	query := fmt.Sprintf(`SELECT c.id, c.status, c.bounty_id,
  EXISTS(SELECT 1 FROM assignments a WHERE a.unit_id=c.id AND a.pr_url IS NOT NULL)
FROM work_units c
WHERE c.variant=? AND %s
  AND (SELECT count(*) FROM assignments a WHERE a.unit_id=c.id) >= ?
ORDER BY c.created_at ASC, c.rowid ASC`, terminalClause)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ExhaustedUnit
	for rows.Next() {
		var (
			u      ExhaustedUnit
			bounty sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.Status, &bounty, &u.HasProof); err != nil {
			return nil, err
		}
		u.BountyID = stringPtr(bounty)
		res = append(res, u)
	}
	return res, rows.Err()
}

// ActiveClaim returns the unit the claimant currently holds in a lineage.
func (r Repo) ActiveClaim(ctx context.Context, lineageID, claimantKey string, variant domain.Variant, statuses []domain.Status) (domain.WorkUnit, error) {
	return activeClaim(ctx, r.DB, lineageID, claimantKey, variant, statuses)
}

func (r Repo) ActiveClaimTx(ctx context.Context, tx *sql.Tx, lineageID, claimantKey string, variant domain.Variant, statuses []domain.Status) (domain.WorkUnit, error) {
	return activeClaim(ctx, tx, lineageID, claimantKey, variant, statuses)
}

func activeClaim(ctx context.Context, q querier, lineageID, claimantKey string, variant domain.Variant, statuses []domain.Status) (domain.WorkUnit, error) {
	args := []any{claimantKey, lineageID, variant}
	args = append(args, statusArgs(statuses)...)
	return scanUnit(q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM work_units
WHERE claimant_key=? AND lineage_id=? AND variant=? AND status IN (`+placeholders(len(statuses))+`)
ORDER BY status_changed_at DESC LIMIT 1`, args...))
}

// StaleRoundBound lists units still held or in review whose bound round is at
// or before round.
func (r Repo) StaleRoundBound(ctx context.Context, lineageID string, variant domain.Variant, statuses []domain.Status, round int64) ([]domain.WorkUnit, error) {
	args := []any{lineageID, variant}
	args = append(args, statusArgs(statuses)...)
	args = append(args, round)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+unitColumns+` FROM work_units
WHERE lineage_id=? AND variant=? AND status IN (`+placeholders(len(statuses))+`) AND round_number IS NOT NULL AND round_number<=?
ORDER BY created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// ExpiredReservations lists units left in status since before the cutoff.
func (r Repo) ExpiredReservations(ctx context.Context, variant domain.Variant, status domain.Status, before string) ([]domain.WorkUnit, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+unitColumns+` FROM work_units
WHERE variant=? AND status=? AND status_changed_at<=? ORDER BY created_at ASC, rowid ASC`, variant, status, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// CompletedBounties returns bounty ids whose grouped units are all in status,
// restricted to bounties touched by the lineage.
func (r Repo) CompletedBounties(ctx context.Context, lineageID string, variant domain.Variant, status domain.Status) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT bounty_id FROM work_units
WHERE variant=? AND bounty_id IS NOT NULL
GROUP BY bounty_id
HAVING count(*) > 0
  AND SUM(CASE WHEN status=? THEN 1 ELSE 0 END) = count(*)
  AND SUM(CASE WHEN lineage_id=? THEN 1 ELSE 0 END) > 0
ORDER BY MIN(created_at)`, variant, status, lineageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
