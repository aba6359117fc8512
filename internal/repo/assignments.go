package repo

import (
	"context"
	"database/sql"

	"claimline/internal/domain"
)

const assignmentColumns = `id,unit_id,claimant_key,lineage_id,github_username,pr_url,round_number,approved,created_at,updated_at`

func scanAssignment(row scanner) (domain.Assignment, error) {
	var (
		a        domain.Assignment
		gh, pr   sql.NullString
		round    sql.NullInt64
		approved sql.NullBool
	)
	err := row.Scan(&a.ID, &a.UnitID, &a.ClaimantKey, &a.LineageID, &gh, &pr, &round, &approved, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.GithubUsername = stringPtr(gh)
	a.PRURL = stringPtr(pr)
	a.RoundNumber = int64Ptr(round)
	if approved.Valid {
		v := approved.Bool
		a.Approved = &v
	}
	return a, nil
}

// InsertAssignmentTx appends an assignment at the end of the unit history.
func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(id,unit_id,seq,claimant_key,lineage_id,github_username,pr_url,round_number,approved,created_at,updated_at)
VALUES (?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM assignments WHERE unit_id=?),?,?,?,?,?,?,?,?)`,
		a.ID, a.UnitID, a.UnitID, a.ClaimantKey, a.LineageID, nullableStringPtr(a.GithubUsername), nullableStringPtr(a.PRURL),
		nullableInt64Ptr(a.RoundNumber), nullableBoolPtr(a.Approved), a.CreatedAt, a.UpdatedAt)
	return err
}

// ListAssignments returns a unit's claim history, oldest first.
func (r Repo) ListAssignments(ctx context.Context, unitID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE unit_id=? ORDER BY seq ASC`, unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestAssignmentTx returns the claimant's most recent attempt on a unit.
func (r Repo) LatestAssignmentTx(ctx context.Context, tx *sql.Tx, unitID, claimantKey string) (domain.Assignment, error) {
	return scanAssignment(tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments
WHERE unit_id=? AND claimant_key=? ORDER BY seq DESC LIMIT 1`, unitID, claimantKey))
}

func (r Repo) SetAssignmentPRTx(ctx context.Context, tx *sql.Tx, id, prURL, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET pr_url=?, updated_at=? WHERE id=?`, prURL, now, id)
	return expectOne(res, err)
}

func (r Repo) BindAssignmentRoundTx(ctx context.Context, tx *sql.Tx, id string, round int64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET round_number=?, updated_at=? WHERE id=?`, round, now, id)
	return expectOne(res, err)
}

// SetVerdictTx records the verdict on an assignment. A rejection also clears
// the submitted proof.
func (r Repo) SetVerdictTx(ctx context.Context, tx *sql.Tx, id string, approved bool, now string) error {
	query := `UPDATE assignments SET approved=1, updated_at=? WHERE id=?`
	if !approved {
		query = `UPDATE assignments SET approved=0, pr_url=NULL, updated_at=? WHERE id=?`
	}
	res, err := tx.ExecContext(ctx, query, now, id)
	return expectOne(res, err)
}

// RoundAssignment pairs an assignment bound to a round with the unit it belongs to.
type RoundAssignment struct {
	Assignment domain.Assignment
	Unit       domain.WorkUnit
}

// InReviewForRound lists current-holder assignments of units in review that
// are bound to round within the lineage.
func (r Repo) InReviewForRound(ctx context.Context, lineageID string, round int64) ([]RoundAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.id FROM assignments a
JOIN work_units u ON u.id=a.unit_id
WHERE a.lineage_id=? AND a.round_number=? AND u.status=? AND u.round_number=? AND u.claimant_key=a.claimant_key
ORDER BY u.created_at ASC, u.rowid ASC, a.seq ASC`, lineageID, round, domain.StatusInReview, round)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]RoundAssignment, 0, len(ids))
	for _, id := range ids {
		a, err := scanAssignment(r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id))
		if err != nil {
			return nil, err
		}
		u, err := r.GetUnit(ctx, a.UnitID)
		if err != nil {
			return nil, err
		}
		res = append(res, RoundAssignment{Assignment: a, Unit: u})
	}
	return res, nil
}

// HasAssignment reports whether the claimant holds an attempt in the lineage
// bound to round with the given proof.
func (r Repo) HasAssignment(ctx context.Context, lineageID, claimantKey string, round int64, prURL string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM assignments
WHERE lineage_id=? AND claimant_key=? AND round_number=? AND pr_url=?`, lineageID, claimantKey, round, prURL).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	if *v {
		return 1
	}
	return 0
}
