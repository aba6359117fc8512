package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"claimline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional update matched no row because another
	// writer changed it first.
	ErrConflict = errors.New("conflict")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const unitColumns = `id,variant,COALESCE(title,''),bounty_id,repo_owner,repo_name,status,round_number,predecessor_id,parent_id,lineage_id,claimant_key,github_username,fork_owner,created_at,updated_at,status_changed_at,
(SELECT count(*) FROM assignments a WHERE a.unit_id=work_units.id)`

func scanUnit(row scanner) (domain.WorkUnit, error) {
	var (
		u                                                 domain.WorkUnit
		bounty, pred, parent, lineage, claimant, gh, fork sql.NullString
		round                                             sql.NullInt64
	)
	err := row.Scan(&u.ID, &u.Variant, &u.Title, &bounty, &u.RepoOwner, &u.RepoName, &u.Status, &round, &pred, &parent,
		&lineage, &claimant, &gh, &fork, &u.CreatedAt, &u.UpdatedAt, &u.StatusChangedAt, &u.AttemptCount)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.BountyID = stringPtr(bounty)
	u.PredecessorID = stringPtr(pred)
	u.ParentID = stringPtr(parent)
	u.LineageID = stringPtr(lineage)
	u.ClaimantKey = stringPtr(claimant)
	u.GithubUsername = stringPtr(gh)
	u.ForkOwner = stringPtr(fork)
	u.RoundNumber = int64Ptr(round)
	return u, nil
}

// InsertUnit stores a new unit. Existing ids are left untouched and reported
// through the returned bool.
func (r Repo) InsertUnit(ctx context.Context, tx *sql.Tx, u domain.WorkUnit) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO work_units(id,variant,title,bounty_id,repo_owner,repo_name,status,round_number,predecessor_id,parent_id,lineage_id,claimant_key,github_username,fork_owner,created_at,updated_at,status_changed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Variant, nullable(u.Title), nullableStringPtr(u.BountyID), u.RepoOwner, u.RepoName, u.Status, nullableInt64Ptr(u.RoundNumber),
		nullableStringPtr(u.PredecessorID), nullableStringPtr(u.ParentID), nullableStringPtr(u.LineageID), nullableStringPtr(u.ClaimantKey),
		nullableStringPtr(u.GithubUsername), nullableStringPtr(u.ForkOwner), u.CreatedAt, u.UpdatedAt, u.StatusChangedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) GetUnit(ctx context.Context, id string) (domain.WorkUnit, error) {
	return getUnit(ctx, r.DB, id)
}

func (r Repo) GetUnitTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkUnit, error) {
	return getUnit(ctx, tx, id)
}

func getUnit(ctx context.Context, q querier, id string) (domain.WorkUnit, error) {
	return scanUnit(q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM work_units WHERE id=?`, id))
}

type UnitFilters struct {
	Variant   domain.Variant
	Statuses  []domain.Status
	BountyID  string
	ParentID  string
	LineageID string
	Limit     int
}

// ListUnits returns units in creation order.
func (r Repo) ListUnits(ctx context.Context, f UnitFilters) ([]domain.WorkUnit, error) {
	return listUnits(ctx, r.DB, f)
}

func listUnits(ctx context.Context, q querier, f UnitFilters) ([]domain.WorkUnit, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Variant != "" {
		clauses = append(clauses, "variant=?")
		args = append(args, f.Variant)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, statusArgs(f.Statuses)...)
	}
	if f.BountyID != "" {
		clauses = append(clauses, "bounty_id=?")
		args = append(args, f.BountyID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.LineageID != "" {
		clauses = append(clauses, "lineage_id=?")
		args = append(args, f.LineageID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s FROM work_units %s ORDER BY created_at ASC, rowid ASC`, unitColumns, where)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
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

// CountByStatus groups units of a variant by status.
func (r Repo) CountByStatus(ctx context.Context, variant domain.Variant) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM work_units WHERE variant=? GROUP BY status`, variant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var (
			status domain.Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// SetStatusTx moves a unit from one status to another, failing with
// ErrConflict when the unit is no longer in from.
func (r Repo) SetStatusTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.Status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_units SET status=?, updated_at=?, status_changed_at=? WHERE id=? AND status=?`,
		to, now, now, id, from)
	return expectOne(res, err)
}

// ReopenTx moves a unit back to an open status and clears its claim binding.
// Assignment history is untouched.
func (r Repo) ReopenTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.Status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_units SET status=?, claimant_key=NULL, github_username=NULL, round_number=NULL, updated_at=?, status_changed_at=?
WHERE id=? AND status=?`, to, now, now, id, from)
	return expectOne(res, err)
}

// BindRoundTx moves a unit into review for the given round.
func (r Repo) BindRoundTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.Status, round int64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_units SET status=?, round_number=?, updated_at=?, status_changed_at=? WHERE id=? AND status=?`,
		to, round, now, now, id, from)
	return expectOne(res, err)
}

// ReserveTx reserves an issue for a leader.
func (r Repo) ReserveTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.Status, lineageID, claimantKey, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_units SET status=?, lineage_id=?, claimant_key=?, updated_at=?, status_changed_at=? WHERE id=? AND status=?`,
		to, lineageID, nullable(claimantKey), now, now, id, from)
	return expectOne(res, err)
}

// ActivateTx records the fork an issue is built on.
func (r Repo) ActivateTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.Status, forkOwner, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_units SET status=?, fork_owner=?, updated_at=?, status_changed_at=? WHERE id=? AND status=?`,
		to, forkOwner, now, now, id, from)
	return expectOne(res, err)
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(statuses []domain.Status) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	return args
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
