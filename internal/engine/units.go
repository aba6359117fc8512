package engine

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"claimline/internal/domain"
	"claimline/internal/events"
	"claimline/internal/repo"
)

// UnitSpec describes a unit to load. Empty ids are derived from the variant,
// repository and title so re-syncing the same file is a no-op.
type UnitSpec struct {
	ID            string         `json:"id,omitempty" yaml:"id"`
	Variant       domain.Variant `json:"variant" yaml:"variant"`
	Title         string         `json:"title,omitempty" yaml:"title"`
	BountyID      string         `json:"bounty_id,omitempty" yaml:"bounty_id"`
	RepoOwner     string         `json:"repo_owner" yaml:"repo_owner"`
	RepoName      string         `json:"repo_name" yaml:"repo_name"`
	PredecessorID string         `json:"predecessor_id,omitempty" yaml:"predecessor_id"`
	ParentID      string         `json:"parent_id,omitempty" yaml:"parent_id"`
}

type SyncResult struct {
	Created  []string `json:"created"`
	Existing []string `json:"existing"`
}

// SyncUnits inserts new units in the given order, which becomes their claim
// order. Units that already exist are left untouched.
func (e Engine) SyncUnits(ctx context.Context, specs []UnitSpec, actorID string) (SyncResult, error) {
	res := SyncResult{Created: []string{}, Existing: []string{}}
	for i := range specs {
		if err := normalizeSpec(&specs[i]); err != nil {
			return res, err
		}
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		res = SyncResult{Created: []string{}, Existing: []string{}}
		base := e.now()
		for i, s := range specs {
			// Distinct microseconds keep file order as claim order.
			now := stamp(base.Add(time.Duration(i) * time.Microsecond))
			u := domain.WorkUnit{
				ID:              s.ID,
				Variant:         s.Variant,
				Title:           s.Title,
				BountyID:        optional(s.BountyID),
				RepoOwner:       s.RepoOwner,
				RepoName:        s.RepoName,
				Status:          domain.StatusInitialized,
				PredecessorID:   optional(s.PredecessorID),
				ParentID:        optional(s.ParentID),
				CreatedAt:       now,
				UpdatedAt:       now,
				StatusChangedAt: now,
			}
			created, err := e.Repo.InsertUnit(ctx, tx, u)
			if err != nil {
				return err
			}
			if !created {
				res.Existing = append(res.Existing, u.ID)
				continue
			}
			if err := e.Events.Append(ctx, tx, events.UnitCreated, "", "unit", u.ID, actorID, events.EventPayload{
				"variant":   u.Variant,
				"bounty_id": s.BountyID,
				"repo":      s.RepoOwner + "/" + s.RepoName,
			}); err != nil {
				return err
			}
			res.Created = append(res.Created, u.ID)
		}
		return nil
	})
	return res, err
}

func normalizeSpec(s *UnitSpec) error {
	if _, err := domain.PolicyFor(s.Variant); err != nil {
		return invalid("%v", err)
	}
	s.RepoOwner = strings.TrimSpace(s.RepoOwner)
	s.RepoName = strings.TrimSpace(s.RepoName)
	if s.RepoOwner == "" || s.RepoName == "" {
		return invalid("repo_owner and repo_name are required")
	}
	if s.PredecessorID != "" && s.Variant != domain.VariantFeatureIssue {
		return invalid("predecessor_id is only valid for %s", domain.VariantFeatureIssue)
	}
	if s.ParentID != "" && s.Variant != domain.VariantFeatureTodo {
		return invalid("parent_id is only valid for %s", domain.VariantFeatureTodo)
	}
	if s.Variant == domain.VariantFeatureIssue && s.BountyID == "" {
		return invalid("%s units require bounty_id", domain.VariantFeatureIssue)
	}
	if s.ID == "" {
		s.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(string(s.Variant)+"|"+s.RepoOwner+"/"+s.RepoName+"|"+s.BountyID+"|"+s.Title)).String()
	}
	return nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// GetUnit returns a unit with its claim history.
func (e Engine) GetUnit(ctx context.Context, id string) (domain.WorkUnit, error) {
	u, err := e.Repo.GetUnit(ctx, id)
	if err != nil {
		return u, err
	}
	u.Assignments, err = e.Repo.ListAssignments(ctx, id)
	return u, err
}

func (e Engine) ListUnits(ctx context.Context, f repo.UnitFilters) ([]domain.WorkUnit, error) {
	return e.Repo.ListUnits(ctx, f)
}

// SetEligible adds or removes a claimant from a lineage's registry.
func (e Engine) SetEligible(ctx context.Context, lineageID, claimantKey string, allowed bool, actorID string) error {
	if _, _, err := e.lineage(lineageID); err != nil {
		return err
	}
	if strings.TrimSpace(claimantKey) == "" {
		return invalid("claimant key is required")
	}
	var err error
	if allowed {
		err = e.Repo.AddEligible(ctx, lineageID, claimantKey, stamp(e.now()))
	} else {
		err = e.Repo.RemoveEligible(ctx, lineageID, claimantKey)
	}
	if err != nil {
		return err
	}
	e.emit(ctx, events.ClaimantEligibility, lineageID, "claimant", claimantKey, actorID, events.EventPayload{"allowed": allowed})
	return nil
}
