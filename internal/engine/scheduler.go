package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"claimline/internal/domain"
	"claimline/internal/engine/auth"
	"claimline/internal/events"
	"claimline/internal/repo"
)

// ClaimRequest asks for the next unit of a lineage. Variant narrows the
// search to one of the lineage's variants.
type ClaimRequest struct {
	LineageID   string
	ClaimantKey string
	Signature   string
	Variant     domain.Variant
}

// Claim is a unit bound to the caller. Resumed is set when the caller
// already held it.
type Claim struct {
	Unit       domain.WorkUnit   `json:"unit"`
	Assignment domain.Assignment `json:"assignment"`
	Resumed    bool              `json:"resumed"`
}

// verify checks the proof and the claimant's eligibility for the lineage.
func (e Engine) verify(ctx context.Context, lineageID, claimantKey, signature, action string) (auth.Payload, error) {
	if strings.TrimSpace(claimantKey) == "" {
		return auth.Payload{}, auth.UnauthorizedError{Reason: "claimant key required"}
	}
	p, err := e.Verifier.Verify(ctx, claimantKey, signature)
	if err != nil {
		return auth.Payload{}, err
	}
	if err := p.Require(action, lineageID); err != nil {
		return auth.Payload{}, err
	}
	if e.Eligibility != nil {
		ok, err := e.Eligibility.IsEligible(ctx, lineageID, claimantKey)
		if err != nil {
			return auth.Payload{}, fmt.Errorf("eligibility: %w", err)
		}
		if !ok {
			return auth.Payload{}, auth.UnauthorizedError{Reason: "claimant is not eligible for lineage " + lineageID}
		}
	}
	return p, nil
}

// FetchClaim hands the caller the oldest claimable unit of the lineage.
// A caller that still holds an unsubmitted claim gets that claim back; one
// whose claim awaits review gets ErrAlreadyCompleted.
func (e Engine) FetchClaim(ctx context.Context, req ClaimRequest) (Claim, error) {
	start := e.now()
	claim, err := e.fetchClaim(ctx, req)
	outcome := "claimed"
	switch {
	case err == nil && claim.Resumed:
		outcome = "resumed"
	case errors.Is(err, ErrNoneAvailable):
		outcome = "none"
	case err != nil:
		outcome = "error"
	}
	if e.Metrics != nil {
		e.Metrics.ClaimsTotal.WithLabelValues(req.LineageID, string(claim.Unit.Variant), outcome).Inc()
		e.Metrics.ClaimDuration.WithLabelValues(req.LineageID).Observe(time.Since(start).Seconds())
	}
	return claim, err
}

func (e Engine) fetchClaim(ctx context.Context, req ClaimRequest) (Claim, error) {
	_, policies, err := e.lineage(req.LineageID)
	if err != nil {
		return Claim{}, err
	}
	if req.Variant != "" {
		idx := slices.IndexFunc(policies, func(p domain.Policy) bool { return p.Variant == req.Variant })
		if idx < 0 {
			return Claim{}, invalid("variant %s is not served by lineage %s", req.Variant, req.LineageID)
		}
		policies = policies[idx : idx+1]
	}
	payload, err := e.verify(ctx, req.LineageID, req.ClaimantKey, req.Signature, auth.ActionFetchClaim)
	if err != nil {
		return Claim{}, err
	}
	if _, err := e.Sweep(ctx, req.LineageID); err != nil {
		return Claim{}, err
	}

	for _, p := range policies {
		unit, err := e.Repo.ActiveClaim(ctx, req.LineageID, req.ClaimantKey, p.Variant, []domain.Status{p.ClaimedStatus, domain.StatusPRReceived, domain.StatusInReview})
		if err == nil {
			if unit.Status != p.ClaimedStatus {
				return Claim{}, fmt.Errorf("%w: unit %s is %s", ErrAlreadyCompleted, unit.ID, unit.Status)
			}
			return e.resumeClaim(ctx, unit, req.ClaimantKey)
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return Claim{}, err
		}
	}

	now := e.now()
	for _, p := range policies {
		t, err := e.timing(ctx, req.LineageID, p, now)
		if err != nil {
			return Claim{}, err
		}
		q := repo.ClaimQuery{
			Variant:        p.Variant,
			LineageID:      req.LineageID,
			ClaimantKey:    req.ClaimantKey,
			GithubUsername: strings.TrimSpace(payload.GithubUsername),
			ClaimFrom:      p.From(domain.EventClaim),
			Terminal:       p.Terminal(),
			OpenStatus:     p.OpenStatus,
			HeldStatuses:   p.HeldStatuses(),
			StaleBefore:    t.staleBefore,
			AbandonBefore:  t.abandonBefore,
			MaxAttempts:    p.MaxAttempts,
			To:             p.ClaimedStatus,
			Now:            stamp(now),
		}
		var claim Claim
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			unit, err := e.Repo.ClaimNextTx(ctx, tx, q)
			if err != nil {
				return err
			}
			a, err := e.Repo.LatestAssignmentTx(ctx, tx, unit.ID, req.ClaimantKey)
			if err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, events.UnitClaimed, req.LineageID, "unit", unit.ID, req.ClaimantKey, events.EventPayload{
				"variant":         unit.Variant,
				"status":          unit.Status,
				"attempt":         unit.AttemptCount,
				"github_username": q.GithubUsername,
			}); err != nil {
				return err
			}
			claim = Claim{Unit: unit, Assignment: a}
			return nil
		})
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return Claim{}, err
		}
		e.logger().Info("unit claimed",
			zap.String("lineage", req.LineageID),
			zap.String("unit", claim.Unit.ID),
			zap.String("variant", string(p.Variant)),
			zap.Int("attempt", claim.Unit.AttemptCount))
		return claim, nil
	}
	return Claim{}, ErrNoneAvailable
}

func (e Engine) resumeClaim(ctx context.Context, unit domain.WorkUnit, claimantKey string) (Claim, error) {
	as, err := e.Repo.ListAssignments(ctx, unit.ID)
	if err != nil {
		return Claim{}, err
	}
	for i := len(as) - 1; i >= 0; i-- {
		if as[i].ClaimantKey == claimantKey {
			return Claim{Unit: unit, Assignment: as[i], Resumed: true}, nil
		}
	}
	return Claim{}, fmt.Errorf("unit %s has no assignment for claimant", unit.ID)
}

// ProofRequest carries the pull request produced for a claim.
type ProofRequest struct {
	LineageID   string
	ClaimantKey string
	Signature   string
	PRURL       string
}

// SubmitProof attaches proof to the caller's claimed unit and moves it to
// pr_received.
func (e Engine) SubmitProof(ctx context.Context, req ProofRequest) (domain.WorkUnit, error) {
	_, policies, err := e.lineage(req.LineageID)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	payload, err := e.verify(ctx, req.LineageID, req.ClaimantKey, req.Signature, auth.ActionSubmitProof)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	prURL := strings.TrimSpace(req.PRURL)
	if prURL == "" {
		prURL = strings.TrimSpace(payload.PRURL)
	}
	if prURL == "" {
		return domain.WorkUnit{}, invalid("pr_url is required")
	}
	if payload.PRURL != "" && payload.PRURL != prURL {
		return domain.WorkUnit{}, auth.UnauthorizedError{Reason: "pr_url does not match signed payload"}
	}
	unit, err := e.transitionHeld(ctx, req.LineageID, req.ClaimantKey, policies, payload.UnitID,
		func(p domain.Policy) []domain.Status { return []domain.Status{p.ClaimedStatus} },
		func(ctx context.Context, tx *sql.Tx, p domain.Policy, unit domain.WorkUnit, now string) error {
			to, err := p.Next(unit.Status, domain.EventSubmitProof)
			if err != nil {
				return err
			}
			if err := e.Repo.SetStatusTx(ctx, tx, unit.ID, unit.Status, to, now); err != nil {
				return err
			}
			a, err := e.Repo.LatestAssignmentTx(ctx, tx, unit.ID, req.ClaimantKey)
			if err != nil {
				return err
			}
			if err := e.Repo.SetAssignmentPRTx(ctx, tx, a.ID, prURL, now); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, events.UnitProofSubmitted, req.LineageID, "unit", unit.ID, req.ClaimantKey, events.EventPayload{"pr_url": prURL})
		})
	if err == nil && e.Metrics != nil {
		e.Metrics.ProofsTotal.WithLabelValues(req.LineageID, "submitted").Inc()
	}
	return unit, err
}

// BindRequest asks to enter review in the current audit round.
type BindRequest struct {
	LineageID   string
	ClaimantKey string
	Signature   string
}

// BindRound binds the caller's submitted unit to the round before the
// current one and moves it into review.
func (e Engine) BindRound(ctx context.Context, req BindRequest) (domain.WorkUnit, error) {
	_, policies, err := e.lineage(req.LineageID)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	payload, err := e.verify(ctx, req.LineageID, req.ClaimantKey, req.Signature, auth.ActionBindRound)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	current, err := e.Rounds.CurrentRound(ctx, req.LineageID)
	if err != nil {
		return domain.WorkUnit{}, fmt.Errorf("%w: current round: %v", ErrUpstreamUnavailable, err)
	}
	round := current - e.Config.BindOffset()
	if round < 0 {
		round = 0
	}
	unit, err := e.transitionHeld(ctx, req.LineageID, req.ClaimantKey, policies, payload.UnitID,
		func(domain.Policy) []domain.Status { return []domain.Status{domain.StatusPRReceived} },
		func(ctx context.Context, tx *sql.Tx, p domain.Policy, unit domain.WorkUnit, now string) error {
			to, err := p.Next(unit.Status, domain.EventBindRound)
			if err != nil {
				return err
			}
			if err := e.Repo.BindRoundTx(ctx, tx, unit.ID, unit.Status, to, round, now); err != nil {
				return err
			}
			a, err := e.Repo.LatestAssignmentTx(ctx, tx, unit.ID, req.ClaimantKey)
			if err != nil {
				return err
			}
			if err := e.Repo.BindAssignmentRoundTx(ctx, tx, a.ID, round, now); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, events.UnitRoundBound, req.LineageID, "unit", unit.ID, req.ClaimantKey, events.EventPayload{"round": round}); err != nil {
				return err
			}
			if p.Grouped && unit.BountyID != nil {
				return e.Events.Append(ctx, tx, events.BountyAuditing, req.LineageID, "bounty", *unit.BountyID, req.ClaimantKey, events.EventPayload{"unit_id": unit.ID, "round": round})
			}
			return nil
		})
	if err == nil && e.Metrics != nil {
		e.Metrics.ProofsTotal.WithLabelValues(req.LineageID, "bound").Inc()
	}
	return unit, err
}

// ReleaseRequest gives a claim back before review.
type ReleaseRequest struct {
	LineageID   string
	ClaimantKey string
	Signature   string
}

// ReleaseClaim returns the caller's held unit to its open status. The
// attempt stays in the unit's history.
func (e Engine) ReleaseClaim(ctx context.Context, req ReleaseRequest) (domain.WorkUnit, error) {
	_, policies, err := e.lineage(req.LineageID)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	payload, err := e.verify(ctx, req.LineageID, req.ClaimantKey, req.Signature, auth.ActionReleaseClaim)
	if err != nil {
		return domain.WorkUnit{}, err
	}
	return e.transitionHeld(ctx, req.LineageID, req.ClaimantKey, policies, payload.UnitID,
		func(p domain.Policy) []domain.Status { return p.HeldStatuses() },
		func(ctx context.Context, tx *sql.Tx, p domain.Policy, unit domain.WorkUnit, now string) error {
			to, err := p.Next(unit.Status, domain.EventRelease)
			if err != nil {
				return err
			}
			if err := e.Repo.ReopenTx(ctx, tx, unit.ID, unit.Status, to, now); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, events.UnitReleased, req.LineageID, "unit", unit.ID, req.ClaimantKey, events.EventPayload{"from": unit.Status, "to": to})
		})
}

type heldMutation func(ctx context.Context, tx *sql.Tx, p domain.Policy, unit domain.WorkUnit, now string) error

// transitionHeld finds the unit the claimant holds in one of the statuses
// picked per policy and applies fn to it in one transaction. It returns the
// unit as stored after the change.
func (e Engine) transitionHeld(ctx context.Context, lineageID, claimantKey string, policies []domain.Policy, unitID string, statuses func(domain.Policy) []domain.Status, fn heldMutation) (domain.WorkUnit, error) {
	var updated domain.WorkUnit
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		now := stamp(e.now())
		for _, p := range policies {
			unit, err := e.Repo.ActiveClaimTx(ctx, tx, lineageID, claimantKey, p.Variant, statuses(p))
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if unitID != "" && unit.ID != unitID {
				return auth.UnauthorizedError{Reason: "signed unit does not match the held claim"}
			}
			if err := fn(ctx, tx, p, unit, now); err != nil {
				return err
			}
			updated, err = e.Repo.GetUnitTx(ctx, tx, unit.ID)
			return err
		}
		return fmt.Errorf("%w: no matching claim held in lineage %s", repo.ErrNotFound, lineageID)
	})
	return updated, err
}

// FailureRequest reports a worker-side failure.
type FailureRequest struct {
	LineageID   string
	ClaimantKey string
	Signature   string
	UnitID      string
	Message     string
}

// ReportFailure records a worker error report. Repeated identical reports
// increase the stored count.
func (e Engine) ReportFailure(ctx context.Context, req FailureRequest) error {
	if _, _, err := e.lineage(req.LineageID); err != nil {
		return err
	}
	payload, err := e.verify(ctx, req.LineageID, req.ClaimantKey, req.Signature, auth.ActionReportFailure)
	if err != nil {
		return err
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		msg = strings.TrimSpace(payload.Message)
	}
	if msg == "" {
		return invalid("message is required")
	}
	unitID := req.UnitID
	if unitID == "" {
		unitID = payload.UnitID
	}
	now := stamp(e.now())
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.RecordFailureTx(ctx, tx, domain.FailureLog{
			ClaimantKey: req.ClaimantKey,
			LineageID:   req.LineageID,
			UnitID:      unitID,
			Message:     msg,
			FirstSeenAt: now,
			LastSeenAt:  now,
		}); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ClaimantFailure, req.LineageID, "claimant", req.ClaimantKey, req.ClaimantKey, events.EventPayload{"unit_id": unitID, "message": msg})
	})
	if err == nil && e.Metrics != nil {
		e.Metrics.FailuresTotal.WithLabelValues(req.LineageID).Inc()
	}
	return err
}

// CheckAssignment reports whether the claimant holds an attempt bound to
// round with the given proof.
func (e Engine) CheckAssignment(ctx context.Context, lineageID, claimantKey string, round int64, prURL string) (bool, error) {
	if _, _, err := e.lineage(lineageID); err != nil {
		return false, err
	}
	if claimantKey == "" || prURL == "" {
		return false, invalid("claimant_key and pr_url are required")
	}
	return e.Repo.HasAssignment(ctx, lineageID, claimantKey, round, prURL)
}
