package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"claimline/internal/domain"
	"claimline/internal/events"
	"claimline/internal/metrics"
	"claimline/internal/repo"
	"claimline/internal/scm"
)

// Reconcile outcomes.
const (
	OutcomeReconciled       = "reconciled"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeInProgress       = "in_progress"
)

type ReconcileResult struct {
	LineageID string   `json:"lineage_id"`
	Round     int64    `json:"round"`
	Outcome   string   `json:"outcome" enum:"reconciled,already_processed,in_progress"`
	Approved  []string `json:"approved"`
	Rejected  []string `json:"rejected"`
	Promoted  []string `json:"promoted"`
	Submitted []string `json:"submitted_bounties"`
	Reset     []string `json:"reset"`
}

// RecordVerdict stores the distribution result of a round for later
// reconciliation.
func (e Engine) RecordVerdict(ctx context.Context, v domain.Verdict) (domain.Verdict, error) {
	if _, _, err := e.lineage(v.LineageID); err != nil {
		return domain.Verdict{}, err
	}
	if v.Round < 0 {
		return domain.Verdict{}, invalid("round must not be negative")
	}
	entry, err := e.Repo.GetLedger(ctx, v.LineageID, v.Round)
	if err == nil && entry.Status == domain.LedgerCompleted {
		return domain.Verdict{}, fmt.Errorf("%w: %s round %d", ErrAlreadyProcessed, v.LineageID, v.Round)
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Verdict{}, err
	}
	v.RecordedAt = stamp(e.now())
	if err := e.Repo.UpsertVerdict(ctx, v); err != nil {
		return domain.Verdict{}, err
	}
	return v, nil
}

// ReconcileRound applies the verdict of one round exactly once. Positive
// claimants are approved, negative ones are rejected and their units reopen,
// issue and bounty cascades follow, and claims left bound to the round or an
// earlier one are reset. A round that is already completed or being
// reconciled elsewhere is left alone and reported through Outcome.
func (e Engine) ReconcileRound(ctx context.Context, lineageID string, round int64, actorID string) (ReconcileResult, error) {
	res := ReconcileResult{LineageID: lineageID, Round: round, Approved: []string{}, Rejected: []string{}, Promoted: []string{}, Submitted: []string{}, Reset: []string{}}
	if _, _, err := e.lineage(lineageID); err != nil {
		return res, err
	}
	now := e.now()
	staleBefore := stamp(now.Add(-e.Config.Scheduler.LedgerTimeout.Std()))
	entry, acquired, err := e.Repo.AcquireLedger(ctx, lineageID, round, stamp(now), staleBefore)
	if err != nil {
		return res, err
	}
	log := e.logger().With(zap.String("lineage", lineageID), zap.Int64("round", round))
	if !acquired {
		res.Outcome = OutcomeInProgress
		if entry.Status == domain.LedgerCompleted {
			res.Outcome = OutcomeAlreadyProcessed
		}
		log.Info("round skipped", zap.String("outcome", res.Outcome), zap.String("started_at", entry.StartedAt))
		return res, nil
	}

	verdict, err := e.Verdicts.Verdict(ctx, lineageID, round)
	if err != nil {
		log.Warn("verdict unavailable, reverting round", zap.Error(err))
		return res, e.abandonRound(ctx, &res, actorID, err)
	}

	var errs []error
	positive := keySet(verdict.Positive)
	negative := keySet(verdict.Negative)
	bound, err := e.Repo.InReviewForRound(ctx, lineageID, round)
	if err != nil {
		return res, e.failRound(ctx, &res, actorID, err)
	}
	for _, ra := range bound {
		key := ra.Assignment.ClaimantKey
		var approve bool
		switch {
		case positive[key]:
			approve = true
		case negative[key]:
			approve = false
		default:
			continue
		}
		if err := e.applyVerdict(ctx, lineageID, round, ra, approve, actorID); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("unit %s: %w", ra.Unit.ID, err))
			continue
		}
		if approve {
			res.Approved = append(res.Approved, ra.Unit.ID)
		} else {
			res.Rejected = append(res.Rejected, ra.Unit.ID)
		}
	}

	promoted, err := e.promoteReadyIssues(ctx, lineageID)
	res.Promoted = append(res.Promoted, promoted...)
	if err != nil {
		errs = append(errs, fmt.Errorf("promote issues: %w", err))
	}

	submitted, err := e.submitCompletedBounties(ctx, lineageID, actorID)
	res.Submitted = append(res.Submitted, submitted...)
	if err != nil {
		errs = append(errs, err)
	}

	reset, err := e.resetStale(ctx, lineageID, round)
	res.Reset = append(res.Reset, reset...)
	if err != nil {
		errs = append(errs, fmt.Errorf("reset stale claims: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return res, e.failRound(ctx, &res, actorID, err)
	}
	if err := e.Repo.FinishLedger(ctx, lineageID, round, domain.LedgerCompleted, "", stamp(e.now())); err != nil {
		return res, err
	}
	res.Outcome = OutcomeReconciled
	e.emit(ctx, events.RoundReconciled, lineageID, "round", fmt.Sprint(round), actorID, events.EventPayload{
		"approved":  len(res.Approved),
		"rejected":  len(res.Rejected),
		"reset":     len(res.Reset),
		"submitted": res.Submitted,
	})
	if e.Metrics != nil {
		e.Metrics.ReconcilesTotal.WithLabelValues(lineageID, "completed").Inc()
	}
	log.Info("round reconciled", zap.Int("approved", len(res.Approved)), zap.Int("rejected", len(res.Rejected)), zap.Int("reset", len(res.Reset)))
	return res, nil
}

// abandonRound handles a round whose verdict cannot be read: units in review
// for it reopen, stale claims are reset and the ledger is marked failed so a
// later run can retry.
func (e Engine) abandonRound(ctx context.Context, res *ReconcileResult, actorID string, cause error) error {
	var errs []error
	bound, err := e.Repo.InReviewForRound(ctx, res.LineageID, res.Round)
	if err != nil {
		errs = append(errs, err)
	}
	for _, ra := range bound {
		p, err := e.policy(ra.Unit.Variant)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.reopen(ctx, p, ra.Unit, domain.EventReset, events.UnitReset, res.LineageID, res.Round); err != nil && !errors.Is(err, repo.ErrConflict) {
			errs = append(errs, err)
			continue
		}
		res.Reset = append(res.Reset, ra.Unit.ID)
	}
	reset, err := e.resetStale(ctx, res.LineageID, res.Round)
	res.Reset = append(res.Reset, reset...)
	if err != nil {
		errs = append(errs, err)
	}
	joined := e.failRound(ctx, res, actorID, errors.Join(append([]error{cause}, errs...)...))
	return fmt.Errorf("%w: verdict for %s round %d: %v", ErrUpstreamUnavailable, res.LineageID, res.Round, joined)
}

func (e Engine) failRound(ctx context.Context, res *ReconcileResult, actorID string, cause error) error {
	if err := e.Repo.FinishLedger(ctx, res.LineageID, res.Round, domain.LedgerFailed, cause.Error(), stamp(e.now())); err != nil {
		e.logger().Error("mark ledger failed", zap.Error(err))
	}
	e.emit(ctx, events.RoundFailed, res.LineageID, "round", fmt.Sprint(res.Round), actorID, events.EventPayload{"error": cause.Error()})
	if e.Metrics != nil {
		e.Metrics.ReconcilesTotal.WithLabelValues(res.LineageID, "failed").Inc()
	}
	return cause
}

// applyVerdict records one claimant's verdict on its unit. Source-control
// follow-ups for issues run after the commit and never fail the verdict.
func (e Engine) applyVerdict(ctx context.Context, lineageID string, round int64, ra repo.RoundAssignment, approve bool, actorID string) error {
	p, err := e.policy(ra.Unit.Variant)
	if err != nil {
		return err
	}
	ev, evtType, label := domain.EventReject, events.UnitRejected, "negative"
	if approve {
		ev, evtType, label = domain.EventApprove, events.UnitApproved, "positive"
	}
	to, err := p.Next(ra.Unit.Status, ev)
	if err != nil {
		return err
	}
	prURL := strVal(ra.Assignment.PRURL)
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := stamp(e.now())
		var err error
		if approve {
			err = e.Repo.SetStatusTx(ctx, tx, ra.Unit.ID, ra.Unit.Status, to, now)
		} else {
			err = e.Repo.ReopenTx(ctx, tx, ra.Unit.ID, ra.Unit.Status, to, now)
		}
		if err != nil {
			return err
		}
		if err := e.Repo.SetVerdictTx(ctx, tx, ra.Assignment.ID, approve, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, evtType, lineageID, "unit", ra.Unit.ID, actorID, events.EventPayload{
			"round":    round,
			"claimant": ra.Assignment.ClaimantKey,
			"pr_url":   prURL,
			"status":   to,
		})
	})
	if err != nil {
		return err
	}
	if e.Metrics != nil {
		e.Metrics.VerdictsApplied.WithLabelValues(lineageID, label).Inc()
	}
	if ra.Unit.Variant != domain.VariantFeatureIssue || prURL == "" {
		return nil
	}
	if approve {
		e.external(ctx, "merge_pr", func() error { return e.SCM.MergePullRequest(ctx, prURL) })
		return e.mergeTodos(ctx, lineageID, ra.Unit.ID, actorID)
	}
	e.external(ctx, "close_pr", func() error { return e.SCM.ClosePullRequest(ctx, prURL) })
	return nil
}

// external runs a best-effort source-control call.
func (e Engine) external(ctx context.Context, action string, fn func() error) {
	err := fn()
	if e.Metrics != nil {
		e.Metrics.ExternalActions.WithLabelValues(action, metrics.Outcome(err)).Inc()
	}
	if err != nil {
		e.logger().Warn("source control call failed", zap.String("action", action), zap.Error(err))
	}
}

func (e Engine) mergeTodos(ctx context.Context, lineageID, issueID, actorID string) error {
	p, err := e.policy(domain.VariantFeatureTodo)
	if err != nil {
		return err
	}
	todos, err := e.Repo.ListUnits(ctx, repo.UnitFilters{Variant: p.Variant, ParentID: issueID, Statuses: []domain.Status{p.ApprovedStatus}})
	if err != nil {
		return err
	}
	for _, t := range todos {
		to, err := p.Next(t.Status, domain.EventMerge)
		if err != nil {
			return err
		}
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.SetStatusTx(ctx, tx, t.ID, t.Status, to, stamp(e.now())); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, events.UnitMerged, lineageID, "unit", t.ID, actorID, events.EventPayload{"issue_id": issueID})
		})
		if err != nil && !errors.Is(err, repo.ErrConflict) {
			return err
		}
	}
	return nil
}

// submitCompletedBounties opens one pull request per bounty whose issues are
// all approved, then marks those issues submitted. The submission slot makes
// the pull request a one-time action even across concurrent rounds.
func (e Engine) submitCompletedBounties(ctx context.Context, lineageID, actorID string) ([]string, error) {
	p, err := e.policy(domain.VariantFeatureIssue)
	if err != nil {
		return nil, err
	}
	bounties, err := e.Repo.CompletedBounties(ctx, lineageID, p.Variant, p.ApprovedStatus)
	if err != nil {
		return nil, err
	}
	var (
		submitted []string
		errs      []error
	)
	for _, bountyID := range bounties {
		ok, err := e.submitBounty(ctx, p, lineageID, bountyID, actorID)
		if err != nil {
			errs = append(errs, fmt.Errorf("bounty %s: %w", bountyID, err))
			continue
		}
		if ok {
			submitted = append(submitted, bountyID)
		}
	}
	return submitted, errors.Join(errs...)
}

func (e Engine) submitBounty(ctx context.Context, p domain.Policy, lineageID, bountyID, actorID string) (bool, error) {
	now := e.now()
	staleBefore := stamp(now.Add(-e.Config.Scheduler.LedgerTimeout.Std()))
	_, acquired, err := e.Repo.AcquireBountySubmission(ctx, bountyID, lineageID, stamp(now), staleBefore)
	if err != nil || !acquired {
		return false, err
	}
	issues, err := e.Repo.ListUnits(ctx, repo.UnitFilters{Variant: p.Variant, BountyID: bountyID})
	if err != nil || len(issues) == 0 {
		e.releaseBounty(ctx, bountyID, err)
		return false, err
	}
	lead := issues[0]
	forkOwner := strVal(lead.ForkOwner)
	if forkOwner == "" {
		forkOwner = lead.RepoOwner
	}
	base := e.Config.SourceControl.BaseBranch
	titles := make([]string, 0, len(issues))
	for _, is := range issues {
		titles = append(titles, "- "+is.ID+" "+is.Title)
	}
	pr, err := e.SCM.CreatePullRequest(ctx, scm.PullRequestRequest{
		Owner: lead.RepoOwner,
		Repo:  lead.RepoName,
		Head:  forkOwner + ":" + base,
		Base:  base,
		Title: "Bounty " + bountyID,
		Body:  strings.Join(titles, "\n"),
	})
	if e.Metrics != nil {
		e.Metrics.ExternalActions.WithLabelValues("create_pr", metrics.Outcome(err)).Inc()
	}
	if err != nil {
		e.releaseBounty(ctx, bountyID, err)
		return false, fmt.Errorf("%w: create pull request: %v", ErrUpstreamUnavailable, err)
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		ts := stamp(e.now())
		for _, is := range issues {
			to, err := p.Next(is.Status, domain.EventSubmit)
			if err != nil {
				return err
			}
			if err := e.Repo.SetStatusTx(ctx, tx, is.ID, is.Status, to, ts); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, events.UnitSubmitted, lineageID, "unit", is.ID, actorID, events.EventPayload{"bounty_id": bountyID}); err != nil {
				return err
			}
		}
		if err := e.Repo.FinishBountySubmissionTx(ctx, tx, bountyID, domain.LedgerCompleted, pr.URL, "", ts); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.BountyCompleted, lineageID, "bounty", bountyID, actorID, events.EventPayload{"status": "completed", "pr_url": pr.URL})
	})
	if err != nil {
		// The pull request exists; keep the slot in progress so a stale-window
		// retry is the only way to open another one.
		e.logger().Error("bounty pull request opened but units not updated", zap.String("bounty", bountyID), zap.String("pr_url", pr.URL), zap.Error(err))
		return false, err
	}
	e.logger().Info("bounty submitted", zap.String("bounty", bountyID), zap.String("pr_url", pr.URL))
	return true, nil
}

func (e Engine) releaseBounty(ctx context.Context, bountyID string, cause error) {
	msg := "no issues"
	if cause != nil {
		msg = cause.Error()
	}
	if err := e.Repo.FailBountySubmission(ctx, bountyID, msg, stamp(e.now())); err != nil {
		e.logger().Warn("release bounty submission", zap.String("bounty", bountyID), zap.Error(err))
	}
}

// ReconcilePending reconciles every round of the lineage that has a recorded
// verdict and no completed ledger entry. Rounds another worker is processing
// are skipped.
func (e Engine) ReconcilePending(ctx context.Context, lineageID, actorID string) ([]ReconcileResult, error) {
	rounds, err := e.Repo.PendingRounds(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	var (
		results []ReconcileResult
		errs    []error
	)
	for _, round := range rounds {
		res, err := e.ReconcileRound(ctx, lineageID, round, actorID)
		if err != nil {
			errs = append(errs, fmt.Errorf("round %d: %w", round, err))
		} else if res.Outcome != OutcomeReconciled {
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func keySet(keys []string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// LedgerEntry returns the reconciliation record of a round.
func (e Engine) LedgerEntry(ctx context.Context, lineageID string, round int64) (domain.LedgerEntry, error) {
	return e.Repo.GetLedger(ctx, lineageID, round)
}
