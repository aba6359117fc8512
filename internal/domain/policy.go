package domain

import (
	"errors"
	"fmt"
	"sort"
)

type Status string

const (
	StatusInitialized       Status = "initialized"
	StatusAggregatorPending Status = "aggregator_pending"
	StatusInProgress        Status = "in_progress"
	StatusAssignPending     Status = "assign_pending"
	StatusAssigned          Status = "assigned"
	StatusPRReceived        Status = "pr_received"
	StatusInReview          Status = "in_review"
	StatusApproved          Status = "approved"
	StatusDone              Status = "done"
	StatusFailed            Status = "failed"
	StatusMerged            Status = "merged"
	StatusSubmitted         Status = "submitted"
)

// Event names a state machine input.
type Event string

const (
	EventClaim            Event = "claim"
	EventSubmitProof      Event = "submit_proof"
	EventBindRound        Event = "bind_round"
	EventApprove          Event = "approve"
	EventReject           Event = "reject"
	EventRelease          Event = "release"
	EventReset            Event = "reset"
	EventExhaustDone      Event = "exhaust_done"
	EventExhaustFailed    Event = "exhaust_failed"
	EventReserve          Event = "reserve"
	EventReserveExpire    Event = "reserve_expire"
	EventActivate         Event = "activate"
	EventChildrenApproved Event = "children_approved"
	EventMerge            Event = "merge"
	EventSubmit           Event = "submit"
)

type Variant string

const (
	VariantDocumentation Variant = "documentation"
	VariantBugFinder     Variant = "bug_finder"
	VariantFeatureTodo   Variant = "feature_todo"
	VariantFeatureIssue  Variant = "feature_issue"
)

// Variants lists every known variant in a stable order.
func Variants() []Variant {
	return []Variant{VariantDocumentation, VariantBugFinder, VariantFeatureTodo, VariantFeatureIssue}
}

func ParseVariant(s string) (Variant, error) {
	for _, v := range Variants() {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid variant %q", s)
}

var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports an event that has no entry in the variant table.
type InvalidTransitionError struct {
	Variant Variant
	From    Status
	Event   Event
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s on %s", e.Variant, e.Event, e.From)
}

func (e InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type transition struct {
	from  Status
	event Event
}

// Policy parameterizes the scheduler for one variant.
type Policy struct {
	Variant Variant
	// OpenStatus is where a unit waits to be claimed by a worker.
	OpenStatus Status
	// ClaimedStatus is the status a successful claim moves to.
	ClaimedStatus Status
	// ApprovedStatus is the approved-review terminal.
	ApprovedStatus      Status
	TimeoutRounds       int
	ReviewAbandonRounds int
	MaxAttempts         int
	Dependencies        bool
	Grouped             bool

	terminal map[Status]bool
	settled  map[Status]bool
	table    map[transition]Status
}

const (
	DefaultMaxAttempts         = 5
	DefaultReviewAbandonRounds = 4
)

// PolicyFor returns the default policy for a variant.
func PolicyFor(v Variant) (Policy, error) {
	switch v {
	case VariantDocumentation, VariantBugFinder:
		timeout := 2
		if v == VariantDocumentation {
			timeout = 1
		}
		return Policy{
			Variant:             v,
			OpenStatus:          StatusInitialized,
			ClaimedStatus:       StatusInProgress,
			ApprovedStatus:      StatusDone,
			TimeoutRounds:       timeout,
			ReviewAbandonRounds: DefaultReviewAbandonRounds,
			MaxAttempts:         DefaultMaxAttempts,
			terminal:            statusSet(StatusDone, StatusFailed),
			settled:             statusSet(StatusDone),
			table:               workerTable(StatusDone),
		}, nil
	case VariantFeatureTodo:
		table := workerTable(StatusApproved)
		table[transition{StatusApproved, EventMerge}] = StatusMerged
		return Policy{
			Variant:             v,
			OpenStatus:          StatusInitialized,
			ClaimedStatus:       StatusInProgress,
			ApprovedStatus:      StatusApproved,
			TimeoutRounds:       2,
			ReviewAbandonRounds: DefaultReviewAbandonRounds,
			MaxAttempts:         DefaultMaxAttempts,
			terminal:            statusSet(StatusApproved, StatusMerged, StatusDone, StatusFailed),
			settled:             statusSet(StatusApproved, StatusMerged),
			table:               table,
		}, nil
	case VariantFeatureIssue:
		return Policy{
			Variant:             v,
			OpenStatus:          StatusAssignPending,
			ClaimedStatus:       StatusAssigned,
			ApprovedStatus:      StatusApproved,
			TimeoutRounds:       2,
			ReviewAbandonRounds: DefaultReviewAbandonRounds,
			MaxAttempts:         DefaultMaxAttempts,
			Dependencies:        true,
			Grouped:             true,
			terminal:            statusSet(StatusApproved, StatusSubmitted, StatusDone, StatusFailed),
			settled:             statusSet(StatusApproved, StatusSubmitted),
			table:               issueTable(),
		}, nil
	default:
		return Policy{}, fmt.Errorf("invalid variant %q", v)
	}
}

func workerTable(approved Status) map[transition]Status {
	t := map[transition]Status{
		{StatusInProgress, EventSubmitProof}: StatusPRReceived,
		{StatusPRReceived, EventBindRound}:   StatusInReview,
		{StatusInReview, EventApprove}:       approved,
		{StatusInReview, EventReject}:        StatusInitialized,
	}
	for _, s := range []Status{StatusInitialized, StatusInProgress, StatusPRReceived, StatusInReview} {
		t[transition{s, EventClaim}] = StatusInProgress
		t[transition{s, EventExhaustDone}] = StatusDone
		t[transition{s, EventExhaustFailed}] = StatusFailed
	}
	for _, s := range []Status{StatusInProgress, StatusPRReceived} {
		t[transition{s, EventRelease}] = StatusInitialized
	}
	for _, s := range []Status{StatusInProgress, StatusPRReceived, StatusInReview} {
		t[transition{s, EventReset}] = StatusInitialized
	}
	return t
}

func issueTable() map[transition]Status {
	t := map[transition]Status{
		{StatusInitialized, EventReserve}:             StatusAggregatorPending,
		{StatusAggregatorPending, EventReserveExpire}: StatusInitialized,
		{StatusAggregatorPending, EventActivate}:      StatusInProgress,
		{StatusInProgress, EventChildrenApproved}:     StatusAssignPending,
		{StatusAssigned, EventSubmitProof}:            StatusPRReceived,
		{StatusPRReceived, EventBindRound}:            StatusInReview,
		{StatusInReview, EventApprove}:                StatusApproved,
		{StatusInReview, EventReject}:                 StatusAssignPending,
		{StatusApproved, EventSubmit}:                 StatusSubmitted,
	}
	for _, s := range []Status{StatusAssignPending, StatusAssigned, StatusPRReceived, StatusInReview} {
		t[transition{s, EventClaim}] = StatusAssigned
		t[transition{s, EventExhaustDone}] = StatusDone
		t[transition{s, EventExhaustFailed}] = StatusFailed
	}
	for _, s := range []Status{StatusAssigned, StatusPRReceived} {
		t[transition{s, EventRelease}] = StatusAssignPending
	}
	for _, s := range []Status{StatusAssigned, StatusPRReceived, StatusInReview} {
		t[transition{s, EventReset}] = StatusAssignPending
	}
	return t
}

func statusSet(statuses ...Status) map[Status]bool {
	m := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		m[s] = true
	}
	return m
}

// Next returns the status reached by applying ev in from.
func (p Policy) Next(from Status, ev Event) (Status, error) {
	to, ok := p.table[transition{from, ev}]
	if !ok {
		return "", InvalidTransitionError{Variant: p.Variant, From: from, Event: ev}
	}
	return to, nil
}

func (p Policy) Can(from Status, ev Event) bool {
	_, ok := p.table[transition{from, ev}]
	return ok
}

// From lists the statuses in which ev is accepted, sorted.
func (p Policy) From(ev Event) []Status {
	var res []Status
	for k := range p.table {
		if k.event == ev {
			res = append(res, k.from)
		}
	}
	sortStatuses(res)
	return res
}

func (p Policy) IsTerminal(s Status) bool { return p.terminal[s] }

// Terminal lists the terminal statuses, sorted.
func (p Policy) Terminal() []Status {
	res := make([]Status, 0, len(p.terminal))
	for s := range p.terminal {
		res = append(res, s)
	}
	sortStatuses(res)
	return res
}

// IsApproved reports whether s is the approved-review status or one that can
// only follow it.
func (p Policy) IsApproved(s Status) bool { return p.settled[s] }

// HeldStatuses are the statuses in which a live claim times out.
func (p Policy) HeldStatuses() []Status {
	return []Status{p.ClaimedStatus, StatusPRReceived}
}

func sortStatuses(s []Status) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
