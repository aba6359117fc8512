package domain

// WorkUnit is one claimable piece of work. Claim binding fields describe the
// current holder only; the full claim history lives in Assignments.
type WorkUnit struct {
	ID              string       `json:"id"`
	Variant         Variant      `json:"variant" enum:"documentation,bug_finder,feature_todo,feature_issue"`
	BountyID        *string      `json:"bounty_id,omitempty"`
	RepoOwner       string       `json:"repo_owner"`
	RepoName        string       `json:"repo_name"`
	Status          Status       `json:"status"`
	RoundNumber     *int64       `json:"round_number,omitempty"`
	PredecessorID   *string      `json:"predecessor_id,omitempty"`
	ParentID        *string      `json:"parent_id,omitempty"`
	LineageID       *string      `json:"lineage_id,omitempty"`
	ClaimantKey     *string      `json:"claimant_key,omitempty"`
	GithubUsername  *string      `json:"github_username,omitempty"`
	ForkOwner       *string      `json:"fork_owner,omitempty"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
	UpdatedAt       string       `json:"updated_at" format:"date-time"`
	StatusChangedAt string       `json:"status_changed_at" format:"date-time"`
	Assignments     []Assignment `json:"assignments,omitempty"`
	AttemptCount    int          `json:"attempt_count"`
	Title           string       `json:"title,omitempty"`
}

// Assignment is one claim attempt by one identity. Approved is nil until a
// verdict is applied.
type Assignment struct {
	ID             string  `json:"id"`
	UnitID         string  `json:"unit_id"`
	ClaimantKey    string  `json:"claimant_key"`
	LineageID      string  `json:"lineage_id"`
	GithubUsername *string `json:"github_username,omitempty"`
	PRURL          *string `json:"pr_url,omitempty"`
	RoundNumber    *int64  `json:"round_number,omitempty"`
	Approved       *bool   `json:"approved,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type LedgerStatus string

const (
	LedgerInProgress LedgerStatus = "in_progress"
	LedgerCompleted  LedgerStatus = "completed"
	LedgerFailed     LedgerStatus = "failed"
)

// LedgerEntry guards reconciliation of one (lineage, round).
type LedgerEntry struct {
	LineageID string       `json:"lineage_id"`
	Round     int64        `json:"round"`
	Status    LedgerStatus `json:"status" enum:"in_progress,completed,failed"`
	Error     string       `json:"error,omitempty"`
	StartedAt string       `json:"started_at" format:"date-time"`
	UpdatedAt string       `json:"updated_at" format:"date-time"`
}

// Verdict is the distribution result for one round of a lineage.
type Verdict struct {
	LineageID  string   `json:"lineage_id"`
	Round      int64    `json:"round"`
	Positive   []string `json:"positive_keys"`
	Negative   []string `json:"negative_keys"`
	RecordedAt string   `json:"recorded_at" format:"date-time"`
}

type FailureLog struct {
	ClaimantKey string `json:"claimant_key"`
	LineageID   string `json:"lineage_id"`
	UnitID      string `json:"unit_id,omitempty"`
	Message     string `json:"message"`
	Count       int    `json:"count"`
	FirstSeenAt string `json:"first_seen_at" format:"date-time"`
	LastSeenAt  string `json:"last_seen_at" format:"date-time"`
}

type EventRecord struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	LineageID  string `json:"lineage_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
