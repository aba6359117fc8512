package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types. Types prefixed with "bounty." are relayed as bounty status
// notifications.
const (
	UnitCreated         = "unit.created"
	UnitClaimed         = "unit.claimed"
	UnitProofSubmitted  = "unit.proof_submitted"
	UnitRoundBound      = "unit.round_bound"
	UnitApproved        = "unit.approved"
	UnitRejected        = "unit.rejected"
	UnitReleased        = "unit.released"
	UnitReset           = "unit.reset"
	UnitExhausted       = "unit.exhausted"
	UnitReserved        = "unit.reserved"
	UnitActivated       = "unit.activated"
	UnitMerged          = "unit.merged"
	UnitSubmitted       = "unit.submitted"
	ClaimantFailure     = "claimant.failure"
	ClaimantEligibility = "claimant.eligibility"
	RoundReconciled     = "round.reconciled"
	RoundFailed         = "round.failed"
	BountyAssigned      = "bounty.assigned"
	BountyAuditing      = "bounty.auditing"
	BountyCompleted     = "bounty.completed"
	BountyFailed        = "bounty.failed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, lineageID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,lineage_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(lineageID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
