package server

import (
	"claimline/internal/domain"
	"claimline/internal/engine"
)

// Worker request payloads. Every worker call carries the claimant key and a
// proof signed by it.

type WorkerAuth struct {
	ClaimantKey string `json:"claimant_key" minLength:"1" doc:"Hex encoded ed25519 public key"`
	Signature   string `json:"signature" minLength:"1" doc:"EdDSA JWT signed by the claimant key"`
}

type FetchClaimRequest struct {
	WorkerAuth
	Variant string `json:"variant,omitempty" enum:"documentation,bug_finder,feature_todo,feature_issue"`
}

type SubmitProofRequest struct {
	WorkerAuth
	PRURL string `json:"pr_url,omitempty" format:"uri"`
}

type BindRoundRequest struct {
	WorkerAuth
}

type ReleaseClaimRequest struct {
	WorkerAuth
}

type ReportFailureRequest struct {
	WorkerAuth
	UnitID  string `json:"unit_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Admin request payloads

type SyncUnitsRequest struct {
	Units []engine.UnitSpec `json:"units" minItems:"1"`
}

type VerdictRequest struct {
	Positive []string `json:"positive_keys,omitempty"`
	Negative []string `json:"negative_keys,omitempty"`
}

type AssignNextRequest struct {
	LeaderKey string `json:"leader_key" minLength:"1"`
}

type SetEligibleRequest struct {
	Allowed bool `json:"allowed"`
}

// Responses

type ClaimResponse struct {
	Status     string             `json:"status" enum:"claimed,resumed,none"`
	Unit       *domain.WorkUnit   `json:"unit,omitempty"`
	Assignment *domain.Assignment `json:"assignment,omitempty"`
}

type CheckAssignmentResponse struct {
	Exists bool `json:"exists"`
}

type UnitListResponse struct {
	Items []domain.WorkUnit `json:"items"`
}

type EventListResponse struct {
	Items      []domain.EventRecord `json:"items"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

type FailureListResponse struct {
	Items []domain.FailureLog `json:"items"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

func claimResponse(c engine.Claim) ClaimResponse {
	status := "claimed"
	if c.Resumed {
		status = "resumed"
	}
	return ClaimResponse{Status: status, Unit: &c.Unit, Assignment: &c.Assignment}
}
