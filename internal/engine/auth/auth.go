package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signed actions a worker may perform.
const (
	ActionFetchClaim    = "fetch-claim"
	ActionSubmitProof   = "submit-proof"
	ActionBindRound     = "bind-round"
	ActionReportFailure = "report-failure"
	ActionReleaseClaim  = "release-claim"
)

// UnauthorizedError indicates a proof that failed verification or a claimant
// that is not eligible for the lineage.
type UnauthorizedError struct {
	Reason string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

// Payload is the signed body of a worker request.
type Payload struct {
	LineageID      string `json:"lineage_id"`
	Action         string `json:"action"`
	ClaimantKey    string `json:"claimant_key"`
	GithubUsername string `json:"github_username,omitempty"`
	PRURL          string `json:"pr_url,omitempty"`
	UnitID         string `json:"unit_id,omitempty"`
	Message        string `json:"message,omitempty"`
	jwt.RegisteredClaims
}

// Require checks that the payload was signed for action within lineageID.
func (p Payload) Require(action, lineageID string) error {
	if p.Action != action {
		return UnauthorizedError{Reason: fmt.Sprintf("proof signed for %q, not %q", p.Action, action)}
	}
	if p.LineageID != lineageID {
		return UnauthorizedError{Reason: "proof signed for another lineage"}
	}
	return nil
}

// Verifier checks that token was signed by the key claimantKey names.
type Verifier interface {
	Verify(ctx context.Context, claimantKey, token string) (Payload, error)
}

// JWTVerifier verifies EdDSA-signed JWTs whose signer is the hex encoded
// ed25519 public key carried as the claimant key.
type JWTVerifier struct {
	// MaxAge rejects proofs issued longer ago than this. Zero disables the check.
	MaxAge time.Duration
	Now    func() time.Time
}

func (v JWTVerifier) Verify(_ context.Context, claimantKey, token string) (Payload, error) {
	pub, err := PublicKeyFromHex(claimantKey)
	if err != nil {
		return Payload{}, UnauthorizedError{Reason: err.Error()}
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Payload{}, UnauthorizedError{Reason: "missing signature"}
	}
	now := v.Now
	if now == nil {
		now = time.Now
	}
	var p Payload
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}), jwt.WithTimeFunc(now), jwt.WithLeeway(30*time.Second))
	if _, err := parser.ParseWithClaims(token, &p, func(*jwt.Token) (any, error) { return pub, nil }); err != nil {
		return Payload{}, UnauthorizedError{Reason: "invalid signature"}
	}
	if p.ClaimantKey != claimantKey {
		return Payload{}, UnauthorizedError{Reason: "claimant key mismatch"}
	}
	if v.MaxAge > 0 {
		if p.IssuedAt == nil || now().Sub(p.IssuedAt.Time) > v.MaxAge {
			return Payload{}, UnauthorizedError{Reason: "proof expired"}
		}
	}
	return p, nil
}

// Sign produces a proof for p with the claimant's private key. The claimant
// key and issue time are filled in when empty.
func Sign(priv ed25519.PrivateKey, p Payload) (string, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return "", errors.New("invalid ed25519 private key")
	}
	if p.ClaimantKey == "" {
		p.ClaimantKey = hex.EncodeToString(pub)
	}
	if p.IssuedAt == nil {
		p.IssuedAt = jwt.NewNumericDate(time.Now())
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, p).SignedString(priv)
}

// GenerateKey returns a new key pair with the public half hex encoded.
func GenerateKey() (string, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, err
	}
	return hex.EncodeToString(pub), priv, nil
}

func PublicKeyFromHex(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("claimant key must be a hex encoded ed25519 public key")
	}
	return ed25519.PublicKey(raw), nil
}

// PrivateKeyFromHex accepts either a 32 byte seed or a 64 byte private key.
func PrivateKeyFromHex(s string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, errors.New("private key must be a hex encoded ed25519 seed or key")
	}
}

// Eligibility decides whether a verified claimant may work in a lineage.
type Eligibility interface {
	IsEligible(ctx context.Context, lineageID, claimantKey string) (bool, error)
}

// Registry admits claimants listed in Store, or everyone when the lineage is
// open for enrollment.
type Registry struct {
	Store          Eligibility
	OpenEnrollment func(lineageID string) bool
}

func (r Registry) IsEligible(ctx context.Context, lineageID, claimantKey string) (bool, error) {
	if r.OpenEnrollment != nil && r.OpenEnrollment(lineageID) {
		return true, nil
	}
	if r.Store == nil {
		return false, nil
	}
	return r.Store.IsEligible(ctx, lineageID, claimantKey)
}
