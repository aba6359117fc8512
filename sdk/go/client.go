package claimlinesdk

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"claimline/internal/engine/auth"
)

// Client is a minimal claimline HTTP API client. Worker calls are signed with
// Key; admin calls send APIKey or BearerToken.
type Client struct {
	BaseURL        string
	Key            ed25519.PrivateKey
	GithubUsername string
	APIKey         string
	BearerToken    string
	HTTPClient     *http.Client
	Timeout        time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string, key ed25519.PrivateKey) *Client {
	return &Client{
		BaseURL: baseURL,
		Key:     key,
		Timeout: 10 * time.Second,
	}
}

// Unit represents the API work unit model (partial).
type Unit struct {
	ID          string `json:"id"`
	Variant     string `json:"variant"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	BountyID    string `json:"bounty_id,omitempty"`
	RepoOwner   string `json:"repo_owner"`
	RepoName    string `json:"repo_name"`
	ClaimantKey string `json:"claimant_key,omitempty"`
	RoundNumber *int64 `json:"round_number,omitempty"`
}

// Claim is the result of FetchClaim. Status is claimed, resumed or none.
type Claim struct {
	Status string `json:"status"`
	Unit   *Unit  `json:"unit,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	LineageID  string `json:"lineage_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

type workerAuth struct {
	ClaimantKey string `json:"claimant_key"`
	Signature   string `json:"signature"`
}

func (c *Client) sign(lineage, action string, p auth.Payload) (workerAuth, error) {
	if c.Key == nil {
		return workerAuth{}, errors.New("claimlinesdk: signing key not set")
	}
	p.LineageID = lineage
	p.Action = action
	if p.GithubUsername == "" {
		p.GithubUsername = c.GithubUsername
	}
	token, err := auth.Sign(c.Key, p)
	if err != nil {
		return workerAuth{}, err
	}
	return workerAuth{ClaimantKey: c.ClaimantKey(), Signature: token}, nil
}

// ClaimantKey returns the hex public key the client signs as.
func (c *Client) ClaimantKey() string {
	if c.Key == nil {
		return ""
	}
	pub, _ := c.Key.Public().(ed25519.PublicKey)
	return fmt.Sprintf("%x", []byte(pub))
}

// FetchClaim asks for the next unit of lineage. An empty variant lets the
// server pick from every variant the lineage serves.
func (c *Client) FetchClaim(ctx context.Context, lineage, variant string) (Claim, error) {
	wa, err := c.sign(lineage, auth.ActionFetchClaim, auth.Payload{})
	if err != nil {
		return Claim{}, err
	}
	body := struct {
		workerAuth
		Variant string `json:"variant,omitempty"`
	}{wa, variant}
	var resp Claim
	err = c.do(ctx, http.MethodPost, c.lineagePath(lineage, "claims"), body, &resp)
	return resp, err
}

// SubmitProof attaches prURL to the held claim.
func (c *Client) SubmitProof(ctx context.Context, lineage, prURL string) (Unit, error) {
	wa, err := c.sign(lineage, auth.ActionSubmitProof, auth.Payload{PRURL: prURL})
	if err != nil {
		return Unit{}, err
	}
	body := struct {
		workerAuth
		PRURL string `json:"pr_url"`
	}{wa, prURL}
	var resp Unit
	err = c.do(ctx, http.MethodPost, c.lineagePath(lineage, "claims/proof"), body, &resp)
	return resp, err
}

// BindRound moves the submitted claim into review for the audit round.
func (c *Client) BindRound(ctx context.Context, lineage string) (Unit, error) {
	wa, err := c.sign(lineage, auth.ActionBindRound, auth.Payload{})
	if err != nil {
		return Unit{}, err
	}
	var resp Unit
	err = c.do(ctx, http.MethodPost, c.lineagePath(lineage, "claims/round"), wa, &resp)
	return resp, err
}

// Release gives the held claim back.
func (c *Client) Release(ctx context.Context, lineage string) (Unit, error) {
	wa, err := c.sign(lineage, auth.ActionReleaseClaim, auth.Payload{})
	if err != nil {
		return Unit{}, err
	}
	var resp Unit
	err = c.do(ctx, http.MethodPost, c.lineagePath(lineage, "claims/release"), wa, &resp)
	return resp, err
}

// ReportFailure records a worker-side error for unitID.
func (c *Client) ReportFailure(ctx context.Context, lineage, unitID, message string) error {
	wa, err := c.sign(lineage, auth.ActionReportFailure, auth.Payload{UnitID: unitID, Message: message})
	if err != nil {
		return err
	}
	body := struct {
		workerAuth
		UnitID  string `json:"unit_id,omitempty"`
		Message string `json:"message"`
	}{wa, unitID, message}
	return c.do(ctx, http.MethodPost, c.lineagePath(lineage, "claims/failures"), body, nil)
}

// CheckAssignment reports whether claimantKey holds an attempt bound to round
// with prURL.
func (c *Client) CheckAssignment(ctx context.Context, lineage, claimantKey string, round int64, prURL string) (bool, error) {
	q := url.Values{}
	q.Set("claimant_key", claimantKey)
	q.Set("round", fmt.Sprint(round))
	q.Set("pr_url", prURL)
	var resp struct {
		Exists bool `json:"exists"`
	}
	err := c.do(ctx, http.MethodGet, c.lineagePath(lineage, "assignments/check")+"?"+q.Encode(), nil, &resp)
	return resp.Exists, err
}

// RecordVerdict publishes the distribution result of a round.
func (c *Client) RecordVerdict(ctx context.Context, lineage string, round int64, positive, negative []string) error {
	body := map[string]any{}
	if len(positive) > 0 {
		body["positive_keys"] = positive
	}
	if len(negative) > 0 {
		body["negative_keys"] = negative
	}
	return c.do(ctx, http.MethodPut, c.lineagePath(lineage, fmt.Sprintf("rounds/%d/verdict", round)), body, nil)
}

// Reconcile applies the verdict of a round.
func (c *Client) Reconcile(ctx context.Context, lineage string, round int64) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, c.lineagePath(lineage, fmt.Sprintf("rounds/%d/reconcile", round)), nil, &resp)
	return resp, err
}

// EventsPage returns events older than before, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, before int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if before > 0 {
		q.Set("before", fmt.Sprint(before))
	}
	endpoint := "v1/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) lineagePath(lineage, p string) string {
	return fmt.Sprintf("v1/lineages/%s/%s", url.PathEscape(lineage), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
