package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"claimline/internal/domain"
	"claimline/internal/engine"
	"claimline/internal/engine/auth"
	"claimline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_completed"`
	Message string         `json:"message" example:"claim already completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the claimline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("claimline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	// No $schema links in response bodies.
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerClaims(group, cfg.Engine)
	registerUnits(group, cfg.Engine)
	registerRounds(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerClaimants(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var ue auth.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", msg, nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	var te domain.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", msg, map[string]any{"from": te.From, "event": te.Event})
	}
	switch {
	case errors.Is(err, engine.ErrUnknownLineage):
		return newAPIError(http.StatusNotFound, "unknown_lineage", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrAlreadyCompleted):
		return newAPIError(http.StatusConflict, "already_completed", msg, nil)
	case errors.Is(err, engine.ErrAlreadyProcessed):
		return newAPIError(http.StatusConflict, "already_processed", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrUpstreamUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "upstream_unavailable", msg, nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "upstream_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if isPublicPath(basePath, route) || isPublicPath(basePath, strings.ReplaceAll(route, "{lineage}", "x")) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>claimline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Admin routes take Authorization: Bearer &lt;token&gt; or X-Api-Key. Worker routes take a signed claimant proof.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body StatusResponse }, error) {
		return &struct{ Body StatusResponse }{Body: StatusResponse{Status: "ok"}}, nil
	})
}

type LineagePath struct {
	Lineage string `path:"lineage"`
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "fetch-claim",
		Method:      http.MethodPost,
		Path:        "/lineages/{lineage}/claims",
		Summary:     "Claim the next work unit",
		Tags:        []string{"worker"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		LineagePath
		Body FetchClaimRequest
	}) (*struct{ Body ClaimResponse }, error) {
		claim, err := e.FetchClaim(ctx, engine.ClaimRequest{
			LineageID:   input.Lineage,
			ClaimantKey: input.Body.ClaimantKey,
			Signature:   input.Body.Signature,
			Variant:     domain.Variant(input.Body.Variant),
		})
		if errors.Is(err, engine.ErrNoneAvailable) {
			return &struct{ Body ClaimResponse }{Body: ClaimResponse{Status: "none"}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body ClaimResponse }{Body: claimResponse(claim)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-proof",
		Method:      http.MethodPost,
		Path:        "/lineages/{lineage}/claims/proof",
		Summary:     "Attach a pull request to the held claim",
		Tags:        []string{"worker"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		LineagePath
		Body SubmitProofRequest
	}) (*struct{ Body domain.WorkUnit }, error) {
		u, err := e.SubmitProof(ctx, engine.ProofRequest{
			LineageID:   input.Lineage,
			ClaimantKey: input.Body.ClaimantKey,
			Signature:   input.Body.Signature,
			PRURL:       input.Body.PRURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.WorkUnit }{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bind-round",
		Method:      http.MethodPost,
		Path:        "/lineages/{lineage}/claims/round",
		Summary:     "Bind the submitted claim to the audit round",
		Tags:        []string{"worker"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		LineagePath
		Body BindRoundRequest
	}) (*struct{ Body domain.WorkUnit }, error) {
		u, err := e.BindRound(ctx, engine.BindRequest{
			LineageID:   input.Lineage,
			ClaimantKey: input.Body.ClaimantKey,
			Signature:   input.Body.Signature,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.WorkUnit }{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-claim",
		Method:      http.MethodPost,
		Path:        "/lineages/{lineage}/claims/release",
		Summary:     "Give back the held claim",
		Tags:        []string{"worker"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		LineagePath
		Body ReleaseClaimRequest
	}) (*struct{ Body domain.WorkUnit }, error) {
		u, err := e.ReleaseClaim(ctx, engine.ReleaseRequest{
			LineageID:   input.Lineage,
			ClaimantKey: input.Body.ClaimantKey,
			Signature:   input.Body.Signature,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.WorkUnit }{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "report-failure",
		Method:        http.MethodPost,
		Path:          "/lineages/{lineage}/claims/failures",
		Summary:       "Report a worker-side failure",
		Tags:          []string{"worker"},
		DefaultStatus: http.StatusAccepted,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		LineagePath
		Body ReportFailureRequest
	}) (*struct{ Body StatusResponse }, error) {
		err := e.ReportFailure(ctx, engine.FailureRequest{
			LineageID:   input.Lineage,
			ClaimantKey: input.Body.ClaimantKey,
			Signature:   input.Body.Signature,
			UnitID:      input.Body.UnitID,
			Message:     input.Body.Message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body StatusResponse }{Body: StatusResponse{Status: "recorded"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-assignment",
		Method:      http.MethodGet,
		Path:        "/lineages/{lineage}/assignments/check",
		Summary:     "Check a claimant's attempt for a round",
		Tags:        []string{"worker"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		LineagePath
		ClaimantKey string `query:"claimant_key" required:"true"`
		Round       int64  `query:"round" required:"true"`
		PRURL       string `query:"pr_url" required:"true"`
	}) (*struct{ Body CheckAssignmentResponse }, error) {
		ok, err := e.CheckAssignment(ctx, input.Lineage, input.ClaimantKey, input.Round, input.PRURL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body CheckAssignmentResponse }{Body: CheckAssignmentResponse{Exists: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-failures",
		Method:      http.MethodGet,
		Path:        "/lineages/{lineage}/failures",
		Summary:     "List failure reports of a claimant",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		LineagePath
		ClaimantKey string `query:"claimant_key" required:"true"`
	}) (*struct{ Body FailureListResponse }, error) {
		items, err := e.Repo.ListFailures(ctx, input.Lineage, input.ClaimantKey)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.FailureLog{}
		}
		return &struct{ Body FailureListResponse }{Body: FailureListResponse{Items: items}}, nil
	})
}

func registerUnits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-units",
		Method:      http.MethodPost,
		Path:        "/units",
		Summary:     "Load work units",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct{ Body SyncUnitsRequest }) (*struct{ Body engine.SyncResult }, error) {
		res, err := e.SyncUnits(ctx, input.Body.Units, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body engine.SyncResult }{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "List work units",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Variant   string `query:"variant"`
		Status    string `query:"status" doc:"Comma separated statuses"`
		BountyID  string `query:"bounty_id"`
		ParentID  string `query:"parent_id"`
		LineageID string `query:"lineage_id"`
		Limit     int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*struct{ Body UnitListResponse }, error) {
		f := repo.UnitFilters{
			Variant:   domain.Variant(input.Variant),
			BountyID:  input.BountyID,
			ParentID:  input.ParentID,
			LineageID: input.LineageID,
			Limit:     input.Limit,
		}
		for _, s := range strings.Split(input.Status, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, domain.Status(s))
			}
		}
		items, err := e.ListUnits(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WorkUnit{}
		}
		return &struct{ Body UnitListResponse }{Body: UnitListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-unit",
		Method:      http.MethodGet,
		Path:        "/units/{id}",
		Summary:     "Show a work unit with its claim history",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{ Body domain.WorkUnit }, error) {
		u, err := e.GetUnit(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.WorkUnit }{Body: u}, nil
	})
}

type RoundPath struct {
	Lineage string `path:"lineage"`
	Round   int64  `path:"round" minimum:"0"`
}

func registerRounds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-verdict",
		Method:      http.MethodPut,
		Path:        "/lineages/{lineage}/rounds/{round}/verdict",
		Summary:     "Record the distribution result of a round",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		RoundPath
		Body VerdictRequest
	}) (*struct{ Body domain.Verdict }, error) {
		v, err := e.RecordVerdict(ctx, domain.Verdict{
			LineageID: input.Lineage,
			Round:     input.Round,
			Positive:  input.Body.Positive,
			Negative:  input.Body.Negative,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Verdict }{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-round",
		Method:      http.MethodPost,
		Path:        "/lineages/{lineage}/rounds/{round}/reconcile",
		Summary:     "Apply a round's verdict",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *RoundPath) (*struct{ Body engine.ReconcileResult }, error) {
		res, err := e.ReconcileRound(ctx, input.Lineage, input.Round, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body engine.ReconcileResult }{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ledger",
		Method:      http.MethodGet,
		Path:        "/lineages/{lineage}/rounds/{round}/ledger",
		Summary:     "Show the reconciliation record of a round",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *RoundPath) (*struct{ Body domain.LedgerEntry }, error) {
		entry, err := e.LedgerEntry(ctx, input.Lineage, input.Round)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.LedgerEntry }{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/lineages/{lineage}/sweep",
		Summary:     "Close units that used up their attempts",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *LineagePath) (*struct{ Body engine.SweepResult }, error) {
		res, err := e.Sweep(ctx, input.Lineage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body engine.SweepResult }{Body: res}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-next-issue",
		Method:      http.MethodPost,
		Path:        "/lineages/{lineage}/issues/next",
		Summary:     "Reserve the next ready feature issue",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		LineagePath
		Body AssignNextRequest
	}) (*struct{ Body ClaimResponse }, error) {
		u, err := e.AssignNext(ctx, input.Lineage, input.Body.LeaderKey, actorID(ctx))
		if errors.Is(err, engine.ErrNoneAvailable) {
			return &struct{ Body ClaimResponse }{Body: ClaimResponse{Status: "none"}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body ClaimResponse }{Body: ClaimResponse{Status: "claimed", Unit: &u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-issue",
		Method:      http.MethodPost,
		Path:        "/units/{id}/activate",
		Summary:     "Fork the repository of a reserved issue and start its todos",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{ Body domain.WorkUnit }, error) {
		u, err := e.Activate(ctx, input.ID, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.WorkUnit }{Body: u}, nil
	})
}

func registerClaimants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-eligible",
		Method:      http.MethodPut,
		Path:        "/lineages/{lineage}/claimants/{key}",
		Summary:     "Allow or remove a claimant",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		LineagePath
		Key  string `path:"key"`
		Body SetEligibleRequest
	}) (*struct{ Body StatusResponse }, error) {
		if err := e.SetEligible(ctx, input.Lineage, input.Key, input.Body.Allowed, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		status := "removed"
		if input.Body.Allowed {
			status = "allowed"
		}
		return &struct{ Body StatusResponse }{Body: StatusResponse{Status: status}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recorded events, newest first",
		Tags:        []string{"admin"},
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		LineageID  string `query:"lineage_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Before     int64  `query:"before" doc:"Return events older than this id"`
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct{ Body EventListResponse }, error) {
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			LineageID:  input.LineageID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     input.Before,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{Items: items}
		if resp.Items == nil {
			resp.Items = []domain.EventRecord{}
		}
		if n := len(items); n > 0 {
			resp.NextCursor = items[n-1].ID
		}
		return &struct{ Body EventListResponse }{Body: resp}, nil
	})
}
