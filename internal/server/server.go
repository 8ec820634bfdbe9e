package server

import (
	"bytes"
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

	"escrowline/internal/config"
	"escrowline/internal/engine"
	"escrowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_funds"`
	Message string         `json:"message" example:"user u1 has 100, requested 250"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Escrowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Escrowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerOrders(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerActs(group, cfg.Engine)
	registerSettlements(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var pe engine.PermissionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ise engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	}
	var ife engine.InsufficientFundsError
	if errors.As(err, &ife) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_funds", err.Error(), map[string]any{
			"user_id":   ife.UserID,
			"requested": ife.Requested.String(),
			"available": ife.Available.String(),
		})
	}
	var re engine.ReconciliationError
	if errors.As(err, &re) {
		return newAPIError(http.StatusConflict, "reconciliation_required", err.Error(), map[string]any{
			"order_id":     re.OrderID,
			"milestone_id": re.MilestoneID,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Escrowline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.StatusSummary `json:"body"`
	}, error) {
		s, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusSummary `json:"body"`
		}{Body: s}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		u, err := e.CreateUser(ctx, input.Body.ID, input.Body.Name, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{id}",
		Summary:     "Get user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		u, err := e.GetUser(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]UserResponse, 0, len(items))
		for _, u := range items {
			res = append(res, userResponse(u))
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deposit",
		Method:      http.MethodPost,
		Path:        "/users/{id}/deposit",
		Summary:     "Deposit funds",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AmountRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		amount, aerr := parseAmount(input.Body.Amount)
		if aerr != nil {
			return nil, aerr
		}
		u, err := e.Deposit(ctx, input.ID, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw",
		Method:      http.MethodPost,
		Path:        "/users/{id}/withdraw",
		Summary:     "Withdraw funds",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AmountRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		amount, aerr := parseAmount(input.Body.Amount)
		if aerr != nil {
			return nil, aerr
		}
		u, err := e.Withdraw(ctx, input.ID, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "user-transactions",
		Method:      http.MethodGet,
		Path:        "/users/{id}/transactions",
		Summary:     "Ledger statement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TransactionResponse `json:"body"`
	}, error) {
		items, err := e.Statement(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransactionResponse `json:"body"`
		}{Body: mapTransactions(items)}, nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Create order",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		specs := make([]engine.MilestoneSpec, 0, len(input.Body.Milestones))
		for _, m := range input.Body.Milestones {
			amount, aerr := parseAmount(m.Amount)
			if aerr != nil {
				return nil, aerr
			}
			specs = append(specs, engine.MilestoneSpec{
				Description: m.Description,
				Amount:      amount,
				Deadline:    m.Deadline,
			})
		}
		opts := engine.OrderCreateOptions{
			ID:               input.Body.ID,
			Title:            input.Body.Title,
			CustomerIDs:      input.Body.CustomerIDs,
			RepresentativeID: input.Body.RepresentativeID,
			Milestones:       specs,
			ActorID:          actorID,
		}
		if len(opts.CustomerIDs) > 1 {
			ord, err := e.CreateGroupOrder(ctx, opts)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body OrderResponse `json:"body"`
			}{Body: orderResponse(ord)}, nil
		}
		customerID := actorID
		if len(opts.CustomerIDs) == 1 {
			customerID = opts.CustomerIDs[0]
		}
		ord, err := e.CreateOrder(ctx, customerID, opts.Title, opts.Milestones, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(ord)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status"`
		CustomerID string `query:"customer_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []OrderResponse `json:"body"`
	}, error) {
		items, err := e.ListOrders(ctx, repo.OrderFilters{
			Status:     input.Status,
			CustomerID: input.CustomerID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OrderResponse `json:"body"`
		}{Body: mapOrders(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}",
		Summary:     "Get order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		o, err := e.GetOrder(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fund-order",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/fund",
		Summary:     "Fund order escrow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string        `path:"order_id"`
		Body    AmountRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, aerr := parseAmount(input.Body.Amount)
		if aerr != nil {
			return nil, aerr
		}
		o, err := e.Fund(ctx, input.OrderID, actorID, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-contractor",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/contractor",
		Summary:     "Assign contractor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string                  `path:"order_id"`
		Body    AssignContractorRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.AssignContractor(ctx, input.OrderID, input.Body.ContractorID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-milestone-status",
		Method:      http.MethodPatch,
		Path:        "/orders/{order_id}/milestones/{id}/status",
		Summary:     "Update milestone status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string                 `path:"order_id"`
		ID      string                 `path:"id"`
		Body    MilestoneStatusRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.UpdateMilestoneStatus(ctx, input.OrderID, input.ID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vote-representative",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/votes",
		Summary:     "Vote for group representative",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string      `path:"order_id"`
		Body    VoteRequest `json:"body"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		changed, rep, err := e.VoteForRepresentative(ctx, input.OrderID, actorID, input.Body.CandidateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: VoteResponse{Changed: changed, RepresentativeID: rep}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-order",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/cancel",
		Summary:     "Cancel order",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string             `path:"order_id"`
		Body    CancelOrderRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CancelOrder(ctx, input.OrderID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/orders/{order_id}/documents",
		Summary:       "Attach document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string                `path:"order_id"`
		Body    CreateDocumentRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDocument(ctx, engine.DocumentCreateOptions{
			OrderID:     input.OrderID,
			Kind:        input.Body.Kind,
			Name:        input.Body.Name,
			Content:     input.Body.Content,
			PhaseID:     input.Body.PhaseID,
			Attachments: input.Body.Attachments,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/documents",
		Summary:     "List documents",
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
		Kind    string `query:"kind"`
		PhaseID string `query:"phase_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []DocumentResponse `json:"body"`
	}, error) {
		items, err := e.ListDocuments(ctx, repo.DocumentFilters{
			OrderID: input.OrderID,
			Kind:    input.Kind,
			PhaseID: input.PhaseID,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DocumentResponse `json:"body"`
		}{Body: mapDocuments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{id}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		d, err := e.GetDocument(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replace-document-content",
		Method:      http.MethodPut,
		Path:        "/documents/{id}/content",
		Summary:     "Replace document content",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body ReplaceDocumentRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ReplaceDocumentContent(ctx, input.ID, input.Body.Content, input.Body.Attachments, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-document",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/approve",
		Summary:     "Approve document",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ApproveDocument(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-readiness",
		Method:        http.MethodPost,
		Path:          "/orders/{order_id}/documents/readiness",
		Summary:       "Generate definition of ready",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GenerateReadinessDoc(ctx, input.OrderID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-roadmap",
		Method:        http.MethodPost,
		Path:          "/orders/{order_id}/documents/roadmap",
		Summary:       "Generate roadmap",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, _, err := e.GenerateRoadmapDoc(ctx, input.OrderID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "generate-done-criteria",
		Method:        http.MethodPost,
		Path:          "/orders/{order_id}/documents/done-criteria",
		Summary:       "Generate definition of done",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GenerateDoneCriteriaDoc(ctx, input.OrderID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: documentResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-deliverables",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/phases/{phase_id}/check",
		Summary:     "Check phase deliverables against done criteria",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
		PhaseID string `path:"phase_id"`
	}) (*struct {
		Body VerdictResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CheckDeliverable(ctx, input.OrderID, input.PhaseID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerdictResponse `json:"body"`
		}{Body: verdictResponse(v)}, nil
	})
}

func registerActs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-act",
		Method:        http.MethodPost,
		Path:          "/orders/{order_id}/acts",
		Summary:       "Generate acceptance act",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string             `path:"order_id"`
		Body    GenerateActRequest `json:"body"`
	}) (*struct {
		Body ActResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.GenerateAct(ctx, input.OrderID, input.Body.MilestoneID, input.Body.Name, input.Body.DeliverableIDs, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActResponse `json:"body"`
		}{Body: actResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-acts",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/acts",
		Summary:     "List acts",
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body []ActResponse `json:"body"`
	}, error) {
		items, err := e.ListActs(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActResponse `json:"body"`
		}{Body: mapActs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-act",
		Method:      http.MethodGet,
		Path:        "/acts/{id}",
		Summary:     "Get act",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ActResponse `json:"body"`
	}, error) {
		a, err := e.GetAct(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActResponse `json:"body"`
		}{Body: actResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-act",
		Method:      http.MethodPost,
		Path:        "/acts/{id}/sign",
		Summary:     "Sign act",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ActResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SignAct(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActResponse `json:"body"`
		}{Body: actResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-act",
		Method:      http.MethodPost,
		Path:        "/acts/{id}/reject",
		Summary:     "Reject act",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body RejectActRequest `json:"body"`
	}) (*struct {
		Body ActResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RejectAct(ctx, input.ID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActResponse `json:"body"`
		}{Body: actResponse(a)}, nil
	})
}

func registerSettlements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-payouts",
		Method:      http.MethodGet,
		Path:        "/settlements/pending",
		Summary:     "List payouts pending reconciliation",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []MilestoneResponse `json:"body"`
	}, error) {
		items, err := e.PendingPayouts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MilestoneResponse `json:"body"`
		}{Body: mapMilestones(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-settlement",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/milestones/{id}/settle",
		Summary:     "Retry a pending settlement",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
		ID      string `path:"id"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RetrySettlement(ctx, input.OrderID, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
		OrderID    string `query:"order_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.ListEvents(ctx, input.Limit, input.Cursor, input.OrderID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Get settlement config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetSettlementConfig(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-config",
		Method:      http.MethodPut,
		Path:        "/config",
		Summary:     "Update settlement config",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body config.Config `json:"body"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		cfg := input.Body
		if err := cfg.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Repo.UpsertSettlementConfig(ctx, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}
