// Package server exposes the orchestration engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"agentrelay/internal/directory"
	"agentrelay/internal/domain"
	"agentrelay/internal/engine"
	"agentrelay/internal/planner"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Relay    http.Handler
	BasePath string
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found in active plan"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the agentrelay API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Agentrelay API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPipeline(group, cfg.Engine)
	registerPlan(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerLog(group, cfg.Engine)
	registerProviders(group, cfg.Engine)
	registerWallet(group, cfg.Engine)
	registerReceipt(router, basePath, cfg.Engine)

	if cfg.Relay != nil {
		router.Handle(basePath+"/relay/generate", cfg.Relay)
	}

	logger.Info("api handler ready", zap.String("base_path", basePath))
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
	if errors.Is(err, engine.ErrNoPlan) || errors.Is(err, engine.ErrTaskNotFound) || errors.Is(err, directory.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var genErr *planner.GenerationError
	if errors.As(err, &genErr) {
		return newAPIError(http.StatusBadGateway, "generation_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "superseded"):
		return newAPIError(http.StatusConflict, "run_superseded", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "generation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerPipeline(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-pipeline",
		Method:      http.MethodPost,
		Path:        "/pipeline/run",
		Summary:     "Run the orchestration pipeline",
		Description: "Decomposes the brief into a plan and resolves every sub-task sequentially. The call blocks until resolution finishes.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RunPipelineRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		opts := engine.RunOptions{
			Brief:        input.Body.Brief,
			CompanyName:  input.Body.CompanyName,
			ClientWallet: input.Body.ClientWallet,
		}
		if input.Body.Budget != nil {
			opts.Budget = *input.Body.Budget
		}
		plan, err := e.RunPipeline(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: PlanResponse{Plan: *plan}}, nil
	})
}

func registerPlan(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plan",
		Summary:     "Active project plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		plan := e.Plan()
		if plan == nil {
			return nil, handleError(engine.ErrNoPlan)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: PlanResponse{Plan: *plan}}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	type taskPath struct {
		TaskID string `path:"task_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/approve",
		Summary:     "Approve a sub-task and release payment",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := e.Approve(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: task}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reject",
		Summary:     "Request a revision and reassign",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := e.Reject(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: task}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-deliverable",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/deliverable",
		Summary:     "Attach a deliverable and move to review",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   DeliverableRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if input.Body.Type == "" || input.Body.Extension == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type and extension are required", nil)
		}
		task, err := e.SubmitDeliverable(ctx, input.TaskID, domain.FileMetadata{
			Type:      input.Body.Type,
			Extension: input.Body.Extension,
			Size:      input.Body.Size,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: task}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/fail",
		Summary:     "Mark a sub-task as unrecoverable",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   FailTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := e.Fail(ctx, input.TaskID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: task}}, nil
	})
}

func registerLog(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-log",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Execution log, newest first",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" doc:"Return only entries with seq greater than this cursor, oldest first"`
	}) (*struct {
		Body LogResponse `json:"body"`
	}, error) {
		var entries []domain.LogEntry
		if input.After > 0 {
			entries = e.Log.After(input.After)
		} else {
			entries = e.Log.Snapshot()
		}
		return &struct {
			Body LogResponse `json:"body"`
		}{Body: LogResponse{Entries: entries}}, nil
	})
}

func registerProviders(api huma.API, e *engine.Engine) {
	type providerPath struct {
		ProviderID string `path:"provider_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "List providers in directory order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProvidersResponse `json:"body"`
	}, error) {
		providers, err := e.Directory.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProvidersResponse `json:"body"`
		}{Body: ProvidersResponse{Providers: providers}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-provider",
		Method:        http.MethodPost,
		Path:          "/providers",
		Summary:       "Onboard a provider",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ProviderRequest `json:"body"`
	}) (*struct {
		Body domain.ServiceProvider `json:"body"`
	}, error) {
		p, err := e.Directory.Add(ctx, toProvider(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		e.Log.Append(fmt.Sprintf("Partner %s onboarded.", p.Name), domain.LogSuccess)
		return &struct {
			Body domain.ServiceProvider `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-provider",
		Method:      http.MethodGet,
		Path:        "/providers/{provider_id}",
		Summary:     "Get a provider",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *providerPath) (*struct {
		Body domain.ServiceProvider `json:"body"`
	}, error) {
		p, err := e.Directory.Get(ctx, input.ProviderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceProvider `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-provider",
		Method:      http.MethodPut,
		Path:        "/providers/{provider_id}",
		Summary:     "Update a provider",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProviderID string          `path:"provider_id"`
		Body       ProviderRequest `json:"body"`
	}) (*struct {
		Body domain.ServiceProvider `json:"body"`
	}, error) {
		p := toProvider(input.Body)
		p.ID = input.ProviderID
		if err := e.Directory.Update(ctx, p); err != nil {
			return nil, handleError(err)
		}
		updated, err := e.Directory.Get(ctx, input.ProviderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ServiceProvider `json:"body"`
		}{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-provider",
		Method:        http.MethodDelete,
		Path:          "/providers/{provider_id}",
		Summary:       "Remove a provider",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *providerPath) (*struct{}, error) {
		if err := e.Directory.Delete(ctx, input.ProviderID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerWallet(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "connect-wallet",
		Method:      http.MethodPost,
		Path:        "/wallet/connect",
		Summary:     "Connect the relay wallet",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WalletResponse `json:"body"`
	}, error) {
		acct, err := e.ConnectWallet(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WalletResponse `json:"body"`
		}{Body: WalletResponse{Account: acct}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "wallet-balance",
		Method:      http.MethodGet,
		Path:        "/wallet/balance",
		Summary:     "MNEE balance of an address",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Address string `query:"address"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		if input.Address == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "address is required", nil)
		}
		if e.Wallet == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no wallet provider configured", nil)
		}
		balance, err := e.Wallet.BalanceOf(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{Address: input.Address, Balance: balance}}, nil
	})
}

// registerReceipt serves the plain-text receipt directly off the router so
// the download headers stay under our control.
func registerReceipt(router chi.Router, basePath string, e *engine.Engine) {
	router.Get(basePath+"/receipt", func(w http.ResponseWriter, r *http.Request) {
		content, filename, err := e.Receipt()
		if err != nil {
			status, code := http.StatusInternalServerError, "internal"
			if errors.Is(err, engine.ErrNoPlan) {
				status, code = http.StatusNotFound, "not_found"
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(apiError{Body: apiErrorBody{Code: code, Message: err.Error()}})
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		io.WriteString(w, content)
	})
}
