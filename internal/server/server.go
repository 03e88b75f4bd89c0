package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/engine/access"
	"orderline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"cannot assign order WO-20250115-001: status is in_progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Orderline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Orderline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerOrders(group, cfg.Engine)
	registerSpares(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerMe(group, cfg.Engine)

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
	var fe access.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ffe access.ForbiddenFunctionError
	if errors.As(err, &ffe) {
		return newAPIError(http.StatusForbidden, "forbidden_function", err.Error(), map[string]any{"function_id": ffe.FunctionID})
	}
	var se engine.StateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"status": se.Status})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNotConnected) {
		return newAPIError(http.StatusServiceUnavailable, "not_connected", err.Error(), nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireFunction(ctx context.Context, e engine.Engine, functionID int) (string, huma.StatusError) {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	if err := e.Access.RequireFunction(ctx, actor, functionID); err != nil {
		return "", handleError(err)
	}
	return actor, nil
}

func requireAdmin(ctx context.Context, e engine.Engine, action string) (string, huma.StatusError) {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	admin, err := e.Access.IsAdmin(ctx, actor)
	if err != nil {
		return "", handleError(err)
	}
	if !admin {
		return "", handleError(access.ForbiddenError{Action: action})
	}
	return actor, nil
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		u, err := e.Authenticate(ctx, input.Body.Username, input.Body.Password)
		if err != nil {
			var ve engine.ValidationError
			if errors.As(err, &ve) {
				return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid username or password", nil)
			}
			return nil, handleError(err)
		}
		token, err := issueToken(u.Username, authCfg.JWTSecret, authCfg.ttl(), e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, User: userResponse(u)}}, nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Create work order",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkOrderRequest `json:"body"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		actor, authErr := requireFunction(ctx, e, domain.FunctionOrderManagement)
		if authErr != nil {
			return nil, authErr
		}
		spares := make([]engine.SpareLine, 0, len(input.Body.Spares))
		for _, s := range input.Body.Spares {
			spares = append(spares, engine.SpareLine{SpareID: s.SpareID, Quantity: s.Quantity})
		}
		o, err := e.CreateWorkOrder(ctx, engine.WorkOrderCreateOptions{
			OrderType:     input.Body.OrderType,
			Title:         input.Body.Title,
			Description:   deref(input.Body.Description),
			EquipmentID:   deref(input.Body.EquipmentID),
			ShipID:        deref(input.Body.ShipID),
			RelatedPlanID: deref(input.Body.RelatedPlanID),
			CreatorID:     actor,
			Spares:        spares,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List visible work orders",
	}, func(ctx context.Context, input *struct {
		Q string `query:"q" doc:"Optional case-insensitive title substring filter"`
	}) (*struct {
		Body []domain.WorkOrder `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		scope, err := e.Access.Scope(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		var orders []domain.WorkOrder
		if input.Q != "" {
			orders, err = e.Repo.SearchWorkOrdersByTitle(ctx, input.Q, scope)
		} else {
			orders, err = e.Repo.ListWorkOrders(ctx, scope)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkOrder `json:"body"`
		}{Body: orders}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-my-tasks",
		Method:      http.MethodGet,
		Path:        "/orders/mine",
		Summary:     "List orders assigned to the caller",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.WorkOrder `json:"body"`
	}, error) {
		actor, authErr := requireFunction(ctx, e, domain.FunctionMyTasks)
		if authErr != nil {
			return nil, authErr
		}
		orders, err := e.Repo.ListWorkOrdersByAssignee(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkOrder `json:"body"`
		}{Body: orders}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}",
		Summary:     "Get work order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		o, err := e.Repo.GetWorkOrder(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-order",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/assign",
		Summary:     "Assign work order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrderID string                 `path:"order_id"`
		Body    AssignWorkOrderRequest `json:"body"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		actor, authErr := requireFunction(ctx, e, domain.FunctionOrderManagement)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.AssignWorkOrder(ctx, input.OrderID, deref(input.Body.AssigneeID), deref(input.Body.AcceptorID), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-order",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/complete",
		Summary:     "Mark work finished, awaiting acceptance",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		actor, authErr := requireFunction(ctx, e, domain.FunctionMyTasks)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CompleteWorkOrder(ctx, input.OrderID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-order",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/accept",
		Summary:     "Accept completed work",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		actor, authErr := requireFunction(ctx, e, domain.FunctionAcceptance)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.AcceptWorkOrder(ctx, input.OrderID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-order",
		Method:      http.MethodPatch,
		Path:        "/orders/{order_id}",
		Summary:     "Edit work order fields",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string                 `path:"order_id"`
		Body    UpdateWorkOrderRequest `json:"body"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		actor, authErr := requireFunction(ctx, e, domain.FunctionOrderManagement)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.UpdateWorkOrder(ctx, input.OrderID, repo.EditableFields{
			OrderType:     input.Body.OrderType,
			Title:         input.Body.Title,
			Description:   deref(input.Body.Description),
			EquipmentID:   deref(input.Body.EquipmentID),
			ShipID:        deref(input.Body.ShipID),
			RelatedPlanID: deref(input.Body.RelatedPlanID),
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: o}, nil
	})
}

func registerSpares(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-spares",
		Method:        http.MethodPost,
		Path:          "/orders/{order_id}/spares",
		Summary:       "Record spare-part consumptions",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string              `path:"order_id"`
		Body    RecordSparesRequest `json:"body"`
	}) (*struct {
		Body []domain.SpareConsumption `json:"body"`
	}, error) {
		actor, authErr := requireFunction(ctx, e, domain.FunctionSpareConsumption)
		if authErr != nil {
			return nil, authErr
		}
		spares := make([]engine.SpareLine, 0, len(input.Body.Spares))
		for _, s := range input.Body.Spares {
			spares = append(spares, engine.SpareLine{SpareID: s.SpareID, Quantity: s.Quantity})
		}
		rows, err := e.RecordConsumptions(ctx, input.OrderID, spares, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SpareConsumption `json:"body"`
		}{Body: rows}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-order-spares",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/spares",
		Summary:     "List consumptions for an order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body []domain.SpareConsumption `json:"body"`
	}, error) {
		if _, authErr := requireFunction(ctx, e, domain.FunctionSpareConsumption); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetWorkOrder(ctx, input.OrderID); err != nil {
			return nil, handleError(err)
		}
		rows, err := e.Repo.ListConsumptionsByOrder(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SpareConsumption `json:"body"`
		}{Body: rows}, nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-order-logs",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/logs",
		Summary:     "List audit log for an order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body []domain.LogRecord `json:"body"`
	}, error) {
		if _, authErr := requireFunction(ctx, e, domain.FunctionLogReport); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetWorkOrder(ctx, input.OrderID); err != nil {
			return nil, handleError(err)
		}
		rows, err := e.Repo.ListLogsByOrder(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LogRecord `json:"body"`
		}{Body: rows}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List audit log across visible orders",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.LogRecord `json:"body"`
	}, error) {
		actor, authErr := requireFunction(ctx, e, domain.FunctionLogReport)
		if authErr != nil {
			return nil, authErr
		}
		scope, err := e.Access.Scope(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		rows, err := e.Repo.ListLogs(ctx, scope)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LogRecord `json:"body"`
		}{Body: rows}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Register user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RegisterUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e, "register user"); authErr != nil {
			return nil, authErr
		}
		u, err := e.RegisterUser(ctx, engine.UserRegisterOptions{
			Username:      input.Body.Username,
			Password:      input.Body.Password,
			Email:         deref(input.Body.Email),
			DisplayName:   deref(input.Body.DisplayName),
			WorkOrderRole: deref(input.Body.WorkOrderRole),
		})
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
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e, "list users"); authErr != nil {
			return nil, authErr
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: mapUsers(users)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-permissions",
		Method:      http.MethodPut,
		Path:        "/users/{username}/permissions",
		Summary:     "Replace a user's function permissions",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Username string                `path:"username"`
		Body     SetPermissionsRequest `json:"body"`
	}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e, "set permissions"); authErr != nil {
			return nil, authErr
		}
		if err := e.Access.SetFunctionPermissions(ctx, input.Username, input.Body.FunctionIDs); err != nil {
			return nil, handleError(err)
		}
		return meResponse(ctx, e, input.Username)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-role",
		Method:      http.MethodPut,
		Path:        "/users/{username}/role",
		Summary:     "Set a user's work-order role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Username string         `path:"username"`
		Body     SetRoleRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e, "set role"); authErr != nil {
			return nil, authErr
		}
		if err := e.SetWorkOrderRole(ctx, input.Username, input.Body.WorkOrderRole); err != nil {
			return nil, handleError(err)
		}
		u, err := e.Repo.GetUser(ctx, input.Username)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user and function permissions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return meResponse(ctx, e, actor)
	})
}

func meResponse(ctx context.Context, e engine.Engine, username string) (*struct {
	Body MeResponse `json:"body"`
}, error) {
	u, err := e.Repo.GetUser(ctx, username)
	if err != nil {
		return nil, handleError(err)
	}
	perms, err := e.Access.FunctionPermissions(ctx, username)
	if err != nil {
		return nil, handleError(err)
	}
	if perms == nil {
		perms = []int{}
	}
	return &struct {
		Body MeResponse `json:"body"`
	}{Body: MeResponse{Username: u.Username, RoleType: u.RoleType, FunctionIDs: perms}}, nil
}
