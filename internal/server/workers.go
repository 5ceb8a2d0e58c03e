package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"fixitnow/internal/domain"
	"fixitnow/internal/engine"
	"fixitnow/internal/repo"
)

type workerBody struct {
	Body domain.Worker `json:"body"`
}

func registerWorkers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "register-worker",
		Method:      http.MethodPut,
		Path:        "/workers/me",
		Summary:     "Register or update the caller's worker profile",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RegisterWorkerRequest `json:"body"`
	}) (*workerBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		available := true
		if input.Body.Available != nil {
			available = *input.Body.Available
		}
		w, err := e.RegisterWorker(ctx, actor, engine.WorkerProfile{
			Name:       input.Body.Name,
			Categories: input.Body.Categories,
			Available:  available,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &workerBody{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-availability",
		Method:      http.MethodPut,
		Path:        "/workers/me/availability",
		Summary:     "Toggle whether the caller takes new jobs",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body AvailabilityRequest `json:"body"`
	}) (*workerBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.SetAvailability(ctx, actor, input.Body.Available)
		if err != nil {
			return nil, handleError(err)
		}
		return &workerBody{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-worker",
		Method:      http.MethodGet,
		Path:        "/workers/{id}",
		Summary:     "Get worker profile",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*workerBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id := input.ID
		if id == "me" {
			id = actor.ID
		}
		w, err := e.GetWorker(ctx, actor, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &workerBody{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List worker profiles",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Category      string `query:"category"`
		AvailableOnly bool   `query:"available_only"`
	}) (*struct {
		Body []domain.Worker `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ws, err := e.ListWorkers(ctx, actor, input.Category, input.AvailableOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Worker `json:"body"`
		}{Body: ws}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "The caller's notification inbox",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
		Limit  int  `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListNotifications(ctx, actor, input.Unread, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{id}/read",
		Summary:     "Mark a notification read",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.MarkNotificationRead(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"issue,worker"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, actor, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := actor
		if id := strings.TrimSpace(input.Body.ActorID); id != "" {
			role, err := domain.ParseRole(input.Body.Role)
			if err != nil {
				return nil, handleError(&domain.ValidationError{Field: "role", Reason: err.Error()})
			}
			owner = domain.Actor{ID: id, Role: role}
		}
		key, plain, err := e.CreateAPIKey(ctx, actor, owner, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = plain
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAPIKey(ctx, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}
