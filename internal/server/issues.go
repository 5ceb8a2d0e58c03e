package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"fixitnow/internal/domain"
	"fixitnow/internal/engine"
	"fixitnow/internal/store"
)

type issueBody struct {
	Body domain.Issue `json:"body"`
}

type issuePath struct {
	ID string `path:"id"`
}

type listIssuesInput struct {
	Scope  string `query:"scope" enum:"mine,matched,assigned,all" doc:"View to list; defaults by role"`
	Status string `query:"status" doc:"Comma separated statuses; in-progress is accepted"`
	Limit  int    `query:"limit" default:"50"`
	Cursor string `query:"cursor"`
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/issues",
		Summary:       "Report an issue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateIssueRequest `json:"body"`
	}) (*issueBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := input.Body.toDomain()
		if err != nil {
			return nil, handleError(err)
		}
		issue, err := e.CreateIssue(ctx, actor, in)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues in a view",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *listIssuesInput) (*struct {
		Body paginatedIssues `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		statuses, err := domain.ParseStatuses(input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		f, err := e.FilterFor(actor, engine.Scope(input.Scope), statuses)
		if err != nil {
			return nil, handleError(err)
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		f.Limit = limit + 1
		f.CursorCreatedAt, f.CursorID = ts, id
		items, err := e.Store.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedIssues{Items: items}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedIssues `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *issuePath) (*issueBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.ViewIssue(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-issue",
		Method:      http.MethodPatch,
		Path:        "/issues/{id}",
		Summary:     "Edit an issue that has not been matched yet",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body EditIssueRequest `json:"body"`
	}) (*issueBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		edit, err := input.Body.toDomain()
		if err != nil {
			return nil, handleError(err)
		}
		issue, err := e.EditIssue(ctx, actor, input.ID, edit)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	registerTransition(api, "accept", "Accept a job request", func(ctx context.Context, actor domain.Actor, id string) (domain.Issue, error) {
		return e.Accept(ctx, actor, id)
	})
	registerTransition(api, "start", "Start accepted work", func(ctx context.Context, actor domain.Actor, id string) (domain.Issue, error) {
		return e.Start(ctx, actor, id)
	})
	registerTransition(api, "approve", "Approve submitted work", func(ctx context.Context, actor domain.Actor, id string) (domain.Issue, error) {
		return e.Approve(ctx, actor, id)
	})
	registerTransition(api, "cancel", "Cancel an issue", func(ctx context.Context, actor domain.Actor, id string) (domain.Issue, error) {
		return e.Cancel(ctx, actor, id)
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/submit",
		Summary:     "Submit completion evidence",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SubmitIssueRequest `json:"body"`
	}) (*issueBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.Submit(ctx, actor, input.ID, input.Body.Evidence)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/reject",
		Summary:     "Send submitted work back",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body *RejectIssueRequest `json:"body,omitempty" required:"false"`
	}) (*issueBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		issue, err := e.Reject(ctx, actor, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rate-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/rate",
		Summary:     "Rate completed work",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body RateIssueRequest `json:"body"`
	}) (*issueBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.Rate(ctx, actor, input.ID, input.Body.Rating)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})
}

// registerTransition exposes a body-less transition at /issues/{id}/<name>.
func registerTransition(api huma.API, name, summary string, fn func(ctx context.Context, actor domain.Actor, id string) (domain.Issue, error)) {
	huma.Register(api, huma.Operation{
		OperationID: name + "-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/" + name,
		Summary:     summary,
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *issuePath) (*issueBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := fn(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &issueBody{Body: issue}, nil
	})
}

// registerIssueStream pushes whole snapshots of a view as server-sent events.
// Refresh failures arrive as "error" events; the stream stays open and the
// next good snapshot supersedes them.
func registerIssueStream(api huma.API, e engine.Engine) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-issues",
		Method:      http.MethodGet,
		Path:        "/issues/stream",
		Summary:     "Stream snapshots of an issue view",
	}, map[string]any{
		"snapshot": SnapshotEvent{},
		"error":    StreamErrorEvent{},
	}, func(ctx context.Context, input *listIssuesInput, send sse.Sender) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			send.Data(StreamErrorEvent{Message: authErr.Error(), Exhausted: true})
			return
		}
		statuses, err := domain.ParseStatuses(input.Status)
		if err != nil {
			send.Data(StreamErrorEvent{Message: err.Error(), Exhausted: true})
			return
		}
		failures := make(chan store.SubscriptionError, 8)
		sub, err := e.WatchIssues(ctx, actor, engine.Scope(input.Scope), statuses, func(se store.SubscriptionError) {
			select {
			case failures <- se:
			default:
			}
		})
		if err != nil {
			send.Data(StreamErrorEvent{Message: handleError(err).Error(), Exhausted: true})
			return
		}
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case se := <-failures:
				if send.Data(streamErrorEvent(se)) != nil {
					return
				}
			case snap, ok := <-sub.Updates():
				if !ok {
					return
				}
				if send.Data(snapshotEvent(snap)) != nil {
					return
				}
			}
		}
	})
}
