package engine

import (
	"context"
	"fmt"
	"strings"

	"fixitnow/internal/domain"
	"fixitnow/internal/engine/auth"
	"fixitnow/internal/events"
	"fixitnow/internal/repo"
)

// WorkerProfile is what a worker registers: display name, the categories
// they serve and whether they take new jobs.
type WorkerProfile struct {
	ID         string
	Name       string
	Categories []string
	Available  bool
}

// RegisterWorker creates or replaces a worker profile. Workers register
// themselves; an admin may register any id. Counters are preserved.
func (e Engine) RegisterWorker(ctx context.Context, actor domain.Actor, p WorkerProfile) (domain.Worker, error) {
	if err := auth.RequireRole(actor, "worker.register", domain.RoleWorker, domain.RoleAdmin); err != nil {
		return domain.Worker{}, err
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = actor.ID
	}
	if actor.Role != domain.RoleAdmin && id != actor.ID {
		return domain.Worker{}, &auth.ForbiddenError{Permission: "worker.register", ActorID: actor.ID, Reason: "can only register own profile"}
	}
	if len(p.Categories) == 0 {
		return domain.Worker{}, &domain.ValidationError{Field: "categories", Reason: "at least one category required"}
	}
	seen := map[domain.Category]bool{}
	cats := make([]domain.Category, 0, len(p.Categories))
	for _, raw := range p.Categories {
		c, err := domain.ParseCategory(raw)
		if err != nil {
			return domain.Worker{}, &domain.ValidationError{Field: "categories", Reason: err.Error()}
		}
		if !seen[c] {
			seen[c] = true
			cats = append(cats, c)
		}
	}
	now := e.timestamp()
	w := domain.Worker{
		ID:         id,
		Name:       strings.TrimSpace(p.Name),
		Categories: cats,
		Available:  p.Available,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Worker{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertWorker(ctx, tx, w); err != nil {
		return domain.Worker{}, fmt.Errorf("upsert worker: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, events.WorkerUpdated, "worker", id, actor.ID, events.EventPayload{
		"categories": cats,
		"available":  p.Available,
	}); err != nil {
		return domain.Worker{}, err
	}
	stored, err := e.Repo.GetWorker(ctx, tx, id)
	if err != nil {
		return domain.Worker{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Worker{}, err
	}
	e.logger().Info("worker registered", "worker", id, "categories", len(cats), "available", p.Available)
	return stored, nil
}

// SetAvailability toggles whether the calling worker takes new jobs. It
// affects matching of issues created afterwards only.
func (e Engine) SetAvailability(ctx context.Context, actor domain.Actor, available bool) (domain.Worker, error) {
	if err := auth.RequireRole(actor, "worker.availability", domain.RoleWorker); err != nil {
		return domain.Worker{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Worker{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetWorkerAvailability(ctx, tx, actor.ID, available, e.timestamp()); err != nil {
		return domain.Worker{}, err
	}
	if _, err := e.Events.Append(ctx, tx, events.WorkerUpdated, "worker", actor.ID, actor.ID, events.EventPayload{
		"available": available,
	}); err != nil {
		return domain.Worker{}, err
	}
	w, err := e.Repo.GetWorker(ctx, tx, actor.ID)
	if err != nil {
		return domain.Worker{}, err
	}
	return w, tx.Commit()
}

func (e Engine) GetWorker(ctx context.Context, actor domain.Actor, id string) (domain.Worker, error) {
	if err := auth.RequireActor(actor, "worker.view"); err != nil {
		return domain.Worker{}, err
	}
	return e.Repo.GetWorker(ctx, nil, id)
}

// ListWorkers lists worker profiles, optionally by category. Admin only.
func (e Engine) ListWorkers(ctx context.Context, actor domain.Actor, category string, availableOnly bool) ([]domain.Worker, error) {
	if err := auth.RequireRole(actor, "worker.list", domain.RoleAdmin); err != nil {
		return nil, err
	}
	f := repo.WorkerFilter{AvailableOnly: availableOnly}
	if category != "" {
		c, err := domain.ParseCategory(category)
		if err != nil {
			return nil, &domain.ValidationError{Field: "category", Reason: err.Error()}
		}
		f.Category = c
	}
	return e.Repo.ListWorkers(ctx, f)
}

// ListNotifications returns the caller's inbox, newest first.
func (e Engine) ListNotifications(ctx context.Context, actor domain.Actor, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if err := auth.RequireActor(actor, "notification.list"); err != nil {
		return nil, err
	}
	return e.Repo.ListNotifications(ctx, repo.NotificationFilter{RecipientID: actor.ID, UnreadOnly: unreadOnly, Limit: limit})
}

// MarkNotificationRead flags one of the caller's notifications as read.
func (e Engine) MarkNotificationRead(ctx context.Context, actor domain.Actor, id string) (domain.Notification, error) {
	n, err := e.Repo.GetNotification(ctx, id)
	if err != nil {
		return domain.Notification{}, err
	}
	if n.RecipientID != actor.ID {
		return domain.Notification{}, &auth.ForbiddenError{Permission: "notification.read", ActorID: actor.ID, Reason: "not the recipient"}
	}
	if err := e.Repo.MarkNotificationRead(ctx, id); err != nil {
		return domain.Notification{}, err
	}
	n.Read = true
	return n, nil
}

// ListEvents pages the event log backwards. Admin only.
func (e Engine) ListEvents(ctx context.Context, actor domain.Actor, f repo.EventFilter) ([]domain.Event, error) {
	if err := auth.RequireRole(actor, "event.list", domain.RoleAdmin); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}


// EventsAfter reads the event log forward from cursor, oldest first. Admin only.
func (e Engine) EventsAfter(ctx context.Context, actor domain.Actor, cursor int64, limit int) ([]domain.Event, error) {
	if err := auth.RequireRole(actor, "event.list", domain.RoleAdmin); err != nil {
		return nil, err
	}
	return e.Repo.EventsAfter(ctx, cursor, limit)
}
