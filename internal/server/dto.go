package server

import (
	"encoding/json"
	"strings"

	"fixitnow/internal/domain"
	"fixitnow/internal/repo"
	"fixitnow/internal/store"
)

// Request payloads

type BudgetRequest struct {
	Min      float64 `json:"min,omitempty"`
	Max      float64 `json:"max,omitempty"`
	Currency string  `json:"currency,omitempty" example:"USD"`
}

type CoordinatesRequest struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type LocationRequest struct {
	Address     string              `json:"address,omitempty"`
	City        string              `json:"city,omitempty"`
	State       string              `json:"state,omitempty"`
	ZipCode     string              `json:"zip_code,omitempty"`
	Coordinates *CoordinatesRequest `json:"coordinates,omitempty"`
}

type CreateIssueRequest struct {
	Category     string          `json:"category,omitempty" example:"plumbing"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	Urgency      string          `json:"urgency,omitempty" example:"medium"`
	Budget       *BudgetRequest  `json:"budget,omitempty"`
	Location     LocationRequest `json:"location,omitempty"`
	ContactPhone string          `json:"contact_phone,omitempty"`
	Images       []string        `json:"images,omitempty"`
}

type EditIssueRequest struct {
	Title        *string          `json:"title,omitempty"`
	Description  *string          `json:"description,omitempty"`
	Urgency      *string          `json:"urgency,omitempty"`
	Budget       *BudgetRequest   `json:"budget,omitempty"`
	Location     *LocationRequest `json:"location,omitempty"`
	ContactPhone *string          `json:"contact_phone,omitempty"`
}

type SubmitIssueRequest struct {
	Evidence []string `json:"completion_evidence,omitempty"`
}

type RejectIssueRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RateIssueRequest struct {
	Rating int `json:"rating"`
}

type RegisterWorkerRequest struct {
	Name       string   `json:"name,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Available  *bool    `json:"available,omitempty"`
}

type AvailabilityRequest struct {
	Available bool `json:"available"`
}

type CreateAPIKeyRequest struct {
	Name    string `json:"name,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
	Role    string `json:"role,omitempty" example:"worker"`
}

// Response payloads

type paginatedIssues struct {
	Items      []domain.Issue `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type APIKeyResponse struct {
	ID        string      `json:"id"`
	ActorID   string      `json:"actor_id"`
	Role      domain.Role `json:"role"`
	Name      string      `json:"name,omitempty"`
	CreatedAt string      `json:"created_at" format:"date-time"`
	// Key is only returned once, on creation.
	Key string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string      `json:"actor_id"`
	Role    domain.Role `json:"role"`
	Source  string      `json:"source"`
}

// SnapshotEvent is one whole result set pushed on the issue stream.
type SnapshotEvent struct {
	Issues  []domain.Issue `json:"issues"`
	Stale   bool           `json:"stale"`
	EventID int64          `json:"event_id"`
	At      string         `json:"at" format:"date-time"`
}

// StreamErrorEvent reports a failed refresh of the stream's view. Exhausted
// means the data last sent is stale until a later snapshot arrives.
type StreamErrorEvent struct {
	Message   string `json:"message"`
	Attempt   int    `json:"attempt"`
	RetryInMS int64  `json:"retry_in_ms,omitempty"`
	Exhausted bool   `json:"exhausted"`
}

func (b *BudgetRequest) toDomain() *domain.Budget {
	if b == nil {
		return nil
	}
	return &domain.Budget{Min: b.Min, Max: b.Max, Currency: b.Currency}
}

func (l LocationRequest) toDomain() domain.Location {
	loc := domain.Location{Address: l.Address, City: l.City, State: l.State, ZipCode: l.ZipCode}
	if l.Coordinates != nil {
		loc.Coordinates = &domain.Coordinates{Lat: l.Coordinates.Lat, Lng: l.Coordinates.Lng}
	}
	return loc
}

func (r CreateIssueRequest) toDomain() (domain.NewIssueInput, error) {
	in := domain.NewIssueInput{
		Title:        r.Title,
		Description:  r.Description,
		Budget:       r.Budget.toDomain(),
		Location:     r.Location.toDomain(),
		ContactPhone: r.ContactPhone,
		Images:       r.Images,
	}
	if strings.TrimSpace(r.Category) == "" {
		return in, &domain.ValidationError{Field: "category", Reason: "required"}
	}
	c, err := domain.ParseCategory(r.Category)
	if err != nil {
		return in, &domain.ValidationError{Field: "category", Reason: err.Error()}
	}
	in.Category = c
	u, err := domain.ParseUrgency(r.Urgency)
	if err != nil {
		return in, &domain.ValidationError{Field: "urgency", Reason: err.Error()}
	}
	in.Urgency = u
	return in, nil
}

func (r EditIssueRequest) toDomain() (domain.IssueEdit, error) {
	edit := domain.IssueEdit{
		Title:        r.Title,
		Description:  r.Description,
		Budget:       r.Budget.toDomain(),
		ContactPhone: r.ContactPhone,
	}
	if r.Urgency != nil {
		u, err := domain.ParseUrgency(*r.Urgency)
		if err != nil {
			return edit, &domain.ValidationError{Field: "urgency", Reason: err.Error()}
		}
		edit.Urgency = &u
	}
	if r.Location != nil {
		loc := r.Location.toDomain()
		edit.Location = &loc
	}
	return edit, nil
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Role: k.Role, Name: k.Name, CreatedAt: k.CreatedAt}
}

func snapshotEvent(s store.Snapshot) SnapshotEvent {
	issues := s.Issues
	if issues == nil {
		issues = []domain.Issue{}
	}
	return SnapshotEvent{Issues: issues, Stale: s.Stale, EventID: s.EventID, At: repo.Timestamp(s.At)}
}

func streamErrorEvent(e store.SubscriptionError) StreamErrorEvent {
	return StreamErrorEvent{
		Message:   e.Error(),
		Attempt:   e.Attempt,
		RetryInMS: e.RetryIn.Milliseconds(),
		Exhausted: e.Exhausted,
	}
}
