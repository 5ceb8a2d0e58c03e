package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fixitnow/internal/domain"
	"fixitnow/internal/repo"
)

// Event types written to the log.
const (
	IssueCreated   = "issue.created"
	IssueEdited    = "issue.edited"
	IssueUpdated   = "issue.updated"
	IssueMatched   = "issue.matched"
	IssueAccepted  = "issue.accepted"
	IssueStarted   = "issue.started"
	IssueSubmitted = "issue.submitted"
	IssueApproved  = "issue.approved"
	IssueRejected  = "issue.rejected"
	IssueCancelled = "issue.cancelled"
	IssueRated     = "issue.rated"
	WorkerUpdated  = "worker.updated"
)

type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx and returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (int64, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	return w.Repo.AppendEvent(ctx, tx, domain.Event{
		TS:         repo.Timestamp(now()),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	})
}
