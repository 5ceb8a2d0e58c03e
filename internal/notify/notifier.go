// Package notify records lifecycle notifications and pushes them to webhooks.
package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"fixitnow/internal/config"
	"fixitnow/internal/domain"
	"fixitnow/internal/repo"
	"fixitnow/internal/telemetry"
)

// Sink persists notifications.
type Sink interface {
	InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification, dedupeKey string) (bool, error)
}

// Message is one notification to enqueue.
type Message struct {
	RecipientID   string
	RecipientRole domain.Role
	IssueID       string
	IssueTitle    string
	Kind          domain.NotificationKind
}

// DedupeKey identifies notifications that must exist at most once. Only
// match notifications are deduplicated; the other kinds can legitimately
// repeat when work is rejected and resubmitted.
func (m Message) DedupeKey() string {
	if m.Kind != domain.NotifyMatched {
		return ""
	}
	return fmt.Sprintf("%s|%s|%s", m.RecipientID, m.IssueID, m.Kind)
}

type Notifier struct {
	Sink    Sink
	Config  *config.Config
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// RetryInitial is the first backoff delay between attempts.
	RetryInitial time.Duration
	// Changed is called after at least one notification was written.
	Changed func()
}

func (n Notifier) maxAttempts() int {
	if n.Config != nil && n.Config.Notifications.MaxAttempts >= 2 {
		return n.Config.Notifications.MaxAttempts
	}
	return 3
}

func (n Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n Notifier) message(m Message) string {
	cfg := n.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg.Message(string(m.Kind), m.IssueTitle)
}

// Enqueue writes each message, retrying failed writes with exponential
// backoff. Failures are logged and returned joined; they never undo the
// transition that produced the messages. The caller's cancellation does not
// abort delivery of an already committed transition.
func (n Notifier) Enqueue(ctx context.Context, msgs ...Message) error {
	ctx = context.WithoutCancel(ctx)
	now := n.Now
	if now == nil {
		now = time.Now
	}
	var errs []error
	wrote := false
	for _, m := range msgs {
		if m.RecipientID == "" {
			continue
		}
		note := domain.Notification{
			ID:            uuid.NewString(),
			RecipientID:   m.RecipientID,
			RecipientRole: m.RecipientRole,
			IssueID:       m.IssueID,
			Kind:          m.Kind,
			Message:       n.message(m),
			CreatedAt:     repo.Timestamp(now()),
		}
		attempts := 0
		var inserted bool
		op := func() error {
			attempts++
			ok, err := n.Sink.InsertNotification(ctx, nil, note, m.DedupeKey())
			if err != nil {
				n.logger().Warn("notification write failed", "kind", m.Kind, "issue", m.IssueID, "recipient", m.RecipientID, "attempt", attempts, "err", err)
				return err
			}
			inserted = ok
			return nil
		}
		b := backoff.NewExponentialBackOff()
		if n.RetryInitial > 0 {
			b.InitialInterval = n.RetryInitial
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(n.maxAttempts()-1)), ctx)
		if err := backoff.Retry(op, policy); err != nil {
			n.logger().Error("notification dropped", "kind", m.Kind, "issue", m.IssueID, "recipient", m.RecipientID, "attempts", attempts, "err", err)
			n.Metrics.Notification(ctx, string(m.Kind), "dropped")
			errs = append(errs, fmt.Errorf("notify %s of %s: %w", m.RecipientID, m.Kind, err))
			continue
		}
		if inserted {
			wrote = true
			n.Metrics.Notification(ctx, string(m.Kind), "enqueued")
		} else {
			n.Metrics.Notification(ctx, string(m.Kind), "duplicate")
		}
	}
	if wrote && n.Changed != nil {
		n.Changed()
	}
	return errors.Join(errs...)
}
