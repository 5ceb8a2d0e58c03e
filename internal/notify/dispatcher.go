package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fixitnow/internal/config"
	"fixitnow/internal/domain"
	"fixitnow/internal/repo"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultWebhookTimeout   = 5 * time.Second
	defaultDispatchBatch    = 100
)

// Claimer hands out undelivered notifications exactly once.
type Claimer interface {
	ClaimUndelivered(ctx context.Context, limit int, ts string) ([]domain.Notification, error)
}

// Dispatcher pushes notifications to the configured webhooks. Each
// notification is claimed before it is posted, so delivery is at most once:
// a failed post is logged and not retried.
type Dispatcher struct {
	Claimer  Claimer
	Webhooks []config.WebhookConfig
	Client   *http.Client
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger

	wake chan struct{}
}

func NewDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Claimer:  r,
		Webhooks: hooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Interval: defaultDispatchInterval,
		Now:      time.Now,
		Logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Enabled reports whether any webhook would receive deliveries.
func (d *Dispatcher) Enabled() bool {
	for _, h := range d.Webhooks {
		if h.Active() {
			return true
		}
	}
	return false
}

// Wake triggers a dispatch pass without waiting for the ticker.
func (d *Dispatcher) Wake() {
	if d == nil || d.wake == nil {
		return
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run dispatches until ctx is cancelled. It returns immediately when no
// webhook is active, leaving notifications in the inbox only.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.Enabled() {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultDispatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.Logger.Warn("webhook: claim notifications failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DispatchOnce claims one batch and posts it. It returns the number of
// notifications claimed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	batch, err := d.Claimer.ClaimUndelivered(ctx, defaultDispatchBatch, repo.Timestamp(now()))
	if err != nil {
		return 0, err
	}
	for _, n := range batch {
		for _, hook := range d.Webhooks {
			if !hook.Active() || !newKindFilter(hook.Kinds).match(string(n.Kind)) {
				continue
			}
			if err := d.post(ctx, hook, n); err != nil {
				d.Logger.Warn("webhook: deliver failed", "url", hook.URL, "notification", n.ID, "kind", n.Kind, "err", err)
			}
		}
	}
	return len(batch), nil
}

type webhookNotification struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	RecipientID   string `json:"recipient_id"`
	RecipientRole string `json:"recipient_role"`
	IssueID       string `json:"issue_id"`
	Message       string `json:"message"`
	CreatedAt     string `json:"created_at"`
}

func (d *Dispatcher) post(ctx context.Context, hook config.WebhookConfig, n domain.Notification) error {
	data, err := json.Marshal(webhookNotification{
		ID:            n.ID,
		Kind:          string(n.Kind),
		RecipientID:   n.RecipientID,
		RecipientRole: string(n.RecipientRole),
		IssueID:       n.IssueID,
		Message:       n.Message,
		CreatedAt:     n.CreatedAt,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-FixItNow-Event", string(n.Kind))
	req.Header.Set("X-FixItNow-Delivery", n.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-FixItNow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type kindFilter struct {
	all bool
	set map[string]struct{}
}

func newKindFilter(kinds []string) kindFilter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	if len(set) == 0 {
		return kindFilter{all: true}
	}
	return kindFilter{set: set}
}

func (f kindFilter) match(kind string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[kind]
	return ok
}
