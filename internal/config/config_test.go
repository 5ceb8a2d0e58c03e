package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Subscriptions.PollInterval != 2*time.Second {
		t.Fatalf("poll interval = %v", cfg.Subscriptions.PollInterval)
	}
	if cfg.Matching.RequireAvailable {
		t.Fatalf("require_available should default to false")
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
matching:
  require_available: true
notifications:
  messages:
    accepted: "Picked up: {title}"
webhooks:
  - url: https://hooks.example.com/fixit
    kinds: [accepted, approved]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Matching.RequireAvailable {
		t.Fatalf("override lost")
	}
	if cfg.Matching.RetryInterval != 30*time.Second {
		t.Fatalf("default retry interval lost: %v", cfg.Matching.RetryInterval)
	}
	if got := cfg.Message("accepted", "Leaky tap"); got != "Picked up: Leaky tap" {
		t.Fatalf("accepted message = %q", got)
	}
	if got := cfg.Message("rejected", "x"); !strings.Contains(got, "resubmit") {
		t.Fatalf("default rejected message lost: %q", got)
	}
	if len(cfg.Webhooks) != 1 || !cfg.Webhooks[0].Active() {
		t.Fatalf("webhook not parsed: %+v", cfg.Webhooks)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"attempts":    "notifications:\n  max_attempts: 1\n",
		"kind":        "notifications:\n  messages:\n    paid: hi\n",
		"webhook url": "webhooks:\n  - url: ftp://example.com\n",
		"hook kind":   "webhooks:\n  - url: https://example.com\n    kinds: [paid]\n",
		"poll":        "subscriptions:\n  poll_interval: 0s\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Notifications.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d", cfg.Notifications.MaxAttempts)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("matching: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected yaml error")
	}
}
