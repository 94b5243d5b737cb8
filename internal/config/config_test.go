package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"basic_config": {"server_address": ":8090"},
		"databases": {"sqlite3": {"dsn": "./data/app.db"}},
		"webhook": {"url": "https://n8n.test/webhook"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Webhook.TimeoutSeconds != DefaultWebhookTimeoutSeconds {
		t.Fatalf("expected default timeout, got %d", cfg.Webhook.TimeoutSeconds)
	}
	if cfg.Webhook.MaxRetries != 0 {
		t.Fatalf("expected zero retries by default, got %d", cfg.Webhook.MaxRetries)
	}
	if cfg.Uploads.MaxBytes != DefaultMaxUploadBytes {
		t.Fatalf("expected default upload cap, got %d", cfg.Uploads.MaxBytes)
	}
	if cfg.Uploads.PublicBaseURL != "/storage/chat-files" {
		t.Fatalf("expected default public base url, got %q", cfg.Uploads.PublicBaseURL)
	}
	if cfg.BasicConfig.MaxDispatches != DefaultMaxDispatches {
		t.Fatalf("expected default dispatch cap, got %d", cfg.BasicConfig.MaxDispatches)
	}
}

func TestLoadEnvOverridesWebhookURL(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": ":memory:"}},
		"webhook": {"url": "https://config.test/webhook"}
	}`)

	t.Setenv("N8N_WEBHOOK_URL", "https://env.test/webhook")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Webhook.URL != "https://env.test/webhook" {
		t.Fatalf("env override not applied: %q", cfg.Webhook.URL)
	}
}

func TestLoadRequiresDatabase(t *testing.T) {
	path := writeConfig(t, `{"webhook": {"url": "https://n8n.test"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing databases")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
		"databases": {"sqlite3": {"dsn": ":memory:"}},
		"webhook": {"url": "https://n8n.test", "timeout_seconds": 15, "max_retries": 2},
		"uploads": {"base_dir": "/var/blobs", "max_bytes": 1048576}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Webhook.TimeoutSeconds != 15 || cfg.Webhook.MaxRetries != 2 {
		t.Fatalf("explicit webhook settings lost: %+v", cfg.Webhook)
	}
	if cfg.Uploads.BaseDir != "/var/blobs" || cfg.Uploads.MaxBytes != 1048576 {
		t.Fatalf("explicit upload settings lost: %+v", cfg.Uploads)
	}
}
