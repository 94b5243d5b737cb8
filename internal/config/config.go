package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Webhook     WebhookConfig             `json:"webhook"`
	Uploads     UploadConfig              `json:"uploads"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// MaxDispatches bounds concurrent outbound webhook calls.
	MaxDispatches int `json:"max_dispatches"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// WebhookConfig configures the outbound n8n call. Timeout and retries are
// explicit so a slow upstream cannot hold requests open indefinitely.
type WebhookConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

type UploadConfig struct {
	BaseDir       string `json:"base_dir"`
	PublicBaseURL string `json:"public_base_url"`
	MaxBytes      int64  `json:"max_bytes"`
}

const (
	DefaultWebhookTimeoutSeconds = 60
	DefaultMaxUploadBytes        = 10 << 20 // 10 MB
	DefaultMaxDispatches         = 32
)

// Load reads configuration from the provided path (defaults to config.json),
// then applies environment overrides. A .env file is loaded first but never
// overrides variables already present in the process environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if url := os.Getenv("N8N_WEBHOOK_URL"); url != "" {
		c.Webhook.URL = url
	}
	if addr := os.Getenv("TUTORGO_ADDR"); addr != "" {
		c.BasicConfig.ServerAddress = addr
	}
}

func (c *Config) applyDefaults() {
	if c.Webhook.TimeoutSeconds <= 0 {
		c.Webhook.TimeoutSeconds = DefaultWebhookTimeoutSeconds
	}
	if c.Uploads.MaxBytes <= 0 {
		c.Uploads.MaxBytes = DefaultMaxUploadBytes
	}
	if c.Uploads.BaseDir == "" {
		c.Uploads.BaseDir = "./data/uploads"
	}
	if c.Uploads.PublicBaseURL == "" {
		c.Uploads.PublicBaseURL = "/storage/chat-files"
	}
	if c.BasicConfig.MaxDispatches <= 0 {
		c.BasicConfig.MaxDispatches = DefaultMaxDispatches
	}
}
