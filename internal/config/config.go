// Package config provides configuration management for ailex.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Artifact generator names.
const (
	GeneratorTemplate = "template"
	GeneratorLLM      = "llm"
)

// Config holds all configuration for the ailex server.
type Config struct {
	// ServerAddr is the address the HTTP server listens on (e.g., ":8080").
	ServerAddr string

	// DataDir is the directory for persistent data (tool catalog).
	DataDir string

	// DatabasePath is the full path to the SQLite catalog file.
	DatabasePath string

	// SharedSecret guards the API when set. Clients send it in the
	// Ailex-Shared-Secret header.
	SharedSecret string

	// PublicURL prefixes artifact download links in bot replies.
	PublicURL string

	// Oracle backend. OpenRouter is preferred when both keys are set.
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	AnthropicAPIKey   string
	Model             string
	OracleTimeout     time.Duration

	// Session sweep.
	SweepInterval time.Duration
	MaxIdle       time.Duration

	// ArtifactCacheSize bounds the number of users holding an artifact.
	ArtifactCacheSize int
	// ArtifactGenerator is "template" or "llm".
	ArtifactGenerator string

	// GitHubToken enables publishing artifacts as secret gists (optional).
	GitHubToken string

	// Slack integration (optional -- Socket Mode).
	SlackBotToken string
	SlackAppToken string

	// Telegram integration (optional -- long polling).
	TelegramBotToken string

	// DialogueFile is the optional YAML vocabulary file.
	DialogueFile string
	// Dialogue is the loaded vocabulary, defaults filled in.
	Dialogue Dialogue
}

// Load creates a Config from environment variables with sensible defaults.
// A .env file in the working directory is read first; variables already
// set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	dataDir := envOr("AILEX_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		ServerAddr:        envOr("AILEX_ADDR", defaultAddr()),
		DataDir:           dataDir,
		DatabasePath:      filepath.Join(dataDir, "ailex.db"),
		SharedSecret:      os.Getenv("AILEX_SHARED_SECRET"),
		PublicURL:         strings.TrimRight(os.Getenv("AILEX_PUBLIC_URL"), "/"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterBaseURL: os.Getenv("OPENROUTER_BASE_URL"),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		Model:             os.Getenv("AILEX_MODEL"),
		OracleTimeout:     envOrDuration("ORACLE_TIMEOUT", 45*time.Second),
		SweepInterval:     envOrDuration("SESSION_SWEEP_INTERVAL", 10*time.Minute),
		MaxIdle:           envOrDuration("SESSION_MAX_IDLE", 60*time.Minute),
		ArtifactCacheSize: envOrInt("ARTIFACT_CACHE_SIZE", 1024),
		ArtifactGenerator: strings.ToLower(envOr("ARTIFACT_GENERATOR", GeneratorTemplate)),
		GitHubToken:       os.Getenv("GITHUB_TOKEN"),
		SlackBotToken:     os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:     os.Getenv("SLACK_APP_TOKEN"),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		DialogueFile:      os.Getenv("AILEX_DIALOGUE_FILE"),
	}

	d, err := LoadDialogue(cfg.DialogueFile)
	if err != nil {
		return nil, err
	}
	cfg.Dialogue = d

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.OpenRouterAPIKey == "" && c.AnthropicAPIKey == "" {
		return fmt.Errorf("at least one of OPENROUTER_API_KEY or ANTHROPIC_API_KEY is required")
	}
	if c.OracleTimeout <= 0 {
		return fmt.Errorf("ORACLE_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 || c.MaxIdle <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL and SESSION_MAX_IDLE must be positive")
	}
	switch c.ArtifactGenerator {
	case GeneratorTemplate, GeneratorLLM:
	default:
		return fmt.Errorf("ARTIFACT_GENERATOR must be %q or %q, got %q", GeneratorTemplate, GeneratorLLM, c.ArtifactGenerator)
	}
	return nil
}

// SlackEnabled returns true if Slack Socket Mode is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// TelegramEnabled returns true if the Telegram bot is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

// GistEnabled returns true if artifacts should be published as gists.
func (c *Config) GistEnabled() bool {
	return c.GitHubToken != ""
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are seconds.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8080"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ailex"
	}
	return filepath.Join(home, ".ailex")
}
