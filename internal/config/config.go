// Package config loads process configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Workflow WorkflowConfig `yaml:"workflow"`
	GitHub   GitHubConfig   `yaml:"github"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// KeepAlive is the websocket ping interval.
	KeepAlive time.Duration `yaml:"keepAlive"`
}

type WorkflowConfig struct {
	// ID is the workflow ID of the single release workflow instance.
	ID                  string        `yaml:"id"`
	AdmissionRule       string        `yaml:"admissionRule"`
	StrictTagSuggestion bool          `yaml:"strictTagSuggestion"`
	StepTimeout         time.Duration `yaml:"stepTimeout"`
	Concurrency         int           `yaml:"concurrency"`
}

type GitHubConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"baseURL"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseURL"`
	Model   string `yaml:"model"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`

	// DSN is a file name or URI for sqlite, a redis:// URL for redis and a
	// connection string for postgres.
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ShutdownTimeout: 10 * time.Second,
			KeepAlive:       30 * time.Second,
		},
		Workflow: WorkflowConfig{
			ID:          "hello",
			StepTimeout: 60 * time.Second,
			Concurrency: 4,
		},
		OpenAI: OpenAIConfig{Model: "gpt-4o-mini"},
		Store:  StoreConfig{Driver: StoreMemory},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if port, ok := lookup("PORT"); ok && port != "" {
		c.Server.Addr = ":" + port
	}
	str("SHIPIT_ADDR", &c.Server.Addr)
	str("SHIPIT_WORKFLOW_ID", &c.Workflow.ID)
	str("SHIPIT_ADMISSION_RULE", &c.Workflow.AdmissionRule)
	str("GITHUB_TOKEN", &c.GitHub.Token)
	str("GITHUB_API_URL", &c.GitHub.BaseURL)
	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	str("OPENAI_MODEL", &c.OpenAI.Model)
	str("SHIPIT_STORE", &c.Store.Driver)
	str("SHIPIT_DSN", &c.Store.DSN)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("SHIPIT_STRICT_TAGS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SHIPIT_STRICT_TAGS: %w", err)
		}
		c.Workflow.StrictTagSuggestion = b
	}
	if v, ok := lookup("SHIPIT_STEP_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SHIPIT_STEP_TIMEOUT: %w", err)
		}
		c.Workflow.StepTimeout = d
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Workflow.ID == "" {
		errs = append(errs, errors.New("workflow.id is required"))
	}
	if c.Workflow.Concurrency <= 0 {
		errs = append(errs, errors.New("workflow.concurrency must be positive"))
	}
	if c.GitHub.Token == "" {
		errs = append(errs, errors.New("github token is required (GITHUB_TOKEN)"))
	}
	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai api key is required (OPENAI_API_KEY)"))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StoreRedis, StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(l.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
