// Package config provides application configuration.
//
// Values are resolved once at start-up: built-in defaults, then an optional
// YAML file, then environment variables (a .env file in the working directory
// is loaded first and never overrides variables already set).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"goal-clarifier/internal/usecase"
)

const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StorageDynamoDB = "dynamodb"
)

// Config holds all application configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	Backend BackendConfig `yaml:"backend"`
	Storage StorageConfig `yaml:"storage"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// BackendConfig selects the OpenAI-compatible model endpoint. The API key is
// taken from APIKey when set, otherwise from SSM under ParamPrefix.
type BackendConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	APIKey            string        `yaml:"api_key"`
	ParamPrefix       string        `yaml:"param_prefix"`
	Timeout           time.Duration `yaml:"timeout"`
	ModerationEnabled bool          `yaml:"moderation_enabled"`
	SessionSummaries  bool          `yaml:"session_summaries"`
}

type StorageConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
	StateTable string `yaml:"state_table"`
}

type LimitsConfig struct {
	MaxHistoryTurns     int `yaml:"max_history_turns"`
	ToolInvocationLimit int `yaml:"tool_invocation_limit"`
	MaxSessionTurns     int `yaml:"max_session_turns"`
	MaxConfirmAttempts  int `yaml:"max_confirm_attempts"`
	MaxMessageLength    int `yaml:"max_message_length"`
	MaxCachedSessions   int `yaml:"max_cached_sessions"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Backend: BackendConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4.1-mini",
			Timeout:          60 * time.Second,
			SessionSummaries: true,
		},
		Storage: StorageConfig{
			Driver:     StorageMemory,
			SQLitePath: "./tmp/storage.db",
		},
		Limits: LimitsConfig{
			MaxHistoryTurns:     40,
			ToolInvocationLimit: 1,
			MaxSessionTurns:     60,
			MaxConfirmAttempts:  5,
			MaxMessageLength:    2000,
			MaxCachedSessions:   1024,
		},
	}
}

// Load builds the configuration. path may be empty, in which case CONFIG_FILE
// is consulted.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return errors.New("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	setString(&cfg.Backend.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Backend.Model, "MODEL")
	setString(&cfg.Backend.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Backend.ParamPrefix, "PARAM_PREFIX")
	if err := setBool(&cfg.Backend.ModerationEnabled, "MODERATION_ENABLED"); err != nil {
		return err
	}
	if err := setBool(&cfg.Backend.SessionSummaries, "SESSION_SUMMARIES"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Backend.Timeout, "BACKEND_TIMEOUT"); err != nil {
		return err
	}

	setString(&cfg.Storage.Driver, "STORAGE_DRIVER")
	setString(&cfg.Storage.SQLitePath, "SQLITE_PATH")
	setString(&cfg.Storage.StateTable, "STATE_TABLE")

	for key, dst := range map[string]*int{
		"MAX_HISTORY_TURNS":     &cfg.Limits.MaxHistoryTurns,
		"TOOL_INVOCATION_LIMIT": &cfg.Limits.ToolInvocationLimit,
		"MAX_SESSION_TURNS":     &cfg.Limits.MaxSessionTurns,
		"MAX_CONFIRM_ATTEMPTS":  &cfg.Limits.MaxConfirmAttempts,
		"MAX_MESSAGE_LENGTH":    &cfg.Limits.MaxMessageLength,
		"MAX_CACHED_SESSIONS":   &cfg.Limits.MaxCachedSessions,
	} {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that all required configuration fields are set.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Backend.Model) == "" {
		return errors.New("MODEL cannot be empty")
	}
	if strings.TrimSpace(c.Backend.APIKey) == "" && strings.TrimSpace(c.Backend.ParamPrefix) == "" {
		return errors.New("one of OPENAI_API_KEY or PARAM_PREFIX must be set")
	}
	if c.Backend.Timeout <= 0 {
		return errors.New("BACKEND_TIMEOUT must be > 0")
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if strings.TrimSpace(c.Storage.SQLitePath) == "" {
			return errors.New("SQLITE_PATH cannot be empty with the sqlite driver")
		}
	case StorageDynamoDB:
		if strings.TrimSpace(c.Storage.StateTable) == "" {
			return errors.New("STATE_TABLE cannot be empty with the dynamodb driver")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER %q is not one of memory, sqlite, dynamodb", c.Storage.Driver)
	}
	if c.Limits.ToolInvocationLimit != 1 {
		return fmt.Errorf("TOOL_INVOCATION_LIMIT must be 1, got %d", c.Limits.ToolInvocationLimit)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.Limits.MaxHistoryTurns <= 0 {
		return errors.New("MAX_HISTORY_TURNS must be > 0")
	}
	if c.Limits.MaxSessionTurns <= 0 {
		return errors.New("MAX_SESSION_TURNS must be > 0")
	}
	if c.Limits.MaxConfirmAttempts <= 0 {
		return errors.New("MAX_CONFIRM_ATTEMPTS must be > 0")
	}
	if c.Limits.MaxMessageLength <= 0 {
		return errors.New("MAX_MESSAGE_LENGTH must be > 0")
	}
	if c.Limits.MaxCachedSessions <= 0 {
		return errors.New("MAX_CACHED_SESSIONS must be > 0")
	}
	return nil
}

// SlogLevel returns the configured log level; unknown names mean info.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// TurnSettings converts the limits into orchestrator settings.
func (c Config) TurnSettings() usecase.Settings {
	return usecase.Settings{
		MaxHistoryTurns:     c.Limits.MaxHistoryTurns,
		ToolInvocationLimit: c.Limits.ToolInvocationLimit,
		MaxSessionTurns:     c.Limits.MaxSessionTurns,
		MaxConfirmAttempts:  c.Limits.MaxConfirmAttempts,
		MaxMessageLength:    c.Limits.MaxMessageLength,
		BackendTimeout:      c.Backend.Timeout,
		SessionSummaries:    c.Backend.SessionSummaries,
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("config: %s: invalid boolean %q", key, v)
	}
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
