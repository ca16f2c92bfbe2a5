// Package config provides configuration management for Wheelhouse.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Wheelhouse.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Data        DataConfig        `mapstructure:"data"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Interaction InteractionConfig `mapstructure:"interaction"`
	Cleanup     CleanupConfig     `mapstructure:"cleanup"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds the durable storage layout. Everything the runtime
// persists (session transcripts, task event logs, orchestrator workspaces,
// the settings catalog) lives under Root.
type DataConfig struct {
	Root string `mapstructure:"root"`
}

// AgentConfig holds the external LLM client subprocess configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable to spawn per session.
	Binary string `mapstructure:"binary"`

	// Args are extra arguments passed to the binary.
	Args []string `mapstructure:"args"`

	// InitTimeout bounds the initialize handshake, in seconds.
	InitTimeout int `mapstructure:"initTimeout"`

	// MaxTurns caps agent turns per user message (0 = client default).
	MaxTurns int `mapstructure:"maxTurns"`

	// IncludePartialMessages enables fine-grained streaming deltas.
	IncludePartialMessages bool `mapstructure:"includePartialMessages"`

	// DisallowedTools are never offered to the agent.
	DisallowedTools []string `mapstructure:"disallowedTools"`
}

// InteractionConfig holds timeouts for turn suspensions that wait on a user.
type InteractionConfig struct {
	// AskUserTimeout is how long an ask_user request waits for answers,
	// in seconds. It must stay below the client's own 60s budget.
	AskUserTimeout int `mapstructure:"askUserTimeout"`

	// PermissionTimeout is how long a tool permission request waits, in seconds.
	PermissionTimeout int `mapstructure:"permissionTimeout"`
}

// CleanupConfig holds the idle-session sweep configuration.
type CleanupConfig struct {
	Interval    int `mapstructure:"interval"`    // sweep period, in seconds
	IdleTimeout int `mapstructure:"idleTimeout"` // close sessions idle longer than this, in seconds
}

// DatabaseConfig holds the settings catalog database configuration.
// Driver is "sqlite" (default, file under the data root) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file; empty means <data.root>/settings.db
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS event bus configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SessionsDir returns the session transcript directory.
func (d *DataConfig) SessionsDir() string {
	return filepath.Join(d.Root, "sessions")
}

// TasksDir returns the task state/event directory.
func (d *DataConfig) TasksDir() string {
	return filepath.Join(d.Root, "tasks")
}

// WorkspaceDir returns the orchestrator workspace directory.
func (d *DataConfig) WorkspaceDir() string {
	return filepath.Join(d.Root, "workspace")
}

// SettingsDBPath returns the sqlite catalog path, honoring an explicit override.
func (c *Config) SettingsDBPath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Data.Root, "settings.db")
}

// InitTimeoutDuration returns the initialize handshake timeout.
func (a *AgentConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(a.InitTimeout) * time.Second
}

// AskUserTimeoutDuration returns the ask_user wait as a time.Duration.
func (i *InteractionConfig) AskUserTimeoutDuration() time.Duration {
	return time.Duration(i.AskUserTimeout) * time.Second
}

// PermissionTimeoutDuration returns the permission wait as a time.Duration.
func (i *InteractionConfig) PermissionTimeoutDuration() time.Duration {
	return time.Duration(i.PermissionTimeout) * time.Second
}

// IntervalDuration returns the sweep period as a time.Duration.
func (c *CleanupConfig) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// IdleTimeoutDuration returns the idle cutoff as a time.Duration.
func (c *CleanupConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("WHEELHOUSE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Data defaults
	v.SetDefault("data.root", "storage")

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.initTimeout", 30)
	v.SetDefault("agent.maxTurns", 0)
	v.SetDefault("agent.includePartialMessages", true)
	v.SetDefault("agent.disallowedTools", []string{"WebSearch", "WebFetch"})

	// Interaction defaults. The ask_user wait leaves headroom under the
	// client's 60s control-request budget.
	v.SetDefault("interaction.askUserTimeout", 55)
	v.SetDefault("interaction.permissionTimeout", 120)

	// Cleanup defaults
	v.SetDefault("cleanup.interval", 60)
	v.SetDefault("cleanup.idleTimeout", 300)

	// Database defaults - sqlite catalog under the data root
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "wheelhouse")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "wheelhouse")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "wheelhouse-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix WHEELHOUSE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/wheelhouse/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("WHEELHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agent.initTimeout", "WHEELHOUSE_AGENT_INIT_TIMEOUT")
	_ = v.BindEnv("agent.maxTurns", "WHEELHOUSE_AGENT_MAX_TURNS")
	_ = v.BindEnv("agent.includePartialMessages", "WHEELHOUSE_AGENT_INCLUDE_PARTIAL_MESSAGES")
	_ = v.BindEnv("interaction.askUserTimeout", "WHEELHOUSE_INTERACTION_ASK_USER_TIMEOUT")
	_ = v.BindEnv("interaction.permissionTimeout", "WHEELHOUSE_INTERACTION_PERMISSION_TIMEOUT")
	_ = v.BindEnv("cleanup.idleTimeout", "WHEELHOUSE_CLEANUP_IDLE_TIMEOUT")
	_ = v.BindEnv("database.dbName", "WHEELHOUSE_DATABASE_DB_NAME")
	_ = v.BindEnv("database.sslMode", "WHEELHOUSE_DATABASE_SSL_MODE")
	_ = v.BindEnv("database.maxConns", "WHEELHOUSE_DATABASE_MAX_CONNS")
	_ = v.BindEnv("nats.clientId", "WHEELHOUSE_NATS_CLIENT_ID")
	_ = v.BindEnv("nats.maxReconnects", "WHEELHOUSE_NATS_MAX_RECONNECTS")
	_ = v.BindEnv("logging.outputPath", "WHEELHOUSE_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/wheelhouse/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Data.Root == "" {
		errs = append(errs, "data.root is required")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Agent.InitTimeout <= 0 {
		errs = append(errs, "agent.initTimeout must be positive")
	}

	if cfg.Interaction.AskUserTimeout <= 0 {
		errs = append(errs, "interaction.askUserTimeout must be positive")
	}
	if cfg.Interaction.PermissionTimeout <= 0 {
		errs = append(errs, "interaction.permissionTimeout must be positive")
	}

	if cfg.Cleanup.Interval <= 0 {
		errs = append(errs, "cleanup.interval must be positive")
	}
	if cfg.Cleanup.IdleTimeout <= 0 {
		errs = append(errs, "cleanup.idleTimeout must be positive")
	}

	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
