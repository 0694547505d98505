// Package config loads and validates the dbquery service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the DBQ_ prefix (e.g., DBQ_DATABASE_HOST
// overrides database.host in the YAML). A .env file in the working directory is
// loaded by the server binary before Load is called, so DBQ_ variables may also
// come from there.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Query     QueryConfig     `mapstructure:"query"`
	Search    SearchConfig    `mapstructure:"search"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration.
// The same connection is used for the audit table and for ad-hoc statements.
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
	// StatementTimeout is passed to the server as the statement_timeout
	// connection option. Empty leaves the server default in place.
	StatementTimeout string `mapstructure:"statement_timeout"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// QueryConfig holds settings for the query console and its history view
type QueryConfig struct {
	// HistoryDefaultLimit is the page size used when the caller does not pass one (default 10)
	HistoryDefaultLimit int `mapstructure:"history_default_limit"`
	// HistoryMaxLimit caps the page size a caller may request (default 500)
	HistoryMaxLimit int `mapstructure:"history_max_limit"`
}

// SearchConfig holds schema/content search settings
type SearchConfig struct {
	// LimitPerColumn caps the number of content matches reported per column (default 50)
	LimitPerColumn int `mapstructure:"limit_per_column"`
	// Mode selects what a content match carries: "value" (the matching cell) or "row" (the full row)
	Mode string `mapstructure:"mode"`
	// ExcludedSchemas are skipped in addition to pg_catalog and information_schema
	ExcludedSchemas []string `mapstructure:"excluded_schemas"`
	// TextTypes lists the data_type values whose contents are searched
	TextTypes []string `mapstructure:"text_types"`
	// ProbeConcurrency bounds how many per-column content probes run at once (default 4)
	ProbeConcurrency int `mapstructure:"probe_concurrency"`
	// ObjectTypes maps a domain object type name to the table that stores it
	ObjectTypes map[string]ObjectTypeConfig `mapstructure:"object_types"`
}

// ObjectTypeConfig describes how a domain object type is located and matched
type ObjectTypeConfig struct {
	Table         string   `mapstructure:"table"`
	IDColumn      string   `mapstructure:"id_column"`
	DisplayColumn string   `mapstructure:"display_column"`
	SearchColumns []string `mapstructure:"search_columns"`
	StateColumn   string   `mapstructure:"state_column"`
	ActiveValue   string   `mapstructure:"active_value"`
}

// AuditConfig holds settings for the executed-query log
type AuditConfig struct {
	// RetentionDays removes records older than this many days; 0 keeps everything
	RetentionDays int `mapstructure:"retention_days"`
	// RetentionSchedule is a cron expression (or descriptor such as "@daily") for the prune job
	RetentionSchedule string `mapstructure:"retention_schedule"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",
		"database.statement_timeout",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Query console
		"query.history_default_limit",
		"query.history_max_limit",

		// Search
		"search.limit_per_column",
		"search.mode",
		"search.excluded_schemas",
		"search.text_types",
		"search.probe_concurrency",

		// Audit
		"audit.retention_days",
		"audit.retention_schedule",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/dbquery")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("DBQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	for i := range cfg.Audit.Shippers {
		if wh := cfg.Audit.Shippers[i].Webhook; wh != nil {
			for k, val := range wh.Headers {
				wh.Headers[k] = expandEnv(val)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultObjectTypes returns the built-in object type mappings for the catalog's
// users, datasets (package) and resources.
func DefaultObjectTypes() map[string]ObjectTypeConfig {
	return map[string]ObjectTypeConfig{
		"user": {
			Table:         "user",
			IDColumn:      "id",
			DisplayColumn: "fullname",
			SearchColumns: []string{"name", "fullname", "email"},
			StateColumn:   "state",
			ActiveValue:   "active",
		},
		"package": {
			Table:         "package",
			IDColumn:      "id",
			DisplayColumn: "title",
			SearchColumns: []string{"name", "title", "notes"},
			StateColumn:   "state",
			ActiveValue:   "active",
		},
		"resource": {
			Table:         "resource",
			IDColumn:      "id",
			DisplayColumn: "name",
			SearchColumns: []string{"name", "description", "url"},
			StateColumn:   "state",
			ActiveValue:   "active",
		},
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "ckan")
	v.SetDefault("database.user", "ckan")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_idle_connections", 2)
	v.SetDefault("database.statement_timeout", "")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "dbquery")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Query console defaults
	v.SetDefault("query.history_default_limit", 10)
	v.SetDefault("query.history_max_limit", 500)

	// Search defaults
	v.SetDefault("search.limit_per_column", 50)
	v.SetDefault("search.mode", "value")
	v.SetDefault("search.excluded_schemas", []string{})
	v.SetDefault("search.text_types", []string{"text", "character varying", "character", "citext", "name"})
	v.SetDefault("search.probe_concurrency", 4)

	// Audit defaults
	v.SetDefault("audit.retention_days", 0)
	v.SetDefault("audit.retention_schedule", "@daily")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate TLS if enabled
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate query console
	if c.Query.HistoryDefaultLimit < 1 {
		return fmt.Errorf("query.history_default_limit must be at least 1")
	}
	if c.Query.HistoryMaxLimit < c.Query.HistoryDefaultLimit {
		return fmt.Errorf("query.history_max_limit (%d) must not be below query.history_default_limit (%d)",
			c.Query.HistoryMaxLimit, c.Query.HistoryDefaultLimit)
	}

	// Validate search
	if c.Search.LimitPerColumn < 1 {
		return fmt.Errorf("search.limit_per_column must be at least 1")
	}
	if c.Search.ProbeConcurrency < 1 {
		return fmt.Errorf("search.probe_concurrency must be at least 1")
	}
	if c.Search.Mode != "value" && c.Search.Mode != "row" {
		return fmt.Errorf("invalid search mode: %s (must be value or row)", c.Search.Mode)
	}
	for name, ot := range c.Search.ObjectTypes {
		if ot.Table == "" || ot.IDColumn == "" {
			return fmt.Errorf("search.object_types.%s: table and id_column are required", name)
		}
		if len(ot.SearchColumns) == 0 {
			return fmt.Errorf("search.object_types.%s: at least one search column is required", name)
		}
		if ot.StateColumn == "" || ot.ActiveValue == "" {
			return fmt.Errorf("search.object_types.%s: state_column and active_value are required", name)
		}
	}

	// Validate audit
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative")
	}
	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file path is required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown type %q (must be webhook or file)", i, s.Type)
		}
	}

	return nil
}

// ObjectTypeMappings returns the configured object types, falling back to the
// built-in set when none are configured.
func (s *SearchConfig) ObjectTypeMappings() map[string]ObjectTypeConfig {
	if len(s.ObjectTypes) == 0 {
		return DefaultObjectTypes()
	}
	return s.ObjectTypes
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
	if c.StatementTimeout != "" {
		dsn += fmt.Sprintf(" options='-c statement_timeout=%s'", c.StatementTimeout)
	}
	return dsn
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
