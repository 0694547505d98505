package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// DatabaseConfig.GetDSN
// ---------------------------------------------------------------------------

func TestGetDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "standard config",
			cfg: DatabaseConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "ckan",
				Password: "secret",
				Name:     "ckan",
				SSLMode:  "require",
			},
			want: "host=localhost port=5432 user=ckan password=secret dbname=ckan sslmode=require",
		},
		{
			name: "with statement timeout",
			cfg: DatabaseConfig{
				Host:             "db.example.com",
				Port:             5433,
				User:             "admin",
				Password:         "pass",
				Name:             "catalog",
				SSLMode:          "disable",
				StatementTimeout: "30s",
			},
			want: "host=db.example.com port=5433 user=admin password=pass dbname=catalog sslmode=disable options='-c statement_timeout=30s'",
		},
		{
			name: "empty password",
			cfg: DatabaseConfig{
				Host:    "localhost",
				Port:    5432,
				User:    "user",
				Name:    "dbname",
				SSLMode: "prefer",
			},
			want: "host=localhost port=5432 user=user password= dbname=dbname sslmode=prefer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.GetDSN()
			if got != tt.want {
				t.Errorf("GetDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ServerConfig.GetAddress
// ---------------------------------------------------------------------------

func TestGetAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 8080}, "0.0.0.0:8080"},
		{"localhost", ServerConfig{Host: "localhost", Port: 3000}, "localhost:3000"},
		{"empty host", ServerConfig{Host: "", Port: 8080}, ":8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetAddress(); got != tt.want {
				t.Errorf("GetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func minimalValidConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: 8080, BaseURL: "http://localhost:8080"},
		Database: DatabaseConfig{Host: "localhost", Name: "ckan", User: "ckan"},
		Logging:  LoggingConfig{Level: "info"},
		Query:    QueryConfig{HistoryDefaultLimit: 10, HistoryMaxLimit: 500},
		Search:   SearchConfig{LimitPerColumn: 50, Mode: "value", ProbeConcurrency: 4},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid minimal config passes", func(t *testing.T) {
		if err := minimalValidConfig().Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("complete object type mapping passes", func(t *testing.T) {
		c := minimalValidConfig()
		c.Search.ObjectTypes = map[string]ObjectTypeConfig{"group": {
			Table: "group", IDColumn: "id", SearchColumns: []string{"name"},
			StateColumn: "state", ActiveValue: "active",
		}}
		if err := c.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid server port 0", func(c *Config) { c.Server.Port = 0 }},
		{"invalid server port 70000", func(c *Config) { c.Server.Port = 70000 }},
		{"missing base_url", func(c *Config) { c.Server.BaseURL = "" }},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"missing database name", func(c *Config) { c.Database.Name = "" }},
		{"missing database user", func(c *Config) { c.Database.User = "" }},
		{"tls without cert", func(c *Config) { c.Security.TLS = TLSConfig{Enabled: true, KeyFile: "k"} }},
		{"tls without key", func(c *Config) { c.Security.TLS = TLSConfig{Enabled: true, CertFile: "c"} }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"zero history limit", func(c *Config) { c.Query.HistoryDefaultLimit = 0 }},
		{"max below default", func(c *Config) { c.Query.HistoryMaxLimit = 5 }},
		{"zero search limit", func(c *Config) { c.Search.LimitPerColumn = 0 }},
		{"unknown search mode", func(c *Config) { c.Search.Mode = "cell" }},
		{"zero probe concurrency", func(c *Config) { c.Search.ProbeConcurrency = 0 }},
		{"object type without table", func(c *Config) {
			c.Search.ObjectTypes = map[string]ObjectTypeConfig{"group": {IDColumn: "id", SearchColumns: []string{"name"}}}
		}},
		{"object type without search columns", func(c *Config) {
			c.Search.ObjectTypes = map[string]ObjectTypeConfig{"group": {Table: "group", IDColumn: "id"}}
		}},
		{"object type without state column", func(c *Config) {
			c.Search.ObjectTypes = map[string]ObjectTypeConfig{"user": {
				Table: "user", IDColumn: "id", SearchColumns: []string{"name"}, ActiveValue: "active",
			}}
		}},
		{"object type without active value", func(c *Config) {
			c.Search.ObjectTypes = map[string]ObjectTypeConfig{"user": {
				Table: "user", IDColumn: "id", SearchColumns: []string{"name"}, StateColumn: "state",
			}}
		}},
		{"negative retention", func(c *Config) { c.Audit.RetentionDays = -1 }},
		{"webhook shipper without url", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "webhook", Webhook: &AuditWebhookConfig{}}}
		}},
		{"file shipper without path", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "file"}}
		}},
		{"unknown shipper type", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "syslog"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() expected error for %s, got nil", tt.name)
			}
		})
	}

	t.Run("disabled shipper is not validated", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Audit.Shippers = []AuditShipperConfig{{Enabled: false, Type: "syslog"}}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// SearchConfig.ObjectTypeMappings
// ---------------------------------------------------------------------------

func TestObjectTypeMappings(t *testing.T) {
	t.Run("falls back to defaults", func(t *testing.T) {
		s := SearchConfig{}
		m := s.ObjectTypeMappings()
		for _, name := range []string{"user", "package", "resource"} {
			if _, ok := m[name]; !ok {
				t.Errorf("default mappings missing %q", name)
			}
		}
		if m["user"].ActiveValue != "active" {
			t.Errorf("user.ActiveValue = %q, want active", m["user"].ActiveValue)
		}
	})

	t.Run("configured mappings replace defaults", func(t *testing.T) {
		s := SearchConfig{ObjectTypes: map[string]ObjectTypeConfig{
			"group": {Table: "group", IDColumn: "id", SearchColumns: []string{"name"}},
		}}
		m := s.ObjectTypeMappings()
		if len(m) != 1 {
			t.Fatalf("len(mappings) = %d, want 1", len(m))
		}
		if _, ok := m["user"]; ok {
			t.Error("defaults should not be merged into configured mappings")
		}
	})
}

// ---------------------------------------------------------------------------
// Load: defaults, file and env vars
// ---------------------------------------------------------------------------

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		if !strings.Contains(err.Error(), "invalid configuration") &&
			!strings.Contains(err.Error(), "error reading config file") {
			t.Fatalf("Load() unexpected error kind: %v", err)
		}
		return
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Search.LimitPerColumn != 50 {
		t.Errorf("default limit_per_column = %d, want 50", cfg.Search.LimitPerColumn)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
database:
  host: db.internal
  password: ${DBQ_TEST_DB_PASSWORD}
search:
  mode: row
  object_types:
    group:
      table: group
      id_column: id
      display_column: title
      search_columns: [name, title]
      state_column: state
      active_value: active
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DBQ_TEST_DB_PASSWORD", "hunter2")
	t.Setenv("DBQ_SEARCH_LIMIT_PER_COLUMN", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("database.host = %q, want db.internal", cfg.Database.Host)
	}
	if cfg.Database.Password != "hunter2" {
		t.Errorf("database.password = %q, want expanded value", cfg.Database.Password)
	}
	if cfg.Search.Mode != "row" {
		t.Errorf("search.mode = %q, want row", cfg.Search.Mode)
	}
	if cfg.Search.LimitPerColumn != 7 {
		t.Errorf("search.limit_per_column = %d, want 7 (env override)", cfg.Search.LimitPerColumn)
	}
	group, ok := cfg.Search.ObjectTypes["group"]
	if !ok {
		t.Fatal("object type group not loaded")
	}
	if group.DisplayColumn != "title" || len(group.SearchColumns) != 2 {
		t.Errorf("group mapping = %+v", group)
	}
}

// ---------------------------------------------------------------------------
// expandEnv
// ---------------------------------------------------------------------------

func TestExpandEnv(t *testing.T) {
	t.Run("expands ${VAR} syntax", func(t *testing.T) {
		t.Setenv("CONFIG_TEST_SECRET", "super-secret")
		if got := expandEnv("${CONFIG_TEST_SECRET}"); got != "super-secret" {
			t.Errorf("expandEnv() = %q, want %q", got, "super-secret")
		}
	})

	t.Run("plain string passthrough", func(t *testing.T) {
		if got := expandEnv("no-vars-here"); got != "no-vars-here" {
			t.Errorf("expandEnv() = %q, want %q", got, "no-vars-here")
		}
	})

	t.Run("unset variable expands to empty string", func(t *testing.T) {
		os.Unsetenv("CONFIG_TEST_DEFINITELY_UNSET_12345")
		if got := expandEnv("${CONFIG_TEST_DEFINITELY_UNSET_12345}"); got != "" {
			t.Errorf("expandEnv() = %q, want empty string", got)
		}
	})
}
