package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/dbquery/dbquery/internal/auth"
	"github.com/dbquery/dbquery/internal/config"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Setenv("DBQ_JWT_SECRET", "test-router-jwt-secret-that-is-32chars!")
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// healthCheckHandler
// ---------------------------------------------------------------------------

func newHealthDB(t *testing.T, pingOK bool) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	return sqlx.NewDb(db, "sqlmock"), mock
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return body
}

func TestHealthCheckHandler_Healthy(t *testing.T) {
	db, _ := newHealthDB(t, true)

	r := gin.New()
	r.GET("/health", healthCheckHandler(db))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestHealthCheckHandler_Unhealthy(t *testing.T) {
	db, _ := newHealthDB(t, false)

	r := gin.New()
	r.GET("/health", healthCheckHandler(db))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", body["status"])
	}
}

// ---------------------------------------------------------------------------
// readinessHandler
// ---------------------------------------------------------------------------

const auditTableQuery = `SELECT to_regclass\('dbquery_executed'\) IS NOT NULL`

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name       string
		pingOK     bool
		setup      func(sqlmock.Sqlmock)
		wantStatus int
		wantReady  bool
	}{
		{
			name:   "ready",
			pingOK: true,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(auditTableQuery).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(true))
			},
			wantStatus: http.StatusOK,
			wantReady:  true,
		},
		{
			name:       "database down",
			pingOK:     false,
			setup:      func(sqlmock.Sqlmock) {},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:   "audit table missing",
			pingOK: true,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(auditTableQuery).WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(false))
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:   "audit table check fails",
			pingOK: true,
			setup: func(m sqlmock.Sqlmock) {
				m.ExpectQuery(auditTableQuery).WillReturnError(sql.ErrConnDone)
			},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newHealthDB(t, tt.pingOK)
			tt.setup(mock)

			r := gin.New()
			r.GET("/ready", readinessHandler(db))

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeBody(t, w); body["ready"] != tt.wantReady {
				t.Errorf("ready = %v, want %v", body["ready"], tt.wantReady)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// versionHandler
// ---------------------------------------------------------------------------

func TestVersionHandler(t *testing.T) {
	r := gin.New()
	r.GET("/version", versionHandler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["version"] != Version {
		t.Errorf("version = %v, want %s", body["version"], Version)
	}
	if body["api_version"] != "v1" {
		t.Errorf("api_version = %v, want v1", body["api_version"])
	}
}

// ---------------------------------------------------------------------------
// LoggerMiddleware
// ---------------------------------------------------------------------------

func TestLoggerMiddleware_PassesThrough(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusInternalServerError} {
		r := gin.New()
		r.Use(LoggerMiddleware())
		r.GET("/", func(c *gin.Context) { c.Status(status) })

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		if w.Code != status {
			t.Errorf("status = %d, want %d", w.Code, status)
		}
	}
}

// ---------------------------------------------------------------------------
// CORSMiddleware
// ---------------------------------------------------------------------------

func corsRequest(cfg *config.Config, method, origin string) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.Handle(method, "/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, "/", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestCORSMiddleware_AllowedOrigin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"https://catalog.example.org"}

	w := corsRequest(cfg, http.MethodGet, "https://catalog.example.org")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://catalog.example.org" {
		t.Errorf("Access-Control-Allow-Origin = %q, want https://catalog.example.org", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q, want defaults", got)
	}
}

func TestCORSMiddleware_ConfiguredMethods(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"*"}
	cfg.Security.CORS.AllowedMethods = []string{"GET", "POST"}

	w := corsRequest(cfg, http.MethodGet, "https://anything.example")

	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("Access-Control-Allow-Methods = %q, want GET, POST", got)
	}
}

func TestCORSMiddleware_DisallowedOrigin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"https://allowed.example"}

	w := corsRequest(cfg, http.MethodGet, "https://evil.example")

	// Request passes through but no CORS header set
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("expected no Access-Control-Allow-Origin header for disallowed origin")
	}
}

func TestCORSMiddleware_PreflightOptions(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"*"}

	w := corsRequest(cfg, http.MethodOptions, "https://catalog.example.org")

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 for OPTIONS preflight", w.Code)
	}
}

func TestCORSMiddleware_WildcardNoOriginHeader(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"*"}

	w := corsRequest(cfg, http.MethodGet, "")

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

// ---------------------------------------------------------------------------
// NewRouter
// ---------------------------------------------------------------------------

var userCols = []string{"id", "name", "fullname", "email", "sysadmin", "state", "created"}

func newTestRouter(t *testing.T, mutate func(*config.Config)) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	cfg := &config.Config{}
	cfg.Query = config.QueryConfig{HistoryDefaultLimit: 10, HistoryMaxLimit: 500}
	cfg.Search = config.SearchConfig{LimitPerColumn: 50, Mode: "value", ProbeConcurrency: 1}
	if mutate != nil {
		mutate(cfg)
	}

	router, bg, err := NewRouter(cfg, sqlx.NewDb(sqlDB, "sqlmock"))
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(func() { bg.Shutdown(context.Background()) })
	return router, mock
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateJWT(userID, userID, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	return "Bearer " + token
}

func expectUser(mock sqlmock.Sqlmock, id string, sysadmin bool) {
	mock.ExpectQuery(`FROM "user" WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow(id, id, "", id+"@example.org", sysadmin, "active", time.Now()))
}

func TestNewRouter_ConsoleRequiresToken(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/admin/dbquery/object-types", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID")
	}
}

func TestNewRouter_ConsoleRejectsRegularUser(t *testing.T) {
	router, mock := newTestRouter(t, nil)
	expectUser(mock, "user-1", false)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/dbquery/query",
		bytes.NewBufferString(`{"query":"DROP TABLE package"}`))
	req.Header.Set("Authorization", bearer(t, "user-1"))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403: body=%s", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database activity: %v", err)
	}
}

func TestNewRouter_ConsoleServesSysadmin(t *testing.T) {
	router, mock := newTestRouter(t, nil)
	expectUser(mock, "admin-1", true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/dbquery/object-types", nil)
	req.Header.Set("Authorization", bearer(t, "admin-1"))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: body=%s", w.Code, w.Body.String())
	}
	types, _ := decodeBody(t, w)["object_types"].([]interface{})
	if len(types) != 3 {
		t.Errorf("object_types = %v, want the three defaults", types)
	}
}

func TestNewRouter_RateLimited(t *testing.T) {
	router, mock := newTestRouter(t, func(cfg *config.Config) {
		cfg.Security.RateLimiting = config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 1, Burst: 1}
	})

	var codes []int
	for i := 0; i < 2; i++ {
		expectUser(mock, "admin-1", true)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/dbquery/object-types", nil)
		req.Header.Set("Authorization", bearer(t, "admin-1"))
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 429]", codes)
	}
}

func TestNewRouter_InvalidShipperConfig(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	cfg := &config.Config{}
	cfg.Audit.Shippers = []config.AuditShipperConfig{{Enabled: true, Type: "syslog"}}

	if _, _, err := NewRouter(cfg, sqlx.NewDb(sqlDB, "sqlmock")); err == nil {
		t.Error("NewRouter() error = nil, want shipper configuration error")
	}
}

func TestNewRouter_InvalidRetentionSchedule(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer sqlDB.Close()

	cfg := &config.Config{}
	cfg.Audit.RetentionDays = 30
	cfg.Audit.RetentionSchedule = "every tuesday"

	if _, _, err := NewRouter(cfg, sqlx.NewDb(sqlDB, "sqlmock")); err == nil {
		t.Error("NewRouter() error = nil, want schedule error")
	}
}
