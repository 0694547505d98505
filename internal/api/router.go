// Package api wires together the HTTP routes of the dbquery service.
//
// Route grouping:
//   - /health, /ready and /version are unauthenticated probes.
//   - Everything under /api/v1/admin/dbquery requires a bearer JWT for an active
//     sysadmin. The service re-checks the identity on every operation, so the
//     route middleware is not the only gate.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/dbquery/dbquery/internal/api/admin"
	"github.com/dbquery/dbquery/internal/audit"
	"github.com/dbquery/dbquery/internal/config"
	"github.com/dbquery/dbquery/internal/db/repositories"
	"github.com/dbquery/dbquery/internal/dbquery"
	"github.com/dbquery/dbquery/internal/jobs"
	"github.com/dbquery/dbquery/internal/middleware"
)

// Version is reported by /version and the version subcommand
const Version = "0.1.0"

var defaultCORSMethods = []string{"GET", "POST", "OPTIONS"}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	retentionJob *jobs.AuditRetentionJob
	service      *dbquery.Service
	shippers     audit.Shipper
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown(ctx context.Context) {
	slog.Info("stopping background services")
	if bg.retentionJob != nil {
		bg.retentionJob.Stop()
	}
	if bg.service != nil {
		if err := bg.service.Shutdown(ctx); err != nil {
			slog.Warn("audit events still in flight at shutdown", "error", err)
		}
	}
	if bg.shippers != nil {
		if err := bg.shippers.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router. db is shared by the audit
// log, the user lookup and the console itself.
func NewRouter(cfg *config.Config, db *sqlx.DB) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	executedRepo := repositories.NewExecutedQueryRepository(db)

	shippers, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	if shippers.Len() > 0 {
		slog.Info("audit shipping enabled", "destinations", shippers.Len())
	}

	svc := dbquery.NewService(
		dbquery.NewExecutor(db),
		dbquery.NewSearchEngine(db, cfg.Search),
		executedRepo,
		shippers,
		cfg.Query,
	)

	retentionJob := jobs.NewAuditRetentionJob(executedRepo, cfg.Audit)
	if err := retentionJob.Start(context.Background()); err != nil {
		_ = shippers.Close()
		return nil, nil, err
	}

	bg := &BackgroundServices{
		retentionJob: retentionJob,
		service:      svc,
		shippers:     shippers,
	}

	// Global middleware (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware("/health", "/ready"))
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db))
	router.GET("/version", versionHandler())

	handlers := admin.NewDBQueryHandlers(svc)

	apiV1 := router.Group("/api/v1")
	consoleGroup := apiV1.Group("/admin/dbquery")
	consoleGroup.Use(middleware.AuthMiddleware(userRepo))
	if cfg.Security.RateLimiting.Enabled {
		limiter := middleware.NewRateLimiter(middleware.RateLimitConfigFrom(cfg.Security.RateLimiting))
		bg.rateLimiters = append(bg.rateLimiters, limiter)
		consoleGroup.Use(middleware.RateLimitMiddleware(limiter))
	}
	consoleGroup.Use(middleware.RequireSysadmin())
	{
		consoleGroup.POST("/query", handlers.RunQueryHandler())
		consoleGroup.GET("/search", handlers.SearchHandler())
		consoleGroup.GET("/object-types", handlers.ObjectTypesHandler())
		consoleGroup.GET("/history", handlers.HistoryHandler())
		consoleGroup.GET("/history/:id", handlers.GetExecutedHandler())
		consoleGroup.GET("/executors", handlers.ExecutorsHandler())
	}

	return router, bg, nil
}

// @Summary      Health check
// @Description  Liveness probe. Returns 200 when the database answers a ping.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks database connectivity and that the executed-query table exists.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also verifies that migrations have
// created the audit table, since statements cannot run without it.
func readinessHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		checks := gin.H{}

		if err := db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		var present bool
		err := db.GetContext(ctx, &present, `SELECT to_regclass('dbquery_executed') IS NOT NULL`)
		if err != nil || !present {
			checks["audit_log"] = "missing"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "executed-query table not migrated",
			})
			return
		}
		checks["audit_log"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logRequest(c, time.Since(start), path, query)
	}
}

// logRequest emits one slog record per request. The global handler decides
// between JSON and text output (see telemetry.SetupLogger).
func logRequest(c *gin.Context, latency time.Duration, path, query string) {
	attrs := []slog.Attr{
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", middleware.GetRequestID(c)),
		slog.String("user_agent", c.Request.UserAgent()),
	}
	if userID := c.GetString(middleware.UserIDKey); userID != "" {
		attrs = append(attrs, slog.String("user_id", userID))
	}

	level := slog.LevelInfo
	if c.Writer.Status() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := cfg.Security.CORS.AllowedMethods
	if len(methods) == 0 {
		methods = defaultCORSMethods
	}
	allowMethods := strings.Join(methods, ", ")

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
