// @title           dbquery API
// @version         0.1.0
// @description     Administrator SQL console for the data catalog: ad-hoc statements, schema and content search, executed-query history.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "JWT issued by the token subcommand: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         DBQuery
// @tag.description  Sysadmin-only query console. Prometheus metrics are served on a dedicated port (default 9090) at GET /metrics, outside the Gin router.

// Package main is the entry point for the dbquery server binary.
// Subcommands are dispatched with a switch on os.Args:
//
//	serve                          run the HTTP server (default; migrates on startup)
//	migrate <up|down>              apply or roll back the schema
//	version                        print the build version
//	token <user-id> [ttl]          issue a bearer token for an existing user
//	create-admin <name> <email>    create an active sysadmin in the user directory
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbquery/dbquery/internal/api"
	"github.com/dbquery/dbquery/internal/auth"
	"github.com/dbquery/dbquery/internal/config"
	"github.com/dbquery/dbquery/internal/db"
	"github.com/dbquery/dbquery/internal/db/models"
	"github.com/dbquery/dbquery/internal/db/repositories"
	"github.com/dbquery/dbquery/internal/telemetry"
)

const defaultTokenTTL = 24 * time.Hour

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("dbquery v%s\n", api.Version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Telemetry.ServiceName)

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "token":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s token <user-id> [ttl]", os.Args[0])
		}
		ttl := defaultTokenTTL
		if len(os.Args) > 3 {
			if ttl, err = time.ParseDuration(os.Args[3]); err != nil || ttl <= 0 {
				return fmt.Errorf("invalid ttl %q: use a positive Go duration such as 8h", os.Args[3])
			}
		}
		return issueToken(cfg, os.Args[2], ttl)
	case "create-admin":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: %s create-admin <name> <email>", os.Args[0])
		}
		return createAdmin(cfg, os.Args[2], os.Args[3])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version, token, create-admin", command)
	}
}

func connect(cfg *config.Config) (*sqlx.DB, error) {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

func serve(cfg *config.Config) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Fails outside dev mode when DBQ_JWT_SECRET is unset
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	slog.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"user", cfg.Database.User,
		"dbname", cfg.Database.Name,
		"sslmode", cfg.Database.SSLMode)

	database, err := connect(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	telemetry.StartDBStatsCollector(database.DB)

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	// Metrics live on their own port so the scrape path stays off the public ingress.
	var metricsSrv *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices, err := api.NewRouter(cfg, database)
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.Server.GetAddress(), "base_url", cfg.Server.BaseURL, "tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		bgServices.Shutdown(context.Background())
		return fmt.Errorf("server failed: %w", err)
	}

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}

	// Stop the retention job, flush audit shipping and stop rate limiter goroutines
	bgServices.Shutdown(ctx)

	slog.Info("server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := connect(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}

// issueToken prints a bearer token for an existing, active user. The console
// still checks the sysadmin flag on every request, so a token for a regular
// user is accepted here but rejected by the API.
func issueToken(cfg *config.Config, userID string, ttl time.Duration) error {
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	database, err := connect(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	user, err := repositories.NewUserRepository(database).GetUserByID(context.Background(), userID)
	if err != nil {
		return err
	}
	if user == nil || !user.IsActive() {
		return fmt.Errorf("no active user with id %s", userID)
	}
	if !user.Sysadmin {
		slog.Warn("issuing token for a user without sysadmin rights", "user_id", user.ID)
	}

	token, err := auth.GenerateJWT(user.ID, user.Name, ttl)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func createAdmin(cfg *config.Config, name, email string) error {
	database, err := connect(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	repo := repositories.NewUserRepository(database)

	existing, err := repo.GetUserByName(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("user %q already exists (id %s)", name, existing.ID)
	}

	user := &models.User{Name: name, Email: &email, Sysadmin: true}
	if err := repo.CreateUser(ctx, user); err != nil {
		return err
	}
	slog.Info("created sysadmin", "user_id", user.ID, "name", user.Name)
	fmt.Println(user.ID)
	return nil
}
