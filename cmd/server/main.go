// Command server runs the journey automation engine: the HTTP postback API,
// the background dispatch worker, and the observability plumbing around them.
//
// Startup order:
//  1. Load .env (best effort) and the typed config.
//  2. Configure zerolog (level, optional pretty console writer).
//  3. Open SQLite, enable GORM tracing, run migrations.
//  4. Bootstrap OpenTelemetry (no-op unless OTEL_ENABLED).
//  5. Wire routes and start the dispatch worker.
//  6. Serve until SIGINT/SIGTERM, then drain worker and server gracefully.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/lifecyclehq/go-journey-backend/internal/config"
	"github.com/lifecyclehq/go-journey-backend/internal/domain"
	httpapi "github.com/lifecyclehq/go-journey-backend/internal/http"
	"github.com/lifecyclehq/go-journey-backend/internal/observability"
	"github.com/lifecyclehq/go-journey-backend/internal/providers"
	"github.com/lifecyclehq/go-journey-backend/internal/repo"
	"github.com/lifecyclehq/go-journey-backend/internal/services"
	"github.com/lifecyclehq/go-journey-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// repoDirectory adapts repo.GetCustomer to the services.CustomerDirectory
// interface for the background dispatcher.
type repoDirectory struct {
	db *gorm.DB
}

func (d repoDirectory) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return repo.GetCustomer(ctx, d.db, id)
}

func main() {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.EnableTracing(db); err != nil {
		log.Fatal().Err(err).Msg("enable gorm tracing")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("setup otel")
	}

	email := providers.ConsoleEmailSender{}
	sms := providers.ConsoleSmsSender{}

	r := gin.New()
	httpapi.RegisterRoutes(r, db, email, sms, cfg)

	dispatcher := &services.Dispatcher{
		DB:           db,
		Directory:    repoDirectory{db: db},
		Email:        email,
		Sms:          sms,
		SendTimeout:  cfg.Dispatch.SendTimeout,
		Pacing:       cfg.Dispatch.Pacing,
		SendingLease: cfg.Dispatch.SendingLease,
	}
	worker := services.NewDispatchWorker(dispatcher, services.WorkerConfig{
		Interval:   cfg.Dispatch.Interval,
		BatchLimit: cfg.Dispatch.BatchLimit,
	})
	worker.Start()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server crashed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	worker.Stop(drainCtx)
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if err := shutdownOTel(drainCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}
}
