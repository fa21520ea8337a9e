package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"janus/internal/activity"
	"janus/internal/matrix"
	oauth2handler "janus/internal/oauth2/handler"
	oauth2service "janus/internal/oauth2/service"
	"janus/internal/platform/config"
	"janus/internal/platform/database"
	"janus/internal/platform/httpserver"
	"janus/internal/platform/logger"
	"janus/internal/platform/middleware"
	platformredis "janus/internal/platform/redis"
	"janus/internal/policy"
	"janus/internal/queue"
	"janus/internal/storage/memory"
	"janus/internal/storage/postgres"
	httptransport "janus/internal/transport/http"
	"janus/internal/upstream/cookie"
	upstreamhandler "janus/internal/upstream/handler"
	upstreammetrics "janus/internal/upstream/metrics"
	upstreamservice "janus/internal/upstream/service"

	oauth2code "janus/internal/oauth2/code"
	"janus/internal/storage"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage: postgres when configured, in-memory otherwise.
	var (
		store     storage.Factory
		codeStore oauth2code.Store
		sessions  oauth2code.SessionStore
	)
	if cfg.DatabaseURL != "" {
		if err := database.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		store = postgres.NewFactory(db)
		pgCodes := oauth2code.NewPostgres(db)
		codeStore, sessions = pgCodes, pgCodes
	} else {
		log.Warn("no database configured, using in-memory storage")
		store = memory.NewStore()
		memCodes := oauth2code.New()
		codeStore, sessions = memCodes, memCodes
	}

	// Activity tracking is optional and degrades to a no-op.
	var tracker activity.Tracker = activity.Noop{}
	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		tracker = activity.NewRedisTracker(redisClient.Client, log)
	}

	// Job delivery: kafka when configured, in-process otherwise.
	var publisher queue.Publisher = queue.NewInMemoryPublisher()
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := queue.NewKafkaPublisher(ctx, cfg.KafkaBrokers, log)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = kafka.Close(closeCtx)
		}()
		publisher = kafka
	}

	upstreamSvc := upstreamservice.New(
		store,
		policy.NewRules(),
		matrix.NewClient(cfg.HomeserverURL),
		publisher,
		log,
		upstreamservice.WithMetrics(upstreammetrics.New()),
		upstreamservice.WithTracker(tracker),
		upstreamservice.WithTermsURI(cfg.TermsURI),
	)
	codec := cookie.NewCodec([]byte(cfg.CookieSecret), cfg.CookieTTL)

	router := httptransport.NewRouter(log,
		[]func(http.Handler) http.Handler{
			middleware.Recovery(log),
			middleware.RequestID,
			middleware.RequestMetadata,
			middleware.Logger(log),
			middleware.Timeout(httptransport.DefaultTimeout),
		},
		upstreamhandler.New(upstreamSvc, codec, log, cfg.SecureCookies),
		oauth2handler.New(oauth2service.New(codeStore, log), sessions, log),
	)

	srv := httpserver.New(cfg.Addr, router)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("starting janus", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
