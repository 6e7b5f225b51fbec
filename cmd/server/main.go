// Command server runs the document compliance service: the enforcement
// gate, the document lifecycle API, the provider webhook, and the
// renewal scheduler, all behind one HTTP listener.
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

	"github.com/jackc/pgx/v5/pgxpool"

	"signgate/internal/audit"
	dochandler "signgate/internal/document/handler"
	docmetrics "signgate/internal/document/metrics"
	docservice "signgate/internal/document/service"
	docstore "signgate/internal/document/store"
	"signgate/internal/gate"
	gatemetrics "signgate/internal/gate/metrics"
	httpapi "signgate/internal/http"
	"signgate/internal/jwttoken"
	"signgate/internal/platform/config"
	"signgate/internal/platform/httpserver"
	"signgate/internal/platform/logger"
	platformredis "signgate/internal/platform/redis"
	"signgate/internal/policy"
	"signgate/internal/provider"
	"signgate/internal/scheduler"
	schedmetrics "signgate/internal/scheduler/metrics"
	"signgate/internal/webhook"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New(logger.ParseLevel(cfg.LogLevel))
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := policy.Default()
	health := map[string]httpapi.HealthChecker{}

	// Artifact store: Postgres when configured, in-memory otherwise.
	var artifacts docstore.Store
	if cfg.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		artifacts = docstore.NewPostgresStore(pool)
		health["postgres"] = pool.Ping
		log.Info("using postgres artifact store")
	} else {
		artifacts = docstore.NewInMemoryStore()
		log.Warn("no postgres configured, artifacts are in-memory only")
	}

	// Audit pipeline: durable store copy plus an optional Kafka fan-out
	// drained by a background worker.
	auditStore := audit.NewInMemoryStore()
	auditPublisher := audit.NewPublisher(auditStore)
	var auditWorker *audit.Worker
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := audit.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			return err
		}
		defer kafka.Close()
		outbox := make(chan audit.Event, 256)
		auditPublisher = auditPublisher.WithOutbox(outbox)
		auditWorker = audit.NewWorker(kafka, outbox, log)
		log.Info("audit events fan out to kafka", "topic", cfg.KafkaTopic)
	}

	// Provider client: real HTTP client when a base URL is configured,
	// the loopback mock otherwise so local runs work end to end.
	var signer provider.Client
	if cfg.Provider.BaseURL != "" {
		signer = provider.NewHTTPClient(cfg.Provider)
	} else {
		signer = &provider.MockClient{}
		log.Warn("no provider configured, envelopes are mocked")
	}

	lifecycleMetrics := docmetrics.New()
	lifecycle, err := docservice.New(artifacts, registry, signer,
		docservice.WithLogger(log),
		docservice.WithMetrics(lifecycleMetrics),
		docservice.WithAuditPublisher(auditPublisher),
		docservice.WithDocumentTTL(cfg.DocumentTTL),
		docservice.WithPendingTTL(cfg.PendingTTL),
	)
	if err != nil {
		return err
	}

	// Verdict cache: shared via redis when configured.
	var verdictCache gate.Cache
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		verdictCache = gate.NewRedisCache(redisClient.Client, cfg.ComplianceCacheTTL)
		health["redis"] = redisClient.Health
	} else {
		verdictCache = gate.NewInMemoryCache(cfg.ComplianceCacheTTL)
	}

	enforcement, err := gate.New(lifecycle, registry,
		gate.WithLogger(log),
		gate.WithMetrics(gatemetrics.New()),
		gate.WithAuditPublisher(auditPublisher),
		gate.WithCache(verdictCache),
	)
	if err != nil {
		return err
	}
	// An action routed through the gate without a policy is a deploy
	// mistake, not something to discover on the first request.
	if err := enforcement.ValidateRoutes(httpapi.GatedRoutes()); err != nil {
		return err
	}

	jwtService := jwttoken.New(cfg.JWTSigningKey, "signgate")

	router := httpapi.NewRouter(httpapi.Deps{
		Logger:       log,
		Gate:         enforcement,
		Documents:    dochandler.New(lifecycle, log, jwtService),
		Webhook:      webhook.New(lifecycle, []byte(cfg.WebhookSecret), log, auditPublisher, verdictCache).WithMetrics(lifecycleMetrics),
		JWTValidator: jwtService,
		Health:       health,
	})

	sweeper, err := scheduler.New(lifecycle, artifacts, cfg.SchedulerInterval, cfg.RenewalWindow,
		scheduler.WithLogger(log),
		scheduler.WithMetrics(schedmetrics.New()),
	)
	if err != nil {
		return err
	}

	srv := httpserver.New(cfg.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting signgate", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", "error", err.Error())
		}
	}()
	if auditWorker != nil {
		go func() {
			if err := auditWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit worker stopped", "error", err.Error())
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
