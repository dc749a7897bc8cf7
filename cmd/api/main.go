package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/sociofly/notification-engine/internal/config"
	"github.com/sociofly/notification-engine/internal/handler/health"
	"github.com/sociofly/notification-engine/internal/handler/notify"
	"github.com/sociofly/notification-engine/internal/handler/prometheus"
	"github.com/sociofly/notification-engine/internal/middleware"
	"github.com/sociofly/notification-engine/internal/realtime"
	"github.com/sociofly/notification-engine/internal/repository"
	"github.com/sociofly/notification-engine/internal/repository/postgres"
	"github.com/sociofly/notification-engine/internal/router"
	"github.com/sociofly/notification-engine/internal/service/notification"
	"github.com/sociofly/notification-engine/internal/transport/ws"
	"github.com/sociofly/notification-engine/pkg/auth"
	"github.com/sociofly/notification-engine/pkg/circuitbreaker"
	"github.com/sociofly/notification-engine/pkg/logger"
	"github.com/sociofly/notification-engine/pkg/messaging"
	"github.com/sociofly/notification-engine/pkg/messaging/redis"
	"github.com/sociofly/notification-engine/pkg/metrics"
	"github.com/sociofly/notification-engine/pkg/security"
	"github.com/sociofly/notification-engine/pkg/validator"
	"github.com/sociofly/notification-engine/pkg/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.NewLogger(nil).Fatal(err, "failed to load configuration")
	}

	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       cfg.Log.Format == "json",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	registry := prom.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry, cfg.Monitoring.Namespace, "")

	// Durable store, only when the fallback is enabled
	var (
		persister notification.Persister
		store     repository.HealthChecker
	)
	if cfg.Engine.EnableDatabaseFallback {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal(err, "failed to connect to database")
		}
		defer db.Close()
		if v, err := postgres.SchemaVersion(ctx, db); err == nil {
			log.Info("durable store ready", "driver", cfg.Database.Driver, "schema_version", v)
		}

		base := postgres.NewBaseRepository(db)
		store = &base
		cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:                "durable-store",
			MaxRequests:         1,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			IsSuccessful:        notification.StoreCallSucceeded,
			OnStateChange: func(name, from, to string) {
				log.Warn("Circuit breaker state changed", "breaker", name, "from", from, "to", to)
			},
		})
		persister = notification.NewRepositoryPersister(postgres.NewNotificationRepository(base), cb, m, cfg.Database.QueryTimeout)
	} else {
		log.Info("durable fallback disabled")
	}

	// Engine
	v := validator.New()
	connections := realtime.NewRegistry()
	queue := realtime.NewStore(realtime.StoreConfig{
		MaxPerUser: cfg.Engine.MaxNotificationsPerUser,
		TTL:        cfg.Engine.Expiry(),
	})
	monitor := realtime.NewMonitor(realtime.MonitorConfig{MaxMemoryMB: float64(cfg.Engine.MaxMemoryUsageMB)}, m)
	svc := notification.NewService(notification.Config{
		EnableDurableFallback:    cfg.Engine.EnableDatabaseFallback,
		AggressiveTrimFraction:   cfg.Engine.AggressiveTrimFraction,
		MaxConcurrentConnections: cfg.Engine.MaxConcurrentConnections,
	}, connections, queue, monitor, persister, v, log)

	var verifier auth.Verifier = auth.TrustingVerifier{}
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		log.Warn("auth.jwt_secret not set, trusting claimed identities")
	}

	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.Control.AllowedOrigins

	transport := ws.NewServer(ws.Config{
		HeartbeatInterval:        cfg.Engine.HeartbeatInterval(),
		ConnectionTimeout:        cfg.Engine.ConnectionTimeout(),
		MaxConcurrentConnections: cfg.Engine.MaxConcurrentConnections,
		CheckOrigin:              func(r *http.Request) bool { return cors.AllowsOrigin(r.Header.Get("Origin")) },
	}, svc, connections, verifier, v, log, m)

	// HTTP
	if cfg.Control.APIKeyHash == "" {
		log.Warn("control.api_key_hash not set, control surface is open")
	}
	r := router.NewRouter(
		log,
		middleware.NewAPIKeyAuth(cfg.Control.APIKeyHash, security.NewBcryptHasher(bcrypt.DefaultCost)),
		notify.NewHandler(svc, log),
		health.NewHandler(store),
		prometheus.New(registry, cfg.Monitoring.Namespace),
		transport.Handler(),
		router.RouterConfig{
			RateLimit:      rate.Limit(cfg.Control.RequestsPerSecond),
			RateBurst:      cfg.Control.Burst,
			CORSConfig:     cors,
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
			RequestTimeout: cfg.Server.WriteTimeout,
			MetricsPath:    cfg.Monitoring.MetricsPath,
			Debug:          !cfg.IsProduction() && cfg.Log.Level == "debug",
		},
	)
	r.Setup()

	srv := &http.Server{
		Addr:              cfg.Engine.Addr(),
		Handler:           r.Engine(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	// Background jobs
	jobs := append(svc.Jobs(cfg.Engine.CleanupInterval(), cfg.Engine.MetricsLogInterval()), transport.HeartbeatJob())
	runner := worker.NewRunner(log, jobs...)
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	runner.Start(jobCtx)

	// Broker ingestion
	var (
		broker   messaging.Broker
		consumer sync.WaitGroup
	)
	if cfg.Redis.URL != "" {
		broker, err = redis.NewRedisBroker(redis.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, log)
		if err != nil {
			log.Fatal(err, "failed to connect to Redis")
		}
		consumer.Add(1)
		go func() {
			defer consumer.Done()
			if err := svc.ConsumeRequests(jobCtx, broker, cfg.Redis.Channel, m); err != nil {
				log.Error(err, "broker consumer stopped")
			}
		}()
	}

	// Start server
	go func() {
		log.Info("notification engine listening", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	cancelJobs()
	runner.Wait()
	consumer.Wait()

	// hijacked websocket connections are not tracked by http.Server
	if err := transport.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "websocket connections did not close in time")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
	}
	if broker != nil {
		if err := broker.Close(); err != nil {
			log.Error(err, "failed to close broker")
		}
	}

	log.Info("server exited properly")
}
