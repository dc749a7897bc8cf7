package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sociofly/notification-engine/internal/config"
	"github.com/sociofly/notification-engine/internal/handler/health"
	"github.com/sociofly/notification-engine/internal/repository/postgres"
	"github.com/sociofly/notification-engine/internal/worker"
	"github.com/sociofly/notification-engine/pkg/logger"
)

func setupHealthCheck(log *logger.Logger, port int, h *health.Handler) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	h.RegisterRoutes(engine.Group(""))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "Health check server failed")
		}
	}()
	return srv
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewLogger(nil).Fatal(err, "Failed to load config")
	}

	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       cfg.Log.Format == "json",
	}).WithFields(map[string]interface{}{"component": "retention-worker"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err, "Failed to connect to database")
	}
	defer db.Close()

	if v, err := postgres.SchemaVersion(ctx, db); err == nil {
		log.Info("Database ready", "schema_version", v)
	}

	base := postgres.NewBaseRepository(db)
	repo := postgres.NewNotificationRepository(base)

	healthSrv := setupHealthCheck(log, cfg.Retention.HealthPort, health.NewHandler(&base))

	w := worker.NewRetentionWorker(repo, cfg.Retention.Days, log)
	if err := w.Start(ctx, cfg.Retention.Schedule); err != nil {
		log.Error(err, "Retention worker failed")
	}

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Health check server forced to shutdown")
	}
}
