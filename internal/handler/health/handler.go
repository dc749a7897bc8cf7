package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sociofly/notification-engine/internal/repository"
	apperrors "github.com/sociofly/notification-engine/pkg/errors"
	"github.com/sociofly/notification-engine/pkg/httputil"
)

type Handler struct {
	// nil when the durable store is disabled
	store repository.HealthChecker
}

func NewHandler(store repository.HealthChecker) *Handler {
	return &Handler{
		store: store,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	health := r.Group("/health")
	{
		health.GET("/live", h.LivenessCheck)
		health.GET("/ready", h.ReadinessCheck)
	}
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (h *Handler) ReadinessCheck(c *gin.Context) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			httputil.RespondWithError(c, apperrors.Unavailable("durable store unreachable", err))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}
