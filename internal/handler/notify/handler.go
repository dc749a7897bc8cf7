package notify

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sociofly/notification-engine/internal/model"
	"github.com/sociofly/notification-engine/internal/service/notification"
	apperrors "github.com/sociofly/notification-engine/pkg/errors"
	"github.com/sociofly/notification-engine/pkg/httputil"
	"github.com/sociofly/notification-engine/pkg/logger"
)

// Handler is the out-of-process control surface of the engine.
type Handler struct {
	service notification.Servicer
	log     *logger.Logger
}

func NewHandler(service notification.Servicer, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{service: service, log: log}
}

// RegisterRoutes mounts the routes; guard runs in front of the mutating and
// detailed endpoints only.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, guard ...gin.HandlerFunc) {
	r.POST("/notify", chain(guard, h.Notify)...)
	r.GET("/stats", chain(guard, h.Stats)...)
	r.GET("/status", h.Status)
}

func chain(guard []gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(guard)+1)
	return append(append(out, guard...), h)
}

type notifyResponse struct {
	Accepted   int                     `json:"accepted"`
	Deliveries []model.DeliveryOutcome `json:"deliveries"`
}

func (h *Handler) Notify(c *gin.Context) {
	var req model.NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid request body", err))
		return
	}

	outcomes, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, notification.ErrInvalidNotification) {
			httputil.RespondWithError(c, apperrors.BadRequest("invalid notification", err))
			return
		}
		h.log.WithContext(c.Request.Context()).Error(err, "failed to submit notification", "type", string(req.Type))
		httputil.RespondWithError(c, apperrors.Internal(err))
		return
	}

	httputil.RespondWithSuccess(c, notifyResponse{Accepted: len(outcomes), Deliveries: outcomes})
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status())
}

func (h *Handler) Stats(c *gin.Context) {
	httputil.RespondWithSuccess(c, h.service.Stats())
}
