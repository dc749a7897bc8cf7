package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/sociofly/notification-engine/internal/handler/health"
	"github.com/sociofly/notification-engine/internal/handler/notify"
	"github.com/sociofly/notification-engine/internal/handler/prometheus"
	"github.com/sociofly/notification-engine/internal/middleware"
	"github.com/sociofly/notification-engine/pkg/logger"
)

type RouterConfig struct {
	RateLimit      rate.Limit
	RateBurst      int
	CORSConfig     middleware.CORSConfig
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	MetricsPath    string
	Debug          bool
}

type Router struct {
	engine    *gin.Engine
	config    RouterConfig
	apiKey    *middleware.APIKeyAuth
	notifyH   *notify.Handler
	healthH   *health.Handler
	metricsH  *prometheus.Handler
	websocket gin.HandlerFunc
}

func NewRouter(
	log *logger.Logger,
	apiKey *middleware.APIKeyAuth,
	notifyH *notify.Handler,
	healthH *health.Handler,
	metricsH *prometheus.Handler,
	websocket gin.HandlerFunc,
	config RouterConfig,
) *Router {
	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	engine := gin.New()
	r := &Router{
		engine:    engine,
		config:    config,
		apiKey:    apiKey,
		notifyH:   notifyH,
		healthH:   healthH,
		metricsH:  metricsH,
		websocket: websocket,
	}

	// Add core middlewares
	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.ErrorHandler(log),
		metricsH.Middleware(),
		middleware.SecurityHeaders(middleware.DefaultSecurityConfig()),
		middleware.CORS(config.CORSConfig),
	)

	return r
}

func (r *Router) Setup() {
	r.healthH.RegisterRoutes(r.engine.Group(""))
	r.engine.GET(r.config.MetricsPath, r.metricsH.Handler())

	// the upgrade hijacks the connection: no body limit or timeout here
	r.engine.GET("/ws", r.websocket)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:  r.config.RateLimit,
		Burst: r.config.RateBurst,
	})

	control := r.engine.Group("")
	control.Use(
		rateLimiter.RateLimit(),
		middleware.SizeLimit(middleware.SizeLimitConfig{
			MaxBodySize:   r.config.MaxBodyBytes,
			MaxHeaderSize: 1 << 14,
		}),
		middleware.Timeout(r.config.RequestTimeout),
	)
	r.notifyH.RegisterRoutes(control, r.apiKey.Require())
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
