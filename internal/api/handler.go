package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"shop-api/config"
	"shop-api/internal/auth"
	"shop-api/internal/models"
	"shop-api/internal/redisclient"
	"shop-api/internal/service"
	"shop-api/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// AuthAPI is the account side of the API.
type AuthAPI interface {
	Register(ctx context.Context, input service.RegisterInput) (*service.AuthResult, error)
	Login(ctx context.Context, input service.LoginInput) (*service.AuthResult, error)
	SocialLogin(ctx context.Context, provider, code string) (*service.AuthResult, error)
	Me(ctx context.Context, userID int64) (*models.User, error)
	Refresh(ctx context.Context, token string) (*service.AuthResult, error)
}

// OrderAPI is the order and payment side of the API.
type OrderAPI interface {
	CreateOrder(ctx context.Context, userID int64, input service.CreateOrderInput, withGateway bool) (*models.Order, error)
	CancelOrder(ctx context.Context, requester models.Requester, orderID int64) (*models.Order, error)
	UpdateStatus(ctx context.Context, requester models.Requester, orderID int64, to models.OrderStatus) (*models.Order, error)
	GetOrder(ctx context.Context, requester models.Requester, orderID int64) (*models.Order, error)
	ListOrders(ctx context.Context, requester models.Requester, page, limit int) (*service.OrderPage, error)
	PaymentStatus(ctx context.Context, requester models.Requester, orderNumber string) (*service.PaymentStatusView, error)
	PaymentHistory(ctx context.Context, requester models.Requester, page, limit int) (*service.PaymentHistoryPage, error)
}

type WebhookReconciler interface {
	Reconcile(ctx context.Context, raw []byte) (service.Outcome, error)
}

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, client, group string, limit int, window time.Duration) (redisclient.RateLimitResult, error)
}

// Pinger is a dependency pinged by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies groups everything the handlers call into.
type Dependencies struct {
	Auth       AuthAPI
	Orders     OrderAPI
	Reconciler WebhookReconciler
	Tokens     TokenVerifier
	Limiter    RateLimiter
	Checks     map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	auth       AuthAPI
	orders     OrderAPI
	reconciler WebhookReconciler
	tokens     TokenVerifier
	limiter    RateLimiter
	checks     map[string]Pinger
	cfg        *config.Config
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(cfg *config.Config, deps Dependencies) *Handler {
	return &Handler{
		auth:       deps.Auth,
		orders:     deps.Orders,
		reconciler: deps.Reconciler,
		tokens:     deps.Tokens,
		limiter:    deps.Limiter,
		checks:     deps.Checks,
		cfg:        cfg,
		logger:     util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(h.cfg.Observ.ServiceName))
	router.Use(prometheusMiddleware())
	router.Use(h.requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")

	// The gateway calls back from its own address pool, so the webhook is
	// neither authenticated nor rate limited.
	api.POST("/payments/notification", h.paymentNotification)

	authGroup := api.Group("/auth", h.rateLimit("auth"))
	{
		authGroup.POST("/register", h.register)
		authGroup.POST("/login", h.login)
		authGroup.GET("/:provider/callback", h.socialCallback)

		authGroup.POST("/refresh", h.requireAuth(), h.refresh)
		authGroup.POST("/logout", h.requireAuth(), h.logout)
		authGroup.GET("/me", h.requireAuth(), h.me)
	}

	orders := api.Group("/orders", h.rateLimit("orders"), h.requireAuth())
	{
		orders.GET("", h.listOrders)
		orders.POST("", h.createOrder)
		orders.GET("/:id", h.getOrder)
		orders.PUT("/:id/cancel", h.cancelOrder)
		orders.PUT("/:id/status", requireAdmin(), h.updateOrderStatus)
	}

	payments := api.Group("/payments", h.rateLimit("payments"), h.requireAuth())
	{
		payments.POST("/create", h.createPayment)
		payments.GET("/status/:orderNumber", h.paymentStatus)
		payments.GET("/history", h.paymentHistory)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every backing dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
