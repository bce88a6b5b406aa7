package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"shop-api/internal/apperr"
	"shop-api/internal/auth"
	"shop-api/internal/models"
	"shop-api/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	headerRequestID = "X-Request-ID"
	requesterKey    = "requester"
	tokenKey        = "token"
)

// requestLogger attaches a request-scoped logger carrying the request id
// and logs every request once it completes.
func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(headerRequestID, requestID)

		logger := h.logger.With(zap.String("request_id", requestID))
		c.Request = c.Request.WithContext(util.ContextWithLogger(c.Request.Context(), logger))

		c.Next()

		traceID := ""
		if span := trace.SpanFromContext(c.Request.Context()); span.SpanContext().IsValid() {
			traceID = span.SpanContext().TraceID().String()
		}

		util.LoggerFromContext(c.Request.Context(), logger).Info("HTTP Request",
			zap.String("trace_id", traceID),
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.String("user-agent", c.Request.UserAgent()),
		)
	}
}

// requireAuth verifies the bearer token and stores the caller in the context.
func (h *Handler) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			util.AuthFailuresTotal.WithLabelValues(failureReason(err)).Inc()
			h.abortWithError(c, err)
			return
		}

		claims, err := h.tokens.Verify(token)
		if err != nil {
			util.AuthFailuresTotal.WithLabelValues(failureReason(err)).Inc()
			h.abortWithError(c, err)
			return
		}

		requester := models.Requester{
			UserID: claims.Data.UserID,
			Email:  claims.Data.Email,
			Role:   claims.Data.Role,
		}
		c.Set(requesterKey, requester)
		c.Set(tokenKey, token)

		ctx := c.Request.Context()
		logger := util.LoggerFromContext(ctx, h.logger).With(zap.Int64("user_id", requester.UserID))
		c.Request = c.Request.WithContext(util.ContextWithLogger(ctx, logger))

		c.Next()
	}
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", auth.ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", auth.ErrBadFormat.With("authorization header must be 'Bearer <token>'")
	}
	return strings.TrimSpace(token), nil
}

// requireAdmin must run after requireAuth.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requesterFrom(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin role required",
				"code":  "forbidden",
			})
			return
		}
		c.Next()
	}
}

func requesterFrom(c *gin.Context) models.Requester {
	if v, ok := c.Get(requesterKey); ok {
		if r, ok := v.(models.Requester); ok {
			return r
		}
	}
	return models.Requester{}
}

// rateLimit applies the fixed window limit to one route group, keyed by
// client IP. A limiter failure lets the request through.
func (h *Handler) rateLimit(group string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil || !h.cfg.RateLimit.Enabled {
			c.Next()
			return
		}

		limit := h.cfg.RateLimit.Requests
		res, err := h.limiter.Allow(c.Request.Context(), c.ClientIP(), group, limit, h.cfg.RateLimit.Window)
		if err != nil {
			util.LoggerFromContext(c.Request.Context(), h.logger).Warn("Rate limiter unavailable, allowing request",
				zap.String("group", group), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(res.ResetIn.Seconds()), 10))

		if !res.Allowed {
			util.RateLimitedTotal.WithLabelValues(group).Inc()
			c.Header("Retry-After", strconv.FormatInt(int64(res.ResetIn.Seconds()), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests",
				"code":  "rate_limited",
			})
			return
		}
		c.Next()
	}
}

func failureReason(err error) string {
	if e, ok := apperr.As(err); ok && e.Reason != "" {
		return e.Reason
	}
	return "internal"
}
