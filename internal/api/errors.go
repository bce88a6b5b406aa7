package api

import (
	"errors"
	"net/http"

	"shop-api/internal/apperr"
	"shop-api/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// errorBody maps err onto a status code and the {"error", "code"} payload.
// Internal failures are logged and never leak their cause.
func (h *Handler) errorBody(c *gin.Context, err error) (int, gin.H) {
	logger := util.LoggerFromContext(c.Request.Context(), h.logger)

	e, ok := apperr.As(err)
	if !ok || e.Kind == apperr.KindInternal {
		logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		return http.StatusInternalServerError, gin.H{
			"error": "internal server error",
			"code":  "internal",
		}
	}

	if e.Kind == apperr.KindGateway {
		logger.Warn("Payment gateway failure", zap.Error(err))
	}
	return e.Kind.HTTPStatus(), gin.H{
		"error": e.Message,
		"code":  e.Reason,
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	c.JSON(h.errorBody(c, err))
}

func (h *Handler) abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(h.errorBody(c, err))
}

// respondWebhookError answers an unverifiable notification with 401 so the
// gateway does not treat it as delivered.
func (h *Handler) respondWebhookError(c *gin.Context, err error) {
	if errors.Is(err, apperr.ErrUnverified) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "notification could not be verified",
			"code":  "unverified",
		})
		return
	}
	h.respondError(c, err)
}

func invalidInput(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid request body",
		"code":    "invalid_input",
		"details": err.Error(),
	})
}
