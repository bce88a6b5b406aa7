package api

import (
	"context"
	"io"
	"net/http"

	"shop-api/internal/apperr"
	"shop-api/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxNotificationBytes bounds the webhook body.
const maxNotificationBytes = 1 << 20

// createPayment places an order and opens a gateway transaction for it.
func (h *Handler) createPayment(c *gin.Context) {
	h.placeOrder(c, true)
}

// paymentNotification receives the gateway's asynchronous status callback.
// Processing is detached from the caller's connection and bounded by the
// webhook timeout.
func (h *Handler) paymentNotification(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBytes))
	if err != nil {
		h.respondError(c, apperr.Validation("failed to read notification body"))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.cfg.Payment.WebhookTimeout)
	defer cancel()

	outcome, err := h.reconciler.Reconcile(ctx, raw)
	if err != nil {
		h.respondWebhookError(c, err)
		return
	}

	util.LoggerFromContext(ctx, h.logger).Info("Payment notification handled", zap.String("outcome", string(outcome)))
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"outcome": outcome,
	})
}

func (h *Handler) paymentStatus(c *gin.Context) {
	view, err := h.orders.PaymentStatus(c.Request.Context(), requesterFrom(c), c.Param("orderNumber"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) paymentHistory(c *gin.Context) {
	page, limit := pageParams(c)
	history, err := h.orders.PaymentHistory(c.Request.Context(), requesterFrom(c), page, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}
