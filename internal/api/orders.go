package api

import (
	"net/http"
	"strconv"

	"shop-api/internal/apperr"
	"shop-api/internal/models"
	"shop-api/internal/service"

	"github.com/gin-gonic/gin"
)

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

// createOrder places an order without contacting the payment gateway
func (h *Handler) createOrder(c *gin.Context) {
	h.placeOrder(c, false)
}

func (h *Handler) placeOrder(c *gin.Context, withGateway bool) {
	var input service.CreateOrderInput
	if err := c.ShouldBindJSON(&input); err != nil {
		invalidInput(c, err)
		return
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), requesterFrom(c).UserID, input, withGateway)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order.View())
}

func (h *Handler) listOrders(c *gin.Context) {
	page, limit := pageParams(c)
	result, err := h.orders.ListOrders(c.Request.Context(), requesterFrom(c), page, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), requesterFrom(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order.View())
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	order, err := h.orders.CancelOrder(c.Request.Context(), requesterFrom(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order.View())
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, err)
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), requesterFrom(c), orderID, req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order.View())
}

func (h *Handler) orderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(c, apperr.Validation("invalid order id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

// pageParams reads page and limit. Out-of-range values are normalised by
// the service.
func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))
	return page, limit
}
