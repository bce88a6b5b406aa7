package api

import (
	"net/http"

	"shop-api/internal/apperr"
	"shop-api/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) register(c *gin.Context) {
	var input service.RegisterInput
	if err := c.ShouldBindJSON(&input); err != nil {
		invalidInput(c, err)
		return
	}

	result, err := h.auth.Register(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) login(c *gin.Context) {
	var input service.LoginInput
	if err := c.ShouldBindJSON(&input); err != nil {
		invalidInput(c, err)
		return
	}

	result, err := h.auth.Login(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// socialCallback completes an OAuth login started by the client.
func (h *Handler) socialCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		h.respondError(c, apperr.Validation("missing authorization code"))
		return
	}

	result, err := h.auth.SocialLogin(c.Request.Context(), c.Param("provider"), code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) refresh(c *gin.Context) {
	result, err := h.auth.Refresh(c.Request.Context(), c.GetString(tokenKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// logout has nothing to revoke: tokens are stateless and the client drops
// its copy.
func (h *Handler) logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (h *Handler) me(c *gin.Context) {
	user, err := h.auth.Me(c.Request.Context(), requesterFrom(c).UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
