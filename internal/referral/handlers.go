package referral

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for referral earnings.
type Handler struct {
	service *Service
}

// NewHandler creates a new referral handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated referral routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/referrals/summary", h.Summary)
	r.GET("/referrals/history", h.History)
	r.GET("/referrals/withdrawals", h.Withdrawals)
	r.POST("/referrals/withdraw", h.Withdraw)
	r.GET("/referrals/code", h.Code)
}

// Summary handles GET /v1/referrals/summary
func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.service.Summary(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summary_failed", "message": "Failed to load referral summary"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// History handles GET /v1/referrals/history
func (h *Handler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.service.History(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed", "message": "Failed to load referral history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Withdrawals handles GET /v1/referrals/withdrawals
func (h *Handler) Withdrawals(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.service.Withdrawals(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "withdrawals_failed", "message": "Failed to load withdrawals"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": list, "count": len(list)})
}

// Withdraw handles POST /v1/referrals/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req struct {
		AmountUSD float64 `json:"amount_usd" binding:"required,gt=0"`
		Currency  string  `json:"currency" binding:"required"`
		Address   string  `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount_usd, currency and address are required"})
		return
	}

	w, err := h.service.Withdraw(c.Request.Context(), c.GetString("authUserID"), req.AmountUSD, req.Currency, req.Address)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			c.JSON(http.StatusConflict, gin.H{"error": "insufficient_funds", "message": "Referral balance too low"})
		case errors.Is(err, ErrBelowMinimum), errors.Is(err, ErrAboveMaximum):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "withdrawal_failed", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// Code handles GET /v1/referrals/code
func (h *Handler) Code(c *gin.Context) {
	userID := c.GetString("authUserID")
	c.JSON(http.StatusOK, gin.H{"code": Code(userID)})
}
