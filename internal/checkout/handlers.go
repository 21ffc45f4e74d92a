package checkout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for checkout sessions.
type Handler struct {
	service *Service
}

// NewHandler creates a new checkout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated checkout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.Begin)
	r.GET("/checkout", h.List)
	r.GET("/checkout/:id", h.Get)
	r.GET("/checkout/:id/payment-status", h.CheckFunding)
	r.POST("/checkout/:id/finalize", h.Finalize)
}

type beginPayload struct {
	Items       []itemPayload `json:"items" binding:"required,min=1,dive"`
	CallbackURL string        `json:"callback_url"`
}

type itemPayload struct {
	SellerID string  `json:"seller_id" binding:"required"`
	Title    string  `json:"title"`
	Amount   float64 `json:"amount" binding:"required,gt=0"`
	Currency string  `json:"currency" binding:"required"`
	Method   string  `json:"payment_method" binding:"required"`
}

// Begin handles POST /v1/checkout
func (h *Handler) Begin(c *gin.Context) {
	var req beginPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	items := make([]Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = Item{
			SellerID: it.SellerID,
			Title:    it.Title,
			Amount:   it.Amount,
			Currency: it.Currency,
			Method:   it.Method,
		}
	}

	session, err := h.service.Begin(c.Request.Context(), c.GetString("authUserID"), items, req.CallbackURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

// Get handles GET /v1/checkout/:id
func (h *Handler) Get(c *gin.Context) {
	session, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// List handles GET /v1/checkout
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	sessions, err := h.service.ListForUser(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// CheckFunding handles GET /v1/checkout/:id/payment-status
func (h *Handler) CheckFunding(c *gin.Context) {
	session, err := h.service.CheckFunding(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "funded": session.Status != StatusFunding})
}

// Finalize handles POST /v1/checkout/:id/finalize
func (h *Handler) Finalize(c *gin.Context) {
	session, err := h.service.Finalize(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "escrow_ids": session.EscrowIDs})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Checkout session not found"})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not your checkout session"})
	case errors.Is(err, ErrNotFunded):
		c.JSON(http.StatusConflict, gin.H{"error": "not_funded", "message": "Checkout session is not fully funded"})
	case errors.Is(err, ErrAlreadyFinal):
		c.JSON(http.StatusConflict, gin.H{"error": "already_finalized", "message": "Checkout session already finalized"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "checkout_failed", "message": err.Error()})
	}
}
