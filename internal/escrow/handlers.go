package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/adam-php/medius/internal/pagination"
	"github.com/adam-php/medius/internal/transactions"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	txns    transactions.Store
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, txns transactions.Store) *Handler {
	return &Handler{service: service, txns: txns}
}

// RegisterRoutes sets up authenticated escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/transactions", h.ListTransactions)
	r.POST("/escrows/:id/seller-details", h.SetSellerDetails)
	r.POST("/escrows/:id/confirm", h.Confirm)
	r.GET("/escrows/:id/payment-status", h.CheckPayment)
	r.POST("/escrows/:id/card-authorize", h.CardAuthorize)
	r.POST("/escrows/:id/refund", h.Refund)
}

// RegisterAdminRoutes sets up admin-only override routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/force-release", h.ForceRelease)
	r.POST("/escrows/:id/cancel", h.AdminCancel)
	r.POST("/escrows/:id/resolve-dispute", h.ResolveDispute)
	r.POST("/escrows/:id/regenerate-wallet", h.RegenerateWallet)
}

type createPayload struct {
	SellerID    string  `json:"seller_id" binding:"required"`
	Title       string  `json:"title"`
	Amount      float64 `json:"amount" binding:"required,gt=0"`
	Currency    string  `json:"currency" binding:"required"`
	Method      string  `json:"payment_method" binding:"required"`
	USDHint     float64 `json:"usd_amount"`
	CallbackURL string  `json:"callback_url"`
	ReturnURL   string  `json:"return_url"`
	CancelURL   string  `json:"cancel_url"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req createPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), CreateRequest{
		BuyerID:     c.GetString("authUserID"),
		SellerID:    req.SellerID,
		Title:       req.Title,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Method:      Method(req.Method),
		USDHint:     req.USDHint,
		CallbackURL: req.CallbackURL,
		ReturnURL:   req.ReturnURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Invalid cursor"})
		return
	}
	list, next, more, err := h.service.ListForUser(c.Request.Context(), c.GetString("authUserID"), cursor, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":     list,
		"count":       len(list),
		"next_cursor": next,
		"has_more":    more,
	})
}

// ListTransactions handles GET /v1/escrows/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	// visibility check via Get
	if _, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID")); err != nil {
		h.writeError(c, err)
		return
	}
	records, err := h.txns.ListByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": records, "count": len(records)})
}

// SetSellerDetails handles POST /v1/escrows/:id/seller-details
func (h *Handler) SetSellerDetails(c *gin.Context) {
	var req struct {
		Address string `json:"address"`
		Email   string `json:"paypal_email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	e, err := h.service.SetSellerDetails(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.Address, req.Email)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Confirm handles POST /v1/escrows/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req struct {
		Action string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Action is required (release or cancel)",
		})
		return
	}
	e, err := h.service.Confirm(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), Action(req.Action))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// CheckPayment handles GET /v1/escrows/:id/payment-status
func (h *Handler) CheckPayment(c *gin.Context) {
	e, funded, err := h.service.CheckFunding(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "funded": funded})
}

// CardAuthorize handles POST /v1/escrows/:id/card-authorize
func (h *Handler) CardAuthorize(c *gin.Context) {
	var req struct {
		OrderID string `json:"order_id"`
	}
	_ = c.ShouldBindJSON(&req)

	e, err := h.service.AttachCardAuthorization(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.OrderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req struct {
		RefundAddress string `json:"refund_address"`
	}
	_ = c.ShouldBindJSON(&req)

	e, err := h.service.Refund(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.RefundAddress)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ForceRelease handles POST /v1/admin/escrows/:id/force-release
func (h *Handler) ForceRelease(c *gin.Context) {
	e, err := h.service.ForceRelease(c.Request.Context(), c.Param("id"), c.GetString("adminID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// AdminCancel handles POST /v1/admin/escrows/:id/cancel
func (h *Handler) AdminCancel(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	e, err := h.service.AdminCancel(c.Request.Context(), c.Param("id"), c.GetString("adminID"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ResolveDispute handles POST /v1/admin/escrows/:id/resolve-dispute
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Winner        string `json:"winner" binding:"required"`
		RefundAddress string `json:"refund_address"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Winner is required (buyer or seller)",
		})
		return
	}
	e, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), c.GetString("adminID"), req.Winner, req.RefundAddress)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RegenerateWallet handles POST /v1/admin/escrows/:id/regenerate-wallet
func (h *Handler) RegenerateWallet(c *gin.Context) {
	e, err := h.service.RegenerateWallet(c.Request.Context(), c.Param("id"), c.GetString("adminID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not a party to this escrow"})
	case errors.Is(err, ErrProcessing):
		c.JSON(http.StatusConflict, gin.H{"error": "processing", "message": "Settlement is already being processed"})
	case errors.Is(err, ErrAlreadyFunded):
		c.JSON(http.StatusConflict, gin.H{"error": "already_funded", "message": "Escrow is already funded"})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_status", "message": "Escrow is not in a valid status for this operation"})
	case errors.Is(err, ErrSellerDetailsMissing):
		c.JSON(http.StatusBadRequest, gin.H{"error": "seller_details_missing", "message": "Seller payout details are required before release"})
	case errors.Is(err, ErrInvalidAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action", "message": "Action must be release or cancel"})
	case errors.Is(err, ErrSelfDeal), errors.Is(err, ErrRailUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrReleaseFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "release_failed", "message": "Failed to release funds; escrow flagged for manual review"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "request_failed", "message": err.Error()})
	}
}
