package credits

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/credgate/internal/identity"
	"github.com/mbd888/credgate/internal/logging"
)

// Handler provides HTTP endpoints for credit balances.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new credits handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up the signed-in user's credit routes. The group
// must run identity.RequireUser.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits", h.GetCredits)
	r.GET("/credits/history", h.GetHistory)
}

// RegisterAdminRoutes sets up operator routes. The group must run
// identity.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/credits/:userId", h.AdminSnapshot)
	r.POST("/credits/:userId/bonus", h.GrantBonus)
	r.PUT("/credits/:userId/tier", h.ChangeTier)
	r.POST("/credits/:userId/reset", h.ResetPeriod)
	r.GET("/credits/:userId/history", h.AdminHistory)
}

// GetCredits handles GET /v1/credits
func (h *Handler) GetCredits(c *gin.Context) {
	acct, err := h.ledger.Snapshot(c.Request.Context(), identity.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// GetHistory handles GET /v1/credits/history
func (h *Handler) GetHistory(c *gin.Context) {
	h.history(c, identity.UserID(c))
}

// AdminHistory handles GET /v1/admin/credits/:userId/history
func (h *Handler) AdminHistory(c *gin.Context) {
	h.history(c, c.Param("userId"))
}

func (h *Handler) history(c *gin.Context, userID string) {
	limit := defaultHistoryLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.ledger.HistoryPage(c.Request.Context(), userID, c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": page.Transactions,
		"count":        len(page.Transactions),
		"nextCursor":   page.NextCursor,
		"hasMore":      page.HasMore,
	})
}

// AdminSnapshot handles GET /v1/admin/credits/:userId
func (h *Handler) AdminSnapshot(c *gin.Context) {
	acct, err := h.ledger.Snapshot(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// GrantBonusRequest is the body of the bonus route.
type GrantBonusRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// GrantBonus handles POST /v1/admin/credits/:userId/bonus
func (h *Handler) GrantBonus(c *gin.Context) {
	var req GrantBonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}
	if req.Description == "" {
		req.Description = "admin grant"
	}

	acct, err := h.ledger.GrantBonus(c.Request.Context(), c.Param("userId"), req.Amount, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("admin granted bonus credits",
		"target_user", c.Param("userId"), "amount", req.Amount)
	c.JSON(http.StatusOK, acct)
}

// ChangeTierRequest is the body of the tier route.
type ChangeTierRequest struct {
	Tier Tier `json:"tier" binding:"required"`
}

// ChangeTier handles PUT /v1/admin/credits/:userId/tier
func (h *Handler) ChangeTier(c *gin.Context) {
	var req ChangeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tier is required",
		})
		return
	}

	acct, err := h.ledger.ChangeTier(c.Request.Context(), c.Param("userId"), req.Tier)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// ResetPeriod handles POST /v1/admin/credits/:userId/reset
func (h *Handler) ResetPeriod(c *gin.Context) {
	acct, err := h.ledger.ResetNow(c.Request.Context(), c.Param("userId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var insufficient *InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "insufficient_credits",
			"message":   err.Error(),
			"required":  insufficient.Required,
			"remaining": insufficient.Remaining,
		})
		return
	case errors.Is(err, ErrAccountNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidTier),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidCursor):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrDatastoreUnavailable):
		status, code = http.StatusServiceUnavailable, "datastore_unavailable"
	}

	if status >= 500 {
		logging.L(c.Request.Context()).Error("credits request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
