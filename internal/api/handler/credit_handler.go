package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/studioforge/studio-be/internal/api/dto"
	"github.com/studioforge/studio-be/internal/credit"
)

// GetCreditBalance handles GET /api/v1/credits
// Reads the tenant's current-period ledger position.
func (h *JobHandler) GetCreditBalance(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "tenant_id is required",
		})
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("Failed to get credit balance",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get credit balance",
		})
		return
	}

	c.JSON(http.StatusOK, dto.CreditBalanceResponse{
		TenantID:  balance.TenantID,
		Period:    credit.Period(time.Now()),
		Quota:     balance.Quota,
		Used:      balance.Used,
		Remaining: balance.Remaining,
	})
}
