package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencatd/opencatd/internal/ledger"
)

// UsageHandler serves the usage summary endpoint.
type UsageHandler struct {
	ledger *ledger.Ledger
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(led *ledger.Ledger) *UsageHandler {
	return &UsageHandler{ledger: led}
}

// List returns every member's accumulated tokens and cost.
func (h *UsageHandler) List(c *gin.Context) {
	summaries, errList := h.ledger.Summaries(c.Request.Context())
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, summaries)
}
