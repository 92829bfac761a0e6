package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"medication-dispenser/internal/summary"
)

// GetSummary handles GET /api/summary/:kind.
func (h *Handler) GetSummary(c *gin.Context) {
	kind, ok := summary.ParseKind(c.Param("kind"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown summary"})
		return
	}
	if h.summaries == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "summary poller is disabled"})
		return
	}
	entry, ok := h.summaries.Get(kind)
	if !ok {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "summary not fetched yet"})
		return
	}
	c.JSON(http.StatusOK, entry)
}
