package api

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"

	"medication-dispenser/internal/offline"
	"medication-dispenser/internal/state"
)

// GetState handles GET /api/state.
func (h *Handler) GetState(c *gin.Context) {
	if h.state != nil {
		if s, ok := h.state.Latest(); ok {
			c.JSON(http.StatusOK, s)
			return
		}
	}
	if h.statePath == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no state published yet"})
		return
	}

	s, err := state.ReadFile(h.statePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no state published yet"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read state"})
	default:
		c.JSON(http.StatusOK, s)
	}
}

type offlineResponse struct {
	Count   int              `json:"count"`
	Reports []offline.Record `json:"reports"`
}

// GetOffline handles GET /api/offline.
func (h *Handler) GetOffline(c *gin.Context) {
	if h.offline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline queue is not available"})
		return
	}
	pending, err := h.offline.Pending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read offline queue"})
		return
	}
	if pending == nil {
		pending = []offline.Record{}
	}
	c.JSON(http.StatusOK, offlineResponse{Count: len(pending), Reports: pending})
}
