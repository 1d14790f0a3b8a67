package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kleisproxy/kleis/internal/constant"
)

// Health answers liveness probes.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"service": constant.ServiceName,
		"now":     time.Now().UnixMilli(),
	})
}
