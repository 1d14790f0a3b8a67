package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kleisproxy/kleis/internal/api/middleware"
	"github.com/kleisproxy/kleis/internal/apperr"
)

const (
	minWindowMs     = int64(60_000)
	maxWindowMs     = int64(30 * 24 * time.Hour / time.Millisecond)
	defaultWindowMs = int64(24 * time.Hour / time.Millisecond)
)

// windowBounds resolves the ?windowMs query parameter to a [since, until)
// range ending now. Out-of-range values clamp instead of erroring.
func (h *Handler) windowBounds(c *gin.Context) (sinceMs, untilMs int64) {
	windowMs := defaultWindowMs
	if raw := c.Query("windowMs"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			windowMs = parsed
		}
	}
	if windowMs < minWindowMs {
		windowMs = minWindowMs
	}
	if windowMs > maxWindowMs {
		windowMs = maxWindowMs
	}
	untilMs = h.now().UnixMilli() + 1
	return untilMs - windowMs, untilMs
}

// UsageDashboard returns window totals plus a per-(provider, endpoint,
// model) breakdown.
func (h *Handler) UsageDashboard(c *gin.Context) {
	sinceMs, untilMs := h.windowBounds(c)
	totals, err := h.store.QueryUsageTotals(c.Request.Context(), sinceMs, untilMs)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	breakdown, err := h.store.QueryUsageBreakdown(c.Request.Context(), sinceMs, untilMs)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sinceMs":   sinceMs,
		"untilMs":   untilMs,
		"totals":    totals,
		"breakdown": breakdown,
	})
}

// KeysUsage returns window totals grouped by api key.
func (h *Handler) KeysUsage(c *gin.Context) {
	sinceMs, untilMs := h.windowBounds(c)
	rows, err := h.store.QueryUsageByAPIKey(c.Request.Context(), sinceMs, untilMs)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sinceMs": sinceMs,
		"untilMs": untilMs,
		"keys":    rows,
	})
}

// KeyUsage returns one key's window breakdown.
func (h *Handler) KeyUsage(c *gin.Context) {
	id := c.Param("id")
	key, err := h.store.GetAPIKey(c.Request.Context(), id)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	if key == nil {
		middleware.Fail(c, apperr.New(apperr.KindNotFound, "key not found"))
		return
	}

	sinceMs, untilMs := h.windowBounds(c)
	rows, err := h.store.QueryUsageForAPIKey(c.Request.Context(), id, sinceMs, untilMs)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sinceMs":   sinceMs,
		"untilMs":   untilMs,
		"keyId":     id,
		"breakdown": rows,
	})
}
