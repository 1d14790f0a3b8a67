package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/ratelimit"
	"github.com/kleisproxy/kleis/internal/util"
)

// checkRateLimit aborts with 429 when the client is blocked. Returns
// the client IP for subsequent failure/success bookkeeping.
func checkRateLimit(c *gin.Context, limiter *ratelimit.Limiter, policy ratelimit.Policy) (string, bool) {
	ip := util.ClientIP(c.Request.Header)
	blocked, retryAfter := limiter.Check(policy, ip)
	if !blocked {
		return ip, true
	}
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.Header("Cache-Control", "no-store")
	Fail(c, apperr.New(apperr.KindTooManyRequests, "too many failed attempts, retry later"))
	return ip, false
}
