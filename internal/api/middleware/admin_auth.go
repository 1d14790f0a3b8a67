package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/config"
	"github.com/kleisproxy/kleis/internal/ratelimit"
	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards the management API with the configured admin token.
// The token in config is either plaintext or a bcrypt hash; hashes are
// recognized by their "$2" prefix. Failed attempts feed the stricter
// admin rate-limit policy.
func AdminAuth(holder *config.Holder, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip, ok := checkRateLimit(c, limiter, ratelimit.AdminPolicy)
		if !ok {
			return
		}

		supplied := bearerToken(c.Request)
		if supplied == "" || !tokenMatches(holder.Load().AdminToken, supplied) {
			limiter.Failure(ratelimit.AdminPolicy, ip)
			Fail(c, apperr.New(apperr.KindUnauthorized, "invalid admin token"))
			return
		}

		limiter.Success(ratelimit.AdminPolicy, ip)
		c.Next()
	}
}

func tokenMatches(configured, supplied string) bool {
	if configured == "" {
		return false
	}
	if strings.HasPrefix(configured, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(supplied)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) == 1
}
