// Package middleware carries the gin middleware chain of the proxy:
// API-key authentication with provider/model scopes, admin bearer
// authentication, per-IP failure rate limiting, and CORS.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
)

const (
	ctxAPIKey = "kleis.apiKey"
	ctxRoute  = "kleis.route"
)

// Fail renders err in the stable error envelope and aborts the chain.
func Fail(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{
		"error": gin.H{
			"kind":    apperr.KindOf(err),
			"message": apperr.MessageOf(err),
		},
	})
}

// APIKeyFrom returns the authenticated key stored by APIKeyAuth.
func APIKeyFrom(c *gin.Context) *store.APIKey {
	if v, ok := c.Get(ctxAPIKey); ok {
		if key, ok := v.(*store.APIKey); ok {
			return key
		}
	}
	return nil
}

// RouteFrom returns the proxy route resolved by APIKeyAuth.
func RouteFrom(c *gin.Context) (providers.Route, bool) {
	if v, ok := c.Get(ctxRoute); ok {
		if route, ok := v.(providers.Route); ok {
			return route, true
		}
	}
	return providers.Route{}, false
}

// bearerToken parses "Authorization: Bearer <token>", falling back to
// the x-api-key header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return r.Header.Get("x-api-key")
}
