package middleware

import (
	"bytes"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/ratelimit"
	"github.com/kleisproxy/kleis/internal/store"
	"github.com/tidwall/gjson"
)

// APIKeyAuth authenticates proxy traffic with a Kleis-issued key and
// enforces its provider and model scopes against the resolved route.
// Authentication failures count toward the proxy rate-limit policy;
// the failure message never echoes the supplied credential.
func APIKeyAuth(st *store.Store, limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip, ok := checkRateLimit(c, limiter, ratelimit.ProxyPolicy)
		if !ok {
			return
		}

		token := bearerToken(c.Request)
		if token == "" {
			limiter.Failure(ratelimit.ProxyPolicy, ip)
			Fail(c, apperr.New(apperr.KindUnauthorized, "missing or invalid api key"))
			return
		}
		key, err := st.FindActiveAPIKeyByValue(c.Request.Context(), token, time.Now().UnixMilli())
		if err != nil {
			Fail(c, err)
			return
		}
		if key == nil {
			limiter.Failure(ratelimit.ProxyPolicy, ip)
			Fail(c, apperr.New(apperr.KindUnauthorized, "missing or invalid api key"))
			return
		}

		route, routed := providers.RouteForPath(c.Request.URL.Path)
		if routed {
			if err := checkScopes(c, key, route); err != nil {
				limiter.Failure(ratelimit.ProxyPolicy, ip)
				Fail(c, err)
				return
			}
			c.Set(ctxRoute, route)
		}

		limiter.Success(ratelimit.ProxyPolicy, ip)
		c.Set(ctxAPIKey, key)
		c.Next()
	}
}

// checkScopes evaluates provider and model scopes. The request body is
// buffered and restored so downstream handlers can read it again; an
// unparsable body reads as no model.
func checkScopes(c *gin.Context, key *store.APIKey, route providers.Route) error {
	if len(key.ProviderScopes) > 0 && !contains(key.ProviderScopes, string(route.Provider)) {
		return apperr.New(apperr.KindForbidden, "api key is not scoped to provider %q", route.Provider)
	}
	if len(key.ModelScopes) == 0 {
		return nil
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return apperr.Wrap(err, apperr.KindBadRequest, "failed to read request body")
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return apperr.New(apperr.KindForbidden, "api key scope requires explicit model field")
	}
	for _, candidate := range providers.ModelCandidates(model, route) {
		if contains(key.ModelScopes, candidate) {
			return nil
		}
	}
	return apperr.New(apperr.KindForbidden, "api key is not scoped to model %q", model)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
