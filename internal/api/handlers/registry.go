package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kleisproxy/kleis/internal/api/middleware"
	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/store"
)

// ModelsDocument serves /api.json: the models.dev registry rewritten to
// point at this proxy. With ?key=<discovery token> the document is scoped
// to the key's provider and model scopes.
func (h *Handler) ModelsDocument(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := h.registry.Document(c.Request.Context())
		if err != nil {
			middleware.Fail(c, apperr.Wrap(err, apperr.KindInternal, "model registry unavailable"))
			return
		}
		baseURL := h.baseURL(c)

		var out []byte
		if token := c.Query("key"); token != "" {
			key, err := st.FindActiveAPIKeyByDiscoveryToken(c.Request.Context(), token, time.Now().UnixMilli())
			if err != nil {
				middleware.Fail(c, err)
				return
			}
			if key == nil {
				middleware.Fail(c, apperr.New(apperr.KindUnauthorized, "unknown discovery token"))
				return
			}
			out, err = h.registry.BuildScoped(doc, baseURL, key)
			if err != nil {
				middleware.Fail(c, apperr.Wrap(err, apperr.KindInternal, "failed to build scoped registry"))
				return
			}
		} else {
			out, err = h.registry.BuildDefault(doc, baseURL)
			if err != nil {
				middleware.Fail(c, apperr.Wrap(err, apperr.KindInternal, "failed to build registry"))
				return
			}
		}
		c.Data(http.StatusOK, "application/json", out)
	}
}

// baseURL picks the origin written into registry documents: the
// configured public base URL when set, otherwise the request's own
// origin.
func (h *Handler) baseURL(c *gin.Context) string {
	if cfg := h.cfg.Load(); cfg != nil && cfg.PublicBaseURL != "" {
		return strings.TrimSuffix(cfg.PublicBaseURL, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if forwarded := c.Request.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + c.Request.Host
}
