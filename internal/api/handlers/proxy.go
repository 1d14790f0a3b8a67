package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kleisproxy/kleis/internal/api/middleware"
	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/constant"
	"github.com/kleisproxy/kleis/internal/metrics"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/proxy"
	"github.com/kleisproxy/kleis/internal/usage"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// strippedHeaders are the proxy's own transport headers, never forwarded
// upstream.
var strippedHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Host",
	"Content-Length",
	"Accept-Encoding",
	"Connection",
}

// Proxy brokers one client request to the primary account of the route's
// provider. The request body is read once; the model field is normalized
// before the provider preparer shapes the upstream call.
func (h *Handler) Proxy(c *gin.Context) {
	startedAt := time.Now()
	key := middleware.APIKeyFrom(c)
	route, ok := middleware.RouteFrom(c)
	if key == nil || !ok {
		middleware.Fail(c, apperr.New(apperr.KindInternal, "request reached proxy without auth context"))
		return
	}

	recorder := h.usage.NewRecorder(usage.RequestInfo{
		APIKeyID:          key.ID,
		ProviderAccountID: constant.MissingAccountID,
		Provider:          string(route.Provider),
		Endpoint:          string(route.Endpoint),
	})
	fail := func(status int, err error) {
		recorder.RecordOutcome(status, startedAt)
		metrics.ObserveRequest(string(route.Provider), string(route.Endpoint), status, time.Since(startedAt))
		middleware.Fail(c, err)
	}

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(http.StatusBadRequest, apperr.Wrap(err, apperr.KindBadRequest, "failed to read request body"))
		return
	}
	body := string(rawBody)
	model := gjson.Get(body, "model").String()
	if model != "" {
		normalized, rewritten := providers.NormalizeModel(model, route)
		if rewritten {
			if body, err = sjson.Set(body, "model", normalized); err != nil {
				fail(http.StatusBadRequest, apperr.Wrap(err, apperr.KindBadRequest, "failed to rewrite model field"))
				return
			}
		}
		model = normalized
		recorder.SetModel(model)
	}

	account, err := h.accounts.GetPrimaryProviderAccount(c.Request.Context(), route.Provider, time.Now())
	if err != nil {
		if apperr.KindOf(err) == apperr.KindAccountMissing {
			fail(http.StatusBadRequest, err)
			return
		}
		fail(http.StatusBadGateway, apperr.Wrap(err, apperr.KindTokenRefreshFailed, "no usable credentials for provider %q", route.Provider))
		return
	}
	recorder.SetAccountID(account.ID)

	header := c.Request.Header.Clone()
	for _, name := range strippedHeaders {
		header.Del(name)
	}
	preparer, err := proxy.PreparerFor(route.Provider)
	if err != nil {
		fail(http.StatusInternalServerError, err)
		return
	}
	prepared, err := preparer(&proxy.Request{
		Header:   header,
		Body:     body,
		Path:     c.Request.URL.Path,
		RawQuery: c.Request.URL.RawQuery,
		Model:    model,
	}, account, route)
	if err != nil {
		fail(http.StatusInternalServerError, apperr.Wrap(err, apperr.KindInternal, "failed to prepare upstream request"))
		return
	}

	upstreamReq, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, prepared.URL, strings.NewReader(prepared.Body))
	if err != nil {
		fail(http.StatusInternalServerError, apperr.Wrap(err, apperr.KindInternal, "failed to build upstream request"))
		return
	}
	upstreamReq.Header = header

	resp, err := h.httpClient.Do(upstreamReq)
	if err != nil {
		fail(http.StatusInternalServerError, apperr.Wrap(err, apperr.KindInternal, "upstream request failed"))
		return
	}

	if prepared.Transform != nil {
		onUsage := func(u usage.TokenUsage) {
			recorder.OnTokenUsage(u)
			metrics.AddTokens(string(route.Provider), u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens)
		}
		if err := prepared.Transform(resp, onUsage); err != nil {
			_ = resp.Body.Close()
			fail(http.StatusInternalServerError, apperr.Wrap(err, apperr.KindInternal, "failed to wrap upstream response"))
			return
		}
	}
	resp.Header.Del("Content-Encoding")

	recorder.RecordOutcome(resp.StatusCode, startedAt)
	metrics.ObserveRequest(string(route.Provider), string(route.Endpoint), resp.StatusCode, time.Since(startedAt))
	streamResponse(c, resp)
}

// streamResponse copies the upstream response to the client, flushing
// after each chunk so SSE events are delivered as they arrive.
func streamResponse(c *gin.Context, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()

	for name, values := range resp.Header {
		for _, v := range values {
			c.Writer.Header().Add(name, v)
		}
	}
	c.Writer.WriteHeader(resp.StatusCode)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.WithError(err).Debug("upstream stream ended early")
			return
		}
	}
}
