// Package proxy shapes client requests for their upstream provider and
// wraps upstream responses for token-usage extraction. Each provider
// has a preparer that sets authorization and identity headers, rewrites
// the body where the upstream dialect requires it, and picks the
// response transform. Body inspection and rewriting go through
// tidwall/gjson and tidwall/sjson so the rest of the payload is
// forwarded untouched.
package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
	"github.com/kleisproxy/kleis/internal/usage"
)

// Request is the client request after authentication and model
// normalization. Header is a copy with the proxy's own auth headers
// already stripped; preparers mutate it freely.
type Request struct {
	Header   http.Header
	Body     string
	Path     string
	RawQuery string
	Model    string
}

// Transform wraps an upstream response: SSE streams are tee-parsed,
// non-SSE bodies are buffered, extracted, and re-emitted.
type Transform func(resp *http.Response, onUsage func(usage.TokenUsage)) error

// Prepared is the preparer output the orchestrator sends upstream.
type Prepared struct {
	URL       string
	Body      string
	Transform Transform
}

// Preparer shapes one request for its upstream. Preparers never mutate
// the account record.
type Preparer func(req *Request, account *store.ProviderAccount, route providers.Route) (*Prepared, error)

// PreparerFor returns the preparer serving an internal provider.
func PreparerFor(p providers.Provider) (Preparer, error) {
	switch p {
	case providers.Codex:
		return prepareCodex, nil
	case providers.Copilot:
		return prepareCopilot, nil
	case providers.Claude:
		return prepareClaude, nil
	}
	return nil, apperr.New(apperr.KindProviderNotSupported, "no preparer for provider %q", p)
}

// newTransform builds a Transform from a fresh extractor per response
// and an optional per-chunk rewrite.
func newTransform(newExtractor func() Extractor, rewrite func([]byte) []byte) Transform {
	return func(resp *http.Response, onUsage func(usage.TokenUsage)) error {
		extractor := newExtractor()
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			resp.Body = newSSEReader(resp.Body, extractor, onUsage, rewrite)
			resp.ContentLength = -1
			resp.Header.Del("Content-Length")
			return nil
		}

		body, err := io.ReadAll(resp.Body)
		closeErr := resp.Body.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}
		extractor.OnEvent(body, onUsage)
		extractor.OnClose(onUsage)
		if rewrite != nil {
			body = rewrite(body)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		resp.Header.Del("Content-Length")
		return nil
	}
}

// metadataString reads a string field out of account metadata.
func metadataString(account *store.ProviderAccount, key string) string {
	if account.Metadata == nil {
		return ""
	}
	v, _ := account.Metadata[key].(string)
	return v
}

// upstreamPath strips the public route base from the request path,
// returning the provider-side suffix.
func upstreamPath(req *Request, route providers.Route) string {
	mapping, _ := providers.MappingFor(route.Provider)
	return strings.TrimPrefix(req.Path, mapping.RouteBasePath)
}
