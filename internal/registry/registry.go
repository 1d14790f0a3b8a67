// Package registry serves the model discovery document: the upstream
// models.dev catalog, cached locally, with provider entries rewritten
// to point at this proxy and a synthetic aggregate provider spanning
// every configured upstream. Scoped variants are built per API key so
// a restricted key only discovers what it may call.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// EnvAPIKey is the environment variable discovery documents tell
// clients to read their key from.
const EnvAPIKey = "KLEIS_API_KEY"

// codexModelAllowList names the non-"codex" model ids the Codex
// backend accepts.
var codexModelAllowList = map[string]struct{}{
	"gpt-5.1-codex-max":  {},
	"gpt-5.1-codex-mini": {},
	"gpt-5.2":            {},
	"gpt-5.2-codex":      {},
	"gpt-5.3-codex":      {},
	"gpt-5.1-codex":      {},
}

// Service fetches and rebuilds the discovery document.
type Service struct {
	httpClient *http.Client
	cache      *Cache
	modelsURL  string
	ttl        time.Duration
	now        func() time.Time
}

// NewService constructs the registry service.
func NewService(httpClient *http.Client, cache *Cache, modelsURL string, ttl time.Duration) *Service {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Service{httpClient: httpClient, cache: cache, modelsURL: modelsURL, ttl: ttl, now: time.Now}
}

// Document returns the upstream models catalog, from cache when fresh.
// When the refetch fails and a stale copy exists, the stale copy is
// served.
func (s *Service) Document(ctx context.Context) ([]byte, error) {
	now := s.now()
	var stale []byte
	if s.cache != nil {
		cached, age, err := s.cache.Load(now)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			if age < s.ttl {
				return cached, nil
			}
			stale = cached
		}
	}

	body, err := s.fetch(ctx)
	if err != nil {
		if stale != nil {
			log.WithError(err).Warn("models document refetch failed, serving stale cache")
			return stale, nil
		}
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Store(body, now); err != nil {
			log.WithError(err).Warn("failed to cache models document")
		}
	}
	return body, nil
}

func (s *Service) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.modelsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models document fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("models document is not valid JSON")
	}
	return body, nil
}

// BuildDefault rewrites the catalog for proxy clients: each canonical
// provider's api points at this proxy, its env names the proxy key
// variable, and a synthetic aggregate provider exposes every upstream
// model under "<canonical>/<modelId>" keys.
func (s *Service) BuildDefault(doc []byte, baseURL string) ([]byte, error) {
	out := string(doc)
	var err error
	aggregate := map[string]any{}

	for _, mapping := range providers.Mappings() {
		canonical := string(mapping.Canonical)
		entry := gjson.GetBytes(doc, escapeKey(canonical))
		if !entry.Exists() {
			continue
		}
		out, err = sjson.Set(out, escapeKey(canonical)+".api", baseURL+mapping.RouteBasePath)
		if err != nil {
			return nil, err
		}
		out, err = sjson.Set(out, escapeKey(canonical)+".env", []string{EnvAPIKey})
		if err != nil {
			return nil, err
		}
		for id, model := range entry.Get("models").Map() {
			if !modelServable(mapping.Provider, id) {
				continue
			}
			aggregate[canonical+"/"+id] = model.Value()
		}
	}

	kleisProvider := map[string]any{
		"id":     "kleis",
		"name":   "Kleis",
		"api":    baseURL,
		"env":    []string{EnvAPIKey},
		"npm":    "@ai-sdk/openai-compatible",
		"models": aggregate,
	}
	out, err = sjson.Set(out, "kleis", kleisProvider)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// BuildScoped builds a from-scratch catalog for one API key, limited
// to its provider and model scopes.
func (s *Service) BuildScoped(doc []byte, baseURL string, key *store.APIKey) ([]byte, error) {
	out := "{}"
	var err error

	for _, mapping := range providers.Mappings() {
		if !providerInScope(key, mapping.Provider) {
			continue
		}
		canonical := string(mapping.Canonical)
		entry := gjson.GetBytes(doc, escapeKey(canonical))
		if !entry.Exists() {
			continue
		}

		models := map[string]any{}
		for id, model := range entry.Get("models").Map() {
			if !modelServable(mapping.Provider, id) {
				continue
			}
			if !modelInScope(key, mapping, id) {
				continue
			}
			models[id] = model.Value()
		}
		if len(models) == 0 {
			continue
		}

		providerEntry := map[string]any{
			"id":     canonical,
			"name":   entry.Get("name").String(),
			"api":    baseURL + mapping.RouteBasePath,
			"env":    []string{EnvAPIKey},
			"npm":    mapping.NpmPackage,
			"models": models,
		}
		if out, err = sjson.Set(out, escapeKey(canonical), providerEntry); err != nil {
			return nil, err
		}
	}
	return []byte(out), nil
}

// modelServable reports whether the upstream actually serves the model
// through this proxy. The Codex backend only accepts its own model
// family.
func modelServable(p providers.Provider, modelID string) bool {
	if p != providers.Codex {
		return true
	}
	if strings.Contains(modelID, "codex") {
		return true
	}
	_, ok := codexModelAllowList[modelID]
	return ok
}

func providerInScope(key *store.APIKey, p providers.Provider) bool {
	if len(key.ProviderScopes) == 0 {
		return true
	}
	for _, scope := range key.ProviderScopes {
		if scope == string(p) {
			return true
		}
	}
	return false
}

func modelInScope(key *store.APIKey, mapping providers.Mapping, modelID string) bool {
	if len(key.ModelScopes) == 0 {
		return true
	}
	for _, scope := range key.ModelScopes {
		if scope == modelID ||
			scope == string(mapping.Canonical)+"/"+modelID ||
			scope == string(mapping.Provider)+"/"+modelID {
			return true
		}
	}
	return false
}

// escapeKey escapes gjson/sjson path metacharacters in a map key.
func escapeKey(key string) string {
	replacer := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)
	return replacer.Replace(key)
}
