package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kleisproxy/kleis/internal/store"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const modelsDoc = `{
	"openai": {"id":"openai","name":"OpenAI","api":"https://api.openai.com/v1","env":["OPENAI_API_KEY"],
		"models":{"gpt-5.2":{"id":"gpt-5.2"},"gpt-5.1-codex":{"id":"gpt-5.1-codex"},"gpt-4o":{"id":"gpt-4o"}}},
	"anthropic": {"id":"anthropic","name":"Anthropic","api":"https://api.anthropic.com","env":["ANTHROPIC_API_KEY"],
		"models":{"claude-sonnet-4":{"id":"claude-sonnet-4"}}},
	"github-copilot": {"id":"github-copilot","name":"GitHub Copilot","api":"https://api.githubcopilot.com","env":[],
		"models":{"gpt-4o":{"id":"gpt-4o"}}},
	"mistral": {"id":"mistral","name":"Mistral","models":{"mistral-large":{"id":"mistral-large"}}}
}`

func newTestService(t *testing.T, handler http.HandlerFunc, ttl time.Duration) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cache, err := OpenCache(filepath.Join(t.TempDir(), "registry-cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	return NewService(srv.Client(), cache, srv.URL+"/api.json", ttl)
}

func TestDocumentCachesAndServesStaleOnFailure(t *testing.T) {
	var fetches atomic.Int64
	var fail atomic.Bool
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(modelsDoc))
	}, time.Hour)

	doc, err := svc.Document(context.Background())
	require.NoError(t, err)
	require.True(t, gjson.GetBytes(doc, "openai").Exists())
	require.Equal(t, int64(1), fetches.Load())

	// Fresh cache short-circuits the fetch.
	_, err = svc.Document(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), fetches.Load())

	// Expired cache plus failing upstream serves the stale copy.
	svc.ttl = 0
	fail.Store(true)
	doc, err = svc.Document(context.Background())
	require.NoError(t, err)
	require.True(t, gjson.GetBytes(doc, "anthropic").Exists())
}

func TestDocumentFailsWithoutAnyCache(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, time.Hour)

	_, err := svc.Document(context.Background())
	require.Error(t, err)
}

func TestBuildDefaultRewritesProvidersAndAggregates(t *testing.T) {
	svc := NewService(nil, nil, "", time.Hour)
	out, err := svc.BuildDefault([]byte(modelsDoc), "http://localhost:8317")
	require.NoError(t, err)

	require.Equal(t, "http://localhost:8317/openai/v1", gjson.GetBytes(out, "openai.api").String())
	require.Equal(t, "http://localhost:8317/anthropic/v1", gjson.GetBytes(out, "anthropic.api").String())
	require.Equal(t, EnvAPIKey, gjson.GetBytes(out, "openai.env.0").String())
	// Untouched providers pass through.
	require.Equal(t, "Mistral", gjson.GetBytes(out, "mistral.name").String())

	kleis := gjson.GetBytes(out, "kleis.models")
	require.True(t, kleis.Exists())
	require.True(t, kleis.Get("anthropic/claude-sonnet-4").Exists())
	require.True(t, kleis.Get("github-copilot/gpt-4o").Exists())
	// Codex aggregate honors the allow-list: gpt-5.2 is allowed, gpt-4o
	// on openai is not.
	require.True(t, kleis.Get(`openai/gpt-5\.2`).Exists())
	require.True(t, kleis.Get(`openai/gpt-5\.1-codex`).Exists())
	require.False(t, kleis.Get("openai/gpt-4o").Exists())
}

func TestBuildScopedLimitsProvidersAndModels(t *testing.T) {
	svc := NewService(nil, nil, "", time.Hour)
	key := &store.APIKey{
		ProviderScopes: []string{"claude"},
		ModelScopes:    []string{"anthropic/claude-sonnet-4"},
	}

	out, err := svc.BuildScoped([]byte(modelsDoc), "http://localhost:8317", key)
	require.NoError(t, err)
	require.False(t, gjson.GetBytes(out, "openai").Exists())
	require.False(t, gjson.GetBytes(out, "github-copilot").Exists())
	require.False(t, gjson.GetBytes(out, "kleis").Exists())

	anthropic := gjson.GetBytes(out, "anthropic")
	require.True(t, anthropic.Exists())
	require.Equal(t, "http://localhost:8317/anthropic/v1", anthropic.Get("api").String())
	require.True(t, anthropic.Get("models.claude-sonnet-4").Exists())
}

func TestBuildScopedUnrestrictedKeyKeepsAllRoutes(t *testing.T) {
	svc := NewService(nil, nil, "", time.Hour)
	out, err := svc.BuildScoped([]byte(modelsDoc), "http://localhost:8317", &store.APIKey{})
	require.NoError(t, err)
	require.True(t, gjson.GetBytes(out, "openai").Exists())
	require.True(t, gjson.GetBytes(out, "anthropic").Exists())
	require.True(t, gjson.GetBytes(out, "github-copilot").Exists())
	// The catalog-only provider is not proxied, so it never appears.
	require.False(t, gjson.GetBytes(out, "mistral").Exists())
}
