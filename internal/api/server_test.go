package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kleisproxy/kleis/internal/account"
	"github.com/kleisproxy/kleis/internal/config"
	"github.com/kleisproxy/kleis/internal/oauth"
	"github.com/kleisproxy/kleis/internal/registry"
	"github.com/kleisproxy/kleis/internal/store"
	"github.com/kleisproxy/kleis/internal/usage"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const adminToken = "test-admin-token"

// stubTransport answers every outbound request from a canned response
// and keeps the last request plus its body for assertions.
type stubTransport struct {
	status      int
	contentType string
	response    string

	lastRequest *http.Request
	lastBody    string
}

func (t *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	t.lastRequest = req
	t.lastBody = string(body)

	status := t.status
	if status == 0 {
		status = http.StatusOK
	}
	contentType := t.contentType
	if contentType == "" {
		contentType = "application/json"
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{contentType}},
		Body:       io.NopCloser(strings.NewReader(t.response)),
	}, nil
}

type testEnv struct {
	engine    *gin.Engine
	store     *store.Store
	transport *stubTransport
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	models := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"openai": {"id":"openai","name":"OpenAI","api":"https://api.openai.com/v1","models":{"gpt-5.2":{"id":"gpt-5.2"}}},
			"anthropic": {"id":"anthropic","name":"Anthropic","api":"https://api.anthropic.com","models":{"claude-sonnet-4":{"id":"claude-sonnet-4"}}},
			"github-copilot": {"id":"github-copilot","name":"GitHub Copilot","api":"https://api.githubcopilot.com","models":{"gpt-4o":{"id":"gpt-4o"}}}
		}`))
	}))
	t.Cleanup(models.Close)

	cache, err := registry.OpenCache(filepath.Join(t.TempDir(), "registry-cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	holder := config.NewHolder(&config.Config{
		Host:       "127.0.0.1",
		Port:       8317,
		AdminToken: adminToken,
		Metrics:    true,
	})

	usageManager := usage.NewManager(st, 64)
	usageManager.Start(context.Background())
	t.Cleanup(usageManager.Stop)

	transport := &stubTransport{}
	srv := NewServer(Deps{
		Config:     holder,
		Store:      st,
		Accounts:   account.NewService(st, oauth.NewRegistry()),
		Usage:      usageManager,
		Registry:   registry.NewService(models.Client(), cache, models.URL+"/api.json", time.Hour),
		HTTPClient: &http.Client{Transport: transport},
	})
	return &testEnv{engine: srv.Engine(), store: st, transport: transport}
}

func (e *testEnv) do(method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedCodexAccount(t *testing.T) *store.ProviderAccount {
	t.Helper()
	accountID := "acct-123"
	acct, err := e.store.UpsertProviderAccount(context.Background(), store.AccountInput{
		Provider:     "codex",
		AccountID:    &accountID,
		Label:        "dev@example.com",
		AccessToken:  "upstream-access-token",
		RefreshToken: "upstream-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}, time.Now().UnixMilli())
	require.NoError(t, err)
	return acct
}

func (e *testEnv) createKey(t *testing.T, body string) (id, keyValue, discovery string) {
	t.Helper()
	rec := e.do(http.MethodPost, "/admin/keys", adminToken, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := rec.Body.String()
	return gjson.Get(out, "key.id").String(),
		gjson.Get(out, "keyValue").String(),
		gjson.Get(out, "modelsDiscoveryToken").String()
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, gjson.Get(rec.Body.String(), "ok").Bool())
	require.Equal(t, "kleis", gjson.Get(rec.Body.String(), "service").String())
	require.Greater(t, gjson.Get(rec.Body.String(), "now").Int(), int64(0))
}

func TestAdminRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/admin/keys", "", "").Code)
	require.Equal(t, http.StatusUnauthorized, env.do(http.MethodGet, "/admin/keys", "wrong", "").Code)
}

func TestAdminKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)

	id, keyValue, discovery := env.createKey(t, `{"label":"ci","providerScopes":["codex"]}`)
	require.True(t, strings.HasPrefix(keyValue, "kleis_"))
	require.True(t, strings.HasPrefix(discovery, "kmd_"))

	// Listing masks the key and never repeats the full value.
	rec := env.do(http.MethodGet, "/admin/keys", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), keyValue)
	require.NotContains(t, rec.Body.String(), discovery)
	masked := gjson.Get(rec.Body.String(), "keys.0.maskedKey").String()
	require.True(t, strings.HasPrefix(masked, "kleis_****"))
	require.True(t, strings.HasSuffix(keyValue, masked[len(masked)-4:]))

	rec = env.do(http.MethodPatch, "/admin/keys/"+id, adminToken, `{"label":"renamed","providerScopes":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "renamed", gjson.Get(rec.Body.String(), "key.label").String())
	require.False(t, gjson.Get(rec.Body.String(), "key.providerScopes.0").Exists())

	// Deleting before revocation is refused.
	rec = env.do(http.MethodDelete, "/admin/keys/"+id, adminToken, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/admin/keys/"+id+"/revoke", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Greater(t, gjson.Get(rec.Body.String(), "key.revokedAt").Int(), int64(0))

	rec = env.do(http.MethodDelete, "/admin/keys/"+id, adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodDelete, "/admin/keys/"+id, adminToken, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminUsageWindowClamp(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/admin/usage/dashboard?windowMs=1", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	require.Equal(t, int64(60_000), gjson.Get(out, "untilMs").Int()-gjson.Get(out, "sinceMs").Int())

	rec = env.do(http.MethodGet, "/admin/usage/dashboard", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	out = rec.Body.String()
	require.Equal(t, int64(24*60*60*1000), gjson.Get(out, "untilMs").Int()-gjson.Get(out, "sinceMs").Int())

	rec = env.do(http.MethodGet, "/admin/usage/dashboard?windowMs=999999999999999", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	out = rec.Body.String()
	require.Equal(t, int64(30*24*60*60*1000), gjson.Get(out, "untilMs").Int()-gjson.Get(out, "sinceMs").Int())
}

func TestModelsDocumentDefaultAndScoped(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api.json", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	// Canonical providers point at this proxy.
	require.True(t, strings.HasSuffix(gjson.Get(out, "openai.api").String(), "/openai/v1"))
	require.Equal(t, "KLEIS_API_KEY", gjson.Get(out, "openai.env.0").String())
	require.True(t, gjson.Get(out, "kleis.models.anthropic/claude-sonnet-4").Exists())

	_, _, discovery := env.createKey(t, `{"label":"scoped","providerScopes":["claude"]}`)
	rec = env.do(http.MethodGet, "/api.json?key="+discovery, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out = rec.Body.String()
	require.True(t, gjson.Get(out, "anthropic").Exists())
	require.False(t, gjson.Get(out, "openai").Exists())

	rec = env.do(http.MethodGet, "/api.json?key=kmd_bogus", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProxyCodexForwarding(t *testing.T) {
	env := newTestEnv(t)
	env.seedCodexAccount(t)
	_, keyValue, _ := env.createKey(t, `{"label":"dev"}`)

	env.transport.response = `{"object":"response","status":"completed","usage":{"input_tokens":10,"input_tokens_details":{"cached_tokens":4},"output_tokens":7}}`

	body := `{"model":"openai/gpt-5.2","max_output_tokens":128,"input":[{"role":"user","content":"hi"}]}`
	rec := env.do(http.MethodPost, "/openai/v1/responses", keyValue, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	upstream := env.transport.lastRequest
	require.NotNil(t, upstream)
	require.Equal(t, "https://chatgpt.com/backend-api/codex/responses", upstream.URL.String())
	require.Equal(t, "Bearer upstream-access-token", upstream.Header.Get("Authorization"))
	require.Equal(t, "acct-123", upstream.Header.Get("ChatGPT-Account-Id"))
	require.Equal(t, "opencode", upstream.Header.Get("Originator"))
	// The client's proxy credential never reaches the upstream.
	require.NotContains(t, upstream.Header.Get("Authorization"), keyValue)

	sent := env.transport.lastBody
	require.Equal(t, "gpt-5.2", gjson.Get(sent, "model").String())
	require.False(t, gjson.Get(sent, "max_output_tokens").Exists())
	require.NotEmpty(t, gjson.Get(sent, "instructions").String())

	// The upstream body reaches the client unchanged.
	require.JSONEq(t, env.transport.response, rec.Body.String())

	// The async recorder lands a bucket carrying outcome and tokens.
	require.Eventually(t, func() bool {
		totals, err := env.store.QueryUsageTotals(context.Background(), 0, time.Now().UnixMilli()+1)
		if err != nil || totals.RequestCount == 0 {
			return false
		}
		return totals.SuccessCount == 1 && totals.OutputTokens == 7
	}, 2*time.Second, 10*time.Millisecond)

	breakdown, err := env.store.QueryUsageBreakdown(context.Background(), 0, time.Now().UnixMilli()+1)
	require.NoError(t, err)
	require.Len(t, breakdown, 1)
	require.Equal(t, "codex", breakdown[0].Provider)
	require.Equal(t, "gpt-5.2", breakdown[0].Model)
}

func TestProxyWithoutAccountIs400(t *testing.T) {
	env := newTestEnv(t)
	_, keyValue, _ := env.createKey(t, `{"label":"dev"}`)

	rec := env.do(http.MethodPost, "/openai/v1/responses", keyValue, `{"model":"gpt-5.2"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "account_missing", gjson.Get(rec.Body.String(), "error.kind").String())
}

func TestAdminAccountImportAndPrimary(t *testing.T) {
	env := newTestEnv(t)

	payload, _ := json.Marshal(map[string]any{
		"accessToken":  "at",
		"refreshToken": "rt",
		"expiresAt":    time.Now().Add(time.Hour).UnixMilli(),
		"accountId":    "acct-1",
		"label":        "imported",
	})
	rec := env.do(http.MethodPost, "/admin/accounts/codex/import", adminToken, string(payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, gjson.Get(rec.Body.String(), "account.isPrimary").Bool())
	// Raw tokens never appear in admin responses.
	require.NotContains(t, rec.Body.String(), `"at"`)
	require.NotContains(t, rec.Body.String(), `"rt"`)
	firstID := gjson.Get(rec.Body.String(), "account.id").String()

	payload, _ = json.Marshal(map[string]any{
		"refreshToken": "rt2",
		"accountId":    "acct-2",
		"label":        "second",
	})
	rec = env.do(http.MethodPost, "/admin/accounts/codex/import", adminToken, string(payload))
	require.Equal(t, http.StatusOK, rec.Code)
	secondID := gjson.Get(rec.Body.String(), "account.id").String()
	require.False(t, gjson.Get(rec.Body.String(), "account.isPrimary").Bool())

	rec = env.do(http.MethodPost, "/admin/accounts/"+secondID+"/primary", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, gjson.Get(rec.Body.String(), "account.isPrimary").Bool())

	rec = env.do(http.MethodGet, "/admin/accounts", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	accounts := gjson.Get(rec.Body.String(), "accounts").Array()
	require.Len(t, accounts, 2)
	for _, a := range accounts {
		require.Equal(t, a.Get("id").String() == secondID, a.Get("isPrimary").Bool())
	}

	// Deleting the primary promotes the remaining account.
	rec = env.do(http.MethodDelete, "/admin/accounts/"+secondID, adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodGet, "/admin/accounts", adminToken, "")
	accounts = gjson.Get(rec.Body.String(), "accounts").Array()
	require.Len(t, accounts, 1)
	require.Equal(t, firstID, accounts[0].Get("id").String())
	require.True(t, accounts[0].Get("isPrimary").Bool())
}

func TestMetricsEndpointToggle(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/metrics", "", "").Code)
}
