package codex

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/oauth"
	"github.com/kleisproxy/kleis/internal/store"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTestAdapter(t *testing.T, tokenHandler http.HandlerFunc) (*Adapter, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	srv := httptest.NewServer(tokenHandler)
	t.Cleanup(srv.Close)

	a := New(st, srv.Client())
	a.endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/oauth/authorize", TokenURL: srv.URL + "/oauth/token"}
	return a, st
}

func fakeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestStartOAuthPersistsStateAndBuildsURL(t *testing.T) {
	a, st := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})
	now := time.Now()

	result, err := a.StartOAuth(context.Background(), oauth.StartOptions{}, now)
	require.NoError(t, err)
	require.Equal(t, oauth.MethodCode, result.Method)

	parsed, err := url.Parse(result.AuthorizationURL)
	require.NoError(t, err)
	query := parsed.Query()
	require.Equal(t, clientID, query.Get("client_id"))
	require.Equal(t, result.State, query.Get("state"))
	require.Equal(t, "S256", query.Get("code_challenge_method"))
	require.NotEmpty(t, query.Get("code_challenge"))
	require.Equal(t, "true", query.Get("id_token_add_organizations"))
	require.Equal(t, "true", query.Get("codex_cli_simplified_flow"))
	require.Equal(t, "opencode", query.Get("originator"))
	require.Equal(t, defaultRedirectURI, query.Get("redirect_uri"))

	row, err := st.FindOAuthState(context.Background(), result.State, "codex", now.UnixMilli())
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotNil(t, row.PKCEVerifier)
	require.NotEmpty(t, *row.PKCEVerifier)
}

func TestCompleteOAuthExchangesCodeAndParsesIdentity(t *testing.T) {
	idToken := ""
	var gotForm url.Values
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600,"id_token":%q,"token_type":"Bearer"}`, idToken)
	})
	idToken = fakeJWT(t, map[string]any{
		"email": "user@example.com",
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acct-1",
			"organizations":      []any{map[string]any{"id": "org-1"}},
		},
	})

	now := time.Now()
	started, err := a.StartOAuth(context.Background(), oauth.StartOptions{}, now)
	require.NoError(t, err)

	result, err := a.CompleteOAuth(context.Background(), started.State, "the-code#"+started.State, now)
	require.NoError(t, err)
	require.Equal(t, "at-1", result.AccessToken)
	require.Equal(t, "rt-1", result.RefreshToken)
	require.Equal(t, "acct-1", result.AccountID)
	require.Equal(t, "user@example.com", result.Label)
	require.Greater(t, result.ExpiresAt, now.UnixMilli())

	require.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	require.Equal(t, "the-code", gotForm.Get("code"))
	require.NotEmpty(t, gotForm.Get("code_verifier"))

	// The state row is single-use.
	_, err = a.CompleteOAuth(context.Background(), started.State, "the-code", now)
	require.Error(t, err)
	require.Equal(t, apperr.KindStateMissingOrExpired, apperr.KindOf(err))
}

func TestCompleteOAuthRejectsMismatchedEmbeddedState(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("token endpoint must not be called")
	})
	now := time.Now()
	started, err := a.StartOAuth(context.Background(), oauth.StartOptions{}, now)
	require.NoError(t, err)

	_, err = a.CompleteOAuth(context.Background(), started.State, "code#wrong-state", now)
	require.Error(t, err)
	require.Equal(t, apperr.KindStateMismatch, apperr.KindOf(err))
}

func TestCompleteOAuthMapsUpstreamRejection(t *testing.T) {
	reject := true
	a, st := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if reject {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600,"token_type":"Bearer"}`)
	})
	now := time.Now()
	started, err := a.StartOAuth(context.Background(), oauth.StartOptions{}, now)
	require.NoError(t, err)

	_, err = a.CompleteOAuth(context.Background(), started.State, "bad-code", now)
	require.Error(t, err)
	require.Equal(t, apperr.KindTokenExchangeFailed, apperr.KindOf(err))

	// The failed exchange leaves the state intact, so retrying with a
	// good code completes the same flow.
	row, err := st.FindOAuthState(context.Background(), started.State, "codex", now.UnixMilli())
	require.NoError(t, err)
	require.NotNil(t, row)

	reject = false
	result, err := a.CompleteOAuth(context.Background(), started.State, "good-code", now)
	require.NoError(t, err)
	require.Equal(t, "at-1", result.AccessToken)
}

func TestRefreshRetainsPriorRefreshToken(t *testing.T) {
	var gotForm url.Values
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-2","expires_in":3600,"token_type":"Bearer"}`)
	})

	now := time.Now()
	account := &store.ProviderAccount{ID: "acc-1", Provider: "codex", RefreshToken: "rt-old"}
	result, err := a.RefreshAccount(context.Background(), account, now)
	require.NoError(t, err)
	require.Equal(t, "at-2", result.AccessToken)
	require.Equal(t, "rt-old", result.RefreshToken)
	require.Equal(t, "refresh_token", gotForm.Get("grant_type"))
	require.Equal(t, "rt-old", gotForm.Get("refresh_token"))
}
