// Package claude implements the OAuth adapter for Anthropic accounts:
// an authorization-code + PKCE flow against either claude.ai (Max and
// Pro subscriptions) or console.anthropic.com (API console accounts).
// The token endpoint takes a JSON body rather than form encoding, so
// the exchange is hand-rolled instead of going through x/oauth2.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/misc"
	"github.com/kleisproxy/kleis/internal/oauth"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
	"golang.org/x/oauth2"
)

const (
	clientID           = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	defaultRedirectURI = "http://localhost:54545/callback"
	defaultTokenURL    = "https://console.anthropic.com/v1/oauth/token"
	maxAuthHost        = "https://claude.ai"
	consoleAuthHost    = "https://console.anthropic.com"
	oauthScopes        = "org:create_api_key user:profile user:inference"

	stateTTL = 15 * time.Minute

	// ModeMax selects claude.ai sign-in; ModeConsole selects
	// console.anthropic.com. Max is the default.
	ModeMax     = "max"
	ModeConsole = "console"
)

// Request-profile constants every Claude account carries in metadata.
// The proxy preparer reads them back when shaping upstream requests.
const (
	UserAgent  = "claude-cli/1.0.83 (external, cli)"
	ToolPrefix = "mcp_"
)

// RequiredBetaHeaders is the anthropic-beta set upstream requires on
// OAuth-authenticated traffic, in the order they must appear.
var RequiredBetaHeaders = []string{
	"claude-code-20250219",
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
	"fine-grained-tool-streaming-2025-05-14",
}

// Adapter runs the Claude OAuth flow.
type Adapter struct {
	states     oauth.StateStore
	httpClient *http.Client

	// authHosts and tokenURL are fixed in production; tests point them
	// at an httptest server.
	authHosts   map[string]string
	tokenURL    string
	redirectURI string
}

// New constructs the Claude adapter.
func New(states oauth.StateStore, httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{
		states:      states,
		httpClient:  httpClient,
		authHosts:   map[string]string{ModeMax: maxAuthHost, ModeConsole: consoleAuthHost},
		tokenURL:    defaultTokenURL,
		redirectURI: defaultRedirectURI,
	}
}

// Provider reports the internal provider this adapter serves.
func (a *Adapter) Provider() providers.Provider { return providers.Claude }

// StartOAuth generates state and a PKCE verifier, persists them, and
// returns the authorization URL for the selected mode.
func (a *Adapter) StartOAuth(ctx context.Context, opts oauth.StartOptions, now time.Time) (*oauth.StartResult, error) {
	mode := opts.Mode
	if mode == "" {
		mode = ModeMax
	}
	host, ok := a.authHosts[mode]
	if !ok {
		return nil, apperr.New(apperr.KindBadRequest, "unknown claude oauth mode %q", mode)
	}

	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	row := &store.OAuthState{
		State:        state,
		Provider:     string(providers.Claude),
		PKCEVerifier: &verifier,
		Metadata:     map[string]any{"mode": mode},
		ExpiresAt:    now.Add(stateTTL).UnixMilli(),
		CreatedAt:    now.UnixMilli(),
	}
	if err = a.states.InsertOAuthState(ctx, row); err != nil {
		return nil, err
	}

	redirectURI := opts.RedirectURI
	if redirectURI == "" {
		redirectURI = a.redirectURI
	}
	query := url.Values{
		"code":                  {"true"},
		"client_id":             {clientID},
		"response_type":         {"code"},
		"redirect_uri":          {redirectURI},
		"scope":                 {oauthScopes},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &oauth.StartResult{
		AuthorizationURL: host + "/oauth/authorize?" + query.Encode(),
		State:            state,
		Method:           oauth.MethodCode,
		Instructions:     "Open the authorization URL, sign in, and paste the code (code#state) back.",
	}, nil
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	State        string `json:"state,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientID     string `json:"client_id"`
	CodeVerifier string `json:"code_verifier,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Account      struct {
		UUID         string `json:"uuid"`
		EmailAddress string `json:"email_address"`
	} `json:"account"`
	Organization struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	} `json:"organization"`
}

// CompleteOAuth exchanges the code for tokens via the JSON token
// endpoint. The state row is consumed only after the exchange succeeds,
// so a mistyped code leaves the flow retryable.
func (a *Adapter) CompleteOAuth(ctx context.Context, state, code string, now time.Time) (*oauth.TokenResult, error) {
	row, err := oauth.FindPendingState(ctx, a.states, state, string(providers.Claude), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	if row.PKCEVerifier == nil || *row.PKCEVerifier == "" {
		return nil, apperr.New(apperr.KindPKCEMissing, "stored oauth state has no PKCE verifier")
	}

	parsedCode, err := oauth.ParseCallbackCode(code, state)
	if err != nil {
		return nil, err
	}

	mode, _ := row.Metadata["mode"].(string)
	token, err := a.postToken(ctx, tokenRequest{
		GrantType:    "authorization_code",
		Code:         parsedCode,
		State:        state,
		RedirectURI:  a.redirectURI,
		ClientID:     clientID,
		CodeVerifier: *row.PKCEVerifier,
	})
	if err != nil {
		return nil, err
	}
	if err = oauth.FinishState(ctx, a.states, state, string(providers.Claude), now.UnixMilli()); err != nil {
		return nil, err
	}
	return a.tokenResult(token, mode, now), nil
}

// RefreshAccount exchanges the stored refresh token for fresh
// credentials, retaining the prior refresh token when the response
// omits one.
func (a *Adapter) RefreshAccount(ctx context.Context, account *store.ProviderAccount, now time.Time) (*oauth.TokenResult, error) {
	if account.RefreshToken == "" {
		return nil, apperr.New(apperr.KindTokenRefreshFailed, "account has no refresh token")
	}

	token, err := a.postToken(ctx, tokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: account.RefreshToken,
		ClientID:     clientID,
	})
	if err != nil {
		return nil, err
	}

	mode := ""
	if account.Metadata != nil {
		mode, _ = account.Metadata["mode"].(string)
	}
	result := a.tokenResult(token, mode, now)
	if result.RefreshToken == "" {
		result.RefreshToken = account.RefreshToken
	}
	if result.AccountID == "" && account.AccountID != nil {
		result.AccountID = *account.AccountID
	}
	return result, nil
}

func (a *Adapter) tokenResult(token *tokenResponse, mode string, now time.Time) *oauth.TokenResult {
	expiresAt := now.Add(time.Hour)
	if token.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(token.ExpiresIn) * time.Second)
	}

	metadata := map[string]any{
		"betaHeaders":    RequiredBetaHeaders,
		"userAgent":      UserAgent,
		"systemIdentity": misc.ClaudeSystemIdentity,
		"toolPrefix":     ToolPrefix,
	}
	if mode != "" {
		metadata["mode"] = mode
	}
	if token.Organization.UUID != "" {
		metadata["organizationUuid"] = token.Organization.UUID
	}
	if token.Organization.Name != "" {
		metadata["organizationName"] = token.Organization.Name
	}

	return &oauth.TokenResult{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt.UnixMilli(),
		AccountID:    token.Account.UUID,
		Label:        token.Account.EmailAddress,
		Metadata:     metadata,
	}
}

func (a *Adapter) postToken(ctx context.Context, payload tokenRequest) (*tokenResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindTokenExchangeFailed, "token exchange failed")
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindTokenExchangeFailed, "token exchange failed")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindTokenExchangeFailed, "token exchange failed").
			WithDetail("status %d: %s", resp.StatusCode, string(raw))
	}

	var token tokenResponse
	if err = json.Unmarshal(raw, &token); err != nil || token.AccessToken == "" {
		return nil, apperr.New(apperr.KindMalformedResponse, "token response is not parsable")
	}
	return &token, nil
}
