// Package codex implements the OAuth adapter for ChatGPT Codex accounts:
// an authorization-code + PKCE flow against auth.openai.com. The identity
// behind the tokens is read out of the ID token's JWT payload without
// signature verification; only the upstream account id and email are
// extracted.
package codex

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/oauth"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
	"golang.org/x/oauth2"
)

const (
	clientID           = "app_EMoamEEZ73f0CkXaXp7hrann"
	defaultAuthURL     = "https://auth.openai.com/oauth/authorize"
	defaultTokenURL    = "https://auth.openai.com/oauth/token"
	defaultRedirectURI = "http://localhost:1455/auth/callback"

	// Originator identifies the client profile Codex requests carry.
	Originator = "opencode"

	stateTTL = 15 * time.Minute
)

var scopes = []string{"openid", "profile", "email", "offline_access"}

// Adapter runs the Codex OAuth flow.
type Adapter struct {
	states     oauth.StateStore
	httpClient *http.Client

	// endpoint and redirectURI are fixed in production; tests point them
	// at an httptest server.
	endpoint    oauth2.Endpoint
	redirectURI string
}

// New constructs the Codex adapter.
func New(states oauth.StateStore, httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{
		states:      states,
		httpClient:  httpClient,
		endpoint:    oauth2.Endpoint{AuthURL: defaultAuthURL, TokenURL: defaultTokenURL},
		redirectURI: defaultRedirectURI,
	}
}

// Provider reports the internal provider this adapter serves.
func (a *Adapter) Provider() providers.Provider { return providers.Codex }

func (a *Adapter) config(redirectURI string) *oauth2.Config {
	if redirectURI == "" {
		redirectURI = a.redirectURI
	}
	return &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    a.endpoint,
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}
}

// StartOAuth generates state and a PKCE verifier, persists them, and
// returns the authorization URL the user must visit.
func (a *Adapter) StartOAuth(ctx context.Context, opts oauth.StartOptions, now time.Time) (*oauth.StartResult, error) {
	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	row := &store.OAuthState{
		State:        state,
		Provider:     string(providers.Codex),
		PKCEVerifier: &verifier,
		ExpiresAt:    now.Add(stateTTL).UnixMilli(),
		CreatedAt:    now.UnixMilli(),
	}
	if err = a.states.InsertOAuthState(ctx, row); err != nil {
		return nil, err
	}

	authURL := a.config(opts.RedirectURI).AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("id_token_add_organizations", "true"),
		oauth2.SetAuthURLParam("codex_cli_simplified_flow", "true"),
		oauth2.SetAuthURLParam("originator", Originator),
	)

	return &oauth.StartResult{
		AuthorizationURL: authURL,
		State:            state,
		Method:           oauth.MethodCode,
		Instructions:     "Open the authorization URL, sign in, and paste the callback URL or code back.",
	}, nil
}

// CompleteOAuth exchanges the code for tokens against the pending state.
// The state row is consumed only after the exchange succeeds, so a
// mistyped code leaves the flow retryable.
func (a *Adapter) CompleteOAuth(ctx context.Context, state, code string, now time.Time) (*oauth.TokenResult, error) {
	row, err := oauth.FindPendingState(ctx, a.states, state, string(providers.Codex), now.UnixMilli())
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

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	tok, err := a.config("").Exchange(ctx, parsedCode, oauth2.VerifierOption(*row.PKCEVerifier))
	if err != nil {
		return nil, exchangeError(err)
	}
	result, err := a.tokenResult(tok, now)
	if err != nil {
		return nil, err
	}
	if err = oauth.FinishState(ctx, a.states, state, string(providers.Codex), now.UnixMilli()); err != nil {
		return nil, err
	}
	return result, nil
}

// RefreshAccount exchanges the stored refresh token for fresh credentials.
// The upstream may omit a new refresh token, in which case the prior one is
// retained.
func (a *Adapter) RefreshAccount(ctx context.Context, account *store.ProviderAccount, now time.Time) (*oauth.TokenResult, error) {
	if account.RefreshToken == "" {
		return nil, apperr.New(apperr.KindTokenRefreshFailed, "account has no refresh token")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	seed := &oauth2.Token{RefreshToken: account.RefreshToken, Expiry: now.Add(-time.Hour)}
	tok, err := a.config("").TokenSource(ctx, seed).Token()
	if err != nil {
		return nil, exchangeError(err)
	}

	result, err := a.tokenResult(tok, now)
	if err != nil {
		return nil, err
	}
	if result.RefreshToken == "" {
		result.RefreshToken = account.RefreshToken
	}
	return result, nil
}

func (a *Adapter) tokenResult(tok *oauth2.Token, now time.Time) (*oauth.TokenResult, error) {
	if tok.AccessToken == "" {
		return nil, apperr.New(apperr.KindMalformedResponse, "token response carries no access token")
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(time.Hour)
	}

	result := &oauth.TokenResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt.UnixMilli(),
		Metadata:     map[string]any{"originator": Originator},
	}

	identityToken := tok.AccessToken
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		identityToken = idToken
	}
	if identity := parseIdentity(identityToken); identity != nil {
		if identity.AccountID != "" {
			result.AccountID = identity.AccountID
			result.Metadata["chatgptAccountId"] = identity.AccountID
		}
		if identity.Email != "" {
			result.Label = identity.Email
			result.Metadata["email"] = identity.Email
		}
		if len(identity.OrganizationIDs) > 0 {
			result.Metadata["organizationIds"] = identity.OrganizationIDs
		}
	}
	return result, nil
}

// identity is the slice of the OpenAI JWT payload Kleis cares about.
type identity struct {
	AccountID       string
	Email           string
	OrganizationIDs []string
}

// parseIdentity decodes the JWT payload without verifying the signature;
// the token came straight from the token endpoint over TLS. Returns nil
// when the token is not a parsable JWT.
func parseIdentity(token string) *identity {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}

	out := &identity{}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if auth, ok := claims["https://api.openai.com/auth"].(map[string]any); ok {
		if id, ok := auth["chatgpt_account_id"].(string); ok {
			out.AccountID = id
		}
		if orgs, ok := auth["organizations"].([]any); ok {
			for _, raw := range orgs {
				if org, ok := raw.(map[string]any); ok {
					if id, ok := org["id"].(string); ok && id != "" {
						out.OrganizationIDs = append(out.OrganizationIDs, id)
					}
				}
			}
		}
	}
	return out
}

func exchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return apperr.Wrap(err, apperr.KindTokenExchangeFailed, "token exchange failed").
			WithDetail("status %d: %s", retrieveErr.Response.StatusCode, string(retrieveErr.Body))
	}
	return apperr.Wrap(err, apperr.KindTokenExchangeFailed, "token exchange failed")
}
