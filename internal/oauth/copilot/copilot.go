// Package copilot implements the OAuth adapter for GitHub Copilot
// accounts. Sign-in runs the GitHub device flow; the resulting GitHub
// token is long-lived and stored as the refresh token, while the
// short-lived Copilot session token obtained from the copilot_internal
// exchange is stored as the access token. Refreshing an account means
// re-running the exchange with the GitHub token.
//
// The flow is hand-rolled HTTP rather than the x/oauth2 device helper:
// the polling cadence here pads the server-advertised interval and
// adopts slow_down intervals mid-flight.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/oauth"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
)

const (
	clientID      = "Iv1.b507a08c87ecfe98"
	defaultDomain = "github.com"
	deviceScope   = "read:user"

	// Copilot session tokens are refreshed tokenExpiryBuffer before the
	// upstream deadline so in-flight requests never carry a token that
	// expires mid-request.
	tokenExpiryBuffer = 5 * time.Minute

	// defaultPollPad is added to the server-advertised polling interval.
	defaultPollPad = 3 * time.Second
)

// Adapter runs the GitHub device flow and the Copilot token exchange.
type Adapter struct {
	states     oauth.StateStore
	httpClient *http.Client

	// githubBase and apiBaseFormat are fixed in production; tests point
	// them at an httptest server. apiBaseFormat receives the domain.
	githubBase    string
	apiBaseFormat string
	pollPad       time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
}

// New constructs the Copilot adapter.
func New(states oauth.StateStore, httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Adapter{
		states:        states,
		httpClient:    httpClient,
		githubBase:    "https://%s",
		apiBaseFormat: "https://api.%s",
		pollPad:       defaultPollPad,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Provider reports the internal provider this adapter serves.
func (a *Adapter) Provider() providers.Provider { return providers.Copilot }

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`
}

type accessTokenResponse struct {
	AccessToken string `json:"access_token"`
	Error       string `json:"error"`
	Interval    int64  `json:"interval"`
}

// StartOAuth requests a device code and persists the pending flow. The
// user code and verification URL come back in the instructions; the
// flow completes server-side via polling, so the method is auto.
func (a *Adapter) StartOAuth(ctx context.Context, opts oauth.StartOptions, now time.Time) (*oauth.StartResult, error) {
	domain := opts.EnterpriseDomain
	if domain == "" {
		domain = defaultDomain
	}

	form := url.Values{"client_id": {clientID}, "scope": {deviceScope}}
	var device deviceCodeResponse
	if err := a.postForm(ctx, fmt.Sprintf(a.githubBase, domain)+"/login/device/code", form, &device); err != nil {
		return nil, err
	}
	if device.DeviceCode == "" || device.UserCode == "" {
		return nil, apperr.New(apperr.KindMalformedResponse, "device code response is incomplete")
	}
	if device.Interval <= 0 {
		device.Interval = 5
	}

	state, err := oauth.GenerateState()
	if err != nil {
		return nil, err
	}
	row := &store.OAuthState{
		State:    state,
		Provider: string(providers.Copilot),
		Metadata: map[string]any{
			"deviceCode": device.DeviceCode,
			"interval":   device.Interval,
			"domain":     domain,
		},
		ExpiresAt: now.Add(time.Duration(device.ExpiresIn) * time.Second).UnixMilli(),
		CreatedAt: now.UnixMilli(),
	}
	if err = a.states.InsertOAuthState(ctx, row); err != nil {
		return nil, err
	}

	return &oauth.StartResult{
		AuthorizationURL: device.VerificationURI,
		State:            state,
		Method:           oauth.MethodAuto,
		Instructions:     fmt.Sprintf("Open %s and enter the code %s.", device.VerificationURI, device.UserCode),
	}, nil
}

// CompleteOAuth polls GitHub until the user approves the device, then
// exchanges the GitHub token for a Copilot session token. The state row
// is consumed only after both steps succeed, so a transient poll or
// exchange error leaves the flow retryable.
func (a *Adapter) CompleteOAuth(ctx context.Context, state, _ string, now time.Time) (*oauth.TokenResult, error) {
	row, err := oauth.FindPendingState(ctx, a.states, state, string(providers.Copilot), now.UnixMilli())
	if err != nil {
		return nil, err
	}

	deviceCode, _ := row.Metadata["deviceCode"].(string)
	if deviceCode == "" {
		return nil, apperr.New(apperr.KindMalformedResponse, "stored device flow state has no device code")
	}
	domain, _ := row.Metadata["domain"].(string)
	if domain == "" {
		domain = defaultDomain
	}
	interval := 5 * time.Second
	if raw, ok := row.Metadata["interval"]; ok {
		if secs := asInt64(raw); secs > 0 {
			interval = time.Duration(secs) * time.Second
		}
	}

	ghToken, err := a.pollAccessToken(ctx, domain, deviceCode, interval, time.UnixMilli(row.ExpiresAt))
	if err != nil {
		return nil, err
	}
	result, err := a.exchange(ctx, domain, ghToken, time.Now)
	if err != nil {
		return nil, err
	}
	if err = oauth.FinishState(ctx, a.states, state, string(providers.Copilot), now.UnixMilli()); err != nil {
		return nil, err
	}
	return result, nil
}

// RefreshAccount re-exchanges the stored GitHub token for a fresh
// Copilot session token.
func (a *Adapter) RefreshAccount(ctx context.Context, account *store.ProviderAccount, now time.Time) (*oauth.TokenResult, error) {
	if account.RefreshToken == "" {
		return nil, apperr.New(apperr.KindTokenRefreshFailed, "account has no github token")
	}
	domain := defaultDomain
	if account.Metadata != nil {
		if d, ok := account.Metadata["domain"].(string); ok && d != "" {
			domain = d
		}
	}
	return a.exchange(ctx, domain, account.RefreshToken, func() time.Time { return now })
}

// pollAccessToken loops on /login/oauth/access_token until the device is
// approved, the flow errors, or the device code expires.
func (a *Adapter) pollAccessToken(ctx context.Context, domain, deviceCode string, interval time.Duration, deadline time.Time) (string, error) {
	tokenURL := fmt.Sprintf(a.githubBase, domain) + "/login/oauth/access_token"
	form := url.Values{
		"client_id":   {clientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}

	for {
		if time.Now().After(deadline) {
			return "", apperr.New(apperr.KindDeviceFlowTimeout, "device authorization was not completed in time")
		}

		var token accessTokenResponse
		if err := a.postForm(ctx, tokenURL, form, &token); err != nil {
			return "", err
		}

		switch {
		case token.AccessToken != "":
			return token.AccessToken, nil
		case token.Error == "authorization_pending":
		case token.Error == "slow_down":
			if token.Interval > 0 {
				interval = time.Duration(token.Interval) * time.Second
			} else {
				interval += 5 * time.Second
			}
		case token.Error == "expired_token":
			return "", apperr.New(apperr.KindDeviceFlowTimeout, "device code expired before authorization")
		default:
			return "", apperr.New(apperr.KindTokenExchangeFailed, "device flow failed").
				WithDetail("github error %q", token.Error)
		}

		if err := a.sleep(ctx, interval+a.pollPad); err != nil {
			return "", err
		}
	}
}

type copilotTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
	Endpoints struct {
		API string `json:"api"`
	} `json:"endpoints"`
}

// exchange trades a GitHub token for a Copilot session token.
func (a *Adapter) exchange(ctx context.Context, domain, ghToken string, now func() time.Time) (*oauth.TokenResult, error) {
	exchangeURL := fmt.Sprintf(a.apiBaseFormat, domain) + "/copilot_internal/v2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, exchangeURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+ghToken)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindTokenExchangeFailed, "copilot token exchange failed")
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindTokenExchangeFailed, "copilot token exchange failed")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindTokenExchangeFailed, "copilot token exchange failed").
			WithDetail("status %d: %s", resp.StatusCode, string(body))
	}

	var token copilotTokenResponse
	if err = json.Unmarshal(body, &token); err != nil || token.Token == "" {
		return nil, apperr.New(apperr.KindMalformedResponse, "copilot token response is not parsable")
	}

	expiresAt := now().Add(time.Hour)
	if token.ExpiresAt > 0 {
		expiresAt = time.Unix(token.ExpiresAt, 0).Add(-tokenExpiryBuffer)
	}

	metadata := map[string]any{"domain": domain}
	if base := apiBaseFromToken(token.Token); base != "" {
		metadata["copilotApiBaseUrl"] = base
	} else if token.Endpoints.API != "" {
		metadata["copilotApiBaseUrl"] = token.Endpoints.API
	}

	return &oauth.TokenResult{
		AccessToken:  token.Token,
		RefreshToken: ghToken,
		ExpiresAt:    expiresAt.UnixMilli(),
		Label:        "GitHub Copilot (" + domain + ")",
		Metadata:     metadata,
	}, nil
}

// apiBaseFromToken derives the API base URL from the proxy-ep segment
// embedded in a Copilot session token, e.g.
// "tid=...;proxy-ep=proxy.individual.githubcopilot.com;..." yields
// "https://api.individual.githubcopilot.com".
func apiBaseFromToken(token string) string {
	for _, segment := range strings.Split(token, ";") {
		key, value, ok := strings.Cut(segment, "=")
		if !ok || key != "proxy-ep" || value == "" {
			continue
		}
		host := strings.Replace(value, "proxy.", "api.", 1)
		return "https://" + host
	}
	return ""
}

func (a *Adapter) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(err, apperr.KindTokenExchangeFailed, "github request failed")
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(err, apperr.KindTokenExchangeFailed, "github request failed")
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.New(apperr.KindTokenExchangeFailed, "github request failed").
			WithDetail("status %d: %s", resp.StatusCode, string(body))
	}
	if err = json.Unmarshal(body, out); err != nil {
		return apperr.New(apperr.KindMalformedResponse, "github response is not parsable")
	}
	return nil
}

// asInt64 tolerates the numeric widening the JSON serializer applies to
// metadata round-tripped through the database.
func asInt64(raw any) int64 {
	switch v := raw.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
