// Package oauth defines the per-provider OAuth adapter capability set and
// the registry the provider service dispatches through. Each adapter runs
// one provider's flow: Codex and Claude are authorization-code + PKCE
// flows, Copilot is a GitHub device flow. Pending flows are persisted as
// single-use OAuthState rows so completion can happen in a different
// process than the start.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/url"
	"strings"
	"time"

	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
)

// StartMethod tells the caller how the flow completes.
type StartMethod string

const (
	// MethodAuto means the adapter polls for completion itself (device
	// flows); the caller only needs to show the instructions.
	MethodAuto StartMethod = "auto"
	// MethodCode means the user pastes the callback code or URL back.
	MethodCode StartMethod = "code"
)

// StartOptions carries the optional knobs of a flow start.
type StartOptions struct {
	// RedirectURI overrides the provider's default callback URI.
	RedirectURI string
	// Mode selects the Claude OAuth host: "max" (claude.ai, default) or
	// "console" (console.anthropic.com).
	Mode string
	// EnterpriseDomain selects a GitHub Enterprise host for Copilot,
	// defaulting to github.com.
	EnterpriseDomain string
}

// StartResult is the outcome of StartOAuth.
type StartResult struct {
	AuthorizationURL string      `json:"authorizationUrl"`
	State            string      `json:"state"`
	Method           StartMethod `json:"method"`
	Instructions     string      `json:"instructions,omitempty"`
}

// TokenResult is the outcome of a completed exchange or refresh.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is an absolute unix-millisecond deadline.
	ExpiresAt int64
	// AccountID is the upstream-issued identity, empty when unknown.
	AccountID string
	Label     string
	Metadata  map[string]any
}

// StateStore is the slice of the repository the adapters need for pending
// flow state. *store.Store satisfies it.
type StateStore interface {
	InsertOAuthState(ctx context.Context, state *store.OAuthState) error
	FindOAuthState(ctx context.Context, state, provider string, nowMs int64) (*store.OAuthState, error)
	ConsumeOAuthState(ctx context.Context, state, provider string, nowMs int64) (*store.OAuthState, error)
}

// Adapter is the capability set every provider implements.
type Adapter interface {
	Provider() providers.Provider
	StartOAuth(ctx context.Context, opts StartOptions, now time.Time) (*StartResult, error)
	CompleteOAuth(ctx context.Context, state, code string, now time.Time) (*TokenResult, error)
	RefreshAccount(ctx context.Context, account *store.ProviderAccount, now time.Time) (*TokenResult, error)
}

// Registry is the fixed provider-to-adapter map, immutable after
// construction.
type Registry struct {
	adapters map[providers.Provider]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[providers.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Provider()] = a
	}
	return &Registry{adapters: m}
}

// Adapter returns the adapter for a provider.
func (r *Registry) Adapter(p providers.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, apperr.New(apperr.KindProviderNotSupported, "no oauth adapter for provider %q", p)
	}
	return a, nil
}

// FindPendingState loads a non-expired flow row without consuming it.
// The row is deleted only by FinishState, so a failed exchange leaves
// the flow retryable.
func FindPendingState(ctx context.Context, states StateStore, state, provider string, nowMs int64) (*store.OAuthState, error) {
	row, err := states.FindOAuthState(ctx, state, provider, nowMs)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, apperr.New(apperr.KindStateMissingOrExpired, "oauth state missing or expired")
	}
	return row, nil
}

// FinishState deletes the flow row after a successful exchange. A
// zero-row delete means a concurrent completion or expiry won the race.
func FinishState(ctx context.Context, states StateStore, state, provider string, nowMs int64) error {
	row, err := states.ConsumeOAuthState(ctx, state, provider, nowMs)
	if err != nil {
		return err
	}
	if row == nil {
		return apperr.New(apperr.KindStateMissingOrExpired, "oauth state missing or expired")
	}
	return nil
}

// GenerateState returns a 256-bit URL-safe random state value.
func GenerateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ParseCallbackCode normalizes the user-supplied completion input. It
// accepts the raw authorization code, a full callback URL, or the
// "code#state" form pasted from provider UIs. When the input embeds a
// state, it must match the state the flow was started with.
func ParseCallbackCode(input, state string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", apperr.New(apperr.KindBadRequest, "authorization code is required")
	}

	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		parsed, err := url.Parse(input)
		if err != nil {
			return "", apperr.New(apperr.KindBadRequest, "callback URL is not parsable")
		}
		query := parsed.Query()
		code := query.Get("code")
		if code == "" {
			return "", apperr.New(apperr.KindBadRequest, "callback URL carries no code")
		}
		if embedded := query.Get("state"); embedded != "" && embedded != state {
			return "", apperr.New(apperr.KindStateMismatch, "callback state mismatch")
		}
		return code, nil
	}

	code, embedded, _ := strings.Cut(input, "#")
	if embedded != "" && embedded != state {
		return "", apperr.New(apperr.KindStateMismatch, "callback state mismatch")
	}
	return code, nil
}
