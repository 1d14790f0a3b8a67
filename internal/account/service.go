// Package account owns the provider-account lifecycle: starting and
// completing OAuth flows, importing credentials directly, and keeping
// access tokens fresh. Refresh is coordinated so that at most one
// refresh per account is in flight at a time, across every process
// sharing the database. In-process callers collapse through a
// singleflight group; cross-process exclusion comes from an advisory
// lease persisted on the account row.
package account

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kleisproxy/kleis/internal/apperr"
	"github.com/kleisproxy/kleis/internal/oauth"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// leaseTTL bounds how long a crashed refresher can hold the lease.
	leaseTTL = 20 * time.Second

	// Waiters poll the row at waitPoll intervals up to waitDeadline
	// before giving up on the current lease holder.
	waitPoll     = 150 * time.Millisecond
	waitDeadline = 3 * time.Second

	// lastRefreshStatus values surfaced verbatim through the admin API.
	refreshStatusSuccess = "success"
	refreshStatusFailed  = "failed"
)

// Service coordinates provider accounts over the store and the OAuth
// adapter registry.
type Service struct {
	store    *store.Store
	adapters *oauth.Registry
	flights  singleflight.Group
	now      func() time.Time
}

// NewService constructs the account service.
func NewService(st *store.Store, adapters *oauth.Registry) *Service {
	return &Service{store: st, adapters: adapters, now: time.Now}
}

// StartProviderOAuth begins a sign-in flow for the provider.
func (s *Service) StartProviderOAuth(ctx context.Context, provider providers.Provider, opts oauth.StartOptions) (*oauth.StartResult, error) {
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return nil, err
	}
	return adapter.StartOAuth(ctx, opts, s.now())
}

// CompleteProviderOAuth finishes a pending flow and persists the
// resulting account. Re-authorizing an account the store already knows
// (same provider and upstream account id) updates it in place.
func (s *Service) CompleteProviderOAuth(ctx context.Context, provider providers.Provider, state, code string) (*store.ProviderAccount, error) {
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return nil, err
	}
	now := s.now()
	result, err := adapter.CompleteOAuth(ctx, state, code, now)
	if err != nil {
		return nil, err
	}
	return s.persistTokenResult(ctx, provider, result, now)
}

// ImportInput carries externally obtained credentials.
type ImportInput struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is unix milliseconds; zero means already expired, which
	// forces a refresh on first use.
	ExpiresAt int64
	AccountID string
	Label     string
	Metadata  map[string]any
}

// ImportProviderAccount stores credentials obtained outside the built-in
// flows, such as tokens lifted from another tool's keychain.
func (s *Service) ImportProviderAccount(ctx context.Context, provider providers.Provider, in ImportInput) (*store.ProviderAccount, error) {
	if _, err := s.adapters.Adapter(provider); err != nil {
		return nil, err
	}
	if in.RefreshToken == "" {
		return nil, apperr.New(apperr.KindBadRequest, "refresh token is required")
	}
	return s.persistTokenResult(ctx, provider, &oauth.TokenResult{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		ExpiresAt:    in.ExpiresAt,
		AccountID:    in.AccountID,
		Label:        in.Label,
		Metadata:     in.Metadata,
	}, s.now())
}

func (s *Service) persistTokenResult(ctx context.Context, provider providers.Provider, result *oauth.TokenResult, now time.Time) (*store.ProviderAccount, error) {
	var accountID *string
	if result.AccountID != "" {
		accountID = &result.AccountID
	}
	account, err := s.store.UpsertProviderAccount(ctx, store.AccountInput{
		Provider:     string(provider),
		AccountID:    accountID,
		Label:        result.Label,
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    result.ExpiresAt,
		Metadata:     result.Metadata,
	}, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"provider": provider, "account": account.ID}).Info("provider account saved")
	return account, nil
}

// GetPrimaryProviderAccount returns the primary account for the
// provider with a live access token, refreshing it first when expired.
func (s *Service) GetPrimaryProviderAccount(ctx context.Context, provider providers.Provider, now time.Time) (*store.ProviderAccount, error) {
	account, err := s.store.GetPrimaryProviderAccount(ctx, string(provider))
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperr.New(apperr.KindAccountMissing, "no account connected for provider %q", provider)
	}
	if account.ExpiresAt > now.UnixMilli() {
		return account, nil
	}
	return s.RefreshProviderAccount(ctx, account.ID, now)
}

// RefreshProviderAccount refreshes the account's tokens. Concurrent
// in-process callers share one refresh; concurrent processes are
// excluded by the advisory lease on the row.
func (s *Service) RefreshProviderAccount(ctx context.Context, id string, now time.Time) (*store.ProviderAccount, error) {
	result, err, _ := s.flights.Do(id, func() (any, error) {
		return s.refreshWithLease(ctx, id, now)
	})
	if err != nil {
		return nil, err
	}
	return result.(*store.ProviderAccount), nil
}

func (s *Service) refreshWithLease(ctx context.Context, id string, now time.Time) (*store.ProviderAccount, error) {
	lockToken := uuid.NewString()
	acquired, err := s.store.TryAcquireProviderAccountRefreshLock(ctx, id, lockToken, now.UnixMilli(), now.Add(leaseTTL).UnixMilli())
	if err != nil {
		return nil, err
	}
	if acquired {
		return s.refreshHoldingLease(ctx, id, lockToken, now)
	}

	account, err := s.waitForLeaseHolder(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if account != nil {
		return account, nil
	}

	// The holder went away without producing a fresh token. One more
	// claim attempt before giving up.
	now = s.now()
	acquired, err = s.store.TryAcquireProviderAccountRefreshLock(ctx, id, lockToken, now.UnixMilli(), now.Add(leaseTTL).UnixMilli())
	if err != nil {
		return nil, err
	}
	if acquired {
		return s.refreshHoldingLease(ctx, id, lockToken, now)
	}
	return nil, apperr.New(apperr.KindRefreshInProgress, "token refresh already in progress")
}

// refreshHoldingLease runs the refresh while owning the lease. The
// lease is always released by token on the way out, including on
// cancellation, rather than being left to expire.
func (s *Service) refreshHoldingLease(ctx context.Context, id, lockToken string, now time.Time) (*store.ProviderAccount, error) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.ReleaseProviderAccountRefreshLock(releaseCtx, id, lockToken); err != nil {
			log.WithError(err).WithField("account", id).Warn("failed to release refresh lease")
		}
	}()

	// Another process may have refreshed between our expiry check and
	// the lease claim.
	account, err := s.store.GetProviderAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apperr.New(apperr.KindNotFound, "account not found")
	}
	if account.ExpiresAt > now.UnixMilli() {
		return account, nil
	}

	adapter, err := s.adapters.Adapter(providers.Provider(account.Provider))
	if err != nil {
		return nil, err
	}

	result, refreshErr := adapter.RefreshAccount(ctx, account, now)
	if refreshErr == nil {
		refreshErr = validateRefresh(result, now)
	}
	if refreshErr != nil {
		s.markRefreshFailed(id, lockToken, now)
		log.WithError(refreshErr).WithFields(log.Fields{"provider": account.Provider, "account": id}).Warn("token refresh failed")
		return nil, refreshErr
	}

	nowMs := s.now().UnixMilli()
	status := refreshStatusSuccess
	update := store.TokenUpdate{
		AccessToken:       &result.AccessToken,
		RefreshToken:      &result.RefreshToken,
		ExpiresAt:         &result.ExpiresAt,
		LastRefreshAt:     &nowMs,
		LastRefreshStatus: &status,
	}
	if result.Metadata != nil {
		update.Metadata = mergeMetadata(account.Metadata, result.Metadata)
	}
	updated, err := s.store.UpdateProviderAccountTokens(ctx, id, update, &lockToken, nowMs)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		// The lease expired under us and a successor took over; their
		// tokens win.
		current, err := s.store.GetProviderAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if current != nil && current.ExpiresAt > s.now().UnixMilli() {
			return current, nil
		}
		return nil, apperr.New(apperr.KindRefreshInProgress, "token refresh superseded")
	}
	log.WithFields(log.Fields{"provider": account.Provider, "account": id}).Info("token refreshed")
	return updated, nil
}

// waitForLeaseHolder polls the row while another refresher holds the
// lease. Returns the account when it comes back fresh, or nil when the
// wait ended without a usable token.
func (s *Service) waitForLeaseHolder(ctx context.Context, id string, now time.Time) (*store.ProviderAccount, error) {
	deadline := s.now().Add(waitDeadline)
	for {
		account, err := s.store.GetProviderAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, apperr.New(apperr.KindNotFound, "account not found")
		}
		if account.ExpiresAt > now.UnixMilli() {
			return account, nil
		}
		lockFree := account.RefreshLockToken == nil ||
			account.RefreshLockExpiresAt == nil ||
			*account.RefreshLockExpiresAt <= s.now().UnixMilli()
		if lockFree || s.now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitPoll):
		}
	}
}

func (s *Service) markRefreshFailed(id, lockToken string, now time.Time) {
	nowMs := s.now().UnixMilli()
	status := refreshStatusFailed
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.store.UpdateProviderAccountTokens(ctx, id, store.TokenUpdate{
		LastRefreshAt:     &nowMs,
		LastRefreshStatus: &status,
	}, &lockToken, now.UnixMilli()); err != nil {
		log.WithError(err).WithField("account", id).Warn("failed to record refresh failure")
	}
}

func validateRefresh(result *oauth.TokenResult, now time.Time) error {
	if result.AccessToken == "" || result.RefreshToken == "" {
		return apperr.New(apperr.KindTokenRefreshFailed, "refresh produced incomplete credentials")
	}
	if result.ExpiresAt <= now.UnixMilli() {
		return apperr.New(apperr.KindTokenRefreshFailed, "refresh produced an already expired token")
	}
	return nil
}

func mergeMetadata(existing, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(overlay))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
