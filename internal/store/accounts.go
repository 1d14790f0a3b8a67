package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AccountInput carries the fields of a new or re-authorized account.
type AccountInput struct {
	Provider     string
	AccountID    *string
	Label        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	Metadata     map[string]any
}

// UpsertProviderAccount inserts or updates an account. When AccountID is
// set, an existing row for the same (provider, accountId) is updated in
// place; otherwise a new row is inserted. The first account of a provider
// becomes primary. A unique-violation race on insert is retried as an
// update.
func (s *Store) UpsertProviderAccount(ctx context.Context, in AccountInput, nowMs int64) (*ProviderAccount, error) {
	db := s.db.WithContext(ctx)

	update := func(existing *ProviderAccount) (*ProviderAccount, error) {
		cols := []string{"access_token", "refresh_token", "expires_at", "updated_at"}
		model := ProviderAccount{
			AccessToken:  in.AccessToken,
			RefreshToken: in.RefreshToken,
			ExpiresAt:    in.ExpiresAt,
			UpdatedAt:    nowMs,
		}
		if in.Label != "" {
			model.Label = in.Label
			cols = append(cols, "label")
		}
		if in.Metadata != nil {
			model.Metadata = in.Metadata
			cols = append(cols, "metadata")
		}
		err := db.Model(&ProviderAccount{}).
			Where("id = ?", existing.ID).
			Select(cols).
			Updates(model).Error
		if err != nil {
			return nil, err
		}
		return s.GetProviderAccount(ctx, existing.ID)
	}

	if in.AccountID != nil {
		existing, err := s.findByProviderAccountID(ctx, in.Provider, *in.AccountID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return update(existing)
		}
	}

	account := &ProviderAccount{
		ID:           uuid.NewString(),
		Provider:     in.Provider,
		AccountID:    in.AccountID,
		Label:        in.Label,
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		ExpiresAt:    in.ExpiresAt,
		Metadata:     in.Metadata,
		CreatedAt:    nowMs,
		UpdatedAt:    nowMs,
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ProviderAccount{}).Where("provider = ?", in.Provider).Count(&count).Error; err != nil {
			return err
		}
		account.IsPrimary = count == 0
		return tx.Create(account).Error
	})
	if err != nil {
		if isUniqueViolation(err) && in.AccountID != nil {
			existing, findErr := s.findByProviderAccountID(ctx, in.Provider, *in.AccountID)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return update(existing)
			}
		}
		return nil, err
	}
	return account, nil
}

func (s *Store) findByProviderAccountID(ctx context.Context, provider, accountID string) (*ProviderAccount, error) {
	var account ProviderAccount
	err := s.db.WithContext(ctx).
		Where("provider = ? AND account_id = ?", provider, accountID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetProviderAccount returns the account by id, or nil when absent.
func (s *Store) GetProviderAccount(ctx context.Context, id string) (*ProviderAccount, error) {
	var account ProviderAccount
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetPrimaryProviderAccount returns the primary account for a provider, or
// nil when the provider has no accounts.
func (s *Store) GetPrimaryProviderAccount(ctx context.Context, provider string) (*ProviderAccount, error) {
	var account ProviderAccount
	err := s.db.WithContext(ctx).
		Where("provider = ? AND is_primary = ?", provider, true).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// ListProviderAccounts returns all accounts in creation order.
func (s *Store) ListProviderAccounts(ctx context.Context) ([]ProviderAccount, error) {
	var accounts []ProviderAccount
	err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&accounts).Error
	return accounts, err
}

// TryAcquireProviderAccountRefreshLock attempts to claim the advisory
// refresh lease. The update is conditional on the lease being free or
// expired; the result is decided by reading the row back and comparing the
// stored token, so two racing claimants can never both win.
func (s *Store) TryAcquireProviderAccountRefreshLock(ctx context.Context, id, token string, nowMs, expiresAtMs int64) (bool, error) {
	db := s.db.WithContext(ctx)
	err := db.Model(&ProviderAccount{}).
		Where("id = ? AND (refresh_lock_token IS NULL OR refresh_lock_expires_at IS NULL OR refresh_lock_expires_at <= ?)", id, nowMs).
		Updates(map[string]any{
			"refresh_lock_token":      token,
			"refresh_lock_expires_at": expiresAtMs,
		}).Error
	if err != nil {
		return false, err
	}

	account, err := s.GetProviderAccount(ctx, id)
	if err != nil {
		return false, err
	}
	if account == nil || account.RefreshLockToken == nil {
		return false, nil
	}
	return *account.RefreshLockToken == token, nil
}

// TokenUpdate carries the refreshed credential fields. Nil pointers leave
// the stored value untouched.
type TokenUpdate struct {
	AccessToken       *string
	RefreshToken      *string
	ExpiresAt         *int64
	AccountID         *string
	Metadata          map[string]any
	LastRefreshAt     *int64
	LastRefreshStatus *string
}

// UpdateProviderAccountTokens applies a token update. When lockToken is
// non-nil the write is conditional on the caller still holding a live
// lease, which prevents a stalled holder from clobbering a successor's
// fresher tokens. Returns nil when the conditional update matched no row.
func (s *Store) UpdateProviderAccountTokens(ctx context.Context, id string, update TokenUpdate, lockToken *string, nowMs int64) (*ProviderAccount, error) {
	cols := []string{"updated_at"}
	model := ProviderAccount{UpdatedAt: nowMs}
	if update.AccessToken != nil {
		model.AccessToken = *update.AccessToken
		cols = append(cols, "access_token")
	}
	if update.RefreshToken != nil {
		model.RefreshToken = *update.RefreshToken
		cols = append(cols, "refresh_token")
	}
	if update.ExpiresAt != nil {
		model.ExpiresAt = *update.ExpiresAt
		cols = append(cols, "expires_at")
	}
	if update.AccountID != nil {
		model.AccountID = update.AccountID
		cols = append(cols, "account_id")
	}
	if update.Metadata != nil {
		model.Metadata = update.Metadata
		cols = append(cols, "metadata")
	}
	if update.LastRefreshAt != nil {
		model.LastRefreshAt = update.LastRefreshAt
		cols = append(cols, "last_refresh_at")
	}
	if update.LastRefreshStatus != nil {
		model.LastRefreshStatus = update.LastRefreshStatus
		cols = append(cols, "last_refresh_status")
	}

	db := s.db.WithContext(ctx).Model(&ProviderAccount{})
	if lockToken != nil {
		db = db.Where("id = ? AND refresh_lock_token = ? AND refresh_lock_expires_at > ?", id, *lockToken, nowMs)
	} else {
		db = db.Where("id = ?", id)
	}
	res := db.Select(cols).Updates(model)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return s.GetProviderAccount(ctx, id)
}

// ReleaseProviderAccountRefreshLock clears the lease iff the caller still
// owns it.
func (s *Store) ReleaseProviderAccountRefreshLock(ctx context.Context, id, token string) error {
	return s.db.WithContext(ctx).Model(&ProviderAccount{}).
		Where("id = ? AND refresh_lock_token = ?", id, token).
		Updates(map[string]any{
			"refresh_lock_token":      nil,
			"refresh_lock_expires_at": nil,
		}).Error
}

// SetPrimaryProviderAccount promotes the account to primary within a single
// transaction that first clears the current primary of the same provider.
// Returns nil when the target row vanished mid-transaction.
func (s *Store) SetPrimaryProviderAccount(ctx context.Context, id string, nowMs int64) (*ProviderAccount, error) {
	var promoted *ProviderAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account ProviderAccount
		if err := tx.Where("id = ?", id).First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Model(&ProviderAccount{}).
			Where("provider = ? AND is_primary = ?", account.Provider, true).
			Updates(map[string]any{"is_primary": false, "updated_at": nowMs}).Error; err != nil {
			return err
		}
		res := tx.Model(&ProviderAccount{}).
			Where("id = ?", id).
			Updates(map[string]any{"is_primary": true, "updated_at": nowMs})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		account.IsPrimary = true
		account.UpdatedAt = nowMs
		promoted = &account
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// DeleteProviderAccount removes the account. When the deleted account was
// primary, the most recently created remaining account of the same provider
// is promoted. Reports whether a row was deleted.
func (s *Store) DeleteProviderAccount(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account ProviderAccount
		if err := tx.Where("id = ?", id).First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&ProviderAccount{}).Error; err != nil {
			return err
		}
		deleted = true
		if !account.IsPrimary {
			return nil
		}
		var successor ProviderAccount
		err := tx.Where("provider = ?", account.Provider).
			Order("created_at DESC, id DESC").
			First(&successor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.Model(&ProviderAccount{}).
			Where("id = ?", successor.ID).
			Update("is_primary", true).Error
	})
	return deleted, err
}
