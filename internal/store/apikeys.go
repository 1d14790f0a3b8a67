package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrAPIKeyNotRevoked is returned when deletion is attempted on a key that
// has not been revoked first.
var ErrAPIKeyNotRevoked = errors.New("api key is not revoked")

// CreateAPIKey persists a new key row.
func (s *Store) CreateAPIKey(ctx context.Context, key *APIKey) error {
	return s.db.WithContext(ctx).Create(key).Error
}

// GetAPIKey returns the key by id, or nil.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	var key APIKey
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListAPIKeys returns all keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	var keys []APIKey
	err := s.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&keys).Error
	return keys, err
}

// FindActiveAPIKeyByValue resolves a presented bearer value to an active
// key: not revoked and not expired.
func (s *Store) FindActiveAPIKeyByValue(ctx context.Context, value string, nowMs int64) (*APIKey, error) {
	var key APIKey
	err := s.db.WithContext(ctx).
		Where("key = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", value, nowMs).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// FindActiveAPIKeyByDiscoveryToken resolves a models-discovery token to its
// active key.
func (s *Store) FindActiveAPIKeyByDiscoveryToken(ctx context.Context, token string, nowMs int64) (*APIKey, error) {
	var key APIKey
	err := s.db.WithContext(ctx).
		Where("models_discovery_token = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", token, nowMs).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// APIKeyPatch carries updatable key fields. Nil leaves a field untouched;
// the scope pointers distinguish "unset scopes" (pointer to nil slice) from
// "leave alone" (nil pointer).
type APIKeyPatch struct {
	Label          *string
	ProviderScopes *[]string
	ModelScopes    *[]string
	ExpiresAt      **int64
}

// UpdateAPIKey applies the patch and returns the updated key, or nil when
// the key does not exist.
func (s *Store) UpdateAPIKey(ctx context.Context, id string, patch APIKeyPatch) (*APIKey, error) {
	cols := make([]string, 0, 4)
	model := APIKey{}
	if patch.Label != nil {
		model.Label = *patch.Label
		cols = append(cols, "label")
	}
	if patch.ProviderScopes != nil {
		model.ProviderScopes = *patch.ProviderScopes
		cols = append(cols, "provider_scopes")
	}
	if patch.ModelScopes != nil {
		model.ModelScopes = *patch.ModelScopes
		cols = append(cols, "model_scopes")
	}
	if patch.ExpiresAt != nil {
		model.ExpiresAt = *patch.ExpiresAt
		cols = append(cols, "expires_at")
	}
	if len(cols) > 0 {
		res := s.db.WithContext(ctx).Model(&APIKey{}).
			Where("id = ?", id).
			Select(cols).
			Updates(model)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
	}
	return s.GetAPIKey(ctx, id)
}

// RevokeAPIKey marks the key revoked at the given instant. Revoking an
// already-revoked key keeps the original revocation time.
func (s *Store) RevokeAPIKey(ctx context.Context, id string, nowMs int64) (*APIKey, error) {
	res := s.db.WithContext(ctx).Model(&APIKey{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", nowMs)
	if res.Error != nil {
		return nil, res.Error
	}
	return s.GetAPIKey(ctx, id)
}

// DeleteRevokedAPIKey hard-deletes a key and cascades its usage rows. The
// delete is refused with ErrAPIKeyNotRevoked unless the key was revoked
// first. Reports whether a row was deleted.
func (s *Store) DeleteRevokedAPIKey(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var key APIKey
		if err := tx.Where("id = ?", id).First(&key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if key.RevokedAt == nil {
			return ErrAPIKeyNotRevoked
		}
		if err := tx.Where("api_key_id = ?", id).Delete(&UsageBucket{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&APIKey{}).Error; err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}
