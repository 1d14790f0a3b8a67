package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// InsertOAuthState persists a pending OAuth flow.
func (s *Store) InsertOAuthState(ctx context.Context, state *OAuthState) error {
	return s.db.WithContext(ctx).Create(state).Error
}

// FindOAuthState returns the non-expired state row, or nil.
func (s *Store) FindOAuthState(ctx context.Context, state, provider string, nowMs int64) (*OAuthState, error) {
	var row OAuthState
	err := s.db.WithContext(ctx).
		Where("state = ? AND provider = ? AND expires_at > ?", state, provider, nowMs).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ConsumeOAuthState atomically returns and deletes the state row. A
// zero-row delete yields nil: another caller already consumed it, and the
// flow must fail rather than complete twice.
func (s *Store) ConsumeOAuthState(ctx context.Context, state, provider string, nowMs int64) (*OAuthState, error) {
	var consumed *OAuthState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row OAuthState
		if err := tx.Where("state = ? AND provider = ?", state, provider).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		res := tx.Where("state = ? AND provider = ?", state, provider).Delete(&OAuthState{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if row.ExpiresAt <= nowMs {
			return nil
		}
		consumed = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

// DeleteExpiredOAuthStates removes rows whose TTL has passed, returning how
// many were deleted.
func (s *Store) DeleteExpiredOAuthStates(ctx context.Context, nowMs int64) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", nowMs).Delete(&OAuthState{})
	return res.RowsAffected, res.Error
}
