package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedKey(t *testing.T, s *Store, key APIKey) *APIKey {
	t.Helper()
	if key.CreatedAt == 0 {
		key.CreatedAt = baseMs
	}
	require.NoError(t, s.CreateAPIKey(context.Background(), &key))
	return &key
}

func TestFindActiveAPIKeyByValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedKey(t, s, APIKey{ID: "k1", Key: "kleis_live"})
	seedKey(t, s, APIKey{ID: "k2", Key: "kleis_revoked", RevokedAt: i64Ptr(baseMs - 1)})
	seedKey(t, s, APIKey{ID: "k3", Key: "kleis_expired", ExpiresAt: i64Ptr(baseMs - 1)})
	seedKey(t, s, APIKey{ID: "k4", Key: "kleis_future", ExpiresAt: i64Ptr(baseMs + 1000)})

	key, err := s.FindActiveAPIKeyByValue(ctx, "kleis_live", baseMs)
	require.NoError(t, err)
	require.NotNil(t, key)
	require.Equal(t, "k1", key.ID)

	key, err = s.FindActiveAPIKeyByValue(ctx, "kleis_revoked", baseMs)
	require.NoError(t, err)
	require.Nil(t, key)

	key, err = s.FindActiveAPIKeyByValue(ctx, "kleis_expired", baseMs)
	require.NoError(t, err)
	require.Nil(t, key)

	key, err = s.FindActiveAPIKeyByValue(ctx, "kleis_future", baseMs)
	require.NoError(t, err)
	require.NotNil(t, key)

	key, err = s.FindActiveAPIKeyByValue(ctx, "kleis_missing", baseMs)
	require.NoError(t, err)
	require.Nil(t, key)
}

func TestFindActiveAPIKeyByDiscoveryToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedKey(t, s, APIKey{ID: "k1", Key: "kleis_a", ModelsDiscoveryToken: strPtr("kmd_a")})
	seedKey(t, s, APIKey{ID: "k2", Key: "kleis_b"})

	key, err := s.FindActiveAPIKeyByDiscoveryToken(ctx, "kmd_a", baseMs)
	require.NoError(t, err)
	require.NotNil(t, key)
	require.Equal(t, "k1", key.ID)

	key, err = s.FindActiveAPIKeyByDiscoveryToken(ctx, "kmd_missing", baseMs)
	require.NoError(t, err)
	require.Nil(t, key)
}

func TestUpdateAPIKeyPatchesScopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedKey(t, s, APIKey{
		ID: "k1", Key: "kleis_a", Label: "old",
		ProviderScopes: []string{"codex"},
		ModelScopes:    []string{"openai/gpt-5.2"},
	})

	scopes := []string{"codex", "claude"}
	updated, err := s.UpdateAPIKey(ctx, "k1", APIKeyPatch{
		Label:          strPtr("new"),
		ProviderScopes: &scopes,
	})
	require.NoError(t, err)
	require.Equal(t, "new", updated.Label)
	require.Equal(t, []string{"codex", "claude"}, updated.ProviderScopes)
	require.Equal(t, []string{"openai/gpt-5.2"}, updated.ModelScopes, "untouched field survives")

	// Clearing scopes back to unrestricted.
	var none []string
	updated, err = s.UpdateAPIKey(ctx, "k1", APIKeyPatch{ModelScopes: &none})
	require.NoError(t, err)
	require.Nil(t, updated.ModelScopes)

	// Expiry can be set and cleared through the double pointer.
	exp := i64Ptr(baseMs + 5000)
	updated, err = s.UpdateAPIKey(ctx, "k1", APIKeyPatch{ExpiresAt: &exp})
	require.NoError(t, err)
	require.Equal(t, baseMs+5000, *updated.ExpiresAt)

	var noExp *int64
	updated, err = s.UpdateAPIKey(ctx, "k1", APIKeyPatch{ExpiresAt: &noExp})
	require.NoError(t, err)
	require.Nil(t, updated.ExpiresAt)

	missing, err := s.UpdateAPIKey(ctx, "missing", APIKeyPatch{Label: strPtr("x")})
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestRevokeAPIKeyKeepsFirstRevocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedKey(t, s, APIKey{ID: "k1", Key: "kleis_a"})

	revoked, err := s.RevokeAPIKey(ctx, "k1", baseMs+100)
	require.NoError(t, err)
	require.Equal(t, baseMs+100, *revoked.RevokedAt)

	again, err := s.RevokeAPIKey(ctx, "k1", baseMs+999)
	require.NoError(t, err)
	require.Equal(t, baseMs+100, *again.RevokedAt)
}

func TestDeleteRevokedAPIKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedKey(t, s, APIKey{ID: "k1", Key: "kleis_a"})
	require.NoError(t, s.RecordRequestUsage(ctx, RequestUsageRow{
		OccurredAt: baseMs, APIKeyID: "k1", ProviderAccountID: "acct",
		Provider: "codex", Endpoint: "responses", Model: "gpt-5.2",
		Status: 200, DurationMs: 10,
	}))

	// Active keys cannot be deleted.
	_, err := s.DeleteRevokedAPIKey(ctx, "k1")
	require.ErrorIs(t, err, ErrAPIKeyNotRevoked)

	_, err = s.RevokeAPIKey(ctx, "k1", baseMs+1)
	require.NoError(t, err)

	deleted, err := s.DeleteRevokedAPIKey(ctx, "k1")
	require.NoError(t, err)
	require.True(t, deleted)

	// Usage rows cascaded.
	var count int64
	require.NoError(t, s.db.Model(&UsageBucket{}).Where("api_key_id = ?", "k1").Count(&count).Error)
	require.Zero(t, count)

	deleted, err = s.DeleteRevokedAPIKey(ctx, "missing")
	require.NoError(t, err)
	require.False(t, deleted)
}
