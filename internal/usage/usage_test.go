package usage

import (
	"context"
	"testing"
	"time"

	"github.com/kleisproxy/kleis/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m := NewManager(st, 64)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m, st
}

func bucketFor(st *store.Store, info RequestInfo, atMs int64) *store.UsageBucket {
	bucket, _ := st.GetUsageBucket(context.Background(), store.BucketStartFor(atMs),
		info.APIKeyID, info.ProviderAccountID, info.Provider, info.Endpoint, info.Model)
	return bucket
}

func TestTokensBeforeOutcomeRideAlong(t *testing.T) {
	m, st := newTestManager(t)
	info := RequestInfo{APIKeyID: "key-1", ProviderAccountID: "acc-1", Provider: "claude", Endpoint: "messages", Model: "claude-sonnet-4"}
	r := m.NewRecorder(info)

	r.OnTokenUsage(TokenUsage{InputTokens: 10, OutputTokens: 4, CacheReadTokens: 2})
	r.OnTokenUsage(TokenUsage{InputTokens: 12, OutputTokens: 7, CacheReadTokens: 3})
	started := time.Now().Add(-250 * time.Millisecond)
	r.RecordOutcome(200, started)
	atMs := time.Now().UnixMilli()

	require.Eventually(t, func() bool {
		return bucketFor(st, info, atMs) != nil
	}, 2*time.Second, 10*time.Millisecond)

	bucket := bucketFor(st, info, atMs)
	require.Equal(t, int64(1), bucket.RequestCount)
	require.Equal(t, int64(1), bucket.SuccessCount)
	// Only the latest token notification counts.
	require.Equal(t, int64(12), bucket.InputTokens)
	require.Equal(t, int64(7), bucket.OutputTokens)
	require.Equal(t, int64(3), bucket.CacheReadTokens)
	require.GreaterOrEqual(t, bucket.MaxLatencyMs, int64(250))
}

func TestTokensAfterOutcomeUpsertSeparately(t *testing.T) {
	m, st := newTestManager(t)
	info := RequestInfo{APIKeyID: "key-2", ProviderAccountID: "acc-2", Provider: "codex", Endpoint: "responses", Model: "gpt-5.2"}
	r := m.NewRecorder(info)

	r.RecordOutcome(502, time.Now())
	r.OnTokenUsage(TokenUsage{InputTokens: 5, OutputTokens: 1})
	atMs := time.Now().UnixMilli()

	require.Eventually(t, func() bool {
		bucket := bucketFor(st, info, atMs)
		return bucket != nil && bucket.InputTokens == 5
	}, 2*time.Second, 10*time.Millisecond)

	bucket := bucketFor(st, info, atMs)
	require.Equal(t, int64(1), bucket.RequestCount)
	require.Equal(t, int64(1), bucket.ServerErrorCount)
	require.Equal(t, int64(0), bucket.SuccessCount)
	require.Equal(t, int64(5), bucket.InputTokens)
	require.Equal(t, int64(1), bucket.OutputTokens)
}

func TestOutcomeRecordsOnlyOnce(t *testing.T) {
	m, st := newTestManager(t)
	info := RequestInfo{APIKeyID: "key-3", ProviderAccountID: "acc-3", Provider: "copilot", Endpoint: "chat_completions", Model: "gpt-4o"}
	r := m.NewRecorder(info)

	r.RecordOutcome(429, time.Now())
	r.RecordOutcome(200, time.Now())
	atMs := time.Now().UnixMilli()

	require.Eventually(t, func() bool {
		return bucketFor(st, info, atMs) != nil
	}, 2*time.Second, 10*time.Millisecond)

	bucket := bucketFor(st, info, atMs)
	require.Equal(t, int64(1), bucket.RequestCount)
	require.Equal(t, int64(1), bucket.RateLimitCount)
}

func TestAccountAndModelResolveLate(t *testing.T) {
	m, st := newTestManager(t)
	r := m.NewRecorder(RequestInfo{APIKeyID: "key-4", ProviderAccountID: "__missing__", Provider: "claude", Endpoint: "messages"})
	r.SetAccountID("acc-4")
	r.SetModel("claude-opus-4")
	r.RecordOutcome(200, time.Now())
	atMs := time.Now().UnixMilli()

	resolved := RequestInfo{APIKeyID: "key-4", ProviderAccountID: "acc-4", Provider: "claude", Endpoint: "messages", Model: "claude-opus-4"}
	require.Eventually(t, func() bool {
		return bucketFor(st, resolved, atMs) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestZeroTokenNotificationsAreIgnored(t *testing.T) {
	m, st := newTestManager(t)
	info := RequestInfo{APIKeyID: "key-5", ProviderAccountID: "acc-5", Provider: "claude", Endpoint: "messages", Model: "m"}
	r := m.NewRecorder(info)

	r.RecordOutcome(200, time.Now())
	r.OnTokenUsage(TokenUsage{})
	atMs := time.Now().UnixMilli()

	require.Eventually(t, func() bool {
		return bucketFor(st, info, atMs) != nil
	}, 2*time.Second, 10*time.Millisecond)
	bucket := bucketFor(st, info, atMs)
	require.Equal(t, int64(0), bucket.InputTokens)
}
