package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var bucketKeyColumns = []clause.Column{
	{Name: "bucket_start"},
	{Name: "api_key_id"},
	{Name: "provider_account_id"},
	{Name: "provider"},
	{Name: "endpoint"},
	{Name: "model"},
}

// RequestUsageRow is one finished request applied to its minute bucket.
type RequestUsageRow struct {
	OccurredAt        int64
	APIKeyID          string
	ProviderAccountID string
	Provider          string
	Endpoint          string
	Model             string
	Status            int
	DurationMs        int64
	InputTokens       int64
	OutputTokens      int64
	CacheReadTokens   int64
	CacheWriteTokens  int64
}

// TokenUsageRow is a token-only delta applied to its minute bucket.
type TokenUsageRow struct {
	OccurredAt        int64
	APIKeyID          string
	ProviderAccountID string
	Provider          string
	Endpoint          string
	Model             string
	InputTokens       int64
	OutputTokens      int64
	CacheReadTokens   int64
	CacheWriteTokens  int64
}

// RecordRequestUsage upserts one request outcome into its bucket: counters
// add, latency and last-request take the max. Concurrent writers against
// the same key commute.
func (s *Store) RecordRequestUsage(ctx context.Context, row RequestUsageRow) error {
	success, clientErr, serverErr, authErr, rateLimit := classifyStatus(row.Status)

	bucket := UsageBucket{
		BucketStart:       BucketStartFor(row.OccurredAt),
		APIKeyID:          row.APIKeyID,
		ProviderAccountID: row.ProviderAccountID,
		Provider:          row.Provider,
		Endpoint:          row.Endpoint,
		Model:             row.Model,
		RequestCount:      1,
		SuccessCount:      success,
		ClientErrorCount:  clientErr,
		ServerErrorCount:  serverErr,
		AuthErrorCount:    authErr,
		RateLimitCount:    rateLimit,
		TotalLatencyMs:    row.DurationMs,
		MaxLatencyMs:      row.DurationMs,
		InputTokens:       row.InputTokens,
		OutputTokens:      row.OutputTokens,
		CacheReadTokens:   row.CacheReadTokens,
		CacheWriteTokens:  row.CacheWriteTokens,
		LastRequestAt:     row.OccurredAt,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: bucketKeyColumns,
		DoUpdates: clause.Assignments(map[string]any{
			"request_count":      gorm.Expr("request_count + ?", 1),
			"success_count":      gorm.Expr("success_count + ?", success),
			"client_error_count": gorm.Expr("client_error_count + ?", clientErr),
			"server_error_count": gorm.Expr("server_error_count + ?", serverErr),
			"auth_error_count":   gorm.Expr("auth_error_count + ?", authErr),
			"rate_limit_count":   gorm.Expr("rate_limit_count + ?", rateLimit),
			"total_latency_ms":   gorm.Expr("total_latency_ms + ?", row.DurationMs),
			"max_latency_ms":     gorm.Expr("MAX(max_latency_ms, ?)", row.DurationMs),
			"input_tokens":       gorm.Expr("input_tokens + ?", row.InputTokens),
			"output_tokens":      gorm.Expr("output_tokens + ?", row.OutputTokens),
			"cache_read_tokens":  gorm.Expr("cache_read_tokens + ?", row.CacheReadTokens),
			"cache_write_tokens": gorm.Expr("cache_write_tokens + ?", row.CacheWriteTokens),
			"last_request_at":    gorm.Expr("MAX(last_request_at, ?)", row.OccurredAt),
		}),
	}).Create(&bucket).Error
}

// RecordTokenUsage upserts a token-only delta: request counters stay
// untouched, tokens add, last-request takes the max.
func (s *Store) RecordTokenUsage(ctx context.Context, row TokenUsageRow) error {
	bucket := UsageBucket{
		BucketStart:       BucketStartFor(row.OccurredAt),
		APIKeyID:          row.APIKeyID,
		ProviderAccountID: row.ProviderAccountID,
		Provider:          row.Provider,
		Endpoint:          row.Endpoint,
		Model:             row.Model,
		InputTokens:       row.InputTokens,
		OutputTokens:      row.OutputTokens,
		CacheReadTokens:   row.CacheReadTokens,
		CacheWriteTokens:  row.CacheWriteTokens,
		LastRequestAt:     row.OccurredAt,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: bucketKeyColumns,
		DoUpdates: clause.Assignments(map[string]any{
			"input_tokens":       gorm.Expr("input_tokens + ?", row.InputTokens),
			"output_tokens":      gorm.Expr("output_tokens + ?", row.OutputTokens),
			"cache_read_tokens":  gorm.Expr("cache_read_tokens + ?", row.CacheReadTokens),
			"cache_write_tokens": gorm.Expr("cache_write_tokens + ?", row.CacheWriteTokens),
			"last_request_at":    gorm.Expr("MAX(last_request_at, ?)", row.OccurredAt),
		}),
	}).Create(&bucket).Error
}

func classifyStatus(status int) (success, clientErr, serverErr, authErr, rateLimit int64) {
	switch {
	case status >= 200 && status < 400:
		success = 1
	case status == 401 || status == 403:
		authErr = 1
	case status == 429:
		rateLimit = 1
	case status >= 400 && status < 500:
		clientErr = 1
	default:
		serverErr = 1
	}
	return
}

// GetUsageBucket reads one bucket row by its full key, or nil.
func (s *Store) GetUsageBucket(ctx context.Context, bucketStart int64, apiKeyID, accountID, provider, endpoint, model string) (*UsageBucket, error) {
	var bucket UsageBucket
	err := s.db.WithContext(ctx).
		Where("bucket_start = ? AND api_key_id = ? AND provider_account_id = ? AND provider = ? AND endpoint = ? AND model = ?",
			bucketStart, apiKeyID, accountID, provider, endpoint, model).
		First(&bucket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &bucket, nil
}

// UsageTotals is an aggregate across buckets.
type UsageTotals struct {
	RequestCount     int64 `json:"requestCount"`
	SuccessCount     int64 `json:"successCount"`
	ClientErrorCount int64 `json:"clientErrorCount"`
	ServerErrorCount int64 `json:"serverErrorCount"`
	AuthErrorCount   int64 `json:"authErrorCount"`
	RateLimitCount   int64 `json:"rateLimitCount"`
	TotalLatencyMs   int64 `json:"totalLatencyMs"`
	MaxLatencyMs     int64 `json:"maxLatencyMs"`
	InputTokens      int64 `json:"inputTokens"`
	OutputTokens     int64 `json:"outputTokens"`
	CacheReadTokens  int64 `json:"cacheReadTokens"`
	CacheWriteTokens int64 `json:"cacheWriteTokens"`
	LastRequestAt    int64 `json:"lastRequestAt"`
}

const usageTotalsSelect = `
COALESCE(SUM(request_count), 0)      AS request_count,
COALESCE(SUM(success_count), 0)      AS success_count,
COALESCE(SUM(client_error_count), 0) AS client_error_count,
COALESCE(SUM(server_error_count), 0) AS server_error_count,
COALESCE(SUM(auth_error_count), 0)   AS auth_error_count,
COALESCE(SUM(rate_limit_count), 0)   AS rate_limit_count,
COALESCE(SUM(total_latency_ms), 0)   AS total_latency_ms,
COALESCE(MAX(max_latency_ms), 0)     AS max_latency_ms,
COALESCE(SUM(input_tokens), 0)       AS input_tokens,
COALESCE(SUM(output_tokens), 0)      AS output_tokens,
COALESCE(SUM(cache_read_tokens), 0)  AS cache_read_tokens,
COALESCE(SUM(cache_write_tokens), 0) AS cache_write_tokens,
COALESCE(MAX(last_request_at), 0)    AS last_request_at`

// QueryUsageTotals aggregates every bucket in [sinceMs, untilMs).
func (s *Store) QueryUsageTotals(ctx context.Context, sinceMs, untilMs int64) (*UsageTotals, error) {
	var totals UsageTotals
	err := s.db.WithContext(ctx).Model(&UsageBucket{}).
		Select(usageTotalsSelect).
		Where("bucket_start >= ? AND bucket_start < ?", sinceMs, untilMs).
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return &totals, nil
}

// UsageBreakdownRow is an aggregate grouped by provider, endpoint and model.
type UsageBreakdownRow struct {
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
	UsageTotals
}

// QueryUsageBreakdown aggregates buckets in the window grouped by
// (provider, endpoint, model), busiest first.
func (s *Store) QueryUsageBreakdown(ctx context.Context, sinceMs, untilMs int64) ([]UsageBreakdownRow, error) {
	var rows []UsageBreakdownRow
	err := s.db.WithContext(ctx).Model(&UsageBucket{}).
		Select("provider, endpoint, model, "+usageTotalsSelect).
		Where("bucket_start >= ? AND bucket_start < ?", sinceMs, untilMs).
		Group("provider, endpoint, model").
		Order("request_count DESC").
		Scan(&rows).Error
	return rows, err
}

// KeyUsageRow is an aggregate grouped by api key.
type KeyUsageRow struct {
	APIKeyID string `gorm:"column:api_key_id" json:"apiKeyId"`
	UsageTotals
}

// QueryUsageByAPIKey aggregates buckets in the window grouped by api key.
func (s *Store) QueryUsageByAPIKey(ctx context.Context, sinceMs, untilMs int64) ([]KeyUsageRow, error) {
	var rows []KeyUsageRow
	err := s.db.WithContext(ctx).Model(&UsageBucket{}).
		Select("api_key_id, "+usageTotalsSelect).
		Where("bucket_start >= ? AND bucket_start < ?", sinceMs, untilMs).
		Group("api_key_id").
		Order("request_count DESC").
		Scan(&rows).Error
	return rows, err
}

// QueryUsageForAPIKey aggregates one key's buckets in the window grouped by
// (provider, endpoint, model).
func (s *Store) QueryUsageForAPIKey(ctx context.Context, apiKeyID string, sinceMs, untilMs int64) ([]UsageBreakdownRow, error) {
	var rows []UsageBreakdownRow
	err := s.db.WithContext(ctx).Model(&UsageBucket{}).
		Select("provider, endpoint, model, "+usageTotalsSelect).
		Where("api_key_id = ? AND bucket_start >= ? AND bucket_start < ?", apiKeyID, sinceMs, untilMs).
		Group("provider, endpoint, model").
		Order("request_count DESC").
		Scan(&rows).Error
	return rows, err
}
