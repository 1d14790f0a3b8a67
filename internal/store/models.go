package store

// ProviderAccount is one set of OAuth credentials bound to an upstream
// identity. All timestamps are unix milliseconds. The refresh lock columns
// form the advisory lease coordinating token refresh across processes.
type ProviderAccount struct {
	ID                   string         `gorm:"primaryKey" json:"id"`
	Provider             string         `gorm:"index;uniqueIndex:uniq_provider_account,priority:1" json:"provider"`
	AccountID            *string        `gorm:"column:account_id;uniqueIndex:uniq_provider_account,priority:2" json:"accountId"`
	Label                string         `json:"label"`
	IsPrimary            bool           `gorm:"column:is_primary" json:"isPrimary"`
	AccessToken          string         `json:"-"`
	RefreshToken         string         `json:"-"`
	ExpiresAt            int64          `json:"expiresAt"`
	RefreshLockToken     *string        `gorm:"column:refresh_lock_token" json:"-"`
	RefreshLockExpiresAt *int64         `gorm:"column:refresh_lock_expires_at" json:"-"`
	Metadata             map[string]any `gorm:"serializer:json" json:"metadata"`
	LastRefreshAt        *int64         `json:"lastRefreshAt"`
	LastRefreshStatus    *string        `json:"lastRefreshStatus"`
	CreatedAt            int64          `json:"createdAt"`
	UpdatedAt            int64          `json:"updatedAt"`
}

// TableName overrides the default pluralization.
func (ProviderAccount) TableName() string { return "provider_accounts" }

// APIKey is a Kleis-issued credential. Provider and model scopes are JSON
// arrays; a nil slice means unrestricted.
type APIKey struct {
	ID                   string   `gorm:"primaryKey" json:"id"`
	Key                  string   `gorm:"uniqueIndex" json:"-"`
	ModelsDiscoveryToken *string  `gorm:"column:models_discovery_token;uniqueIndex" json:"-"`
	Label                string   `json:"label"`
	ProviderScopes       []string `gorm:"serializer:json" json:"providerScopes"`
	ModelScopes          []string `gorm:"serializer:json" json:"modelScopes"`
	ExpiresAt            *int64   `json:"expiresAt"`
	RevokedAt            *int64   `json:"revokedAt"`
	CreatedAt            int64    `json:"createdAt"`
}

// TableName overrides the default pluralization.
func (APIKey) TableName() string { return "api_keys" }

// Active reports whether the key is usable at the given instant.
func (k *APIKey) Active(nowMs int64) bool {
	if k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || *k.ExpiresAt > nowMs
}

// OAuthState is a pending OAuth flow. Rows are single-use and expire.
type OAuthState struct {
	State        string         `gorm:"primaryKey" json:"state"`
	Provider     string         `gorm:"index" json:"provider"`
	PKCEVerifier *string        `gorm:"column:pkce_verifier" json:"-"`
	Metadata     map[string]any `gorm:"serializer:json" json:"-"`
	ExpiresAt    int64          `json:"expiresAt"`
	CreatedAt    int64          `json:"createdAt"`
}

// TableName overrides the default pluralization.
func (OAuthState) TableName() string { return "oauth_states" }

// UsageBucket aggregates requests over one minute for one
// (api key, account, provider, endpoint, model) combination.
type UsageBucket struct {
	BucketStart       int64  `gorm:"primaryKey;autoIncrement:false" json:"bucketStart"`
	APIKeyID          string `gorm:"column:api_key_id;primaryKey" json:"apiKeyId"`
	ProviderAccountID string `gorm:"column:provider_account_id;primaryKey" json:"providerAccountId"`
	Provider          string `gorm:"primaryKey" json:"provider"`
	Endpoint          string `gorm:"primaryKey" json:"endpoint"`
	Model             string `gorm:"primaryKey" json:"model"`
	RequestCount      int64  `json:"requestCount"`
	SuccessCount      int64  `json:"successCount"`
	ClientErrorCount  int64  `json:"clientErrorCount"`
	ServerErrorCount  int64  `json:"serverErrorCount"`
	AuthErrorCount    int64  `json:"authErrorCount"`
	RateLimitCount    int64  `json:"rateLimitCount"`
	TotalLatencyMs    int64  `gorm:"column:total_latency_ms" json:"totalLatencyMs"`
	MaxLatencyMs      int64  `gorm:"column:max_latency_ms" json:"maxLatencyMs"`
	InputTokens       int64  `json:"inputTokens"`
	OutputTokens      int64  `json:"outputTokens"`
	CacheReadTokens   int64  `json:"cacheReadTokens"`
	CacheWriteTokens  int64  `json:"cacheWriteTokens"`
	LastRequestAt     int64  `json:"lastRequestAt"`
}

// TableName overrides the default pluralization.
func (UsageBucket) TableName() string { return "usage_buckets" }

// BucketStartFor floors an event timestamp to its minute bucket.
func BucketStartFor(occurredAtMs int64) int64 {
	return occurredAtMs / 60_000 * 60_000
}
