// Package constant defines service-wide identity constants used throughout
// Kleis, ensuring consistent naming across the application.
package constant

const (
	// ServiceName is the short service identifier reported by healthz and
	// used as the synthetic provider key in the model registry.
	ServiceName = "kleis"

	// Version is the semantic version of this build.
	Version = "1.4.0"

	// APIKeyPrefix is the prefix of every issued proxy API key.
	APIKeyPrefix = "kleis_"

	// DiscoveryTokenPrefix is the prefix of models-discovery tokens.
	DiscoveryTokenPrefix = "kmd_"

	// MissingAccountID is the sentinel recorded in usage buckets when a
	// request never resolved an upstream provider account.
	MissingAccountID = "__missing__"
)
