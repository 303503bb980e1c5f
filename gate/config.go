package gate

import "time"

// Config is a configuration for the payout gate application
type Config struct {
	HTTPAddr string
	// SessionTTL is how long an authorization session stays usable after
	// generation, for both verification and execution.
	SessionTTL time.Duration
	// MaxVerifyAttempts caps wrong responses per session; past it the
	// session is dead and a new challenge must be generated.
	MaxVerifyAttempts int
	// InlineBatchLimit is the largest batch submitted inside the request;
	// bigger batches run in the background job group.
	InlineBatchLimit int
	// MaxBatchSize rejects oversized bulk requests outright.
	MaxBatchSize int
	// CodeHashKey peppers the HMAC of delivered SMS/Email codes.
	CodeHashKey string
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:          "localhost:9090",
		SessionTTL:        10 * time.Minute,
		MaxVerifyAttempts: 5,
		InlineBatchLimit:  20,
		MaxBatchSize:      500,
		CodeHashKey:       "dev-secret-pepper",
	}
}
