package store

import "time"

// Config holds table names and defaults shared by the tally components.
type Config struct {
	// AccountsTable holds Account items keyed by (account_id, account_type).
	// Default: "accounts"
	AccountsTable string

	// LocksTable is the dedicated lock table, keyed by "pk".
	// Locks may also live on the guarded item itself; see lock.Manager.
	// Default: "tally_locks"
	LocksTable string

	// RateLimitTable holds token-bucket state keyed by "pk".
	// Default: "tally_rate_limits"
	RateLimitTable string

	// DefaultLease is the lease used when a caller passes zero.
	// It must be well above expected clock drift between processes and
	// the longest critical section.
	// Default: 30s
	DefaultLease time.Duration
}

// DefaultConfig returns the default table layout.
func DefaultConfig() Config {
	return Config{
		AccountsTable:  "accounts",
		LocksTable:     "tally_locks",
		RateLimitTable: "tally_rate_limits",
		DefaultLease:   30 * time.Second,
	}
}

// validate fills in defaults for empty values.
func (c *Config) validate() {
	if c.AccountsTable == "" {
		c.AccountsTable = "accounts"
	}
	if c.LocksTable == "" {
		c.LocksTable = "tally_locks"
	}
	if c.RateLimitTable == "" {
		c.RateLimitTable = "tally_rate_limits"
	}
	if c.DefaultLease <= 0 {
		c.DefaultLease = 30 * time.Second
	}
}
