// Package auth resolves inbound credentials into the user and key a request acts as.
// User and key management lives elsewhere; this package only reads them.
package auth

import "time"

// User owns one or more keys.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	// ProviderGroup narrows provider selection to providers with a matching group tag.
	ProviderGroup string `json:"provider_group,omitempty"`
	// RPM is the per-user request rate; 0 means unlimited.
	RPM     int  `json:"rpm,omitempty"`
	Enabled bool `json:"enabled"`
}

// Key is an API key with its own spend and concurrency ceilings.
type Key struct {
	ID      int64  `json:"id"`
	UserID  int64  `json:"user_id"`
	Name    string `json:"name"`
	KeyHash string `json:"-"`
	Enabled bool   `json:"enabled"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	Limit5hUSD              *float64 `json:"limit_5h_usd,omitempty"`
	LimitWeeklyUSD          *float64 `json:"limit_weekly_usd,omitempty"`
	LimitMonthlyUSD         *float64 `json:"limit_monthly_usd,omitempty"`
	LimitConcurrentSessions int      `json:"limit_concurrent_sessions,omitempty"`
}

// IsExpired reports whether the key has passed its expiry.
func (k *Key) IsExpired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// Result is what a request authenticates as.
type Result struct {
	User      *User
	Key       *Key
	RawAPIKey string
}
