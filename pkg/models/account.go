package models

import "time"

// AccountStatus is the operator-visible lifecycle state of an upstream account.
type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusDisabled AccountStatus = "disabled"
)

// AbuseStrikeCeiling is the consecutive-strike count at which an account is
// disabled automatically. Re-enabling requires operator intervention.
const AbuseStrikeCeiling = 4

// Account is one upstream credential with independent quota and status.
// The ledger file is the source of truth; quota values are cached and
// corrected by authoritative refresh.
type Account struct {
	APIKey            string
	Email             string
	Secret            string
	QuotaRemaining    int64
	LastChecked       time.Time // zero means never checked
	Status            AccountStatus
	UsageCount        int64
	TotalUsed         int64
	UnusualActivity   bool
	UnusualActivityAt time.Time
	Notes             string
	StrikeCount       int
}

// Eligible reports whether the account may serve requests: active, not
// flagged for unusual activity, and (if quota is known) above the floor.
func (a *Account) Eligible(minUsefulQuota int64) bool {
	if a.Status != StatusActive || a.UnusualActivity {
		return false
	}
	if a.QuotaChecked() && a.QuotaRemaining < minUsefulQuota {
		return false
	}
	return true
}

// QuotaChecked reports whether the account's quota has ever been verified
// against the upstream.
func (a *Account) QuotaChecked() bool {
	return !a.LastChecked.IsZero()
}

// QuotaFresh reports whether the cached quota is younger than the given
// freshness window.
func (a *Account) QuotaFresh(window time.Duration) bool {
	return a.QuotaChecked() && time.Since(a.LastChecked) < window
}

// MaskedKey returns the trailing characters of the API key for diagnostics.
func (a *Account) MaskedKey() string {
	return MaskKey(a.APIKey)
}

// MaskKey keeps only the last 8 characters of a credential.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return "..." + key[len(key)-8:]
}
