package models

import "time"

// QuotaAuditEntry is one diagnostic record of an observed account quota.
// Keyed by email; later observations for the same account overwrite.
type QuotaAuditEntry struct {
	Email     string
	KeySuffix string
	Remaining int64
	CheckedAt time.Time
	Message   string
}
