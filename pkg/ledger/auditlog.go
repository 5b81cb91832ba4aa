package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voxgate-ai/voxgate/pkg/models"
)

// AuditLog keeps one diagnostic row per account email recording the last
// observed quota. Purely for operators; never consulted for correctness.
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens the audit SQLite database and creates the schema.
func OpenAuditLog(dbPath string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS quota_audit (
		email      TEXT PRIMARY KEY,
		key_suffix TEXT NOT NULL,
		remaining  INTEGER NOT NULL,
		checked_at DATETIME NOT NULL,
		message    TEXT
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Record upserts the latest observation for an account.
func (a *AuditLog) Record(ctx context.Context, entry models.QuotaAuditEntry) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO quota_audit (email, key_suffix, remaining, checked_at, message)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Email, entry.KeySuffix, entry.Remaining, entry.CheckedAt, entry.Message,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// List returns all observations, most recently checked first.
func (a *AuditLog) List(ctx context.Context) ([]models.QuotaAuditEntry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT email, key_suffix, remaining, checked_at, message
		 FROM quota_audit ORDER BY checked_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.QuotaAuditEntry
	for rows.Next() {
		var e models.QuotaAuditEntry
		var msg sql.NullString
		if err := rows.Scan(&e.Email, &e.KeySuffix, &e.Remaining, &e.CheckedAt, &msg); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Message = msg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Cleanup deletes observations older than the retention period.
func (a *AuditLog) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM quota_audit WHERE checked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (a *AuditLog) Close() error {
	return a.db.Close()
}
