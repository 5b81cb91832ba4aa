package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxgate-ai/voxgate/pkg/models"
)

func TestAuditLogUpsertByEmail(t *testing.T) {
	log, err := OpenAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer log.Close()
	ctx := context.Background()

	first := models.QuotaAuditEntry{
		Email:     "a@example.com",
		KeySuffix: "...34567890",
		Remaining: 5000,
		CheckedAt: time.Now().Add(-time.Hour),
		Message:   "quota refreshed",
	}
	if err := log.Record(ctx, first); err != nil {
		t.Fatalf("record: %v", err)
	}

	second := first
	second.Remaining = 1200
	second.CheckedAt = time.Now()
	second.Message = "quota exhausted"
	if err := log.Record(ctx, second); err != nil {
		t.Fatalf("record overwrite: %v", err)
	}

	entries, err := log.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (keyed by email)", len(entries))
	}
	e := entries[0]
	if e.Remaining != 1200 || e.Message != "quota exhausted" {
		t.Fatalf("overwrite lost: %+v", e)
	}
}

func TestAuditLogCleanup(t *testing.T) {
	log, err := OpenAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer log.Close()
	ctx := context.Background()

	old := models.QuotaAuditEntry{Email: "old@example.com", KeySuffix: "...1", CheckedAt: time.Now().AddDate(0, 0, -60)}
	recent := models.QuotaAuditEntry{Email: "new@example.com", KeySuffix: "...2", CheckedAt: time.Now()}
	if err := log.Record(ctx, old); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := log.Record(ctx, recent); err != nil {
		t.Fatalf("record: %v", err)
	}

	deleted, err := log.Cleanup(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted %d, want 1", deleted)
	}
	entries, _ := log.List(ctx)
	if len(entries) != 1 || entries[0].Email != "new@example.com" {
		t.Fatalf("wrong survivor set: %+v", entries)
	}
}
