package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/models"
)

type fakeChecker struct {
	remaining int64
	calls     int32
}

func (f *fakeChecker) CheckQuota(ctx context.Context, account *models.Account) (int64, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.remaining, nil
}

func poolConfig() config.PoolConfig {
	return config.PoolConfig{
		MinUsefulQuota: 100,
		QuotaFreshness: 5 * time.Minute,
	}
}

func newTestLedger(t *testing.T, checker QuotaChecker, accounts []*models.Account) *Ledger {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "accounts.csv"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if accounts != nil {
		if err := store.Save(accounts); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return New(store, checker, nil, poolConfig())
}

func account(key, email string, quota int64) *models.Account {
	return &models.Account{
		APIKey:         key,
		Email:          email,
		QuotaRemaining: quota,
		LastChecked:    time.Now(),
		Status:         models.StatusActive,
	}
}

func TestMissingFileInitialized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.csv")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	accounts, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("got %d accounts from fresh file, want 0", len(accounts))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("fresh file missing header row")
	}
}

func TestCorruptFileReinitialized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.csv")
	if err := os.WriteFile(path, []byte("api_key,email\n\"unterminated\n"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	accounts, err := store.Load()
	if err != nil {
		t.Fatalf("load corrupt file: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("got %d accounts from corrupt file, want 0", len(accounts))
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "accounts.csv"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	in := account("sk-abcdef1234567890", "a@example.com", 5000)
	in.Notes = "seeded, second batch"
	in.StrikeCount = 2
	in.UnusualActivity = true
	if err := store.Save([]*models.Account{in}); err != nil {
		t.Fatalf("save: %v", err)
	}

	accounts, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("got %d accounts, want 1", len(accounts))
	}
	got := accounts[0]
	if got.APIKey != in.APIKey || got.Email != in.Email || got.QuotaRemaining != 5000 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Notes != in.Notes || got.StrikeCount != 2 || !got.UnusualActivity {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if got.LastChecked.IsZero() {
		t.Fatal("last_checked lost")
	}
}

func TestListEligibleExcludes(t *testing.T) {
	disabled := account("k1", "disabled@example.com", 9999)
	disabled.Status = models.StatusDisabled
	flagged := account("k2", "flagged@example.com", 9999)
	flagged.UnusualActivity = true
	tiny := account("k3", "tiny@example.com", 50)
	good := account("k4", "good@example.com", 5000)
	unchecked := account("k5", "unchecked@example.com", 0)
	unchecked.LastChecked = time.Time{}

	l := newTestLedger(t, &fakeChecker{}, []*models.Account{disabled, flagged, tiny, good, unchecked})

	eligible, err := l.ListEligible(context.Background())
	if err != nil {
		t.Fatalf("list eligible: %v", err)
	}
	if len(eligible) != 2 {
		t.Fatalf("got %d eligible, want 2 (good + unchecked)", len(eligible))
	}
	if eligible[0].Email != "good@example.com" || eligible[1].Email != "unchecked@example.com" {
		t.Fatalf("wrong eligible set: %s, %s", eligible[0].Email, eligible[1].Email)
	}
}

func TestAbuseStrikesDisableAtCeiling(t *testing.T) {
	l := newTestLedger(t, &fakeChecker{}, []*models.Account{account("k1", "a@example.com", 5000)})
	ctx := context.Background()

	for i := 1; i < models.AbuseStrikeCeiling; i++ {
		disabled, err := l.MarkAbuseStrike(ctx, "k1")
		if err != nil {
			t.Fatalf("strike %d: %v", i, err)
		}
		if disabled {
			t.Fatalf("disabled at strike %d, want at %d", i, models.AbuseStrikeCeiling)
		}
	}
	disabled, err := l.MarkAbuseStrike(ctx, "k1")
	if err != nil {
		t.Fatalf("final strike: %v", err)
	}
	if !disabled {
		t.Fatal("not disabled at strike ceiling")
	}

	eligible, err := l.ListEligible(ctx)
	if err != nil {
		t.Fatalf("list eligible: %v", err)
	}
	if len(eligible) != 0 {
		t.Fatal("disabled account still eligible")
	}
}

func TestClearAbuseFlagKeepsStrikes(t *testing.T) {
	l := newTestLedger(t, &fakeChecker{}, []*models.Account{account("k1", "a@example.com", 5000)})
	ctx := context.Background()

	if _, err := l.MarkAbuseStrike(ctx, "k1"); err != nil {
		t.Fatalf("strike: %v", err)
	}
	if err := l.ClearAbuseFlag(ctx, "k1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	accounts, err := l.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	a := accounts[0]
	if a.UnusualActivity {
		t.Fatal("flag not cleared")
	}
	if a.StrikeCount != 1 {
		t.Fatalf("strike count = %d, want 1", a.StrikeCount)
	}
}

func TestCommitUsageFloorsAtZero(t *testing.T) {
	l := newTestLedger(t, &fakeChecker{}, []*models.Account{account("k1", "a@example.com", 100)})
	ctx := context.Background()

	if err := l.CommitUsage(ctx, "k1", 150); err != nil {
		t.Fatalf("commit: %v", err)
	}
	accounts, _ := l.List(ctx)
	a := accounts[0]
	if a.QuotaRemaining != 0 {
		t.Fatalf("quota = %d, want floored at 0", a.QuotaRemaining)
	}
	if a.UsageCount != 1 || a.TotalUsed != 150 {
		t.Fatalf("counters = %d/%d, want 1/150", a.UsageCount, a.TotalUsed)
	}
}

func TestFreshQuotaUsesCache(t *testing.T) {
	checker := &fakeChecker{remaining: 4200}
	l := newTestLedger(t, checker, []*models.Account{account("k1", "a@example.com", 5000)})
	ctx := context.Background()

	accounts, _ := l.List(ctx)
	got, err := l.FreshQuota(ctx, accounts[0])
	if err != nil {
		t.Fatalf("fresh quota: %v", err)
	}
	if got.QuotaRemaining != 5000 {
		t.Fatalf("quota = %d, want cached 5000", got.QuotaRemaining)
	}
	if atomic.LoadInt32(&checker.calls) != 0 {
		t.Fatal("checker called despite fresh cache")
	}

	// A stale cache forces the authoritative check.
	stale := account("k2", "b@example.com", 5000)
	stale.LastChecked = time.Now().Add(-time.Hour)
	if err := l.store.Save(append(accounts, stale)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = l.FreshQuota(ctx, stale)
	if err != nil {
		t.Fatalf("fresh quota: %v", err)
	}
	if got.QuotaRemaining != 4200 {
		t.Fatalf("quota = %d, want refreshed 4200", got.QuotaRemaining)
	}
	if atomic.LoadInt32(&checker.calls) != 1 {
		t.Fatal("checker not called for stale cache")
	}
}

func TestCommitThenRefreshReconciles(t *testing.T) {
	checker := &fakeChecker{remaining: 4800}
	l := newTestLedger(t, checker, []*models.Account{account("k1", "a@example.com", 5000)})
	ctx := context.Background()

	if err := l.CommitUsage(ctx, "k1", 300); err != nil {
		t.Fatalf("commit: %v", err)
	}
	accounts, _ := l.List(ctx)
	if accounts[0].QuotaRemaining != 4700 {
		t.Fatalf("cached quota = %d, want 4700", accounts[0].QuotaRemaining)
	}

	got, err := l.RefreshQuota(ctx, accounts[0])
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.QuotaRemaining != 4800 {
		t.Fatalf("quota = %d, want provider value 4800", got.QuotaRemaining)
	}
}

func TestUpdateUnknownKey(t *testing.T) {
	l := newTestLedger(t, &fakeChecker{}, nil)
	err := l.CommitUsage(context.Background(), "missing", 10)
	if err == nil {
		t.Fatal("expected error for unknown account")
	}
}
