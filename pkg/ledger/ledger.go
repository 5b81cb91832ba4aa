package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/models"
)

// QuotaChecker performs the authoritative remaining-quota check against the
// upstream for one account, routed through the current network identity.
type QuotaChecker interface {
	CheckQuota(ctx context.Context, account *models.Account) (int64, error)
}

// Ledger exposes the persisted account pool to the scheduler. Quota values
// are cached; a value younger than the freshness window is reused without a
// network call, an older one is refreshed on demand.
type Ledger struct {
	store   *Store
	checker QuotaChecker
	audit   *AuditLog // optional, diagnostics only
	cfg     config.PoolConfig
}

// New creates a ledger over the given store and quota checker. audit may be
// nil.
func New(store *Store, checker QuotaChecker, audit *AuditLog, cfg config.PoolConfig) *Ledger {
	return &Ledger{store: store, checker: checker, audit: audit, cfg: cfg}
}

// List returns every account in ledger order.
func (l *Ledger) List(ctx context.Context) ([]*models.Account, error) {
	return l.store.Load()
}

// ListEligible returns accounts that may serve requests, in ledger order:
// active, not flagged, and not known to be under the useful-quota floor.
func (l *Ledger) ListEligible(ctx context.Context) ([]*models.Account, error) {
	accounts, err := l.store.Load()
	if err != nil {
		return nil, err
	}
	var out []*models.Account
	for _, a := range accounts {
		if a.Eligible(l.cfg.MinUsefulQuota) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListEligibleRefreshed bypasses the freshness cache: every eligible
// account's quota is re-checked against the upstream before the list is
// returned. Used by the scheduler's forced-rescan fallback.
func (l *Ledger) ListEligibleRefreshed(ctx context.Context) ([]*models.Account, error) {
	accounts, err := l.ListEligible(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Account
	for _, a := range accounts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fresh, err := l.RefreshQuota(ctx, a)
		if err != nil {
			log.Printf("ledger: rescan refresh failed for %s: %v", a.Email, err)
			continue
		}
		if fresh.Eligible(l.cfg.MinUsefulQuota) {
			out = append(out, fresh)
		}
	}
	return out, nil
}

// UncheckedAccounts returns active accounts whose quota has never been
// verified, in ledger order.
func (l *Ledger) UncheckedAccounts(ctx context.Context) ([]*models.Account, error) {
	accounts, err := l.store.Load()
	if err != nil {
		return nil, err
	}
	var out []*models.Account
	for _, a := range accounts {
		if a.Status == models.StatusActive && !a.UnusualActivity && !a.QuotaChecked() {
			out = append(out, a)
		}
	}
	return out, nil
}

// RefreshQuota performs the authoritative upstream check and overwrites the
// cached value. Returns the updated account.
func (l *Ledger) RefreshQuota(ctx context.Context, account *models.Account) (*models.Account, error) {
	remaining, err := l.checker.CheckQuota(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("check quota for %s: %w", account.Email, err)
	}

	updated, err := l.store.Update(account.APIKey, func(a *models.Account) {
		a.QuotaRemaining = remaining
		a.LastChecked = time.Now()
	})
	if err != nil {
		return nil, err
	}

	l.logAudit(ctx, updated, "quota refreshed")
	return updated, nil
}

// FreshQuota returns the account's quota, re-checking upstream only when
// the cached value is older than the freshness window.
func (l *Ledger) FreshQuota(ctx context.Context, account *models.Account) (*models.Account, error) {
	if account.QuotaFresh(l.cfg.QuotaFreshness) {
		return account, nil
	}
	return l.RefreshQuota(ctx, account)
}

// CommitUsage decrements the account's cached quota and bumps its lifetime
// counters. Called exactly once per successful upstream attempt.
func (l *Ledger) CommitUsage(ctx context.Context, apiKey string, cost int64) error {
	_, err := l.store.Update(apiKey, func(a *models.Account) {
		a.QuotaRemaining -= cost
		a.UsageCount++
		a.TotalUsed += cost
	})
	return err
}

// MarkQuotaExhausted records a provider-reported exhaustion: the cached
// quota is overwritten with the provider's remaining value and the event is
// logged for diagnostics.
func (l *Ledger) MarkQuotaExhausted(ctx context.Context, apiKey string, remaining int64, message string) error {
	updated, err := l.store.Update(apiKey, func(a *models.Account) {
		a.QuotaRemaining = remaining
		a.LastChecked = time.Now()
		a.Notes = message
	})
	if err != nil {
		return err
	}
	log.Printf("ledger: account %s exhausted, %d units remaining", updated.Email, remaining)
	l.logAudit(ctx, updated, message)
	return nil
}

// MarkAbuseStrike adds one suspicious-activity strike. Reaching the ceiling
// disables the account until operator intervention; the returned bool
// reports whether this strike did so.
func (l *Ledger) MarkAbuseStrike(ctx context.Context, apiKey string) (bool, error) {
	updated, err := l.store.Update(apiKey, func(a *models.Account) {
		a.StrikeCount++
		a.UnusualActivity = true
		a.UnusualActivityAt = time.Now()
		if a.StrikeCount >= models.AbuseStrikeCeiling {
			a.Status = models.StatusDisabled
		}
	})
	if err != nil {
		return false, err
	}
	disabled := updated.Status == models.StatusDisabled
	if disabled {
		log.Printf("ledger: account %s disabled after %d abuse strikes", updated.Email, updated.StrikeCount)
	}
	return disabled, nil
}

// ClearAbuseFlag lifts the unusual-activity flag, keeping the strike count.
func (l *Ledger) ClearAbuseFlag(ctx context.Context, apiKey string) error {
	_, err := l.store.Update(apiKey, func(a *models.Account) {
		a.UnusualActivity = false
	})
	return err
}

// RefreshAll re-checks every active account's quota with bounded
// parallelism. Returns the number of accounts refreshed.
func (l *Ledger) RefreshAll(ctx context.Context, parallelism int) (int, error) {
	if parallelism < 1 {
		parallelism = 1
	}
	accounts, err := l.store.Load()
	if err != nil {
		return 0, err
	}

	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	refreshed := 0
	for _, a := range accounts {
		if a.Status != models.StatusActive {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(a *models.Account) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := l.RefreshQuota(ctx, a); err != nil {
				log.Printf("ledger: refresh failed for %s: %v", a.Email, err)
				return
			}
			mu.Lock()
			refreshed++
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return refreshed, ctx.Err()
}

func (l *Ledger) logAudit(ctx context.Context, a *models.Account, message string) {
	if l.audit == nil {
		return
	}
	entry := models.QuotaAuditEntry{
		Email:     a.Email,
		KeySuffix: a.MaskedKey(),
		Remaining: a.QuotaRemaining,
		CheckedAt: time.Now(),
		Message:   message,
	}
	if err := l.audit.Record(ctx, entry); err != nil {
		log.Printf("ledger: audit record failed for %s: %v", a.Email, err)
	}
}
