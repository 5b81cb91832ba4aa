package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/models"
)

// Client is the upstream surface the invoker drives.
type Client interface {
	Synthesize(ctx context.Context, account *models.Account, req *models.PendingRequest) ([]byte, string, error)
	CheckQuota(ctx context.Context, account *models.Account) (int64, error)
	CleanupArtifacts(ctx context.Context, account *models.Account) error
}

// Accounts is the ledger surface the invoker mutates.
type Accounts interface {
	CommitUsage(ctx context.Context, apiKey string, cost int64) error
	MarkQuotaExhausted(ctx context.Context, apiKey string, remaining int64, message string) error
}

// Rotator changes the shared outbound identity between retries.
type Rotator interface {
	Rotate(ctx context.Context) (string, error)
}

const (
	backoffBase    = 5 * time.Second
	backoffCap     = 20 * time.Second
	defaultRetryIn = 5 * time.Second
	maxRetryAfter  = time.Minute
)

// Invoker performs one upstream call per request with the retry and
// classification policy applied uniformly across call sites. A per-account
// semaphore bounds concurrent calls to the same credential; it wraps only
// the network call, never classification or bookkeeping.
type Invoker struct {
	client   Client
	accounts Accounts
	rotator  Rotator
	cfg      config.UpstreamConfig
	slotCap  int

	mu          sync.Mutex
	slots       map[string]chan struct{}
	lastCleanup map[string]time.Time
}

// NewInvoker creates an invoker. slotCap bounds concurrent in-flight calls
// per account (default 2).
func NewInvoker(client Client, accounts Accounts, rotator Rotator, cfg config.UpstreamConfig, slotCap int) *Invoker {
	if slotCap < 1 {
		slotCap = 2
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	return &Invoker{
		client:      client,
		accounts:    accounts,
		rotator:     rotator,
		cfg:         cfg,
		slotCap:     slotCap,
		slots:       make(map[string]chan struct{}),
		lastCleanup: make(map[string]time.Time),
	}
}

// slot returns the account's semaphore, created lazily and kept for the
// process lifetime.
func (inv *Invoker) slot(apiKey string) chan struct{} {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	s, ok := inv.slots[apiKey]
	if !ok {
		s = make(chan struct{}, inv.slotCap)
		inv.slots[apiKey] = s
	}
	return s
}

// Invoke runs the request on the account, classifying failures and
// retrying within a bounded attempt budget. The returned result is
// terminal for this (account, request) pair; quota_exceeded and
// suspicious_activity hand the request back to the scheduler.
func (inv *Invoker) Invoke(ctx context.Context, account *models.Account, req *models.PendingRequest) *models.Result {
	var lastErr *APIError
	for attempt := 1; attempt <= inv.cfg.MaxAttempts; attempt++ {
		audio, contentType, err := inv.call(ctx, account, req)
		if err == nil {
			cost := QuotaCost(req.Cost, req.Params.ModelID)
			if cerr := inv.accounts.CommitUsage(ctx, account.APIKey, cost); cerr != nil {
				log.Printf("invoker: usage commit failed for %s: %v", account.Email, cerr)
			}
			return &models.Result{Success: true, Content: audio, ContentType: contentType}
		}

		if ctx.Err() != nil {
			return failure(models.FailureOther, ctx.Err())
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return failure(models.FailureOther, err)
		}
		lastErr = apiErr

		switch apiErr.Kind {
		case models.FailureQuotaExceeded:
			remaining := apiErr.Remaining
			if remaining < 0 {
				remaining = 0
			}
			if merr := inv.accounts.MarkQuotaExhausted(ctx, account.APIKey, remaining, apiErr.Message); merr != nil {
				log.Printf("invoker: exhaustion mark failed for %s: %v", account.Email, merr)
			}
			return failure(models.FailureQuotaExceeded, apiErr)

		case models.FailureSuspicious:
			log.Printf("invoker: unusual activity reported on %s", account.Email)
			return failure(models.FailureSuspicious, apiErr)

		case models.FailureResourceLimit:
			log.Printf("invoker: resource limit on %s, cleaning up (attempt %d/%d)", account.Email, attempt, inv.cfg.MaxAttempts)
			inv.cleanup(ctx, account)

		case models.FailureTransient:
			wait := jitteredBackoff(attempt)
			log.Printf("invoker: transient failure on %s (attempt %d/%d), backing off %s then rotating: %v",
				account.Email, attempt, inv.cfg.MaxAttempts, wait.Round(time.Millisecond), apiErr)
			if serr := sleepCtx(ctx, wait); serr != nil {
				return failure(models.FailureOther, serr)
			}
			if _, rerr := inv.rotator.Rotate(ctx); rerr != nil {
				log.Printf("invoker: rotation failed, retrying with current identity: %v", rerr)
			}

		case models.FailureRateLimited:
			// call already spent the attempt budget waiting out the
			// throttle while holding the slot.
			return failure(models.FailureRateLimited, apiErr)

		default:
			return failure(models.FailureOther, apiErr)
		}
	}
	return failure(lastErr.Kind, fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, inv.cfg.MaxAttempts, lastErr))
}

// call holds the account slot around the network call. Upstream 429s are
// waited out and retried here, still holding the slot, so the account's
// concurrency budget is not overcommitted while the upstream is throttling.
func (inv *Invoker) call(ctx context.Context, account *models.Account, req *models.PendingRequest) ([]byte, string, error) {
	s := inv.slot(account.APIKey)
	select {
	case s <- struct{}{}:
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
	defer func() { <-s }()

	for attempt := 1; ; attempt++ {
		audio, contentType, err := inv.client.Synthesize(ctx, account, req)
		var apiErr *APIError
		if err == nil || !errors.As(err, &apiErr) || apiErr.Kind != models.FailureRateLimited || attempt >= inv.cfg.MaxAttempts {
			return audio, contentType, err
		}
		wait := apiErr.RetryAfter
		if wait <= 0 {
			wait = defaultRetryIn
		}
		if wait > maxRetryAfter {
			wait = maxRetryAfter
		}
		log.Printf("invoker: upstream throttling %s, waiting %s (attempt %d/%d)",
			account.Email, wait.Round(time.Millisecond), attempt, inv.cfg.MaxAttempts)
		if serr := sleepCtx(ctx, wait); serr != nil {
			return nil, "", serr
		}
	}
}

// cleanup triggers the artifact cleanup side effect, spaced per account so
// repeated resource-limit errors do not hammer the voices endpoint.
func (inv *Invoker) cleanup(ctx context.Context, account *models.Account) {
	inv.mu.Lock()
	last := inv.lastCleanup[account.APIKey]
	if time.Since(last) < inv.cfg.CleanupSpacing {
		inv.mu.Unlock()
		return
	}
	inv.lastCleanup[account.APIKey] = time.Now()
	inv.mu.Unlock()

	if err := inv.client.CleanupArtifacts(ctx, account); err != nil {
		log.Printf("invoker: cleanup failed for %s: %v", account.Email, err)
	}
}

func failure(kind models.FailureKind, err error) *models.Result {
	return &models.Result{Success: false, Kind: kind, Err: err.Error()}
}

func jitteredBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * backoffBase
	if d > backoffCap {
		d = backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
