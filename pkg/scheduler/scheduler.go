package scheduler

import (
	"context"
	"log"
	"sort"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/models"
)

// AccountSource is the ledger surface the scheduler consumes. Accounts are
// always returned in stable ledger order.
type AccountSource interface {
	ListEligible(ctx context.Context) ([]*models.Account, error)
	ListEligibleRefreshed(ctx context.Context) ([]*models.Account, error)
	UncheckedAccounts(ctx context.Context) ([]*models.Account, error)
	RefreshQuota(ctx context.Context, account *models.Account) (*models.Account, error)
}

// Result is the outcome of one assignment round.
type Result struct {
	Feasible       bool
	Assignments    []*models.Assignment
	Unassigned     []*models.PendingRequest
	TotalNeeded    int64
	TotalAvailable int64
}

// Scheduler assigns batches of pending requests to accounts under capacity
// constraints: smallest request first, first fit in ledger order. Upstream
// requests are not splittable, so feasibility needs both sufficient
// aggregate quota and a single account large enough for the biggest
// request.
type Scheduler struct {
	accounts AccountSource
	cfg      config.SchedulerConfig
	minQuota int64
}

// New creates a scheduler over the given account source. minUsefulQuota is
// the same floor the source applies to eligibility, so on-demand checks
// cannot recruit accounts the source would exclude.
func New(accounts AccountSource, cfg config.SchedulerConfig, minUsefulQuota int64) *Scheduler {
	return &Scheduler{accounts: accounts, cfg: cfg, minQuota: minUsefulQuota}
}

// Assign maps each pending request to an account. When the cached ledger
// view is insufficient it escalates: first a forced full rescan, then
// bounded on-demand checks of never-verified accounts. An infeasible batch
// is returned untouched; the caller must back off and retry whole.
func (s *Scheduler) Assign(ctx context.Context, reqs []*models.PendingRequest) (*Result, error) {
	res := &Result{}
	if len(reqs) == 0 {
		res.Feasible = true
		return res, nil
	}

	var maxSingle int64
	for _, r := range reqs {
		res.TotalNeeded += r.Cost
		if r.Cost > maxSingle {
			maxSingle = r.Cost
		}
	}

	candidates, err := s.accounts.ListEligible(ctx)
	if err != nil {
		return nil, err
	}
	total, maxQuota := quotaTotals(candidates)

	// Enough in aggregate but no single account big enough: a forced
	// rescan may discover a large account hiding behind a stale cache.
	if total >= res.TotalNeeded && maxQuota < maxSingle {
		log.Printf("scheduler: no account covers largest request (%d units), forcing full rescan", maxSingle)
		candidates, err = s.accounts.ListEligibleRefreshed(ctx)
		if err != nil {
			return nil, err
		}
		total, maxQuota = quotaTotals(candidates)
	}

	// Still short: pull in never-checked accounts one at a time, bounded.
	if total < res.TotalNeeded || maxQuota < maxSingle {
		candidates, total, maxQuota, err = s.recruitUnchecked(ctx, candidates, res.TotalNeeded, maxSingle)
		if err != nil {
			return nil, err
		}
	}

	res.TotalAvailable = total
	if total < res.TotalNeeded || maxQuota < maxSingle {
		log.Printf("scheduler: infeasible batch: need %d (max single %d), have %d (max account %d)",
			res.TotalNeeded, maxSingle, total, maxQuota)
		return res, nil
	}
	res.Feasible = true

	s.pack(res, reqs, candidates)
	return res, nil
}

// recruitUnchecked refreshes never-verified accounts in ledger order until
// the shortfall is covered or the check budget runs out.
func (s *Scheduler) recruitUnchecked(ctx context.Context, candidates []*models.Account, totalNeeded, maxSingle int64) ([]*models.Account, int64, int64, error) {
	byKey := make(map[string]int, len(candidates))
	for i, a := range candidates {
		byKey[a.APIKey] = i
	}

	unchecked, err := s.accounts.UncheckedAccounts(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	checks := 0
	for _, a := range unchecked {
		total, maxQuota := quotaTotals(candidates)
		if total >= totalNeeded && maxQuota >= maxSingle {
			break
		}
		if s.cfg.MaxExtraChecks > 0 && checks >= s.cfg.MaxExtraChecks {
			log.Printf("scheduler: on-demand check budget (%d) exhausted", s.cfg.MaxExtraChecks)
			break
		}
		if ctx.Err() != nil {
			return nil, 0, 0, ctx.Err()
		}
		checks++
		fresh, err := s.accounts.RefreshQuota(ctx, a)
		if err != nil {
			log.Printf("scheduler: on-demand check failed for %s: %v", a.Email, err)
			continue
		}
		if i, ok := byKey[fresh.APIKey]; ok {
			candidates[i] = fresh
			continue
		}
		if fresh.QuotaRemaining <= 0 || fresh.QuotaRemaining < s.minQuota {
			continue
		}
		byKey[fresh.APIKey] = len(candidates)
		candidates = append(candidates, fresh)
	}
	total, maxQuota := quotaTotals(candidates)
	return candidates, total, maxQuota, nil
}

// pack performs the first-fit bin packing. Requests go smallest first to
// maximize the count of fully served requests; accounts are scanned in
// ledger order and the first with enough in-batch capacity wins.
func (s *Scheduler) pack(res *Result, reqs []*models.PendingRequest, candidates []*models.Account) {
	ordered := make([]*models.PendingRequest, len(reqs))
	copy(ordered, reqs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Cost < ordered[j].Cost
	})

	byKey := make(map[string]*models.Assignment)
	for _, r := range ordered {
		placed := false
		for _, a := range candidates {
			asg := byKey[a.APIKey]
			committed := int64(0)
			if asg != nil {
				committed = asg.CommittedCost
			}
			if a.QuotaRemaining-committed < r.Cost {
				continue
			}
			if asg == nil {
				asg = &models.Assignment{Account: a}
				byKey[a.APIKey] = asg
				res.Assignments = append(res.Assignments, asg)
			}
			asg.Requests = append(asg.Requests, r)
			asg.CommittedCost += r.Cost
			r.Status = models.RequestAssigned
			placed = true
			break
		}
		if !placed {
			// Should not happen when the feasibility precondition held.
			log.Printf("scheduler: request %s (%d units) unassignable despite feasible totals", r.ID, r.Cost)
			res.Unassigned = append(res.Unassigned, r)
		}
	}
}

func quotaTotals(accounts []*models.Account) (total, max int64) {
	for _, a := range accounts {
		total += a.QuotaRemaining
		if a.QuotaRemaining > max {
			max = a.QuotaRemaining
		}
	}
	return total, max
}
