package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate-ai/voxgate/pkg/config"
	"github.com/voxgate-ai/voxgate/pkg/models"
	"github.com/voxgate-ai/voxgate/pkg/scheduler"
)

var (
	// ErrQueueFull is returned by Submit when the inbound queue cannot
	// accept more work.
	ErrQueueFull = errors.New("request queue full")
	// ErrAwaitTimeout is returned by AwaitResult when no result arrived
	// within the caller's deadline.
	ErrAwaitTimeout = errors.New("timed out waiting for result")
	// ErrStopped is reported to awaiters whose requests were discarded by
	// a shutdown.
	ErrStopped = errors.New("processor stopped")
)

const queueCapacity = 1024

// Assigner maps a batch of requests onto accounts.
type Assigner interface {
	Assign(ctx context.Context, reqs []*models.PendingRequest) (*scheduler.Result, error)
}

// Invoker runs one request against one account.
type Invoker interface {
	Invoke(ctx context.Context, account *models.Account, req *models.PendingRequest) *models.Result
}

// Rotator changes the shared outbound identity.
type Rotator interface {
	Rotate(ctx context.Context) (string, error)
}

// Striker records suspicious-activity strikes against accounts.
type Striker interface {
	MarkAbuseStrike(ctx context.Context, apiKey string) (bool, error)
}

// Processor is the control loop: it drains batches from the inbound queue,
// has the assigner pick accounts, dispatches per-account workers, and
// reconciles outcomes. One control loop per process; workers fan out
// within a batch.
type Processor struct {
	assigner Assigner
	invoker  Invoker
	rotator  Rotator
	striker  Striker
	poolCfg  config.PoolConfig
	schedCfg config.SchedulerConfig

	queue chan *models.PendingRequest

	mu      sync.Mutex
	results map[string]chan *models.Result

	cancel  context.CancelFunc
	done    chan struct{}
	workers sync.WaitGroup
}

// New creates a processor. Call Start to begin processing.
func New(assigner Assigner, invoker Invoker, rotator Rotator, striker Striker, poolCfg config.PoolConfig, schedCfg config.SchedulerConfig) *Processor {
	return &Processor{
		assigner: assigner,
		invoker:  invoker,
		rotator:  rotator,
		striker:  striker,
		poolCfg:  poolCfg,
		schedCfg: schedCfg,
		queue:    make(chan *models.PendingRequest, queueCapacity),
		results:  make(map[string]chan *models.Result),
		done:     make(chan struct{}),
	}
}

// Submit enqueues one request without blocking and returns its id.
func (p *Processor) Submit(text string, params models.SpeechParams) (string, error) {
	req := &models.PendingRequest{
		ID:     uuid.NewString(),
		Text:   text,
		Cost:   int64(len(text)),
		Params: params,
		Status: models.RequestQueued,
	}

	ch := make(chan *models.Result, 1)
	p.mu.Lock()
	p.results[req.ID] = ch
	p.mu.Unlock()

	select {
	case p.queue <- req:
		return req.ID, nil
	default:
		p.mu.Lock()
		delete(p.results, req.ID)
		p.mu.Unlock()
		return "", ErrQueueFull
	}
}

// AwaitResult blocks until the request completes or the timeout elapses.
func (p *Processor) AwaitResult(id string, timeout time.Duration) (*models.Result, error) {
	p.mu.Lock()
	ch, ok := p.results[id]
	p.mu.Unlock()
	if !ok {
		return nil, errors.New("unknown request id")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		p.mu.Lock()
		delete(p.results, id)
		p.mu.Unlock()
		return res, nil
	case <-timer.C:
		// The caller is gone; release the slot so a late delivery does
		// not pin the entry forever.
		p.mu.Lock()
		delete(p.results, id)
		p.mu.Unlock()
		return nil, ErrAwaitTimeout
	}
}

// Start launches the control loop.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

// Stop cancels the control loop, discards queued work, and joins in-flight
// workers with a bounded wait. Slow network calls may still be finishing in
// the background after it returns.
func (p *Processor) Stop() {
	if p.cancel == nil {
		// Never started; done is only closed by the control loop.
		return
	}
	p.cancel()
	<-p.done

	for {
		select {
		case req := <-p.queue:
			p.deliver(req, &models.Result{Success: false, Kind: models.FailureOther, Err: ErrStopped.Error()})
		default:
			p.joinWorkers()
			return
		}
	}
}

func (p *Processor) joinWorkers() {
	joined := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(joined)
	}()
	timeout := p.poolCfg.StopJoinTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-joined:
	case <-time.After(timeout):
		log.Printf("dispatch: stop returned with workers still in flight")
	}
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.done)
	infeasibleRuns := 0
	for {
		batch, ok := p.collect(ctx)
		if !ok {
			return
		}

		res, err := p.assigner.Assign(ctx, batch)
		if err != nil || !res.Feasible {
			if err != nil {
				log.Printf("dispatch: assignment error: %v", err)
			}
			infeasibleRuns++
			if p.schedCfg.MaxInfeasibleRuns > 0 && infeasibleRuns >= p.schedCfg.MaxInfeasibleRuns {
				log.Printf("dispatch: %d consecutive infeasible rounds, failing batch of %d", infeasibleRuns, len(batch))
				for _, req := range batch {
					p.deliver(req, &models.Result{
						Success: false,
						Kind:    models.FailureQuotaExceeded,
						Err:     "insufficient quota across all accounts",
					})
				}
				infeasibleRuns = 0
				continue
			}
			// Keep the batch: cool down, requeue it whole, and retry.
			if sleepCtx(ctx, p.schedCfg.InfeasibleCooldown) != nil {
				p.requeueOrFail(batch)
				return
			}
			p.requeueOrFail(batch)
			continue
		}
		infeasibleRuns = 0

		p.dispatch(ctx, res)
		p.reconcile(ctx, batch, res)
	}
}

// collect blocks for the first request, then accumulates already-queued
// work up to the batch cap with a short per-item wait.
func (p *Processor) collect(ctx context.Context) ([]*models.PendingRequest, bool) {
	var batch []*models.PendingRequest
	select {
	case <-ctx.Done():
		return nil, false
	case req := <-p.queue:
		batch = append(batch, req)
	}

	max := p.poolCfg.BatchSize
	for max <= 0 || len(batch) < max {
		timer := time.NewTimer(p.poolCfg.CollectWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.requeueOrFail(batch)
			return nil, false
		case req := <-p.queue:
			timer.Stop()
			batch = append(batch, req)
		case <-timer.C:
			return batch, true
		}
	}
	return batch, true
}

// dispatch fans out one worker per (account, request). The invoker's
// per-account slots bound concurrency; no extra global cap is applied.
func (p *Processor) dispatch(ctx context.Context, res *scheduler.Result) {
	var batchWG sync.WaitGroup
	for _, asg := range res.Assignments {
		for _, req := range asg.Requests {
			if ctx.Err() != nil {
				break
			}
			batchWG.Add(1)
			p.workers.Add(1)
			go func(account *models.Account, req *models.PendingRequest) {
				defer batchWG.Done()
				defer p.workers.Done()
				req.Result = p.invoker.Invoke(ctx, account, req)
			}(asg.Account, req)
		}
	}
	batchWG.Wait()
}

// reconcile settles every request in the batch: successes and terminal
// failures are delivered, suspicious and exhausted-account requests go back
// to the queue. One identity rotation covers all suspicious outcomes in
// the batch.
func (p *Processor) reconcile(ctx context.Context, batch []*models.PendingRequest, res *scheduler.Result) {
	needRotation := false

	for _, asg := range res.Assignments {
		for _, req := range asg.Requests {
			r := req.Result
			switch {
			case r == nil:
				// Dispatch was cut short by cancellation.
				req.Status = models.RequestQueued
				p.requeueOrFail([]*models.PendingRequest{req})

			case r.Success:
				req.Status = models.RequestCompleted
				p.deliver(req, r)

			case r.Kind == models.FailureSuspicious:
				req.Status = models.RequestSuspicious
				needRotation = true
				if disabled, err := p.striker.MarkAbuseStrike(ctx, asg.Account.APIKey); err != nil {
					log.Printf("dispatch: strike failed for %s: %v", asg.Account.Email, err)
				} else if disabled {
					log.Printf("dispatch: account %s disabled by abuse strikes", asg.Account.Email)
				}

			case r.Kind == models.FailureQuotaExceeded:
				// The account was marked exhausted; let the scheduler
				// find another one.
				req.Status = models.RequestQueued
				req.Result = nil
				p.requeueOrFail([]*models.PendingRequest{req})

			default:
				req.Status = models.RequestFailed
				p.deliver(req, r)
			}
		}
	}

	// Unassigned requests from a feasible round are a scheduler
	// diagnostic; retry them in a later batch.
	for _, req := range res.Unassigned {
		req.Status = models.RequestQueued
		p.requeueOrFail([]*models.PendingRequest{req})
	}

	if needRotation {
		if _, err := p.rotator.Rotate(ctx); err != nil {
			log.Printf("dispatch: rotation after suspicious activity failed: %v", err)
		}
		for _, asg := range res.Assignments {
			for _, req := range asg.Requests {
				if req.Status == models.RequestSuspicious {
					req.Status = models.RequestQueued
					req.Result = nil
					p.requeueOrFail([]*models.PendingRequest{req})
				}
			}
		}
	}
}

func (p *Processor) requeueOrFail(reqs []*models.PendingRequest) {
	for _, req := range reqs {
		select {
		case p.queue <- req:
		default:
			p.deliver(req, &models.Result{Success: false, Kind: models.FailureOther, Err: ErrQueueFull.Error()})
		}
	}
}

func (p *Processor) deliver(req *models.PendingRequest, res *models.Result) {
	req.Result = res
	if res.Success {
		req.Status = models.RequestCompleted
	} else if req.Status != models.RequestFailed {
		req.Status = models.RequestFailed
	}

	p.mu.Lock()
	ch, ok := p.results[req.ID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- res:
	default:
	}
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
