package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/voxgate-ai/voxgate/pkg/config"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour

	// minWakeInterval keeps denied waiters from busy-looping when the
	// computed age-out time is very close.
	minWakeInterval = 50 * time.Millisecond
)

type costEntry struct {
	at   time.Time
	cost int64
}

// window holds the rolling usage history for one model key. Each window has
// its own lock so a busy model cannot starve bookkeeping for another.
type window struct {
	mu       sync.Mutex
	requests []time.Time
	costs    []costEntry
	active   int
	notify   chan struct{}
}

func newWindow() *window {
	return &window{notify: make(chan struct{})}
}

// wake re-tests admission for every waiter on this window.
// Caller must hold w.mu.
func (w *window) wake() {
	close(w.notify)
	w.notify = make(chan struct{})
}

// prune drops entries older than the day window. Caller must hold w.mu.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-dayWindow)
	i := 0
	for i < len(w.requests) && w.requests[i].Before(cutoff) {
		i++
	}
	w.requests = w.requests[i:]
	j := 0
	for j < len(w.costs) && w.costs[j].at.Before(cutoff) {
		j++
	}
	w.costs = w.costs[j:]
}

// Limiter enforces per-model request and cost budgets over rolling
// one-minute and 24-hour windows.
type Limiter struct {
	mu      sync.Mutex
	limits  map[string]config.Limits
	windows map[string]*window
}

// New creates a Limiter with the given per-model limits. A model without an
// exact or substring match falls back to the "default" entry; a zero limit
// means unbounded.
func New(limits map[string]config.Limits) *Limiter {
	cp := make(map[string]config.Limits, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	return &Limiter{
		limits:  cp,
		windows: make(map[string]*window),
	}
}

// Update replaces the configured limits. Existing usage history is kept.
func (l *Limiter) Update(limits map[string]config.Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = make(map[string]config.Limits, len(limits))
	for k, v := range limits {
		l.limits[k] = v
	}
}

func (l *Limiter) window(model string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[model]
	if !ok {
		w = newWindow()
		l.windows[model] = w
	}
	return w
}

func (l *Limiter) limitsFor(model string) config.Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limits[model]; ok {
		return lim
	}
	for key, lim := range l.limits {
		if key != "default" && strings.Contains(model, key) {
			return lim
		}
	}
	return l.limits["default"]
}

// admissible tests the four budgets against the pruned window.
// Caller must hold w.mu.
func admissible(w *window, lim config.Limits, estimated int64, now time.Time) bool {
	minuteCut := now.Add(-minuteWindow)

	if lim.RPM > 0 {
		n := 0
		for _, t := range w.requests {
			if !t.Before(minuteCut) {
				n++
			}
		}
		if n >= lim.RPM {
			return false
		}
	}
	if lim.RPD > 0 && len(w.requests) >= lim.RPD {
		return false
	}
	if lim.CPM > 0 {
		var c int64
		for _, e := range w.costs {
			if !e.at.Before(minuteCut) {
				c += e.cost
			}
		}
		if c+estimated > lim.CPM {
			return false
		}
	}
	if lim.CPD > 0 {
		var c int64
		for _, e := range w.costs {
			c += e.cost
		}
		if c+estimated > lim.CPD {
			return false
		}
	}
	return true
}

// waitHint computes how long until the binding constraint's oldest
// contributing entry ages out of its window. Caller must hold w.mu.
func waitHint(w *window, lim config.Limits, estimated int64, now time.Time) time.Duration {
	minuteCut := now.Add(-minuteWindow)
	var hint time.Duration

	bump := func(d time.Duration) {
		if d > hint {
			hint = d
		}
	}

	if lim.RPM > 0 {
		var inMinute []time.Time
		for _, t := range w.requests {
			if !t.Before(minuteCut) {
				inMinute = append(inMinute, t)
			}
		}
		if len(inMinute) >= lim.RPM {
			// Admission needs the count to drop below rpm; the oldest
			// surplus entry decides when.
			idx := len(inMinute) - lim.RPM
			bump(inMinute[idx].Add(minuteWindow).Sub(now))
		}
	}
	if lim.RPD > 0 && len(w.requests) >= lim.RPD {
		idx := len(w.requests) - lim.RPD
		bump(w.requests[idx].Add(dayWindow).Sub(now))
	}
	if lim.CPM > 0 {
		var inMinute []costEntry
		var total int64
		for _, e := range w.costs {
			if !e.at.Before(minuteCut) {
				inMinute = append(inMinute, e)
				total += e.cost
			}
		}
		if total+estimated > lim.CPM {
			// Walk oldest-first until enough cost has aged out.
			freed := int64(0)
			for _, e := range inMinute {
				freed += e.cost
				if total-freed+estimated <= lim.CPM {
					bump(e.at.Add(minuteWindow).Sub(now))
					break
				}
			}
		}
	}
	if lim.CPD > 0 {
		var total int64
		for _, e := range w.costs {
			total += e.cost
		}
		if total+estimated > lim.CPD {
			freed := int64(0)
			for _, e := range w.costs {
				freed += e.cost
				if total-freed+estimated <= lim.CPD {
					bump(e.at.Add(dayWindow).Sub(now))
					break
				}
			}
		}
	}

	if hint < minWakeInterval {
		hint = minWakeInterval
	}
	return hint
}

// Acquire admits a request against the model's budgets, blocking up to
// timeout if denied. A negative timeout waits until ctx is done; zero means
// no wait. On grant the estimated cost is charged to the window and an
// in-flight slot is taken; the caller must call Release when done.
func (l *Limiter) Acquire(ctx context.Context, model string, estimated int64, timeout time.Duration) bool {
	w := l.window(model)

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	w.mu.Lock()
	for {
		// Re-fetched each pass so a concurrent Update takes effect.
		lim := l.limitsFor(model)
		now := time.Now()
		w.prune(now)
		if admissible(w, lim, estimated, now) {
			w.requests = append(w.requests, now)
			if estimated > 0 {
				w.costs = append(w.costs, costEntry{at: now, cost: estimated})
			}
			w.active++
			w.mu.Unlock()
			return true
		}

		if !deadline.IsZero() && !now.Before(deadline) {
			w.mu.Unlock()
			return false
		}

		wait := waitHint(w, lim, estimated, now)
		if !deadline.IsZero() {
			if remaining := deadline.Sub(now); wait > remaining {
				wait = remaining
			}
		}
		notify := w.notify
		w.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
		w.mu.Lock()
	}
}

// SuggestedWait returns how long a denied caller should wait before
// retrying; zero means the request would be admitted now.
func (l *Limiter) SuggestedWait(model string, estimated int64) time.Duration {
	w := l.window(model)
	lim := l.limitsFor(model)

	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.prune(now)
	if admissible(w, lim, estimated, now) {
		return 0
	}
	return waitHint(w, lim, estimated, now)
}

// RecordActual corrects the cost window after the real cost is known. Only
// a positive difference over the admitted estimate is charged; there is no
// refund for overestimates.
func (l *Limiter) RecordActual(model string, actual, estimated int64) {
	if actual <= estimated {
		return
	}
	w := l.window(model)
	w.mu.Lock()
	w.costs = append(w.costs, costEntry{at: time.Now(), cost: actual - estimated})
	w.wake()
	w.mu.Unlock()
}

// Release returns the in-flight slot taken by Acquire. Usage history stays:
// it expresses consumed windows, not active concurrency.
func (l *Limiter) Release(model string) {
	w := l.window(model)
	w.mu.Lock()
	if w.active > 0 {
		w.active--
	}
	w.wake()
	w.mu.Unlock()
}

// ModelStats is a point-in-time view of one model's window.
type ModelStats struct {
	Model          string        `json:"model"`
	Active         int           `json:"active"`
	MinuteRequests int           `json:"minute_requests"`
	DayRequests    int           `json:"day_requests"`
	MinuteCost     int64         `json:"minute_cost"`
	DayCost        int64         `json:"day_cost"`
	Limits         config.Limits `json:"limits"`
}

// Stats returns a snapshot of every model window seen so far.
func (l *Limiter) Stats() []ModelStats {
	l.mu.Lock()
	names := make([]string, 0, len(l.windows))
	wins := make([]*window, 0, len(l.windows))
	for name, w := range l.windows {
		names = append(names, name)
		wins = append(wins, w)
	}
	l.mu.Unlock()

	out := make([]ModelStats, 0, len(wins))
	for i, w := range wins {
		lim := l.limitsFor(names[i])
		w.mu.Lock()
		now := time.Now()
		w.prune(now)
		minuteCut := now.Add(-minuteWindow)
		s := ModelStats{Model: names[i], Active: w.active, Limits: lim}
		for _, t := range w.requests {
			s.DayRequests++
			if !t.Before(minuteCut) {
				s.MinuteRequests++
			}
		}
		for _, e := range w.costs {
			s.DayCost += e.cost
			if !e.at.Before(minuteCut) {
				s.MinuteCost += e.cost
			}
		}
		w.mu.Unlock()
		out = append(out, s)
	}
	return out
}
