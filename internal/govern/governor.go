// Package govern implements admission control for pipeline jobs: a
// per-job-type throttle and a per-key rate limit, both counted over fixed
// windows. Admission is checked once at job start; a denied job is deferred
// with a retry hint, never dropped.
package govern

import (
	"sync"
	"time"
)

// Limit caps starts to Count per Window. A zero Limit means unlimited.
type Limit struct {
	Count  int
	Window time.Duration
}

func (l Limit) enabled() bool {
	return l.Count > 0 && l.Window > 0
}

// Policy is the admission policy for one job type. Throttle is keyed by the
// job type itself; RateLimit by the caller-supplied rate key (for ingest
// jobs, the document id).
type Policy struct {
	Throttle  Limit
	RateLimit Limit
}

// Decision is the outcome of an admission check. When Admitted is false,
// RetryAfter is how long until the blocking window resets.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
}

// window is a fixed admission-count window. Each window carries its own
// mutex so admission checks for different keys never block each other.
type window struct {
	mu      sync.Mutex
	start   time.Time
	expires time.Time
	count   int
}

// sweepInterval bounds how often Admit scans for expired windows. Rate-limit
// windows are keyed by caller-supplied keys (document ids), so without a
// sweep the window map grows with every distinct key ever seen.
const sweepInterval = time.Minute

// Governor enforces throttle and rate-limit rules per job type.
type Governor struct {
	policies map[string]Policy
	now      func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
}

// New creates a Governor with the given per-job-type policies. Job types
// without a policy are always admitted.
func New(policies map[string]Policy) *Governor {
	return &Governor{
		policies: policies,
		now:      time.Now,
		windows:  make(map[string]*window),
	}
}

// SetClock replaces the time source. Test hook.
func (g *Governor) SetClock(now func() time.Time) {
	g.now = now
}

// Admit decides whether a job of the given type may start now. rateKey
// scopes the rate-limit rule (empty disables it for this job). Window
// counts are consumed only when both rules pass, so a deferred job does not
// burn a slot while waiting.
func (g *Governor) Admit(jobType, rateKey string) Decision {
	policy, ok := g.policies[jobType]
	if !ok {
		return Decision{Admitted: true}
	}

	now := g.now()

	var throttleWin, rateWin *window
	if policy.Throttle.enabled() {
		throttleWin = g.window("throttle:"+jobType, now)
	}
	if policy.RateLimit.enabled() && rateKey != "" {
		rateWin = g.window("rate:"+jobType+":"+rateKey, now)
	}

	// Lock order is always throttle then rate, so concurrent Admit calls
	// cannot deadlock.
	if throttleWin != nil {
		throttleWin.mu.Lock()
		defer throttleWin.mu.Unlock()
		if wait := throttleWin.check(policy.Throttle, now); wait > 0 {
			return Decision{RetryAfter: wait}
		}
	}
	if rateWin != nil {
		rateWin.mu.Lock()
		defer rateWin.mu.Unlock()
		if wait := rateWin.check(policy.RateLimit, now); wait > 0 {
			return Decision{RetryAfter: wait}
		}
	}

	if throttleWin != nil {
		throttleWin.count++
	}
	if rateWin != nil {
		rateWin.count++
	}
	return Decision{Admitted: true}
}

func (g *Governor) window(key string, now time.Time) *window {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastSweep) >= sweepInterval {
		g.evictExpired(now)
		g.lastSweep = now
	}

	w, ok := g.windows[key]
	if !ok {
		w = &window{}
		g.windows[key] = w
	}
	return w
}

// evictExpired drops windows whose counting window has fully elapsed; their
// next admission would reset the count anyway. Caller holds g.mu. TryLock
// skips windows an admission currently holds; they are swept on a later
// pass.
func (g *Governor) evictExpired(now time.Time) {
	for key, w := range g.windows {
		if !w.mu.TryLock() {
			continue
		}
		if !w.expires.IsZero() && !now.Before(w.expires) {
			delete(g.windows, key)
		}
		w.mu.Unlock()
	}
}

// check resets the window if it has elapsed and reports how long admission
// must wait, or 0 if a slot is free. Caller holds w.mu.
func (w *window) check(limit Limit, now time.Time) time.Duration {
	if w.start.IsZero() || !now.Before(w.start.Add(limit.Window)) {
		w.start = now
		w.count = 0
	}
	w.expires = w.start.Add(limit.Window)
	if w.count < limit.Count {
		return 0
	}
	return w.expires.Sub(now)
}
