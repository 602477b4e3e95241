// Package ratelimit bounds how many approval requests a task, and the
// process as a whole, may open within a window.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the admission limits. A nil limit is not enforced.
type Config struct {
	// Global caps requests across all tasks.
	Global *Limit

	// PerTask caps requests for each task id.
	PerTask *Limit
}

// Limit is a maximum number of requests per time window. Max requests may
// arrive at once; after that capacity refills at Max per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

func (l *Limit) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(l.Window/time.Duration(l.Max)), l.Max)
}

// Result describes the outcome of an admission check.
type Result struct {
	Allowed bool
	Rule    string
	Message string
}

type taskEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter enforces Config with one token bucket per task plus one global
// bucket.
type Limiter struct {
	config Config
	now    func() time.Time

	mu          sync.Mutex
	global      *rate.Limiter
	tasks       map[string]*taskEntry
	lastCleanup time.Time
}

// New creates a limiter. It returns nil when cfg enforces nothing; a nil
// *Limiter allows every request.
func New(cfg Config) *Limiter {
	if cfg.Global == nil && cfg.PerTask == nil {
		return nil
	}
	l := &Limiter{
		config: cfg,
		now:    time.Now,
		tasks:  make(map[string]*taskEntry),
	}
	l.reset()
	return l
}

// Allow records a request for taskID if it fits the configured limits.
// Requests without a task id are only subject to the global limit. A request
// refused by the global limit does not use up the task's allowance.
func (l *Limiter) Allow(taskID string) Result {
	if l == nil {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	var taskRes *rate.Reservation
	if taskID != "" && l.config.PerTask != nil {
		taskRes = l.taskLimiter(taskID, now).ReserveN(now, 1)
		if !taskRes.OK() || taskRes.DelayFrom(now) > 0 {
			taskRes.CancelAt(now)
			return Result{
				Rule: "rate_limit:task",
				Message: fmt.Sprintf("rate limit exceeded for task %q: max %d per %s",
					taskID, l.config.PerTask.Max, l.config.PerTask.Window),
			}
		}
	}

	if l.global != nil && !l.global.AllowN(now, 1) {
		if taskRes != nil {
			taskRes.CancelAt(now)
		}
		return Result{
			Rule: "rate_limit:global",
			Message: fmt.Sprintf("global rate limit exceeded: max %d per %s",
				l.config.Global.Max, l.config.Global.Window),
		}
	}

	return Result{Allowed: true}
}

// Tasks reports how many per-task buckets are held.
func (l *Limiter) Tasks() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// taskLimiter returns the bucket for taskID. A bucket left idle for a whole
// window is full again, so such buckets are dropped once per window. Callers
// hold mu.
func (l *Limiter) taskLimiter(taskID string, now time.Time) *rate.Limiter {
	window := l.config.PerTask.Window
	if now.Sub(l.lastCleanup) >= window {
		for k, e := range l.tasks {
			if now.Sub(e.lastSeen) >= window {
				delete(l.tasks, k)
			}
		}
		l.lastCleanup = now
	}

	key := "task:" + taskID
	e, ok := l.tasks[key]
	if !ok {
		e = &taskEntry{limiter: l.config.PerTask.newLimiter()}
		l.tasks[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Reset refills every bucket.
func (l *Limiter) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
}

func (l *Limiter) reset() {
	l.tasks = make(map[string]*taskEntry)
	l.global = nil
	if l.config.Global != nil {
		l.global = l.config.Global.newLimiter()
	}
	l.lastCleanup = l.now()
}
