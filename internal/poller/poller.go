// Package poller keeps a wallet-side view of the pending approval requests
// by polling the approval API on a fixed interval.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/metrics"
)

const (
	DefaultInterval    = 2 * time.Second
	DefaultTimeout     = 5 * time.Second
	DefaultGraceWindow = 10 * time.Second

	submittedCacheSize = 1024
)

// Source returns the current pending requests. *client.Client satisfies it.
type Source interface {
	Poll(ctx context.Context) ([]api.ApprovalRequest, error)
}

// Listener receives the full surfaced set each time it changes.
type Listener func([]api.ApprovalRequest)

type run struct {
	gen      uint64
	cancel   context.CancelFunc
	done     chan struct{}
	inFlight atomic.Bool
}

// Poller surfaces pending requests to listeners. Requests the local user
// just decided are hidden for a grace window so a stale poll cannot bring
// them back before the server has caught up.
type Poller struct {
	source  Source
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	grace   time.Duration
	now     func() time.Time

	skipped atomic.Uint64

	mu          sync.Mutex
	gen         uint64
	active      *run
	current     []api.ApprovalRequest
	listeners   []Listener
	submitted   *lru.Cache[string, time.Time]
	queue       [][]api.ApprovalRequest
	dispatching bool
}

// Option configures a Poller.
type Option func(*Poller)

// WithTimeout bounds each poll.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithGraceWindow sets how long a submitted id stays hidden.
func WithGraceWindow(d time.Duration) Option {
	return func(p *Poller) { p.grace = d }
}

func WithClock(now func() time.Time) Option { return func(p *Poller) { p.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(p *Poller) { p.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(p *Poller) { p.metrics = m } }

// New creates a poller over source. Call Start to begin polling.
func New(source Source, opts ...Option) *Poller {
	submitted, _ := lru.New[string, time.Time](submittedCacheSize)
	p := &Poller{
		source:    source,
		logger:    slog.Default(),
		timeout:   DefaultTimeout,
		grace:     DefaultGraceWindow,
		now:       time.Now,
		submitted: submitted,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start polls immediately and then every interval until Stop is called or
// ctx is done. Starting a running poller restarts it.
func (p *Poller) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p.Stop()

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.gen++
	r := &run{gen: p.gen, cancel: cancel, done: make(chan struct{})}
	p.active = r
	p.mu.Unlock()

	go p.loop(ctx, r, interval)
}

// Stop cancels future polls. A poll still in flight runs to completion,
// bounded by the poll timeout, and its result is discarded.
func (p *Poller) Stop() {
	p.mu.Lock()
	r := p.active
	p.active = nil
	p.gen++
	p.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// OnChange registers l. Listeners run on the goroutine that caused the
// change, one notification at a time, in order.
func (p *Poller) OnChange(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Requests returns the currently surfaced set.
func (p *Poller) Requests() []api.ApprovalRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.current)
}

// Skipped returns how many ticks were skipped because a poll was still in
// flight.
func (p *Poller) Skipped() uint64 {
	return p.skipped.Load()
}

// MarkSubmitted hides id now and filters it out of incoming snapshots for
// the grace window.
func (p *Poller) MarkSubmitted(id string) {
	p.mu.Lock()
	p.submitted.Add(id, p.now())
	next := slices.DeleteFunc(slices.Clone(p.current), func(r api.ApprovalRequest) bool {
		return r.ApprovalID == id
	})
	p.setLocked(next)
}

func (p *Poller) loop(ctx context.Context, r *run, interval time.Duration) {
	defer close(r.done)

	p.tick(ctx, r)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, r)
		}
	}
}

func (p *Poller) tick(ctx context.Context, r *run) {
	if !r.inFlight.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.metrics.TickSkipped()
		p.logger.Debug("poll still in flight; tick skipped")
		return
	}
	go func() {
		defer r.inFlight.Store(false)
		p.poll(ctx, r.gen)
	}()
}

func (p *Poller) poll(ctx context.Context, gen uint64) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	reqs, err := p.source.Poll(pctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		p.metrics.Poll(result)
		p.logger.Warn("poll failed", "error", err, "timeout", p.timeout)
		return
	}
	p.metrics.Poll("ok")
	p.apply(gen, reqs)
}

func (p *Poller) apply(gen uint64, reqs []api.ApprovalRequest) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		p.logger.Debug("discarding result of stopped poll")
		return
	}

	now := p.now()
	next := make([]api.ApprovalRequest, 0, len(reqs))
	for _, r := range reqs {
		if at, ok := p.submitted.Peek(r.ApprovalID); ok {
			if now.Sub(at) < p.grace {
				continue
			}
			p.submitted.Remove(r.ApprovalID)
		}
		next = append(next, r)
	}
	p.setLocked(next)
}

// setLocked replaces the surfaced set and dispatches a notification if
// the ordered ids changed. It must be called with mu held and releases it.
func (p *Poller) setLocked(next []api.ApprovalRequest) {
	if sameIDs(p.current, next) {
		p.current = next
		p.mu.Unlock()
		return
	}
	p.current = next
	p.queue = append(p.queue, slices.Clone(next))

	// A listener that triggers another change from inside its callback
	// only queues it; the outer dispatch loop delivers it next.
	if p.dispatching {
		p.mu.Unlock()
		return
	}
	p.dispatching = true
	for len(p.queue) > 0 {
		set := p.queue[0]
		p.queue = p.queue[1:]
		listeners := slices.Clone(p.listeners)
		p.mu.Unlock()
		for _, l := range listeners {
			l(set)
		}
		p.mu.Lock()
	}
	p.dispatching = false
	p.mu.Unlock()
}

func sameIDs(a, b []api.ApprovalRequest) bool {
	return slices.EqualFunc(a, b, func(x, y api.ApprovalRequest) bool {
		return x.ApprovalID == y.ApprovalID
	})
}
