// Package bridge resumes tasks paused on an approval request once the
// request has been decided.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/approval"
	"github.com/tkingovr/deploygate/internal/artifact"
	"github.com/tkingovr/deploygate/internal/audit"
	"github.com/tkingovr/deploygate/internal/metrics"
)

const (
	DefaultInterval = 500 * time.Millisecond
	cancelTimeout   = 5 * time.Second
)

// ErrAlreadyRegistered is returned when an id already has a waiter.
var ErrAlreadyRegistered = errors.New("approval id already has a waiter")

type waiter struct {
	ch           chan *approval.Decision
	taskID       string
	registeredAt time.Time
}

// Bridge couples waiting producers with decisions recorded in the store.
// A decision is delivered only after TakeDecision removed it from the
// store, so duplicate hints and overlapping sweeps cannot wake a waiter
// twice.
type Bridge struct {
	store    approval.Store
	logger   *slog.Logger
	audit    audit.Store
	metrics  *metrics.Metrics
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string]*waiter

	kick chan string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithInterval sets how often registered ids are swept.
func WithInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option      { return func(b *Bridge) { b.logger = l } }
func WithAudit(s audit.Store) Option        { return func(b *Bridge) { b.audit = s } }
func WithMetrics(m *metrics.Metrics) Option { return func(b *Bridge) { b.metrics = m } }

// New creates a bridge over store.
func New(store approval.Store, opts ...Option) *Bridge {
	b := &Bridge{
		store:    store,
		logger:   slog.Default(),
		interval: DefaultInterval,
		now:      time.Now,
		waiters:  make(map[string]*waiter),
		kick:     make(chan string, 64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds a waiter for id. The returned channel receives exactly
// one decision, unless the waiter is cancelled first.
func (b *Bridge) Register(id, taskID string) (<-chan *approval.Decision, error) {
	b.mu.Lock()
	if _, ok := b.waiters[id]; ok {
		b.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	w := &waiter{
		ch:           make(chan *approval.Decision, 1),
		taskID:       taskID,
		registeredAt: b.now(),
	}
	b.waiters[id] = w
	n := len(b.waiters)
	b.mu.Unlock()

	b.metrics.SetWaiting(n)

	// A decision may have landed before registration; look right away.
	select {
	case b.kick <- id:
	default:
	}
	return w.ch, nil
}

// Waiting returns the number of registered waiters.
func (b *Bridge) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Run sweeps registered ids on every tick and reacts to store decision
// hints until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	hints, unsubscribe := b.store.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info("resumption bridge started", "interval", b.interval)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("resumption bridge stopped")
			return nil
		case <-ticker.C:
			b.sweep(ctx)
		case id := <-b.kick:
			b.deliver(ctx, id)
		case id, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			b.deliver(ctx, id)
		}
	}
}

// Cancel unregisters the waiter for id and abandons its request. If a
// decision was recorded first, it is consumed and discarded.
func (b *Bridge) Cancel(id string) {
	b.mu.Lock()
	w, ok := b.waiters[id]
	delete(b.waiters, id)
	n := len(b.waiters)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.metrics.SetWaiting(n)

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	abandoned, err := b.store.Abandon(ctx, id)
	if err != nil {
		b.logger.Error("abandoning approval request", "approval_id", id, "error", err)
		return
	}
	if abandoned {
		b.logger.Info("approval request abandoned", "approval_id", id, "task_id", w.taskID)
		b.metrics.Abandoned()
		audit.Emit(ctx, b.audit, b.logger, &api.AuditRecord{
			Event:      api.EventAbandoned,
			ApprovalID: id,
			TaskID:     w.taskID,
			Duration:   b.now().Sub(w.registeredAt),
		})
		return
	}

	// Decided before we could abandon it. Consume so it is never delivered.
	d, err := b.store.TakeDecision(ctx, id)
	switch {
	case err == nil:
		b.late(ctx, id, w.taskID, d)
	case errors.Is(err, approval.ErrNotFound):
		// The run loop took it concurrently and will see the waiter gone.
	default:
		b.logger.Error("discarding decision for cancelled task", "approval_id", id, "error", err)
	}
}

func (b *Bridge) sweep(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.waiters))
	for id := range b.waiters {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		b.deliver(ctx, id)
	}
}

func (b *Bridge) deliver(ctx context.Context, id string) {
	b.mu.Lock()
	w, ok := b.waiters[id]
	b.mu.Unlock()
	if !ok {
		return
	}

	d, err := b.store.TakeDecision(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, approval.ErrNotDecided),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, approval.ErrAbandoned):
		return
	default:
		b.logger.Warn("taking decision failed; will retry", "approval_id", id, "error", err)
		return
	}

	// The send happens under mu, together with the removal: a Cancel that
	// finds the waiter gone always finds the decision buffered.
	b.mu.Lock()
	cur, ok := b.waiters[id]
	if ok && cur == w {
		w.ch <- d
		delete(b.waiters, id)
	}
	n := len(b.waiters)
	b.mu.Unlock()

	if !ok || cur != w {
		b.late(ctx, id, w.taskID, d)
		return
	}

	waited := b.now().Sub(w.registeredAt)
	b.metrics.SetWaiting(n)
	b.metrics.Resumed(waited)
	b.logger.Info("task resumed", "approval_id", id, "task_id", w.taskID, "approved", d.Approved, "waited", waited)

	rec := &api.AuditRecord{
		Event:      api.EventResumed,
		ApprovalID: id,
		TaskID:     w.taskID,
		Approved:   &d.Approved,
		Reason:     d.RejectionReason,
		Duration:   waited,
	}
	if d.SignedArtifact != "" {
		kind, hash := artifact.Describe(d.SignedArtifact)
		rec.ArtifactKind = string(kind)
		rec.TxHash = hash
	}
	audit.Emit(ctx, b.audit, b.logger, rec)
}

func (b *Bridge) late(ctx context.Context, id, taskID string, d *approval.Decision) {
	b.logger.Warn("late decision for cancelled task discarded",
		"approval_id", id, "task_id", taskID, "approved", d.Approved)
	b.metrics.LateDecision()
	audit.Emit(ctx, b.audit, b.logger, &api.AuditRecord{
		Event:      api.EventLateDecision,
		ApprovalID: id,
		TaskID:     taskID,
		Approved:   &d.Approved,
		Reason:     d.RejectionReason,
	})
}
