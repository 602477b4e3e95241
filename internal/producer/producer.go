// Package producer is the entry point for tasks that need a human to sign
// off on a transaction before they can continue.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/approval"
	"github.com/tkingovr/deploygate/internal/audit"
	"github.com/tkingovr/deploygate/internal/bridge"
	"github.com/tkingovr/deploygate/internal/metrics"
	"github.com/tkingovr/deploygate/internal/policy"
	"github.com/tkingovr/deploygate/internal/ratelimit"
	"github.com/tkingovr/deploygate/internal/tracing"
)

var (
	// ErrAbandonedTask is returned when the waiting task's context ends
	// before a decision arrives.
	ErrAbandonedTask = errors.New("approval wait abandoned")

	// ErrRateLimited is returned when the task opened too many requests.
	ErrRateLimited = errors.New("approval request rate limited")
)

// Params describes the transaction that needs approval.
type Params struct {
	// ID is optional; the store generates one when empty.
	ID      string
	TaskID  string
	Payload json.RawMessage
	Message string
}

// Producer creates approval requests and suspends callers until the
// request is decided.
type Producer struct {
	store   approval.Store
	bridge  *bridge.Bridge
	engine  policy.Engine
	limiter *ratelimit.Limiter
	audit   audit.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Producer.
type Option func(*Producer)

// WithPolicy gates every request through engine. Without it every
// request needs a human.
func WithPolicy(engine policy.Engine) Option { return func(p *Producer) { p.engine = engine } }

func WithLimiter(l *ratelimit.Limiter) Option { return func(p *Producer) { p.limiter = l } }
func WithAudit(s audit.Store) Option          { return func(p *Producer) { p.audit = s } }
func WithMetrics(m *metrics.Metrics) Option   { return func(p *Producer) { p.metrics = m } }
func WithLogger(l *slog.Logger) Option        { return func(p *Producer) { p.logger = l } }

// WithTTL sets the deadline given to new requests; zero means none.
func WithTTL(ttl time.Duration) Option { return func(p *Producer) { p.ttl = ttl } }

// New creates a producer. b must be running for waits to complete.
func New(store approval.Store, b *bridge.Bridge, opts ...Option) *Producer {
	p := &Producer{
		store:  store,
		bridge: b,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pending is a submitted request that has not been waited on yet.
type Pending struct {
	// ID is empty when the policy rejected the payload outright.
	ID     string
	TaskID string

	ch       <-chan *approval.Decision
	decision *approval.Decision
	p        *Producer
}

// RequestApproval submits a request and blocks until it is decided or ctx
// ends. It never times out on its own: requests with a TTL are rejected by
// the expiry loop, which resumes the caller with that rejection.
func (p *Producer) RequestApproval(ctx context.Context, params Params) (d *approval.Decision, err error) {
	ctx, span := tracing.StartSpan(ctx, "approval.request", trace.SpanKindProducer,
		attribute.String("task.id", params.TaskID))
	defer func() { tracing.EndSpan(span, err) }()

	pending, err := p.Submit(ctx, params)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("approval.id", pending.ID))
	return pending.Wait(ctx)
}

// Submit runs the policy gate and rate limit, creates the request and
// registers the caller with the bridge, without waiting.
func (p *Producer) Submit(ctx context.Context, params Params) (*Pending, error) {
	verdict := &policy.EvalResult{Verdict: api.VerdictAsk, Rule: "_none"}
	if p.engine != nil {
		res, err := p.engine.Evaluate(ctx, &policy.EvalInput{TaskID: params.TaskID, Payload: params.Payload})
		if err != nil {
			return nil, fmt.Errorf("evaluating approval policy: %w", err)
		}
		verdict = res
	}

	if !verdict.RequiresHuman() {
		reason := verdict.Message
		if reason == "" {
			reason = "denied by policy rule " + verdict.Rule
		}
		d := approval.Reject(reason)
		d.DecidedAt = p.now()
		p.metrics.RequestCreated(string(verdict.Verdict))
		p.logger.Info("approval request denied by policy", "task_id", params.TaskID, "rule", verdict.Rule)
		audit.Emit(ctx, p.audit, p.logger, &api.AuditRecord{
			Event:   api.EventPolicyDenied,
			TaskID:  params.TaskID,
			Rule:    verdict.Rule,
			Message: verdict.Message,
			Reason:  reason,
		})
		return &Pending{TaskID: params.TaskID, decision: &d, p: p}, nil
	}

	if res := p.limiter.Allow(params.TaskID); !res.Allowed {
		p.logger.Warn("approval request rate limited", "task_id", params.TaskID, "rule", res.Rule)
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, res.Message)
	}

	id, err := p.store.Create(ctx, approval.CreateParams{
		ID:      params.ID,
		Payload: params.Payload,
		Message: params.Message,
		TaskID:  params.TaskID,
		TTL:     p.ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("creating approval request: %w", err)
	}

	ch, err := p.bridge.Register(id, params.TaskID)
	if err != nil {
		if _, abandonErr := p.store.Abandon(ctx, id); abandonErr != nil {
			p.logger.Error("abandoning unregistered request", "approval_id", id, "error", abandonErr)
		}
		return nil, fmt.Errorf("registering approval %s: %w", id, err)
	}

	p.metrics.RequestCreated(string(verdict.Verdict))
	p.logger.Info("approval requested", "approval_id", id, "task_id", params.TaskID, "rule", verdict.Rule)
	audit.Emit(ctx, p.audit, p.logger, &api.AuditRecord{
		Event:      api.EventCreated,
		ApprovalID: id,
		TaskID:     params.TaskID,
		Rule:       verdict.Rule,
		Message:    params.Message,
	})

	return &Pending{ID: id, TaskID: params.TaskID, ch: ch, p: p}, nil
}

// Wait suspends until the decision is delivered. If ctx ends first the
// request is abandoned and the error wraps both ErrAbandonedTask and
// ctx.Err().
func (w *Pending) Wait(ctx context.Context) (*approval.Decision, error) {
	if w.decision != nil {
		return w.decision, nil
	}

	select {
	case d := <-w.ch:
		return d, nil
	case <-ctx.Done():
	}

	w.p.bridge.Cancel(w.ID)

	// Delivered in the same instant ctx ended; the bridge already recorded
	// the resumption, so hand the decision over.
	select {
	case d := <-w.ch:
		return d, nil
	default:
	}

	w.p.logger.Info("approval wait abandoned", "approval_id", w.ID, "task_id", w.TaskID, "cause", ctx.Err())
	return nil, fmt.Errorf("%w: %s: %w", ErrAbandonedTask, w.ID, ctx.Err())
}
