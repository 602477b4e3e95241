// Package signing drives one approval request from the human's decision to
// a recorded store decision, through an external signer.
package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/approval"
	"github.com/tkingovr/deploygate/internal/metrics"
	"github.com/tkingovr/deploygate/internal/wallet"
)

// State is a signing machine state.
type State string

const (
	StateIdle         State = "IDLE"
	StateApproving    State = "APPROVING"
	StateSigning      State = "SIGNING"
	StateBroadcasting State = "BROADCASTING"
	StateSuccess      State = "SUCCESS"
	StateError        State = "ERROR"
)

var (
	// ErrSignerUnavailable is returned when neither signing strategy
	// produced an artifact. The request stays pending.
	ErrSignerUnavailable = errors.New("signer unavailable")

	// ErrSubmissionFailed is returned when the decision could not be
	// delivered to the store. A retry reuses the artifact already obtained.
	ErrSubmissionFailed = errors.New("decision submission failed")

	// ErrInvalidTransition is returned for actions not allowed in the
	// current state.
	ErrInvalidTransition = errors.New("invalid signing state transition")

	// ErrAlreadyDecided is returned when another decision won.
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// Signer is the external signing capability. *wallet.Client satisfies it.
type Signer interface {
	// SignTransaction signs without submitting.
	SignTransaction(ctx context.Context, tx json.RawMessage) (string, error)
	// SendTransaction signs and submits, returning the submission id.
	SendTransaction(ctx context.Context, tx json.RawMessage) (string, error)
}

// Decider records decisions. Both *client.Client and approval.Store
// satisfy it, and both also implement Verifier.
type Decider interface {
	Decide(ctx context.Context, id string, d approval.Decision) (bool, error)
}

// Verifier reads back the decision recorded for an id. When the decider
// also implements it, a retry whose earlier submission landed without an
// answer is recognized as this machine's own decision.
type Verifier interface {
	Recorded(ctx context.Context, id string) (*approval.Decision, error)
}

// Marker is told when a decision for id has been recorded. *poller.Poller
// satisfies it.
type Marker interface {
	MarkSubmitted(id string)
}

// TransitionFunc observes state changes.
type TransitionFunc func(from, to State)

// Snapshot is the externally visible machine state.
type Snapshot struct {
	State    State
	Artifact string
	Error    string
	// Rejected is set when SUCCESS was reached by rejecting.
	Rejected bool
}

// Machine is the signing state machine for one approval request. It is
// safe for concurrent use; conflicting actions fail with
// ErrInvalidTransition.
type Machine struct {
	id      string
	payload json.RawMessage
	signer  Signer
	decider Decider
	marker  Marker
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	state    State
	artifact string
	errMsg   string
	rejected bool

	// Set once a decision of that kind reached the store.
	approveSent bool
	rejectSent  bool
	// unconfirmed is set when a submission failed in transport and may
	// still have been recorded.
	unconfirmed bool

	// attempt invalidates in-flight work on Cancel and Reject.
	attempt   uint64
	cancel    context.CancelFunc
	listeners []TransitionFunc
}

// Option configures a Machine.
type Option func(*Machine)

// WithMarker hides the request in a poller once decided.
func WithMarker(mk Marker) Option { return func(m *Machine) { m.marker = mk } }

// WithArtifact starts the machine with an artifact signed by an earlier
// attempt, so Approve submits it without asking the wallet again. That
// attempt may have been recorded already, which Approve checks for.
func WithArtifact(a string) Option {
	return func(m *Machine) {
		m.artifact = a
		m.unconfirmed = a != ""
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// New creates a machine in IDLE for req.
func New(req api.ApprovalRequest, signer Signer, decider Decider, opts ...Option) *Machine {
	m := &Machine{
		id:      req.ApprovalID,
		payload: req.Payload,
		signer:  signer,
		decider: decider,
		logger:  slog.Default(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition registers fn for every state change. Listeners run outside
// the machine lock and may call back into it.
func (m *Machine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, Artifact: m.artifact, Error: m.errMsg, Rejected: m.rejected}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Approve signs the payload and submits the approval. It returns the
// artifact recorded in the store.
func (m *Machine) Approve(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.state != StateIdle || m.approveSent {
		err := m.invalidLocked("approve")
		m.mu.Unlock()
		return "", err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.attempt++
	attempt := m.attempt
	m.cancel = cancel
	artifact := m.artifact
	notify := m.setLocked(StateApproving)
	m.mu.Unlock()
	notify()

	if artifact != "" {
		m.logger.Info("reusing signed artifact from earlier attempt", "approval_id", m.id)
		if !m.advance(attempt, StateApproving, StateBroadcasting) {
			return "", fmt.Errorf("approval cancelled: %w", context.Canceled)
		}
	} else {
		if !m.advance(attempt, StateApproving, StateSigning) {
			return "", fmt.Errorf("approval cancelled: %w", context.Canceled)
		}
		a, err := m.sign(ctx)
		if a != "" {
			m.mu.Lock()
			m.artifact = a
			m.mu.Unlock()
		}
		if err == nil && a == "" {
			err = errors.New("wallet returned an empty artifact")
		}
		if err != nil {
			if m.stale(attempt) {
				return "", fmt.Errorf("approval cancelled: %w", errors.Join(context.Canceled, err))
			}
			err = fmt.Errorf("%w: %w", ErrSignerUnavailable, err)
			m.fail(attempt, err)
			return "", err
		}
		artifact = a
		if !m.advance(attempt, StateSigning, StateBroadcasting) {
			return "", fmt.Errorf("approval cancelled: %w", context.Canceled)
		}
	}

	if err := m.submit(ctx, attempt, approval.Approve(artifact)); err != nil {
		return "", err
	}
	return artifact, nil
}

// Reject submits a rejection. It is allowed from IDLE and from APPROVING,
// where it cancels the approval attempt in progress.
func (m *Machine) Reject(ctx context.Context, reason string) error {
	m.mu.Lock()
	if (m.state != StateIdle && m.state != StateApproving) || m.rejectSent {
		err := m.invalidLocked("reject")
		m.mu.Unlock()
		return err
	}
	if m.state == StateApproving && m.cancel != nil {
		m.cancel()
	}
	m.attempt++
	attempt := m.attempt
	notify := m.setLocked(StateBroadcasting)
	m.mu.Unlock()
	notify()

	if reason == "" {
		reason = "rejected by user"
	}
	return m.submit(ctx, attempt, approval.Reject(reason))
}

// Cancel abandons an approval attempt before any decision is submitted
// and returns to IDLE.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	if m.state != StateApproving && m.state != StateSigning {
		err := m.invalidLocked("cancel")
		m.mu.Unlock()
		return err
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.attempt++
	notify := m.setLocked(StateIdle)
	m.mu.Unlock()
	notify()
	return nil
}

// Reset leaves ERROR for IDLE and clears the error. A signed artifact is
// kept so that a retry does not sign twice.
func (m *Machine) Reset() error {
	m.mu.Lock()
	if m.state != StateError {
		err := m.invalidLocked("reset")
		m.mu.Unlock()
		return err
	}
	m.errMsg = ""
	notify := m.setLocked(StateIdle)
	m.mu.Unlock()
	notify()
	return nil
}

func (m *Machine) sign(ctx context.Context) (string, error) {
	artifact, err := m.signer.SignTransaction(ctx, m.payload)
	if !errors.Is(err, wallet.ErrNotSupported) {
		return artifact, err
	}
	m.metrics.SignerFallback()
	m.logger.Info("sign-only not supported; signing and submitting", "approval_id", m.id)
	return m.signer.SendTransaction(ctx, m.payload)
}

// submit sends d from BROADCASTING and moves to SUCCESS or ERROR.
func (m *Machine) submit(ctx context.Context, attempt uint64, d approval.Decision) error {
	ok, err := m.decider.Decide(ctx, m.id, d)
	if err == nil && !ok && m.landedEarlier(ctx, d) {
		m.logger.Info("earlier submission was recorded", "approval_id", m.id, "approved", d.Approved)
		ok = true
	}

	reached := err == nil || errors.Is(err, approval.ErrAbandoned) || errors.Is(err, approval.ErrUnknownApprovalID)
	m.mu.Lock()
	switch {
	case !reached:
		m.unconfirmed = true
	case d.Approved:
		m.approveSent = true
	default:
		m.rejectSent = true
	}
	m.mu.Unlock()

	switch {
	case err != nil && !reached:
		err = fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	case err == nil && !ok:
		err = ErrAlreadyDecided
	}
	if err != nil {
		m.logger.Warn("decision not recorded", "approval_id", m.id, "approved", d.Approved, "error", err)
		m.fail(attempt, err)
		return err
	}

	m.mu.Lock()
	m.rejected = !d.Approved
	m.mu.Unlock()
	m.advance(attempt, StateBroadcasting, StateSuccess)
	m.logger.Info("decision recorded", "approval_id", m.id, "approved", d.Approved)
	if m.marker != nil {
		m.marker.MarkSubmitted(m.id)
	}
	return nil
}

// landedEarlier reports whether the store holds d because an earlier
// submission from this machine was recorded after its answer was lost.
func (m *Machine) landedEarlier(ctx context.Context, d approval.Decision) bool {
	m.mu.Lock()
	unconfirmed := m.unconfirmed
	m.mu.Unlock()
	v, ok := m.decider.(Verifier)
	if !unconfirmed || !ok {
		return false
	}

	rec, err := v.Recorded(ctx, m.id)
	if err != nil {
		m.logger.Warn("reading recorded decision", "approval_id", m.id, "error", err)
		return false
	}
	if rec.Approved != d.Approved || rec.SignedArtifact != d.SignedArtifact {
		return false
	}
	return d.Approved || rec.RejectionReason == d.RejectionReason
}

// advance moves from -> to if attempt is still current.
func (m *Machine) advance(attempt uint64, from, to State) bool {
	m.mu.Lock()
	if attempt != m.attempt || m.state != from {
		m.mu.Unlock()
		return false
	}
	notify := m.setLocked(to)
	m.mu.Unlock()
	notify()
	return true
}

func (m *Machine) fail(attempt uint64, err error) {
	m.mu.Lock()
	if attempt != m.attempt {
		m.mu.Unlock()
		return
	}
	m.errMsg = err.Error()
	notify := m.setLocked(StateError)
	m.mu.Unlock()
	notify()
}

func (m *Machine) stale(attempt uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return attempt != m.attempt
}

func (m *Machine) invalidLocked(action string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, m.state)
}

// setLocked changes state and returns a func that notifies listeners. It
// must be called with mu held; call the returned func after unlocking.
func (m *Machine) setLocked(to State) func() {
	from := m.state
	m.state = to
	listeners := slices.Clone(m.listeners)
	return func() {
		for _, l := range listeners {
			l(from, to)
		}
	}
}
