// Package session keeps one signing machine per request surfaced by a
// poller, so a wallet-side process can approve, reject, retry and cancel
// across the lifetime of a request.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/metrics"
	"github.com/tkingovr/deploygate/internal/poller"
	"github.com/tkingovr/deploygate/internal/signing"
)

var (
	// ErrUnknownRequest is returned for a reference matching no surfaced
	// request.
	ErrUnknownRequest = errors.New("no such approval request")

	// ErrAmbiguous is returned when an id prefix matches several requests.
	ErrAmbiguous = errors.New("ambiguous approval id prefix")
)

// TransitionFunc observes state changes of any machine in the session.
type TransitionFunc func(id string, from, to signing.State)

// Entry is one request together with its machine state.
type Entry struct {
	Request api.ApprovalRequest
	signing.Snapshot
}

// Session ties a poller to the signing machines of the requests it
// surfaces. Machines outlive a failed attempt, so a retry reuses the
// artifact the wallet already produced.
type Session struct {
	poller  *poller.Poller
	signer  signing.Signer
	decider signing.Decider
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	order    []string
	surfaced map[string]bool
	requests map[string]api.ApprovalRequest
	machines map[string]*signing.Machine
	onChange []TransitionFunc
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// New attaches a session to p. Requests appear as p surfaces them.
func New(p *poller.Poller, signer signing.Signer, decider signing.Decider, opts ...Option) *Session {
	s := &Session{
		poller:   p,
		signer:   signer,
		decider:  decider,
		logger:   slog.Default(),
		requests: make(map[string]api.ApprovalRequest),
		machines: make(map[string]*signing.Machine),
	}
	for _, opt := range opts {
		opt(s)
	}
	p.OnChange(s.sync)
	return s
}

// OnTransition registers fn for state changes of every machine.
func (s *Session) OnTransition(fn TransitionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Entries lists the surfaced requests in poll order, followed by requests
// no longer surfaced whose machine still has work to report.
func (s *Session) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		e := Entry{Request: s.requests[id]}
		if m, ok := s.machines[id]; ok {
			e.Snapshot = m.Snapshot()
		}
		if !s.surfaced[id] && !keep(e.Snapshot) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Approve signs and approves the request ref names. ref is an id or a
// unique id prefix.
func (s *Session) Approve(ctx context.Context, ref string) (string, error) {
	m, _, err := s.machine(ref)
	if err != nil {
		return "", err
	}
	return m.Approve(ctx)
}

// Retry leaves ERROR and approves again, reusing any artifact the failed
// attempt obtained.
func (s *Session) Retry(ctx context.Context, ref string) (string, error) {
	m, _, err := s.machine(ref)
	if err != nil {
		return "", err
	}
	if err := m.Reset(); err != nil {
		return "", err
	}
	return m.Approve(ctx)
}

// Reject rejects the request ref names.
func (s *Session) Reject(ctx context.Context, ref, reason string) error {
	m, _, err := s.machine(ref)
	if err != nil {
		return err
	}
	return m.Reject(ctx, reason)
}

// Cancel stops an approval in progress for ref without deciding.
func (s *Session) Cancel(ref string) error {
	m, _, err := s.machine(ref)
	if err != nil {
		return err
	}
	return m.Cancel()
}

// Resolve expands ref to a full id.
func (s *Session) Resolve(ref string) (string, error) {
	_, id, err := s.machine(ref)
	return id, err
}

func (s *Session) machine(ref string) (*signing.Machine, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.machines[ref]; ok {
		return m, ref, nil
	}
	var found string
	for id := range s.machines {
		if ref == "" || !strings.HasPrefix(id, ref) {
			continue
		}
		if found != "" {
			return nil, "", fmt.Errorf("%w: %q", ErrAmbiguous, ref)
		}
		found = id
	}
	if found == "" {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownRequest, ref)
	}
	return s.machines[found], found, nil
}

// sync follows the poller. New requests get a machine. A request that left
// the surfaced set keeps its machine only while the machine holds something
// the user still has to act on: an attempt in flight, or an error with a
// signed artifact that must not be signed again.
func (s *Session) sync(reqs []api.ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(reqs))
	order := make([]string, 0, len(reqs))
	for _, r := range reqs {
		seen[r.ApprovalID] = true
		order = append(order, r.ApprovalID)
		s.requests[r.ApprovalID] = r
		if _, ok := s.machines[r.ApprovalID]; !ok {
			s.machines[r.ApprovalID] = s.newMachine(r)
		}
	}

	for id, m := range s.machines {
		if seen[id] {
			continue
		}
		if keep(m.Snapshot()) {
			order = append(order, id)
			continue
		}
		delete(s.machines, id)
		delete(s.requests, id)
	}
	s.order = order
	s.surfaced = seen
}

func keep(snap signing.Snapshot) bool {
	switch snap.State {
	case signing.StateApproving, signing.StateSigning, signing.StateBroadcasting:
		return true
	case signing.StateError:
		return snap.Artifact != ""
	}
	return false
}

// newMachine must be called with mu held.
func (s *Session) newMachine(r api.ApprovalRequest) *signing.Machine {
	m := signing.New(r, s.signer, s.decider,
		signing.WithMarker(s.poller),
		signing.WithLogger(s.logger),
		signing.WithMetrics(s.metrics),
	)
	id := r.ApprovalID
	m.OnTransition(func(from, to signing.State) {
		s.mu.Lock()
		listeners := append([]TransitionFunc(nil), s.onChange...)
		s.mu.Unlock()
		for _, fn := range listeners {
			fn(id, from, to)
		}
	})
	return m
}
