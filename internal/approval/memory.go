package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultHistorySize = 1000
	DefaultHistoryTTL  = time.Hour
)

// outcome is written once per entry; a nil outcome means PENDING.
type outcome struct {
	status   Status
	decision *Decision
}

type entry struct {
	req     Request
	outcome atomic.Pointer[outcome]
	taken   atomic.Bool
}

func (e *entry) view() *Request {
	r := e.req
	r.Status = StatusPending
	if o := e.outcome.Load(); o != nil {
		r.Status = o.status
		if o.decision != nil {
			d := *o.decision
			r.Decision = &d
		}
	}
	if r.Status == StatusDecided && e.taken.Load() {
		r.Status = StatusConsumed
	}
	return &r
}

// snapshot is immutable once published.
type snapshot struct {
	order []*entry
	byID  map[string]*entry
}

// MemoryStore is an in-process Store. Structural changes (create, removal)
// publish a new copy-on-write snapshot, so ListPending never blocks writers.
// Decisions are a compare-and-swap on the entry itself, so deciding one id
// never contends with another.
type MemoryStore struct {
	mu    sync.Mutex
	snap  atomic.Pointer[snapshot]
	total atomic.Int64

	// Consumed and abandoned entries stay here briefly for audit and so late
	// decisions can be told apart from unknown ids.
	history     *expirable.LRU[string, *entry]
	historySize int
	historyTTL  time.Duration

	now   func() time.Time
	newID func() string

	subMu   sync.RWMutex
	subs    map[int]chan string
	nextSub int
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithIDFunc overrides id generation.
func WithIDFunc(fn func() string) MemoryOption {
	return func(s *MemoryStore) { s.newID = fn }
}

// WithHistory bounds how many retired requests are kept and for how long.
func WithHistory(size int, ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.historySize = size
		s.historyTTL = ttl
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		historySize: DefaultHistorySize,
		historyTTL:  DefaultHistoryTTL,
		now:         time.Now,
		newID:       uuid.NewString,
		subs:        make(map[int]chan string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.historySize <= 0 {
		s.historySize = DefaultHistorySize
	}
	s.history = expirable.NewLRU[string, *entry](s.historySize, nil, s.historyTTL)
	s.snap.Store(&snapshot{byID: make(map[string]*entry)})
	return s
}

func (s *MemoryStore) Create(_ context.Context, p CreateParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := p.ID
	if id == "" {
		id = s.newID()
	}
	cur := s.snap.Load()
	if _, ok := cur.byID[id]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	if s.history.Contains(id) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}

	now := s.now()
	e := &entry{req: Request{
		ID:        id,
		Payload:   append(json.RawMessage(nil), p.Payload...),
		Message:   p.Message,
		TaskID:    p.TaskID,
		CreatedAt: now,
	}}
	if p.TTL > 0 {
		exp := now.Add(p.TTL)
		e.req.ExpiresAt = &exp
	}

	next := &snapshot{
		order: make([]*entry, 0, len(cur.order)+1),
		byID:  make(map[string]*entry, len(cur.byID)+1),
	}
	next.order = append(next.order, cur.order...)
	next.order = append(next.order, e)
	for k, v := range cur.byID {
		next.byID[k] = v
	}
	next.byID[id] = e
	s.snap.Store(next)
	s.total.Add(1)
	return id, nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]*Request, error) {
	snap := s.snap.Load()
	pending := make([]*Request, 0, len(snap.order))
	for _, e := range snap.order {
		if e.outcome.Load() == nil {
			pending = append(pending, e.view())
		}
	}
	return pending, nil
}

func (s *MemoryStore) Decide(_ context.Context, id string, d Decision) (bool, error) {
	e := s.lookup(id)
	if e == nil {
		if h, ok := s.history.Peek(id); ok {
			if h.view().Status == StatusAbandoned {
				return false, ErrAbandoned
			}
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrUnknownApprovalID, id)
	}

	if d.DecidedAt.IsZero() {
		d.DecidedAt = s.now()
	}
	if e.outcome.CompareAndSwap(nil, &outcome{status: StatusDecided, decision: &d}) {
		s.notify(id)
		return true, nil
	}
	if o := e.outcome.Load(); o.status == StatusAbandoned {
		return false, ErrAbandoned
	}
	return false, nil
}

func (s *MemoryStore) TakeDecision(_ context.Context, id string) (*Decision, error) {
	e := s.lookup(id)
	if e == nil {
		if h, ok := s.history.Peek(id); ok && h.view().Status == StatusAbandoned {
			return nil, ErrAbandoned
		}
		return nil, ErrNotFound
	}

	o := e.outcome.Load()
	if o == nil {
		return nil, ErrNotDecided
	}
	if o.status == StatusAbandoned {
		return nil, ErrAbandoned
	}
	if !e.taken.CompareAndSwap(false, true) {
		return nil, ErrNotFound
	}
	s.retire(e)
	d := *o.decision
	return &d, nil
}

func (s *MemoryStore) Abandon(_ context.Context, id string) (bool, error) {
	e := s.lookup(id)
	if e == nil {
		if s.history.Contains(id) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrUnknownApprovalID, id)
	}
	if !e.outcome.CompareAndSwap(nil, &outcome{status: StatusAbandoned}) {
		return false, nil
	}
	s.retire(e)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	if e := s.lookup(id); e != nil {
		return e.view(), nil
	}
	if h, ok := s.history.Peek(id); ok {
		if r := h.view(); r.Status != StatusConsumed {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *MemoryStore) Recorded(_ context.Context, id string) (*Decision, error) {
	e := s.lookup(id)
	if e == nil {
		h, ok := s.history.Peek(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownApprovalID, id)
		}
		e = h
	}
	o := e.outcome.Load()
	switch {
	case o == nil:
		return nil, ErrNotDecided
	case o.status == StatusAbandoned:
		return nil, ErrAbandoned
	}
	d := *o.decision
	return &d, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	pending, _ := s.ListPending(ctx)
	return Stats{Pending: len(pending), Total: int(s.total.Load())}, nil
}

// History returns recently retired requests, oldest first.
func (s *MemoryStore) History() []*Request {
	entries := s.history.Values()
	out := make([]*Request, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.view())
	}
	return out
}

func (s *MemoryStore) Subscribe() (<-chan string, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan string, 64)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; !ok {
			return
		}
		delete(s.subs, id)
		close(ch)
	}
	return ch, cancel
}

func (s *MemoryStore) lookup(id string) *entry {
	return s.snap.Load().byID[id]
}

// retire removes e from the live snapshot and parks it in history.
func (s *MemoryStore) retire(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	if cur.byID[e.req.ID] != e {
		return
	}
	next := &snapshot{
		order: make([]*entry, 0, len(cur.order)),
		byID:  make(map[string]*entry, len(cur.byID)),
	}
	for _, o := range cur.order {
		if o != e {
			next.order = append(next.order, o)
			next.byID[o.req.ID] = o
		}
	}
	// History first, so an id is never missing from both.
	s.history.Add(e.req.ID, e)
	s.snap.Store(next)
}

func (s *MemoryStore) notify(id string) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- id:
		default:
			// Slow subscribers fall back to polling.
		}
	}
}

var _ Store = (*MemoryStore)(nil)
