package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkingovr/deploygate/api"
)

const (
	defaultTail   = 10000
	subscriberBuf = 100
	dateLayout    = "2006-01-02"
)

// JSONLStore appends approval lifecycle records to one JSONL file per day.
// A bounded tail of recent records is kept in memory for the dashboard, and
// today's file is replayed into it on open so a restart keeps history.
type JSONLStore struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	currentDate string
	file        *os.File
	writer      *bufio.Writer

	// tail is a ring of the last len(tail) records; next is the slot the
	// following write goes to.
	tail  []*api.AuditRecord
	next  int
	count int
	stats api.AuditStats

	subMu   sync.RWMutex
	subs    map[int]chan *api.AuditRecord
	nextSub int
}

// Option configures a JSONLStore.
type Option func(*JSONLStore)

// WithTail sets how many recent records are kept in memory.
func WithTail(n int) Option {
	return func(s *JSONLStore) {
		if n > 0 {
			s.tail = make([]*api.AuditRecord, n)
		}
	}
}

// WithClock overrides the time source for records without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *JSONLStore) { s.now = now }
}

// NewJSONLStore creates a JSONL audit store writing to dir.
func NewJSONLStore(dir string, opts ...Option) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	s := &JSONLStore{
		dir:   dir,
		now:   time.Now,
		tail:  make([]*api.AuditRecord, defaultTail),
		stats: api.AuditStats{ByEvent: make(map[api.AuditEvent]int)},
		subs:  make(map[int]chan *api.AuditRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.replay(s.now().Format(dateLayout)); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLStore) Write(_ context.Context, record *api.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}

	if date := record.Timestamp.Format(dateLayout); date != s.currentDate {
		if err := s.rotate(date); err != nil {
			return err
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flushing audit log: %w", err)
	}

	s.remember(record)
	s.notifySubscribers(record)
	return nil
}

// Query returns matching records from the in-memory tail, oldest first.
func (s *JSONLStore) Query(_ context.Context, filter api.QueryFilter) ([]*api.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []*api.AuditRecord
	skipped := 0
	s.each(func(r *api.AuditRecord) bool {
		if !matchesFilter(r, filter) {
			return true
		}
		if skipped < filter.Offset {
			skipped++
			return true
		}
		results = append(results, r)
		return filter.Limit <= 0 || len(results) < filter.Limit
	})
	return results, nil
}

// Stats counts every record written or replayed since the store opened,
// including ones that have left the in-memory tail.
func (s *JSONLStore) Stats(_ context.Context) (*api.AuditStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.ByEvent = make(map[api.AuditEvent]int, len(s.stats.ByEvent))
	for k, v := range s.stats.ByEvent {
		out.ByEvent[k] = v
	}
	return &out, nil
}

func (s *JSONLStore) Subscribe(_ context.Context) (<-chan *api.AuditRecord, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan *api.AuditRecord, subscriberBuf)
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

// Recent returns up to n records, newest first.
func (s *JSONLStore) Recent(n int) []*api.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > s.count {
		n = s.count
	}
	out := make([]*api.AuditRecord, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, s.tail[(s.next-i+len(s.tail))%len(s.tail)])
	}
	return out
}

func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.writer != nil {
		err = s.writer.Flush()
	}
	if s.file != nil {
		err = errors.Join(err, s.file.Close())
		s.file, s.writer = nil, nil
		s.currentDate = ""
	}
	return err
}

func (s *JSONLStore) path(date string) string {
	return filepath.Join(s.dir, date+".jsonl")
}

// replay loads the records of date's file into the tail and stats.
// Malformed lines are skipped.
func (s *JSONLStore) replay(date string) error {
	f, err := os.Open(s.path(date))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening audit log for replay: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec api.AuditRecord
		if json.Unmarshal(sc.Bytes(), &rec) != nil {
			continue
		}
		s.remember(&rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("replaying audit log: %w", err)
	}
	return nil
}

func (s *JSONLStore) rotate(date string) error {
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(s.path(date), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("opening audit log file: %w", err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.currentDate = date
	return nil
}

// remember adds r to the tail and the running stats. Callers hold mu.
func (s *JSONLStore) remember(r *api.AuditRecord) {
	s.tail[s.next] = r
	s.next = (s.next + 1) % len(s.tail)
	if s.count < len(s.tail) {
		s.count++
	}

	s.stats.TotalEvents++
	s.stats.ByEvent[r.Event]++
	switch r.Event {
	case api.EventCreated:
		s.stats.Created++
	case api.EventDecided:
		if r.Approved != nil && *r.Approved {
			s.stats.Approved++
		} else {
			s.stats.Rejected++
		}
	case api.EventAbandoned:
		s.stats.Abandoned++
	case api.EventLateDecision:
		s.stats.LateDecisions++
	case api.EventExpired:
		s.stats.Expired++
	}
}

// each visits tail records oldest first until fn returns false.
func (s *JSONLStore) each(fn func(*api.AuditRecord) bool) {
	start := (s.next - s.count + len(s.tail)) % len(s.tail)
	for i := 0; i < s.count; i++ {
		if !fn(s.tail[(start+i)%len(s.tail)]) {
			return
		}
	}
}

// notifySubscribers drops records for subscribers that fall behind.
func (s *JSONLStore) notifySubscribers(record *api.AuditRecord) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- record:
		default:
		}
	}
}

func matchesFilter(r *api.AuditRecord, f api.QueryFilter) bool {
	switch {
	case !f.Since.IsZero() && r.Timestamp.Before(f.Since),
		!f.Until.IsZero() && r.Timestamp.After(f.Until),
		f.Event != "" && r.Event != f.Event,
		f.ApprovalID != "" && r.ApprovalID != f.ApprovalID,
		f.TaskID != "" && r.TaskID != f.TaskID:
		return false
	}
	return true
}
