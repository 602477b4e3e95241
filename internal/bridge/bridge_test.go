package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/approval"
	"github.com/tkingovr/deploygate/internal/audit"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBridge(t *testing.T, store approval.Store, opts ...Option) *Bridge {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithInterval(10 * time.Millisecond)}, opts...)
	b := New(store, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b
}

func receive(t *testing.T, ch <-chan *approval.Decision) *approval.Decision {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("decision was not delivered")
		return nil
	}
}

func TestBridge_DeliversDecision(t *testing.T) {
	ctx := context.Background()
	store := approval.NewMemoryStore()
	b := startBridge(t, store)

	id, err := store.Create(ctx, approval.CreateParams{TaskID: "conv-1"})
	require.NoError(t, err)
	ch, err := b.Register(id, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Waiting())

	ok, err := store.Decide(ctx, id, approval.Approve("0xsig"))
	require.NoError(t, err)
	require.True(t, ok)

	d := receive(t, ch)
	assert.True(t, d.Approved)
	assert.Equal(t, "0xsig", d.SignedArtifact)
	assert.Eventually(t, func() bool { return b.Waiting() == 0 }, time.Second, 5*time.Millisecond)

	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestBridge_DecisionBeforeRegister(t *testing.T) {
	ctx := context.Background()
	store := approval.NewMemoryStore()
	b := startBridge(t, store, WithInterval(time.Hour))

	id, _ := store.Create(ctx, approval.CreateParams{})
	_, _ = store.Decide(ctx, id, approval.Reject("no"))

	ch, err := b.Register(id, "")
	require.NoError(t, err)
	d := receive(t, ch)
	assert.False(t, d.Approved)
	assert.Equal(t, "no", d.RejectionReason)
}

func TestBridge_DuplicateRegister(t *testing.T) {
	store := approval.NewMemoryStore()
	b := New(store, WithLogger(quietLogger()))
	id, _ := store.Create(context.Background(), approval.CreateParams{})

	_, err := b.Register(id, "")
	require.NoError(t, err)
	_, err = b.Register(id, "")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestBridge_ResumesExactlyOnceOnDuplicateHints(t *testing.T) {
	ctx := context.Background()
	store := approval.NewMemoryStore()
	b := New(store, WithLogger(quietLogger()), WithInterval(time.Hour))

	id, _ := store.Create(ctx, approval.CreateParams{})
	ch, err := b.Register(id, "")
	require.NoError(t, err)
	_, _ = store.Decide(ctx, id, approval.Approve("0x1"))

	// Same notification observed several times, concurrently.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.deliver(ctx, id)
			b.sweep(ctx)
		}()
	}
	wg.Wait()

	require.Len(t, ch, 1)
	<-ch
	assert.Len(t, ch, 0)
	assert.Equal(t, 0, b.Waiting())
}

func TestBridge_CancelAbandons(t *testing.T) {
	ctx := context.Background()
	store := approval.NewMemoryStore()
	auditStore, err := audit.NewJSONLStore(t.TempDir())
	require.NoError(t, err)
	defer auditStore.Close()
	b := startBridge(t, store, WithAudit(auditStore))

	id, _ := store.Create(ctx, approval.CreateParams{TaskID: "conv-2"})
	ch, err := b.Register(id, "conv-2")
	require.NoError(t, err)

	b.Cancel(id)
	assert.Equal(t, 0, b.Waiting())

	req, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusAbandoned, req.Status)

	// A late human decision is rejected by the store and never delivered.
	ok, err := store.Decide(ctx, id, approval.Approve("0xlate"))
	assert.False(t, ok)
	assert.ErrorIs(t, err, approval.ErrAbandoned)

	select {
	case d := <-ch:
		t.Fatalf("cancelled waiter was resumed with %+v", d)
	case <-time.After(50 * time.Millisecond):
	}

	recs, _ := auditStore.Query(ctx, api.QueryFilter{Event: api.EventAbandoned})
	require.Len(t, recs, 1)
	assert.Equal(t, "conv-2", recs[0].TaskID)

	// Cancelling twice is harmless.
	b.Cancel(id)
}

func TestBridge_CancelAfterDecisionDiscards(t *testing.T) {
	ctx := context.Background()
	store := approval.NewMemoryStore()
	auditStore, err := audit.NewJSONLStore(t.TempDir())
	require.NoError(t, err)
	defer auditStore.Close()
	b := New(store, WithLogger(quietLogger()), WithAudit(auditStore), WithInterval(time.Hour))

	id, _ := store.Create(ctx, approval.CreateParams{})
	ch, _ := b.Register(id, "")
	_, _ = store.Decide(ctx, id, approval.Approve("0x1"))

	b.Cancel(id)
	b.deliver(ctx, id)

	assert.Len(t, ch, 0)
	_, err = store.TakeDecision(ctx, id)
	assert.ErrorIs(t, err, approval.ErrNotFound, "decision must be consumed")

	recs, _ := auditStore.Query(ctx, api.QueryFilter{Event: api.EventLateDecision})
	assert.Len(t, recs, 1)
}

// flakyStore fails TakeDecision a fixed number of times.
type flakyStore struct {
	approval.Store
	failures atomic.Int32
}

func (s *flakyStore) TakeDecision(ctx context.Context, id string) (*approval.Decision, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return s.Store.TakeDecision(ctx, id)
}

func (s *flakyStore) Subscribe() (<-chan string, func()) {
	return nil, func() {}
}

func TestBridge_RetriesStoreErrors(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: approval.NewMemoryStore()}
	store.failures.Store(3)
	b := startBridge(t, store)

	id, _ := store.Create(ctx, approval.CreateParams{})
	ch, err := b.Register(id, "")
	require.NoError(t, err)
	_, _ = store.Decide(ctx, id, approval.Approve("0x2"))

	d := receive(t, ch)
	assert.Equal(t, "0x2", d.SignedArtifact)
}

func TestBridge_ManyConcurrentTasks(t *testing.T) {
	ctx := context.Background()
	store := approval.NewMemoryStore()
	b := startBridge(t, store)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := store.Create(ctx, approval.CreateParams{})
			if !assert.NoError(t, err) {
				return
			}
			ch, err := b.Register(id, "")
			if !assert.NoError(t, err) {
				return
			}
			_, _ = store.Decide(ctx, id, approval.Approve(id))
			select {
			case d := <-ch:
				assert.Equal(t, id, d.SignedArtifact)
			case <-time.After(2 * time.Second):
				assert.Fail(t, "decision was not delivered", id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Waiting())
}

func TestBridge_CancelRacingDeliveryNeverLosesDecision(t *testing.T) {
	ctx := context.Background()
	store := approval.NewMemoryStore()
	b := New(store, WithLogger(quietLogger()), WithInterval(time.Hour))

	for i := 0; i < 500; i++ {
		id, err := store.Create(ctx, approval.CreateParams{})
		require.NoError(t, err)
		ch, err := b.Register(id, "")
		require.NoError(t, err)
		_, err = store.Decide(ctx, id, approval.Approve("0xabc"))
		require.NoError(t, err)

		delivered := make(chan struct{})
		go func() {
			defer close(delivered)
			b.deliver(ctx, id)
		}()

		b.Cancel(id)
		var got *approval.Decision
		select {
		case got = <-ch:
		default:
		}
		<-delivered

		if got == nil {
			require.Len(t, ch, 0, "iteration %d: decision arrived after the waiter gave up", i)
		} else {
			assert.Equal(t, "0xabc", got.SignedArtifact)
		}
	}
	assert.Equal(t, 0, b.Waiting())
}
