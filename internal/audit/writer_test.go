package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tkingovr/deploygate/api"
)

func boolPtr(b bool) *bool { return &b }

func TestJSONLStore_WriteAndQuery(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()

	record := &api.AuditRecord{
		Timestamp:  time.Now(),
		Event:      api.EventCreated,
		ApprovalID: "A1",
		TaskID:     "conv-1",
		Rule:       "_default",
	}
	if err := store.Write(ctx, record); err != nil {
		t.Fatal(err)
	}
	if record.ID == "" {
		t.Error("expected generated record id")
	}

	results, err := store.Query(ctx, api.QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].ApprovalID != "A1" {
		t.Errorf("expected approval A1, got %s", results[0].ApprovalID)
	}
}

func TestJSONLStore_QueryFilter(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()

	records := []*api.AuditRecord{
		{Timestamp: time.Now(), Event: api.EventCreated, ApprovalID: "A1", TaskID: "t1"},
		{Timestamp: time.Now(), Event: api.EventDecided, ApprovalID: "A1", TaskID: "t1", Approved: boolPtr(true)},
		{Timestamp: time.Now(), Event: api.EventCreated, ApprovalID: "A2", TaskID: "t2"},
	}
	for _, r := range records {
		if err := store.Write(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	results, err := store.Query(ctx, api.QueryFilter{Event: api.EventCreated})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 created events, got %d", len(results))
	}

	results, err = store.Query(ctx, api.QueryFilter{ApprovalID: "A1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 A1 events, got %d", len(results))
	}

	results, err = store.Query(ctx, api.QueryFilter{TaskID: "t2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 t2 event, got %d", len(results))
	}

	results, err = store.Query(ctx, api.QueryFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Event != api.EventDecided {
		t.Fatalf("unexpected page %+v", results)
	}
}

func TestJSONLStore_Stats(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()

	records := []*api.AuditRecord{
		{Event: api.EventCreated, ApprovalID: "A1"},
		{Event: api.EventDecided, ApprovalID: "A1", Approved: boolPtr(true)},
		{Event: api.EventCreated, ApprovalID: "A2"},
		{Event: api.EventDecided, ApprovalID: "A2", Approved: boolPtr(false)},
		{Event: api.EventCreated, ApprovalID: "A3"},
		{Event: api.EventAbandoned, ApprovalID: "A3"},
		{Event: api.EventLateDecision, ApprovalID: "A3"},
		{Event: api.EventExpired, ApprovalID: "A4"},
	}
	for _, r := range records {
		if err := store.Write(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEvents != 8 {
		t.Errorf("expected 8 total, got %d", stats.TotalEvents)
	}
	if stats.Created != 3 {
		t.Errorf("expected 3 created, got %d", stats.Created)
	}
	if stats.Approved != 1 || stats.Rejected != 1 {
		t.Errorf("expected 1 approved and 1 rejected, got %d/%d", stats.Approved, stats.Rejected)
	}
	if stats.Abandoned != 1 || stats.LateDecisions != 1 || stats.Expired != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.ByEvent[api.EventCreated] != 3 {
		t.Errorf("expected 3 created by event, got %d", stats.ByEvent[api.EventCreated])
	}
}

func TestJSONLStore_FileCreation(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	record := &api.AuditRecord{
		Timestamp: now,
		Event:     api.EventCreated,
	}
	if err := store.Write(context.Background(), record); err != nil {
		t.Fatal(err)
	}
	store.Close()

	expectedFile := filepath.Join(dir, now.Format("2006-01-02")+".jsonl")
	if _, err := os.Stat(expectedFile); os.IsNotExist(err) {
		t.Errorf("expected audit log file %s to exist", expectedFile)
	}
}

func TestJSONLStore_Subscribe(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ch, cancel := store.Subscribe(context.Background())
	defer cancel()

	go func() {
		store.Write(context.Background(), &api.AuditRecord{Event: api.EventResumed, ApprovalID: "A9"})
	}()

	select {
	case r := <-ch:
		if r.ApprovalID != "A9" {
			t.Errorf("expected approval A9, got %s", r.ApprovalID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscription event")
	}
}

func TestJSONLStore_Recent(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	for _, id := range []string{"A1", "A2", "A3"} {
		store.Write(context.Background(), &api.AuditRecord{Event: api.EventCreated, ApprovalID: id})
	}
	recent := store.Recent(2)
	if len(recent) != 2 || recent[0].ApprovalID != "A3" || recent[1].ApprovalID != "A2" {
		t.Errorf("unexpected recent records %+v", recent)
	}
}

func TestEmit_NilStore(t *testing.T) {
	Emit(context.Background(), nil, nil, &api.AuditRecord{Event: api.EventCreated})
}

func TestJSONLStore_ReplayOnOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	store.Write(ctx, &api.AuditRecord{Event: api.EventCreated, ApprovalID: "A1"})
	store.Write(ctx, &api.AuditRecord{Event: api.EventDecided, ApprovalID: "A1", Approved: boolPtr(false)})
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewJSONLStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	results, _ := reopened.Query(ctx, api.QueryFilter{ApprovalID: "A1"})
	if len(results) != 2 {
		t.Fatalf("expected 2 replayed records, got %d", len(results))
	}
	stats, _ := reopened.Stats(ctx)
	if stats.Created != 1 || stats.Rejected != 1 {
		t.Errorf("unexpected replayed stats %+v", stats)
	}

	reopened.Write(ctx, &api.AuditRecord{Event: api.EventCreated, ApprovalID: "A2"})
	if got := reopened.Recent(1); got[0].ApprovalID != "A2" {
		t.Errorf("expected A2 newest, got %s", got[0].ApprovalID)
	}
}

func TestJSONLStore_TailIsBounded(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir(), WithTail(3))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"A1", "A2", "A3", "A4", "A5"} {
		store.Write(ctx, &api.AuditRecord{Event: api.EventCreated, ApprovalID: id})
	}

	results, _ := store.Query(ctx, api.QueryFilter{})
	if len(results) != 3 || results[0].ApprovalID != "A3" || results[2].ApprovalID != "A5" {
		t.Errorf("unexpected tail %+v", results)
	}
	stats, _ := store.Stats(ctx)
	if stats.Created != 5 {
		t.Errorf("stats must count evicted records, got %d", stats.Created)
	}
}

func TestJSONLStore_WriteAfterClose(t *testing.T) {
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	store.Write(ctx, &api.AuditRecord{Event: api.EventCreated})
	store.Close()

	if err := store.Write(ctx, &api.AuditRecord{Event: api.EventExpired}); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	store.Close()
}
