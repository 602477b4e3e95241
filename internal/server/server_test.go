package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/approval"
	"github.com/tkingovr/deploygate/internal/audit"
	"github.com/tkingovr/deploygate/internal/bridge"
	"github.com/tkingovr/deploygate/internal/policy"
	"github.com/tkingovr/deploygate/internal/producer"
)

type testEnv struct {
	srv   *Server
	store *approval.MemoryStore
	audit *audit.JSONLStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	auditStore, err := audit.NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditStore.Close() })

	pf := &policy.PolicyFile{
		Version:  1,
		Settings: policy.Settings{DefaultAction: api.VerdictAsk},
		Rules: []policy.Rule{
			{
				Name:    "block-mainnet-deploys",
				Match:   policy.RuleMatch{Network: "mainnet", Kind: policy.KindDeploy},
				Action:  "deny",
				Message: "mainnet deploys are blocked",
			},
		},
	}
	engine, err := policy.NewYAMLEngineFromPolicy(pf)
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := approval.NewMemoryStore()
	b := bridge.New(store, bridge.WithLogger(logger), bridge.WithAudit(auditStore), bridge.WithInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	p := producer.New(store, b,
		producer.WithPolicy(engine),
		producer.WithAudit(auditStore),
		producer.WithLogger(logger))

	srv := NewServer(Options{
		Addr:     ":0",
		Store:    store,
		Bridge:   b,
		Producer: p,
		Audit:    auditStore,
		Engine:   engine,
		Policy:   pf,
		Logger:   logger,
	})
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testEnv{srv: srv, store: store, audit: auditStore}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func TestPoll_Empty(t *testing.T) {
	e := newTestEnv(t)
	w := e.do("GET", "/api/approval/poll", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"requests":[]`) {
		t.Errorf("expected empty requests array, got %s", w.Body.String())
	}
	resp := decode[api.PollResponse](t, w)
	if resp.HasRequests {
		t.Error("expected has_requests=false")
	}
}

func TestPoll_ListsPendingInOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	first, _ := e.store.Create(ctx, approval.CreateParams{Message: "first", Payload: json.RawMessage(`{"to":null}`)})
	second, _ := e.store.Create(ctx, approval.CreateParams{Message: "second"})

	resp := decode[api.PollResponse](t, e.do("GET", "/api/approval/poll", ""))
	if !resp.HasRequests || len(resp.Requests) != 2 {
		t.Fatalf("expected 2 requests, got %+v", resp)
	}
	if resp.Requests[0].ApprovalID != first || resp.Requests[1].ApprovalID != second {
		t.Errorf("unexpected order: %s, %s", resp.Requests[0].ApprovalID, resp.Requests[1].ApprovalID)
	}
	if resp.Requests[0].Status != "PENDING" {
		t.Errorf("expected PENDING, got %s", resp.Requests[0].Status)
	}
}

func TestRespond_ApproveThenDuplicate(t *testing.T) {
	e := newTestEnv(t)
	id, _ := e.store.Create(context.Background(), approval.CreateParams{TaskID: "conv-1"})

	rawTx := "0xf86c" + strings.Repeat("0a", 40)
	w := e.do("POST", "/api/approval/respond", `{"approval_id":"`+id+`","approved":true,"signed_artifact":"`+rawTx+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode[api.DecisionResponse](t, w); !resp.Success {
		t.Errorf("expected success, got %+v", resp)
	}

	w = e.do("POST", "/api/approval/respond", `{"approval_id":"`+id+`","approved":false}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if resp := decode[api.DecisionResponse](t, w); resp.Success {
		t.Error("late decision must not succeed")
	}

	req, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !req.Decision.Approved {
		t.Error("late rejection overwrote the approval")
	}

	recs, _ := e.audit.Query(context.Background(), api.QueryFilter{Event: api.EventDecided})
	if len(recs) != 1 {
		t.Fatalf("expected 1 decided record, got %d", len(recs))
	}
	if recs[0].TaskID != "conv-1" || recs[0].ArtifactKind != "raw_tx" || recs[0].TxHash == "" {
		t.Errorf("unexpected audit record %+v", recs[0])
	}
}

func TestRespond_LegacyFieldName(t *testing.T) {
	e := newTestEnv(t)
	id, _ := e.store.Create(context.Background(), approval.CreateParams{})

	w := e.do("POST", "/api/approval/respond", `{"approval_id":"`+id+`","approved":true,"signed_transaction_hex":"0xabc"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	req, _ := e.store.Get(context.Background(), id)
	if req.Decision.SignedArtifact != "0xabc" {
		t.Errorf("expected artifact 0xabc, got %q", req.Decision.SignedArtifact)
	}
}

func TestRespond_Errors(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{"approval_id":`, http.StatusBadRequest},
		{"missing id", `{"approved":true}`, http.StatusBadRequest},
		{"unknown id", `{"approval_id":"nope","approved":true}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do("POST", "/api/approval/respond", tt.body)
			if w.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, w.Code)
			}
			if resp := decode[api.DecisionResponse](t, w); resp.Success || resp.Error == "" {
				t.Errorf("expected failure with error, got %+v", resp)
			}
		})
	}
}

func TestRespond_AbandonedIsLateDecision(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id, _ := e.store.Create(ctx, approval.CreateParams{TaskID: "conv-9"})
	e.store.Abandon(ctx, id)

	w := e.do("POST", "/api/approval/respond", `{"approval_id":"`+id+`","approved":true,"signed_artifact":"0x1"}`)
	if w.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", w.Code)
	}
	recs, _ := e.audit.Query(ctx, api.QueryFilter{Event: api.EventLateDecision})
	if len(recs) != 1 || recs[0].ApprovalID != id || recs[0].TaskID != "conv-9" {
		t.Errorf("expected one late_decision record, got %+v", recs)
	}
}

func TestMockRequest_ResumesTask(t *testing.T) {
	e := newTestEnv(t)

	w := e.do("POST", "/api/approval/mock-request", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[api.MockRequestResponse](t, w)
	if !resp.Success || resp.ApprovalID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}

	req, err := e.store.Get(context.Background(), resp.ApprovalID)
	if err != nil {
		t.Fatal(err)
	}
	if req.Message != "Mock deployment transaction ready for approval" {
		t.Errorf("unexpected message %q", req.Message)
	}

	status := decode[api.StatusResponse](t, e.do("GET", "/api/approval/status", ""))
	if status.ActiveRequests != 1 || status.WaitingTasks != 1 || status.SystemStatus != "active" {
		t.Errorf("unexpected status %+v", status)
	}

	e.do("POST", "/api/approval/respond", `{"approval_id":"`+resp.ApprovalID+`","approved":false,"rejection_reason":"wrong network"}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		status = decode[api.StatusResponse](t, e.do("GET", "/api/approval/status", ""))
		if status.WaitingTasks == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("mock task was not resumed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status.ActiveRequests != 0 || status.TotalRequests != 1 {
		t.Errorf("unexpected status after resume %+v", status)
	}
}

func TestMockRequest_PolicyDenied(t *testing.T) {
	e := newTestEnv(t)
	w := e.do("POST", "/api/approval/mock-request", `{"payload":{"network":"mainnet","data":"0x60"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[api.MockRequestResponse](t, w)
	if resp.Success || !strings.Contains(resp.Error, "mainnet deploys are blocked") {
		t.Errorf("expected policy rejection, got %+v", resp)
	}
}

func TestDashboardPages(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id, _ := e.store.Create(ctx, approval.CreateParams{Message: "Deploy Token to sepolia"})
	e.audit.Write(ctx, &api.AuditRecord{Event: api.EventCreated, ApprovalID: id})

	pages := map[string]string{
		"/":         "Overview",
		"/audit":    "Audit Log",
		"/approval": "Deploy Token to sepolia",
		"/policy":   "block-mainnet-deploys",
	}
	for path, want := range pages {
		w := e.do("GET", path, "")
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
			continue
		}
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("%s: expected page to contain %q", path, want)
		}
	}

	if w := e.do("GET", "/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDashboardReject(t *testing.T) {
	e := newTestEnv(t)
	id, _ := e.store.Create(context.Background(), approval.CreateParams{})

	w := e.do("POST", "/approval/"+id+"/reject", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	req, _ := e.store.Get(context.Background(), id)
	if req.Decision == nil || req.Decision.Approved || req.Decision.RejectionReason != "rejected from dashboard" {
		t.Errorf("unexpected decision %+v", req.Decision)
	}
}

func TestAPIStats(t *testing.T) {
	e := newTestEnv(t)
	w := e.do("GET", "/api/v1/stats", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	decode[api.AuditStats](t, w)
}

func TestAPICheck(t *testing.T) {
	e := newTestEnv(t)
	tests := []struct {
		body string
		want api.Verdict
		rule string
	}{
		{`{"payload":{"network":"mainnet","data":"0x60"}}`, api.VerdictDeny, "block-mainnet-deploys"},
		{`{"payload":{"network":"mainnet","to":"0xabc"}}`, api.VerdictAsk, "_default"},
	}
	for _, tt := range tests {
		w := e.do("POST", "/api/v1/check", tt.body)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		resp := decode[api.CheckResponse](t, w)
		if resp.Verdict != tt.want || resp.Rule != tt.rule {
			t.Errorf("%s: expected %s/%s, got %s/%s", tt.body, tt.want, tt.rule, resp.Verdict, resp.Rule)
		}
	}

	if w := e.do("POST", "/api/v1/check", "not json"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	if w := e.do("GET", "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestRecordedDecision(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	id, _ := e.store.Create(ctx, approval.CreateParams{})

	w := e.do("GET", "/api/approval/"+id+"/decision", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode[api.RecordedDecision](t, w); resp.Status != "PENDING" {
		t.Errorf("expected PENDING, got %+v", resp)
	}

	if ok, err := e.store.Decide(ctx, id, approval.Approve("0xabc")); err != nil || !ok {
		t.Fatalf("Decide = %v, %v", ok, err)
	}
	// Still readable after the waiting side consumed it.
	if _, err := e.store.TakeDecision(ctx, id); err != nil {
		t.Fatal(err)
	}
	w = e.do("GET", "/api/approval/"+id+"/decision", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[api.RecordedDecision](t, w)
	if resp.Status != "DECIDED" || !resp.Approved || resp.SignedArtifact != "0xabc" || resp.DecidedAt == nil {
		t.Errorf("unexpected recorded decision %+v", resp)
	}

	if w := e.do("GET", "/api/approval/missing/decision", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", w.Code)
	}
}
