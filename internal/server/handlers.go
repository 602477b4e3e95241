package server

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/approval"
	"github.com/tkingovr/deploygate/internal/audit"
	"github.com/tkingovr/deploygate/internal/policy"
)

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	stats, err := s.auditStats(r)
	if err != nil {
		http.Error(w, "failed to get stats", http.StatusInternalServerError)
		return
	}
	queue, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "failed to get approval stats", http.StatusInternalServerError)
		return
	}

	waiting := 0
	if s.bridge != nil {
		waiting = s.bridge.Waiting()
	}
	data := map[string]any{
		"Page":    "overview",
		"Stats":   stats,
		"Queue":   queue,
		"Waiting": waiting,
	}
	renderPage(w, "overview", data)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var records []*api.AuditRecord
	if s.auditStore != nil {
		var err error
		records, err = s.auditStore.Query(r.Context(), api.QueryFilter{
			ApprovalID: r.URL.Query().Get("approval_id"),
			TaskID:     r.URL.Query().Get("task_id"),
			Event:      api.AuditEvent(r.URL.Query().Get("event")),
		})
		if err != nil {
			http.Error(w, "failed to query audit log", http.StatusInternalServerError)
			return
		}
	}

	// Newest first, capped for the page.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if len(records) > 100 {
		records = records[:100]
	}

	data := map[string]any{
		"Page":    "audit",
		"Records": records,
	}
	renderPage(w, "audit", data)
}

func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if s.auditStore == nil {
		http.Error(w, "audit log disabled", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel := s.auditStore.Subscribe(r.Context())
	defer cancel()

	for {
		select {
		case record, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: audit\ndata: %s\n\n", renderAuditRow(record))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListPending(r.Context())
	if err != nil {
		http.Error(w, "failed to list approvals", http.StatusInternalServerError)
		return
	}

	data := map[string]any{
		"Page":    "approval",
		"Pending": pending,
	}
	if h, ok := s.store.(interface{ History() []*approval.Request }); ok {
		data["History"] = reverse(h.History())
	}
	renderPage(w, "approval", data)
}

// handleApprovalReject lets an operator reject from the dashboard. Approving
// needs a signature, so it only happens from a wallet client.
func (s *Server) handleApprovalReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := strings.TrimSpace(r.FormValue("reason"))
	if reason == "" {
		reason = "rejected from dashboard"
	}
	ok, err := s.store.Decide(r.Context(), id, approval.Reject(reason))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ok {
		f := false
		s.metrics.DecisionRecorded(false)
		audit.Emit(r.Context(), s.auditStore, s.logger, &api.AuditRecord{
			Event:      api.EventDecided,
			ApprovalID: id,
			Approved:   &f,
			Reason:     reason,
		})
	}
	// HTMX: return updated approval list
	s.handleApproval(w, r)
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	var policyYAML []byte
	if s.policyFile != nil {
		policyYAML, _ = yaml.Marshal(s.policyFile)
	}
	engine := "none"
	switch s.engine.(type) {
	case *policy.YAMLEngine:
		engine = "yaml"
	case *policy.OPAEngine:
		engine = "opa"
	}

	data := map[string]any{
		"Page":       "policy",
		"Engine":     engine,
		"PolicyYAML": string(policyYAML),
		"Policy":     s.policyFile,
	}
	renderPage(w, "policy", data)
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.auditStats(r)
	if err != nil {
		http.Error(w, "failed to get stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAPICheck(w http.ResponseWriter, r *http.Request) {
	var req api.CheckRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp := api.CheckResponse{Verdict: api.VerdictAsk, Rule: "_none"}
	if s.engine != nil {
		result, err := s.engine.Evaluate(r.Context(), &policy.EvalInput{TaskID: req.TaskID, Payload: req.Payload})
		if err != nil {
			http.Error(w, "evaluation error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		resp = api.CheckResponse{
			Verdict: result.Verdict,
			Rule:    result.Rule,
			Message: result.Message,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) auditStats(r *http.Request) (*api.AuditStats, error) {
	if s.auditStore == nil {
		return &api.AuditStats{ByEvent: map[api.AuditEvent]int{}}, nil
	}
	return s.auditStore.Stats(r.Context())
}

func renderAuditRow(record *api.AuditRecord) string {
	return fmt.Sprintf(
		`<tr class="border-b border-gray-700 hover:bg-gray-800"><td class="px-4 py-2 text-gray-400 text-xs">%s</td><td class="px-4 py-2"><span class="px-2 py-1 rounded text-xs font-bold %s">%s</span></td><td class="px-4 py-2 font-mono text-xs">%s</td><td class="px-4 py-2 text-xs">%s</td><td class="px-4 py-2">%s</td><td class="px-4 py-2 text-gray-400 text-xs">%s</td></tr>`,
		record.Timestamp.Format(time.RFC3339),
		eventColor(record.Event),
		strings.ToUpper(string(record.Event)),
		escapeHTML(record.ApprovalID),
		escapeHTML(record.TaskID),
		outcome(record),
		escapeHTML(detail(record)),
	)
}

func eventColor(e api.AuditEvent) string {
	switch e {
	case api.EventDecided, api.EventResumed:
		return "bg-green-900 text-green-300"
	case api.EventPolicyDenied, api.EventExpired:
		return "bg-red-900 text-red-300"
	case api.EventCreated:
		return "bg-yellow-900 text-yellow-300"
	case api.EventLateDecision, api.EventAbandoned:
		return "bg-blue-900 text-blue-300"
	default:
		return "bg-gray-700 text-gray-300"
	}
}

func outcome(r *api.AuditRecord) string {
	switch {
	case r.Approved == nil:
		return ""
	case *r.Approved:
		return "approved"
	}
	return "rejected"
}

func detail(r *api.AuditRecord) string {
	switch {
	case r.TxHash != "":
		return r.ArtifactKind + " " + r.TxHash
	case r.Reason != "":
		return r.Reason
	case r.Rule != "":
		return "rule " + r.Rule
	}
	return r.Message
}

func reverse(in []*approval.Request) []*approval.Request {
	out := make([]*approval.Request, len(in))
	for i, r := range in {
		out[len(in)-1-i] = r
	}
	return out
}

func escapeHTML(s string) string {
	return template.HTMLEscapeString(s)
}
