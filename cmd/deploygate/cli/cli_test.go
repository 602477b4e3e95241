package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/approval"
	"github.com/tkingovr/deploygate/internal/client"
	"github.com/tkingovr/deploygate/internal/server"
)

func TestRenderRequests(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	renderRequests(&buf, nil)
	if !strings.Contains(buf.String(), "no pending approval requests") {
		t.Errorf("empty render = %q", buf.String())
	}

	buf.Reset()
	exp := time.Now().Add(time.Hour)
	renderRequests(&buf, []api.ApprovalRequest{
		{ApprovalID: "A1", Message: "Deploy Token", TaskID: "conv-1", ExpiresAt: &exp},
		{ApprovalID: "A2", Message: "Call mint"},
	})
	out := buf.String()
	for _, want := range []string{"2 pending approval request(s)", "A1  Deploy Token", "task=conv-1", "expires in", "A2  Call mint"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}
}

func TestFindPending(t *testing.T) {
	ctx := context.Background()
	store := approval.NewMemoryStore()
	srv := httptest.NewServer(server.NewServer(server.Options{Store: store}).Handler())
	defer srv.Close()

	id, err := store.Create(ctx, approval.CreateParams{Payload: json.RawMessage(`{"chainId":1}`), Message: "deploy"})
	if err != nil {
		t.Fatal(err)
	}

	c := client.New(srv.URL)
	req, err := findPending(ctx, c, id)
	if err != nil {
		t.Fatalf("findPending: %v", err)
	}
	if req.Message != "deploy" || string(req.Payload) != `{"chainId":1}` {
		t.Errorf("unexpected request %+v", req)
	}

	if _, err := findPending(ctx, c, "missing"); err == nil {
		t.Error("expected error for unknown id")
	}
}
