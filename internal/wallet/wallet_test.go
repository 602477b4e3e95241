package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/jsonrpc"
)

// fakeWallet answers each method with a fixed result or error code.
func fakeWallet(t *testing.T, results map[string]any, codes map[string]int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var params []json.RawMessage
		if err := json.Unmarshal(req.Params, &params); err != nil || len(params) != 1 {
			resp := jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "expected one transaction")
			json.NewEncoder(w).Encode(resp)
			return
		}

		var resp *api.JSONRPCMessage
		if code, ok := codes[req.Method]; ok {
			resp = jsonrpc.NewErrorResponse(req.ID, code, "nope")
		} else if result, ok := results[req.Method]; ok {
			var err error
			resp, err = jsonrpc.NewResultResponse(req.ID, result)
			if err != nil {
				t.Error(err)
			}
		} else {
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, "method not found")
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

var tx = json.RawMessage(`{"to":null,"data":"0x6080","gas":"0x1e8480"}`)

func TestSignTransaction(t *testing.T) {
	ts := fakeWallet(t, map[string]any{MethodSignTransaction: "0xf86c01"}, nil)
	defer ts.Close()

	raw, err := New(ts.URL).SignTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, "0xf86c01", raw)
}

func TestSendTransaction(t *testing.T) {
	hash := "0x" + "ab12" + "00000000000000000000000000000000000000000000000000000000000"
	ts := fakeWallet(t, map[string]any{MethodSendTransaction: hash}, nil)
	defer ts.Close()

	got, err := New(ts.URL).SendTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestNotSupported(t *testing.T) {
	tests := []struct {
		name  string
		codes map[string]int
	}{
		{"method not found", nil},
		{"unsupported method", map[string]int{MethodSignTransaction: jsonrpc.CodeUnsupportedMethod}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := fakeWallet(t, nil, tt.codes)
			defer ts.Close()

			_, err := New(ts.URL).SignTransaction(context.Background(), tx)
			assert.ErrorIs(t, err, ErrNotSupported)

			var rpcErr *api.JSONRPCError
			assert.True(t, errors.As(err, &rpcErr))
		})
	}
}

func TestUserRejected(t *testing.T) {
	ts := fakeWallet(t, nil, map[string]int{MethodSendTransaction: jsonrpc.CodeUserRejected})
	defer ts.Close()

	_, err := New(ts.URL).SendTransaction(context.Background(), tx)
	assert.ErrorIs(t, err, ErrUserRejected)
	assert.False(t, errors.Is(err, ErrNotSupported))
}

func TestOtherRPCError(t *testing.T) {
	ts := fakeWallet(t, nil, map[string]int{MethodSignTransaction: jsonrpc.CodeDisconnected})
	defer ts.Close()

	_, err := New(ts.URL).SignTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotSupported))
}

func TestHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL).SignTransaction(context.Background(), tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}
