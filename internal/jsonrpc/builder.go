package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/tkingovr/deploygate/api"
)

// Standard and EIP-1193 error codes returned by wallets.
const (
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
)

// NewRequest builds a JSON-RPC 2.0 request with a numeric id. params is
// encoded as the positional params array.
func NewRequest(id int64, method string, params ...any) (*api.JSONRPCMessage, error) {
	if params == nil {
		params = []any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}
	return &api.JSONRPCMessage{
		JSONRPC: api.JSONRPCVersion,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  raw,
	}, nil
}

// NewErrorResponse creates a JSON-RPC error response.
func NewErrorResponse(id json.RawMessage, code int, message string) *api.JSONRPCMessage {
	return &api.JSONRPCMessage{
		JSONRPC: api.JSONRPCVersion,
		ID:      id,
		Error: &api.JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}

// NewResultResponse creates a JSON-RPC success response.
func NewResultResponse(id json.RawMessage, result any) (*api.JSONRPCMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return &api.JSONRPCMessage{JSONRPC: api.JSONRPCVersion, ID: id, Result: raw}, nil
}

// Marshal encodes a JSONRPCMessage to JSON bytes.
func Marshal(msg *api.JSONRPCMessage) ([]byte, error) {
	return json.Marshal(msg)
}
