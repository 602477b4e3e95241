package api

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only protocol version wallets speak.
const JSONRPCVersion = "2.0"

// JSONRPCMessage is a JSON-RPC 2.0 request or response exchanged with an
// external wallet.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error object of a failed call. Wallets use the
// standard codes plus the EIP-1193 provider codes (4001, 4100, 4200, 4900).
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("wallet rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("wallet rpc error %d: %s", e.Code, e.Message)
}

// IsRequest reports whether m is a call expecting a response.
func (m *JSONRPCMessage) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// IsResponse reports whether m answers a call.
func (m *JSONRPCMessage) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}
