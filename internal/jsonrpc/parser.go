package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/tkingovr/deploygate/api"
)

// Parse decodes a raw JSON byte slice into a JSONRPCMessage.
func Parse(data []byte) (*api.JSONRPCMessage, error) {
	var msg api.JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC message: %w", err)
	}
	if msg.JSONRPC != api.JSONRPCVersion {
		return nil, fmt.Errorf("unsupported JSON-RPC version: %q", msg.JSONRPC)
	}
	return &msg, nil
}

// DecodeResult unmarshals the result of a response into out. A response
// carrying an error object returns that *api.JSONRPCError.
func DecodeResult(msg *api.JSONRPCMessage, out any) error {
	if msg.Error != nil {
		return msg.Error
	}
	if !msg.IsResponse() {
		return fmt.Errorf("not a JSON-RPC response")
	}
	if len(msg.Result) == 0 {
		return fmt.Errorf("JSON-RPC response has no result")
	}
	if err := json.Unmarshal(msg.Result, out); err != nil {
		return fmt.Errorf("failed to parse result: %w", err)
	}
	return nil
}
