// Package wallet drives an external signer over JSON-RPC 2.0. Private keys
// stay in the wallet; this package only ever sees signed artifacts.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/jsonrpc"
	"github.com/tkingovr/deploygate/internal/tracing"
)

const (
	MethodSignTransaction = "eth_signTransaction"
	MethodSendTransaction = "eth_sendTransaction"

	defaultTimeout = 2 * time.Minute
	maxResponse    = 1 << 20
)

var (
	// ErrNotSupported is returned when the wallet does not implement the
	// requested method.
	ErrNotSupported = errors.New("wallet method not supported")

	// ErrUserRejected is returned when the user declined in the wallet.
	ErrUserRejected = errors.New("user rejected the request in the wallet")
)

// Client calls a wallet's JSON-RPC endpoint.
type Client struct {
	url    string
	http   *http.Client
	nextID atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Signing can wait on
// a human, so the default timeout is generous.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the wallet endpoint at url.
func New(url string, opts ...Option) *Client {
	c := &Client{url: url, http: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignTransaction asks the wallet to sign tx without submitting it and
// returns the raw signed transaction.
func (c *Client) SignTransaction(ctx context.Context, tx json.RawMessage) (string, error) {
	var raw string
	if err := c.call(ctx, MethodSignTransaction, &raw, tx); err != nil {
		return "", err
	}
	return raw, nil
}

// SendTransaction asks the wallet to sign and submit tx and returns the
// transaction hash.
func (c *Client) SendTransaction(ctx context.Context, tx json.RawMessage) (string, error) {
	var hash string
	if err := c.call(ctx, MethodSendTransaction, &hash, tx); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *Client) call(ctx context.Context, method string, out any, params ...any) (err error) {
	ctx, span := tracing.StartSpan(ctx, "wallet."+method, trace.SpanKindClient,
		attribute.String("rpc.method", method))
	defer func() { tracing.EndSpan(span, err) }()

	req, err := jsonrpc.NewRequest(c.nextID.Add(1), method, params...)
	if err != nil {
		return err
	}
	body, err := jsonrpc.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("calling wallet %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return fmt.Errorf("reading wallet %s response: %w", method, err)
	}
	msg, err := jsonrpc.Parse(data)
	if err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("wallet %s: HTTP %d", method, resp.StatusCode)
		}
		return err
	}

	if err := jsonrpc.DecodeResult(msg, out); err != nil {
		return classify(method, err)
	}
	return nil
}

func classify(method string, err error) error {
	var rpcErr *api.JSONRPCError
	if !errors.As(err, &rpcErr) {
		return fmt.Errorf("wallet %s: %w", method, err)
	}
	switch rpcErr.Code {
	case jsonrpc.CodeMethodNotFound, jsonrpc.CodeUnsupportedMethod:
		return fmt.Errorf("%w: %s: %w", ErrNotSupported, method, rpcErr)
	case jsonrpc.CodeUserRejected:
		return fmt.Errorf("%w: %w", ErrUserRejected, rpcErr)
	}
	return fmt.Errorf("wallet %s: %w", method, rpcErr)
}
