package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const (
	defaultCommitment      = "confirmed"
	defaultPollInterval    = 500 * time.Millisecond
	defaultConfirmTimeout  = 60 * time.Second
	defaultRPCHTTPTimeout  = 15 * time.Second
	maxRPCErrorBodyPreview = 4 << 10
)

// RPCOptions configures an RPCClient.
type RPCOptions struct {
	Endpoint       string
	Commitment     string
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	HTTPClient     *http.Client
}

// RPCClient speaks JSON-RPC 2.0 to a Solana-compatible node.
type RPCClient struct {
	endpoint       string
	commitment     string
	pollInterval   time.Duration
	confirmTimeout time.Duration
	client         *http.Client
	nextID         atomic.Uint64
}

// NewRPCClient validates options and applies defaults.
func NewRPCClient(opts RPCOptions) (*RPCClient, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, errors.New("payment: rpc endpoint required")
	}
	c := &RPCClient{
		endpoint:       endpoint,
		commitment:     opts.Commitment,
		pollInterval:   opts.PollInterval,
		confirmTimeout: opts.ConfirmTimeout,
		client:         opts.HTTPClient,
	}
	if c.commitment == "" {
		c.commitment = defaultCommitment
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = defaultConfirmTimeout
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: defaultRPCHTTPTimeout}
	}
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", method, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, maxRPCErrorBodyPreview))
		return fmt.Errorf("%s status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(preview)))
	}
	var payload rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	if payload.Error != nil {
		return fmt.Errorf("%s: %w", method, payload.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Balance implements Network.
func (c *RPCClient) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	if _, err := DecodeAddress(address); err != nil {
		return decimal.Zero, err
	}
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []any{address, map[string]string{"commitment": c.commitment}}, &result); err != nil {
		return decimal.Zero, err
	}
	return FromLamports(result.Value), nil
}

func (c *RPCClient) latestBlockhash(ctx context.Context) (string, error) {
	var result struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", []any{map[string]string{"commitment": c.commitment}}, &result); err != nil {
		return "", err
	}
	if result.Value.Blockhash == "" {
		return "", errors.New("getLatestBlockhash: empty blockhash")
	}
	return result.Value.Blockhash, nil
}

// Transfer implements Network.
func (c *RPCClient) Transfer(ctx context.Context, from Wallet, to string, amount decimal.Decimal) (string, error) {
	if from == nil {
		return "", errors.New("payment: nil wallet")
	}
	recipient, err := DecodeAddress(to)
	if err != nil {
		return "", err
	}
	lamports, err := ToLamports(amount)
	if err != nil {
		return "", err
	}
	blockhash, err := c.latestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, signature, err := signTransfer(from, recipient, lamports, blockhash)
	if err != nil {
		return "", err
	}
	params := []any{
		base64.StdEncoding.EncodeToString(tx),
		map[string]string{"encoding": "base64", "preflightCommitment": c.commitment},
	}
	var submitted string
	if err := c.call(ctx, "sendTransaction", params, &submitted); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	if submitted != "" && submitted != signature {
		return "", fmt.Errorf("payment: node returned signature %s, expected %s", submitted, signature)
	}
	return signature, nil
}

type signatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// Confirm implements Network by polling getSignatureStatuses.
func (c *RPCClient) Confirm(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		done, err := c.status(ctx, signature)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrUnconfirmed, signature)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *RPCClient) status(ctx context.Context, signature string) (bool, error) {
	var result struct {
		Value []*signatureStatus `json:"value"`
	}
	params := []any{[]string{signature}, map[string]bool{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return false, nil
	}
	st := result.Value[0]
	if len(st.Err) > 0 && string(st.Err) != "null" {
		return false, fmt.Errorf("%w: %s", ErrTransactionFailed, string(st.Err))
	}
	return commitmentReached(st.ConfirmationStatus, c.commitment), nil
}

func commitmentReached(status, want string) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	return rank[status] >= rank[want] && rank[status] > 0
}
