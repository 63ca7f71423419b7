// Package rpc provides JSON-RPC client functionality with retry logic.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/inkrunner/internal/ratelimit"
)

// Client is the interface for JSON-RPC communication with a single chain.
type Client interface {
	// Call makes a JSON-RPC call.
	Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error)

	// SendRawTransaction broadcasts a signed transaction and returns its hash.
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)

	// GetNonce fetches the pending nonce for an address.
	GetNonce(ctx context.Context, address common.Address) (uint64, error)

	// GetBalance returns the balance for an address at the latest block.
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)

	// GetGasPrice returns the current gas price from the node.
	GetGasPrice(ctx context.Context) (*big.Int, error)

	// GetChainID returns the chain id reported by the node.
	GetChainID(ctx context.Context) (*big.Int, error)

	// EstimateGas asks the node how much gas a call would consume.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	// GetCode returns contract code at an address.
	GetCode(ctx context.Context, address common.Address) ([]byte, error)

	// GetTransactionReceipt returns the receipt for a transaction,
	// or nil without error when the transaction is not mined yet.
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*TransactionReceipt, error)
}

// TransactionReceipt represents an Ethereum transaction receipt.
type TransactionReceipt struct {
	TxHash            common.Hash    `json:"transactionHash"`
	Status            uint64         `json:"status"`            // 1 = success, 0 = failure
	GasUsed           uint64         `json:"gasUsed"`           // Actual gas consumed
	ContractAddress   common.Address `json:"contractAddress"`   // Created contract address (if any)
	BlockNumber       uint64         `json:"blockNumber"`       // Block this tx was included in
	EffectiveGasPrice *big.Int       `json:"effectiveGasPrice"` // Actual gas price paid
}

// Succeeded reports whether the receipt carries status 1.
func (r *TransactionReceipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// HasContract reports whether the receipt names a created contract.
func (r *TransactionReceipt) HasContract() bool {
	return r != nil && r.ContractAddress != (common.Address{})
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Observer receives the latency and outcome of every RPC call.
type Observer interface {
	ObserveRPC(method string, latency time.Duration, err error)
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Proxy          string // host:port or user:pass@host:port; scheme defaults to http
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Limiter        *ratelimit.Limiter
	Observer       Observer
	Logger         *slog.Logger
}

// DefaultClientConfig returns default configuration.
// Public testnet endpoints are slow under load, so the timeout is generous.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        15 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	limiter    *ratelimit.Limiter
	observer   Observer
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTP-based RPC client.
// It fails only when the proxy address cannot be parsed.
func NewHTTPClient(cfg ClientConfig) (*HTTPClient, error) {
	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	if cfg.Proxy != "" {
		proxyURL, err := ParseProxy(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		limiter:    cfg.Limiter,
		observer:   cfg.Observer,
		logger:     logger,
	}, nil
}

// ParseProxy parses a proxy line from the proxies file.
func ParseProxy(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid proxy %q: missing host", raw)
	}
	return u, nil
}

// Call makes a JSON-RPC call with retry logic.
func (c *HTTPClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	result, err := c.callWithRetry(ctx, method, body)
	if c.observer != nil {
		c.observer.ObserveRPC(method, time.Since(start), err)
	}
	return result, err
}

func (c *HTTPClient) callWithRetry(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := c.doRequest(ctx, body)
		if err == nil {
			return result, nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// 429, 502, 503, 504
		if isRetryableHTTPError(err) {
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("RPC got retryable HTTP error, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			continue
		}

		// Application-level errors are final
		if isRPCError(err) || isHTTPStatusError(err) {
			return nil, err
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	return rpcResp.Result, nil
}

// RPCError is an RPC-specific error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

func isHTTPStatusError(err error) bool {
	var httpErr *HTTPStatusError
	return errors.As(err, &httpErr)
}

func isRetryableHTTPError(err error) bool {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}

// SendRawTransaction broadcasts a signed transaction.
// A node that already holds the transaction counts as a successful broadcast.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	result, err := c.Call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(raw)})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already known") {
			return crypto.Keccak256Hash(raw), nil
		}
		return common.Hash{}, err
	}

	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("failed to unmarshal tx hash: %w", err)
	}
	return hash, nil
}

// GetNonce fetches the nonce for an address, counting mempool transactions.
func (c *HTTPClient) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []interface{}{address, "pending"})
	if err != nil {
		return 0, err
	}
	var nonce hexutil.Uint64
	if err := json.Unmarshal(result, &nonce); err != nil {
		return 0, fmt.Errorf("failed to unmarshal nonce: %w", err)
	}
	return uint64(nonce), nil
}

// GetBalance returns the balance for an address at the latest block.
func (c *HTTPClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_getBalance", []interface{}{address, "latest"})
	if err != nil {
		return nil, err
	}
	var balance hexutil.Big
	if err := json.Unmarshal(result, &balance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balance: %w", err)
	}
	return balance.ToInt(), nil
}

// GetGasPrice returns the current gas price from the node.
func (c *HTTPClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}
	var price hexutil.Big
	if err := json.Unmarshal(result, &price); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gas price: %w", err)
	}
	return price.ToInt(), nil
}

// GetChainID returns the chain id reported by the node.
func (c *HTTPClient) GetChainID(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	var id hexutil.Big
	if err := json.Unmarshal(result, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain id: %w", err)
	}
	return id.ToInt(), nil
}

// EstimateGas asks the node how much gas a call would consume.
func (c *HTTPClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	result, err := c.Call(ctx, "eth_estimateGas", []interface{}{toCallArg(msg)})
	if err != nil {
		return 0, err
	}
	var gas hexutil.Uint64
	if err := json.Unmarshal(result, &gas); err != nil {
		return 0, fmt.Errorf("failed to unmarshal gas estimate: %w", err)
	}
	return uint64(gas), nil
}

func toCallArg(msg ethereum.CallMsg) map[string]interface{} {
	arg := map[string]interface{}{
		"from": msg.From,
	}
	if msg.To != nil {
		arg["to"] = msg.To
	}
	if len(msg.Data) > 0 {
		arg["input"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.GasPrice != nil {
		arg["gasPrice"] = (*hexutil.Big)(msg.GasPrice)
	}
	return arg
}

// GetCode returns contract code at an address.
func (c *HTTPClient) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	result, err := c.Call(ctx, "eth_getCode", []interface{}{address, "latest"})
	if err != nil {
		return nil, err
	}
	var code hexutil.Bytes
	if err := json.Unmarshal(result, &code); err != nil {
		return nil, fmt.Errorf("failed to unmarshal code: %w", err)
	}
	return code, nil
}

// GetTransactionReceipt returns the receipt for a transaction.
func (c *HTTPClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*TransactionReceipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []interface{}{hash})
	if err != nil {
		return nil, err
	}

	if len(result) == 0 || string(result) == "null" {
		return nil, nil // Not found yet
	}

	return parseReceipt(result)
}

func parseReceipt(data json.RawMessage) (*TransactionReceipt, error) {
	var rawReceipt struct {
		TxHash            common.Hash     `json:"transactionHash"`
		Status            hexutil.Uint64  `json:"status"`
		GasUsed           hexutil.Uint64  `json:"gasUsed"`
		ContractAddress   *common.Address `json:"contractAddress"`
		BlockNumber       hexutil.Uint64  `json:"blockNumber"`
		EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	}
	if err := json.Unmarshal(data, &rawReceipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	receipt := &TransactionReceipt{
		TxHash:      rawReceipt.TxHash,
		Status:      uint64(rawReceipt.Status),
		GasUsed:     uint64(rawReceipt.GasUsed),
		BlockNumber: uint64(rawReceipt.BlockNumber),
	}
	if rawReceipt.ContractAddress != nil {
		receipt.ContractAddress = *rawReceipt.ContractAddress
	}
	if rawReceipt.EffectiveGasPrice != nil {
		receipt.EffectiveGasPrice = rawReceipt.EffectiveGasPrice.ToInt()
	}
	return receipt, nil
}
