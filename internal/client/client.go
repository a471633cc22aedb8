// Package client is a Go client for the trust score ledger HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/blockid/trustledger/internal/pda"
	"github.com/blockid/trustledger/internal/retry"
	"github.com/blockid/trustledger/internal/trustscore"
)

// DefaultURL is where a local server listens.
const DefaultURL = "http://localhost:8080"

// ErrRateLimited is returned when the server rejected the request with 429.
var ErrRateLimited = errors.New("rate limited")

// APIError is a non-2xx response. It unwraps to the matching
// trustscore sentinel when the body carries a ledger error code, so
// errors.Is(err, trustscore.ErrNotFound) works across the wire.
type APIError struct {
	Status  int    `json:"-"`
	Name    string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("API error (%d): %s (%d): %s", e.Status, e.Name, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.Status)
}

func (e *APIError) Unwrap() error {
	if sentinel, ok := trustscore.ErrorForCode(e.Code); ok {
		return sentinel
	}
	if e.Status == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return nil
}

// Client talks to a trustledger server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 30s-timeout HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy sets how Update retries conflicting writes.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		policy:     retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy.Retryable = retryable
	return c
}

// retryable reports whether a failed update may succeed unchanged. A signed
// update stays valid across attempts, so conflicts and throttling are safe
// to replay until the signature ages out.
func retryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return errors.Is(err, trustscore.ErrConflict) ||
		apiErr.Status == http.StatusTooManyRequests ||
		apiErr.Status == http.StatusServiceUnavailable
}

// doRequest makes an HTTP request and decodes a 2xx JSON body into out.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil && len(respBody) > 0 {
			apiErr.Message = string(respBody)
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func scorePath(oracle, wallet pda.PublicKey) string {
	return "/v1/trust-scores/" + oracle.String() + "/" + wallet.String()
}

// Update submits a signed update, retrying conflicts per the client policy.
func (c *Client) Update(ctx context.Context, req trustscore.UpdateRequest) error {
	body := trustscore.UpdateBody{
		Oracle:    req.Oracle.String(),
		Wallet:    req.Wallet.String(),
		Address:   req.Address.String(),
		IssuedAt:  req.IssuedAt,
		Signature: base58.Encode(req.Signature),
	}
	score, risk := int(req.Score), int(req.Risk)
	body.Score, body.Risk = &score, &risk
	if !req.Signer.IsZero() && req.Signer != req.Oracle {
		body.Signer = req.Signer.String()
	}

	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		return c.doRequest(ctx, http.MethodPost, "/v1/trust-scores", body, nil)
	})
}

// Get returns the oracle's record for wallet.
func (c *Client) Get(ctx context.Context, oracle, wallet pda.PublicKey) (*trustscore.RecordResponse, error) {
	var out trustscore.RecordResponse
	if err := c.doRequest(ctx, http.MethodGet, scorePath(oracle, wallet), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Exists reports whether the oracle has scored wallet. HEAD responses carry
// no body, so only the status is inspected.
func (c *Client) Exists(ctx context.Context, oracle, wallet pda.PublicKey) (bool, error) {
	err := c.doRequest(ctx, http.MethodHead, scorePath(oracle, wallet), nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// Address asks the server to derive the record address.
func (c *Client) Address(ctx context.Context, oracle, wallet pda.PublicKey) (*trustscore.AddressResponse, error) {
	var out trustscore.AddressResponse
	if err := c.doRequest(ctx, http.MethodGet, scorePath(oracle, wallet)+"/address", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadBatch reads up to trustscore.MaxBatchSize wallets scored by oracle.
func (c *Client) ReadBatch(ctx context.Context, oracle pda.PublicKey, wallets []pda.PublicKey) (*trustscore.BatchResponse, error) {
	body := trustscore.BatchBody{Oracle: oracle.String(), Wallets: make([]string, len(wallets))}
	for i, w := range wallets {
		body.Wallets[i] = w.String()
	}
	var out trustscore.BatchResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/trust-scores/batch", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Account returns the raw account stored at addr.
func (c *Client) Account(ctx context.Context, addr pda.PublicKey) (*trustscore.AccountResponse, error) {
	var out trustscore.AccountResponse
	if err := c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+addr.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Info returns the server's ledger configuration.
func (c *Client) Info(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doRequest(ctx, http.MethodGet, "/v1/info", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
