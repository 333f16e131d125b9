package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout is the per-request timeout of a Client built without
// WithHTTPClient or WithTimeout.
const DefaultTimeout = 10 * time.Second

// maxBody caps every response body except /chain.
const maxBody = 1 << 20

// maxChainBody caps the /chain response.
const maxChainBody = 64 << 20

// ErrNotFound is returned when the node answers 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from a node. Code is the machine-readable
// reason (for example "duplicate_tx") when the node supplied one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("node returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("node returned %d: %s", e.Status, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match a 404 APIError.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// SendResult is the answer to a successful Send.
type SendResult struct {
	Success    bool `json:"success"`
	BlockIndex int  `json:"blockIndex"`
}

// LedgerInfo summarises a node's chain.
type LedgerInfo struct {
	Blocks     int    `json:"blocks"`
	Root       string `json:"root"`
	Difficulty int    `json:"difficulty"`
}

// VerifyResult is the answer of GET /ledger/verify.
type VerifyResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Client talks to one chainmail node.
type Client struct {
	base       string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("invalid timeout %s", d)
		}
		c.httpClient.Timeout = d
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a node with a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: c.httpClient.Timeout,
		}
		return nil
	}
}

// New creates a Client for the node at base.
//
//	c, err := client.New("http://localhost:3000", client.WithTimeout(30*time.Second))
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid node URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Base returns the node URL the client talks to.
func (c *Client) Base() string { return c.base }

// Send submits a signed transaction. Rejections come back as *APIError with
// Code set to the admission reason.
func (c *Client) Send(ctx context.Context, tx Transaction) (*SendResult, error) {
	var out SendResult
	if err := c.doJSON(ctx, http.MethodPost, "/send", tx, &out, maxBody); err != nil {
		return nil, err
	}
	return &out, nil
}

// RawChain downloads the node's chain as the JSON array it serves.
func (c *Client) RawChain(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/chain", nil, maxChainBody)
}

// Chain downloads and decodes the node's full chain. Blocks are returned as
// served; Chain does not validate hashes.
func (c *Client) Chain(ctx context.Context) ([]Block, error) {
	body, err := c.RawChain(ctx)
	if err != nil {
		return nil, err
	}
	var blocks []Block
	if err := json.Unmarshal(body, &blocks); err != nil {
		return nil, fmt.Errorf("decode chain: %w", err)
	}
	return blocks, nil
}

// Sync asks the node to reconcile with its peers now and reports whether it
// adopted a peer chain.
func (c *Client) Sync(ctx context.Context) (bool, error) {
	var out struct {
		Replaced bool `json:"replaced"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/sync", nil, &out, maxBody); err != nil {
		return false, err
	}
	return out.Replaced, nil
}

// Peers lists the peer URLs the node knows about.
func (c *Client) Peers(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.doJSON(ctx, http.MethodGet, "/peers", nil, &out, maxBody); err != nil {
		return nil, err
	}
	return out, nil
}

// PublicKey fetches the PEM public key for an identity hash.
func (c *Client) PublicKey(ctx context.Context, hash string) (string, error) {
	var out struct {
		PubKey string `json:"pubKey"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/pubkey/"+url.PathEscape(hash), nil, &out, maxBody); err != nil {
		return "", err
	}
	return out.PubKey, nil
}

// PublishKey uploads a PEM public key and returns its identity hash.
func (c *Client) PublishKey(ctx context.Context, pem string) (string, error) {
	var out struct {
		Hash string `json:"hash"`
	}
	in := map[string]string{"pubKey": pem}
	if err := c.doJSON(ctx, http.MethodPost, "/pubkey", in, &out, maxBody); err != nil {
		return "", err
	}
	return out.Hash, nil
}

// Ledger returns the chain summary.
func (c *Client) Ledger(ctx context.Context) (*LedgerInfo, error) {
	var out LedgerInfo
	if err := c.doJSON(ctx, http.MethodGet, "/ledger", nil, &out, maxBody); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify asks the node to re-validate its chain.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.doJSON(ctx, http.MethodGet, "/ledger/verify", nil, &out, maxBody); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, limit int64) error {
	body, err := c.do(ctx, method, path, in, limit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// do executes a request and turns any non-2xx status into *APIError.
func (c *Client) do(ctx context.Context, method, path string, in any, limit int64) ([]byte, error) {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Code = e.Error, e.Code
		}
		return nil, apiErr
	}
	return body, nil
}
