// Package peer is the HTTP client nodes use to talk to each other.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmerrifield20/chainmail/internal/chain"
)

// DefaultTimeout bounds a single peer request.
const DefaultTimeout = 5 * time.Second

// maxChainBytes caps the size of a peer's /chain response.
const maxChainBytes = 64 << 20

// ErrNotFound is returned when the peer answers 404.
var ErrNotFound = errors.New("not found on peer")

// pubKeyResponse is the body of GET /pubkey/:hash.
type pubKeyResponse struct {
	PubKey string `json:"pubKey"`
}

// Client is a lightweight HTTP client for the node API of other peers.
type Client struct {
	http *http.Client
}

// NewClient creates a Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// FetchChain downloads and parses a peer's full chain from GET {baseURL}/chain.
// The result is not validated.
func (c *Client) FetchChain(ctx context.Context, baseURL string) (chain.Chain, error) {
	body, err := c.get(ctx, baseURL, "/chain", maxChainBytes)
	if err != nil {
		return nil, err
	}
	ch, err := chain.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("decode chain from %s: %w", baseURL, err)
	}
	return ch, nil
}

// FetchPublicKey asks a peer for the PEM public key behind hash.
func (c *Client) FetchPublicKey(ctx context.Context, baseURL, hash string) (string, error) {
	body, err := c.get(ctx, baseURL, "/pubkey/"+url.PathEscape(hash), 1<<20)
	if err != nil {
		return "", err
	}
	var resp pubKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode pubkey from %s: %w", baseURL, err)
	}
	if resp.PubKey == "" {
		return "", fmt.Errorf("empty pubkey from %s", baseURL)
	}
	return resp.PubKey, nil
}

func (c *Client) get(ctx context.Context, baseURL, path string, limit int64) ([]byte, error) {
	target := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", baseURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer %s returned status %d", baseURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", baseURL, err)
	}
	return body, nil
}
