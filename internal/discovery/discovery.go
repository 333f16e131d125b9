// Package discovery finds peer nodes. Nodes announce themselves to a
// directory service with periodic heartbeats and ask it for the list of
// recently seen nodes.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrDirectoryUnavailable wraps every failure to reach the directory.
var ErrDirectoryUnavailable = errors.New("directory unavailable")

// Lister returns the base URLs of known peers.
type Lister interface {
	ListPeers(ctx context.Context) ([]string, error)
}

// Node is a directory entry as returned by GET /nodes.
type Node struct {
	URL      string    `json:"url"`
	Port     int       `json:"port,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// heartbeatRequest is the body of POST /heartbeat.
type heartbeatRequest struct {
	URL  string `json:"url"`
	Port int    `json:"port"`
}

// Client talks to a directory service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenIssuer
}

// NewClient creates a Client for the directory at baseURL. tokens may be nil
// when the directory does not require authenticated heartbeats.
func NewClient(baseURL string, timeout time.Duration, tokens *TokenIssuer) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
	}
}

// Nodes returns the directory's active nodes.
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/nodes", nil)
	if err != nil {
		return nil, fmt.Errorf("build nodes request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrDirectoryUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read nodes: %v", ErrDirectoryUnavailable, err)
	}
	var nodes []Node
	if err := json.Unmarshal(body, &nodes); err != nil {
		return nil, fmt.Errorf("%w: decode nodes: %v", ErrDirectoryUnavailable, err)
	}
	return nodes, nil
}

// ListPeers implements Lister. URLs are returned in directory order with any
// trailing slash removed.
func (c *Client) ListPeers(ctx context.Context) ([]string, error) {
	nodes, err := c.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.URL == "" {
			continue
		}
		urls = append(urls, NormalizeURL(n.URL))
	}
	return urls, nil
}

// Heartbeat announces selfURL to the directory.
func (c *Client) Heartbeat(ctx context.Context, selfURL string, port int) error {
	body, err := json.Marshal(heartbeatRequest{URL: selfURL, Port: port})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		tok, err := c.tokens.Issue(selfURL)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16)) //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: heartbeat status %d", ErrDirectoryUnavailable, resp.StatusCode)
	}
	return nil
}

// Static is a fixed peer list.
type Static []string

// ListPeers implements Lister.
func (s Static) ListPeers(context.Context) ([]string, error) {
	out := make([]string, 0, len(s))
	for _, u := range s {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, NormalizeURL(u))
		}
	}
	return out, nil
}

// Multi merges several listers, dropping duplicates and keeping first-seen
// order. A failing lister is skipped unless every lister fails.
type Multi []Lister

// ListPeers implements Lister.
func (m Multi) ListPeers(ctx context.Context) ([]string, error) {
	var (
		out     []string
		seen    = make(map[string]bool)
		lastErr error
		ok      bool
	)
	for _, l := range m {
		urls, err := l.ListPeers(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		ok = true
		for _, u := range urls {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	if !ok && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// NormalizeURL trims whitespace and trailing slashes.
func NormalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
