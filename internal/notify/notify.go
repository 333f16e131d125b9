// Package notify pushes ledger events to configured webhook endpoints so
// clients can refresh an inbox without polling the chain.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/chainmail/internal/chain"
)

// Event types dispatched by a node.
const (
	EventBlockMined    = "block.mined"
	EventChainReplaced = "chain.replaced"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Chainmail-Signature"

// Subscription is one webhook endpoint. An empty Events list receives every
// event type.
type Subscription struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

func (s Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Event is the JSON body POSTed to subscribers.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Dispatcher fans events out to subscriptions. Deliveries run in the
// background and are bound to the context given to NewDispatcher, not to the
// request that triggered them.
type Dispatcher struct {
	ctx        context.Context
	subs       []Subscription
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Deliveries stop when ctx is done.
func NewDispatcher(ctx context.Context, subs []Subscription, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		ctx:        ctx,
		subs:       subs,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with exponential backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// Len returns the number of subscriptions.
func (d *Dispatcher) Len() int { return len(d.subs) }

// Dispatch sends the event to every matching subscription and returns
// without waiting for delivery.
func (d *Dispatcher) Dispatch(eventType string, payload map[string]string) {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("notify: marshal event", zap.Error(err))
		return
	}

	for _, sub := range d.subs {
		if !sub.wants(eventType) {
			continue
		}
		d.wg.Add(1)
		go func(sub Subscription) {
			defer d.wg.Done()
			d.deliver(sub, eventType, body)
		}(sub)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(sub Subscription, eventType string, body []byte) {
	signature := signPayload(body, sub.Secret)

	for attempt, delay := range d.delays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-d.ctx.Done():
				return
			}
		}

		errMsg := d.doDelivery(sub.URL, body, signature)
		if d.onMetrics != nil {
			d.onMetrics(errMsg == "")
		}
		if errMsg == "" {
			return
		}
		d.logger.Warn("notify: delivery failed",
			zap.String("url", sub.URL),
			zap.String("event", eventType),
			zap.Int("attempt", attempt+1),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single POST and returns "" on a 2xx answer.
func (d *Dispatcher) doDelivery(url string, body []byte, signature string) string {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return ""
}

// signPayload computes an HMAC-SHA256 signature, or "" without a secret.
func signPayload(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value against body. Receivers use
// it to authenticate deliveries.
func VerifySignature(body []byte, secret, header string) bool {
	want := signPayload(body, secret)
	return want != "" && hmac.Equal([]byte(want), []byte(header))
}

// BlockPayload describes a mined block: its index, hash and the sorted,
// de-duplicated recipient hashes it carries.
func BlockPayload(b *chain.Block) map[string]string {
	seen := make(map[string]bool)
	var recipients []string
	for _, tx := range b.Transactions {
		if tx.IsSentinel() || seen[tx.RecipientHash] {
			continue
		}
		seen[tx.RecipientHash] = true
		recipients = append(recipients, tx.RecipientHash)
	}
	sort.Strings(recipients)
	return map[string]string{
		"index":      strconv.Itoa(b.Index),
		"hash":       b.Hash,
		"recipients": strings.Join(recipients, ","),
	}
}

// ReplacePayload describes a chain replacement.
func ReplacePayload(oldLen, newLen int) map[string]string {
	return map[string]string{
		"old_length": strconv.Itoa(oldLen),
		"new_length": strconv.Itoa(newLen),
	}
}
