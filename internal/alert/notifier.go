// Package alert delivers signed operator notifications over HTTP.
//
// Every event is POSTed as JSON to each configured URL. The body is signed
// with HMAC-SHA256 over the shared secret and the signature sent in the
// X-Ledger-Signature header as "sha256=<hex>"; receivers check it with
// VerifySignature.
package alert

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
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerSignature = "X-Ledger-Signature"
	headerEvent     = "X-Ledger-Event"
	headerDelivery  = "X-Ledger-Delivery"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Config configures a Notifier.
type Config struct {
	URLs    []string
	Secret  string
	Timeout time.Duration   // per attempt, default 10s
	Retries []time.Duration // delay before each retry, default 1s, 5s
}

// Notifier sends operator alerts. The zero URL list is valid and makes
// Dispatch a no-op.
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	onMetrics  MetricsRecorder
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// NewNotifier creates a new Notifier.
func NewNotifier(cfg Config, logger *zap.Logger) *Notifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retries == nil {
		cfg.Retries = []time.Duration{1 * time.Second, 5 * time.Second}
	}
	return &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// Enabled reports whether any destination is configured.
func (n *Notifier) Enabled() bool {
	return len(n.cfg.URLs) > 0
}

// Dispatch sends an event to every configured URL in the background and
// returns its ID. Delivery stops early if ctx is cancelled.
func (n *Notifier) Dispatch(ctx context.Context, eventType string, payload map[string]string) uuid.UUID {
	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if !n.Enabled() {
		n.logger.Debug("alert: no destinations configured", zap.String("type", eventType))
		return event.ID
	}

	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("alert: marshal event", zap.Error(err))
		return event.ID
	}

	for _, url := range n.cfg.URLs {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			n.deliver(ctx, url, event, body)
		}(url)
	}
	return event.ID
}

// Wait blocks until all in-flight deliveries have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// deliver sends body to a single URL, retrying on failure.
func (n *Notifier) deliver(ctx context.Context, url string, event Event, body []byte) {
	signature := Sign(body, n.cfg.Secret)
	attempts := len(n.cfg.Retries) + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				n.logger.Warn("alert: delivery abandoned",
					zap.String("url", url),
					zap.String("event_id", event.ID.String()),
					zap.Error(ctx.Err()),
				)
				return
			case <-time.After(n.cfg.Retries[attempt-2]):
			}
		}

		success, errMsg := n.doDelivery(ctx, url, event, body, signature)
		if n.onMetrics != nil {
			n.onMetrics(success)
		}
		if success {
			return
		}

		n.logger.Warn("alert: delivery failed",
			zap.String("url", url),
			zap.String("type", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
	n.logger.Error("alert: giving up",
		zap.String("url", url),
		zap.String("event_id", event.ID.String()),
	)
}

// doDelivery performs a single HTTP POST delivery.
func (n *Notifier) doDelivery(ctx context.Context, url string, event Event, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, signature)
	req.Header.Set(headerEvent, event.Type)
	req.Header.Set(headerDelivery, event.ID.String())

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// Sign computes the HMAC-SHA256 signature of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is a valid Sign of body.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
