// Package dispatch implements the webhook dispatcher: concurrent fan-out of
// published domain events to subscribed endpoints with bounded retry,
// payload signing, and a complete delivery history.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/stockpile/integration-gateway/internal/domain/delivery"
	"github.com/stockpile/integration-gateway/internal/domain/webhook"
)

// ErrClosed is returned by Publish once the dispatcher is shutting down.
var ErrClosed = fmt.Errorf("dispatcher is closed")

// SubscriberSource is the registry view the dispatcher needs: subscriber
// resolution at publish time and a fresh read before each retry.
type SubscriberSource interface {
	SubscribersFor(ctx context.Context, event string) ([]webhook.Webhook, error)
	Get(ctx context.Context, id string) (webhook.Webhook, error)
}

// Config controls delivery behaviour. The zero value gets sensible defaults.
type Config struct {
	// MaxAttempts is the total number of tries per webhook+event, the first
	// attempt included.
	MaxAttempts int

	// Backoff holds the delay before retry N. When a sequence outruns the
	// slice the last element repeats.
	Backoff []time.Duration

	// RequestTimeout bounds each individual HTTP attempt.
	RequestTimeout time.Duration

	// MaxPayloadBytes bounds the serialized envelope size.
	MaxPayloadBytes int
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
}

// delayFor returns the backoff delay preceding the given retry (retry 1 is
// the first re-attempt).
func (c *Config) delayFor(retry int) time.Duration {
	if retry > len(c.Backoff) {
		return c.Backoff[len(c.Backoff)-1]
	}
	return c.Backoff[retry-1]
}

type counters struct {
	attempts  metric.Int64Counter
	successes metric.Int64Counter
	failures  metric.Int64Counter
	exhausted metric.Int64Counter
}

// Dispatcher fans published events out to subscribers. Publish returns once
// delivery goroutines are scheduled; outcomes are observable only through
// the delivery log. One goroutine owns the whole retry sequence for a given
// webhook+event, so attempts within a sequence are strictly ordered while
// sequences run concurrently with each other.
type Dispatcher struct {
	subs   SubscriberSource
	log    delivery.Repository
	client *http.Client
	cfg    Config
	lg     *zap.Logger
	ctr    counters

	// baseCtx detaches deliveries from the publisher's request context;
	// cancelling it (via Close) abandons in-flight backoff waits and retries.
	baseCtx context.Context
	cancel  context.CancelFunc

	// mu makes the closed check and the wg.Add in Publish atomic with
	// respect to Close, so no sequence can be added once wg.Wait has begun.
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	inflight atomic.Int64
}

// New creates a Dispatcher. The HTTP client uses an otel-instrumented
// transport; meter registers the delivery counters.
func New(subs SubscriberSource, log delivery.Repository, cfg Config, lg *zap.Logger, meter metric.Meter) (*Dispatcher, error) {
	cfg.setDefaults()

	ctr, err := newCounters(meter)
	if err != nil {
		return nil, fmt.Errorf("registering dispatch metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		subs: subs,
		log:  log,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cfg:     cfg,
		lg:      lg,
		ctr:     ctr,
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

func newCounters(meter metric.Meter) (counters, error) {
	var (
		ctr counters
		err error
	)
	if ctr.attempts, err = meter.Int64Counter("dispatch.attempts"); err != nil {
		return ctr, err
	}
	if ctr.successes, err = meter.Int64Counter("dispatch.successes"); err != nil {
		return ctr, err
	}
	if ctr.failures, err = meter.Int64Counter("dispatch.failures"); err != nil {
		return ctr, err
	}
	if ctr.exhausted, err = meter.Int64Counter("dispatch.exhausted"); err != nil {
		return ctr, err
	}
	return ctr, nil
}

// Publish resolves the subscribers for an event, schedules one delivery
// sequence per subscriber, and returns. It fails only for caller errors
// (bad event name, invalid or oversized payload) or a storage failure while
// resolving subscribers — never because an endpoint is unreachable. Zero
// matching subscribers is a silent no-op.
func (d *Dispatcher) Publish(ctx context.Context, event string, data json.RawMessage) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := webhook.ValidateEventName(event); err != nil {
		return err
	}

	payload, err := encodeEnvelope(event, time.Now(), data, d.cfg.MaxPayloadBytes)
	if err != nil {
		return err
	}

	subs, err := d.subs.SubscribersFor(ctx, event)
	if err != nil {
		return fmt.Errorf("resolving subscribers for %q: %w", event, err)
	}
	if len(subs) == 0 {
		return nil
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	for _, wh := range subs {
		d.wg.Add(1)
		d.inflight.Add(1)
		go d.deliver(wh, event, payload)
	}
	d.mu.Unlock()

	d.lg.Debug("event published",
		zap.String("event", event),
		zap.Int("subscribers", len(subs)),
	)
	return nil
}

// InFlight reports the number of delivery sequences currently running.
func (d *Dispatcher) InFlight() int64 {
	return d.inflight.Load()
}

// Close stops accepting publishes, cancels in-flight backoff waits, and
// waits for running deliveries to finish. The wait is bounded by ctx; on
// timeout the remaining goroutines are abandoned, leaving the last completed
// attempt as the final record for their sequences.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// deliver runs the full retry sequence for one webhook. Attempts are
// sequential; each produces exactly one delivery log row.
func (d *Dispatcher) deliver(wh webhook.Webhook, event string, payload []byte) {
	defer d.wg.Done()
	defer d.inflight.Add(-1)

	deliveryID := uuid.New().String()
	lg := d.lg.With(
		zap.String("webhook_id", wh.ID),
		zap.String("event", event),
		zap.String("delivery_id", deliveryID),
	)

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if !d.sleep(d.cfg.delayFor(attempt - 1)) {
				lg.Info("retry abandoned on shutdown", zap.Int("attempt", attempt))
				return
			}

			// The webhook may have been deactivated or deleted while we were
			// backing off; a dead subscription gets no further attempts.
			fresh, err := d.subs.Get(d.baseCtx, wh.ID)
			if err != nil || !fresh.Active {
				lg.Info("retry skipped, webhook no longer active", zap.Int("attempt", attempt))
				return
			}
			wh = fresh
		}

		status, body, ok := d.attempt(wh, event, deliveryID, payload)
		d.record(wh, event, payload, status, body, ok)

		d.ctr.attempts.Add(d.baseCtx, 1)
		if ok {
			d.ctr.successes.Add(d.baseCtx, 1)
			lg.Debug("delivered", zap.Int("attempt", attempt))
			return
		}
		d.ctr.failures.Add(d.baseCtx, 1)
		lg.Warn("delivery attempt failed",
			zap.Int("attempt", attempt),
			zap.Any("status", status),
		)
	}

	// Retries exhausted: permanently failed for this webhook. The log holds
	// every attempt; operator tooling can replay from there.
	d.ctr.exhausted.Add(d.baseCtx, 1)
	lg.Warn("delivery exhausted", zap.Int("attempts", d.cfg.MaxAttempts))
}

// attempt performs one HTTP POST and classifies the outcome. A transport
// failure yields nil status and body; a response outside [200,300) is a
// failure with status and truncated body preserved for diagnostics.
func (d *Dispatcher) attempt(wh webhook.Webhook, event, deliveryID string, payload []byte) (*int, *string, bool) {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event)
	req.Header.Set(DeliveryHeader, deliveryID)
	if wh.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(wh.Secret, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, nil, false
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, delivery.MaxResponseBodyBytes+1))
	body := delivery.TruncateBody(string(raw))
	status := resp.StatusCode
	success := status >= 200 && status < 300

	return &status, &body, success
}

// record appends one attempt row. A failed write loses that row but never
// interrupts the sequence; the failure is loud in the logs instead.
func (d *Dispatcher) record(wh webhook.Webhook, event string, payload []byte, status *int, body *string, success bool) {
	a := delivery.Attempt{
		ID:             uuid.New().String(),
		WebhookID:      wh.ID,
		Event:          event,
		Payload:        payload,
		ResponseStatus: status,
		ResponseBody:   body,
		Success:        success,
		AttemptedAt:    time.Now().UTC(),
	}
	if err := d.log.Record(d.baseCtx, a); err != nil {
		d.lg.Error("recording delivery attempt failed",
			zap.String("webhook_id", wh.ID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// sleep waits for the backoff delay. It returns false when the dispatcher is
// shut down before the delay elapses.
func (d *Dispatcher) sleep(delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-d.baseCtx.Done():
		return false
	case <-t.C:
		return true
	}
}
