package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/stockpile/integration-gateway/internal/domain/delivery"
	"github.com/stockpile/integration-gateway/internal/domain/webhook"
)

// --- Mocks ---

type mockSubs struct {
	mu       sync.Mutex
	webhooks map[string]webhook.Webhook
}

func newMockSubs(whs ...webhook.Webhook) *mockSubs {
	m := &mockSubs{webhooks: make(map[string]webhook.Webhook)}
	for _, wh := range whs {
		m.webhooks[wh.ID] = wh
	}
	return m
}

func (m *mockSubs) SubscribersFor(_ context.Context, event string) ([]webhook.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []webhook.Webhook
	for _, wh := range m.webhooks {
		if wh.Active && wh.Subscribed(event) {
			out = append(out, wh)
		}
	}
	return out, nil
}

func (m *mockSubs) Get(_ context.Context, id string) (webhook.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wh, ok := m.webhooks[id]
	if !ok {
		return webhook.Webhook{}, webhook.ErrNotFound
	}
	return wh, nil
}

func (m *mockSubs) deactivate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wh := m.webhooks[id]
	wh.Active = false
	m.webhooks[id] = wh
}

type recordedLog struct {
	mu       sync.Mutex
	attempts []delivery.Attempt
}

func (l *recordedLog) Record(_ context.Context, a delivery.Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, a)
	return nil
}

func (l *recordedLog) Recent(_ context.Context, limit int, webhookID string) ([]delivery.Attempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []delivery.Attempt
	for i := len(l.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		if webhookID == "" || l.attempts[i].WebhookID == webhookID {
			out = append(out, l.attempts[i])
		}
	}
	return out, nil
}

func (l *recordedLog) all() []delivery.Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]delivery.Attempt(nil), l.attempts...)
}

// --- Helpers ---

func fastConfig() Config {
	return Config{
		MaxAttempts:    3,
		Backoff:        []time.Duration{5 * time.Millisecond, 10 * time.Millisecond},
		RequestTimeout: 2 * time.Second,
	}
}

func newTestDispatcher(t *testing.T, subs SubscriberSource, log delivery.Repository, cfg Config) *Dispatcher {
	t.Helper()
	d, err := New(subs, log, cfg, zap.NewNop(), noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return d
}

// drain publishes are async; closing waits for every sequence to finish.
func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func testWebhook(url string, events ...string) webhook.Webhook {
	return webhook.Webhook{
		ID:     "wh-" + url[len(url)-4:],
		Name:   "test",
		URL:    url,
		Events: events,
		Active: true,
	}
}

// --- Tests ---

func TestPublish_SuccessFirstAttempt(t *testing.T) {
	var hits int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL, "sale.created")
	log := &recordedLog{}
	d := newTestDispatcher(t, newMockSubs(wh), log, fastConfig())

	err := d.Publish(context.Background(), "sale.created", json.RawMessage(`{"amount":150}`))
	require.NoError(t, err)
	drain(t, d)

	mu.Lock()
	assert.EqualValues(t, 1, hits, "a first-attempt success never retries")
	mu.Unlock()

	attempts := log.all()
	require.Len(t, attempts, 1)
	a := attempts[0]
	assert.True(t, a.Success)
	require.NotNil(t, a.ResponseStatus)
	assert.Equal(t, http.StatusOK, *a.ResponseStatus)
	assert.Equal(t, wh.ID, a.WebhookID)
	assert.Equal(t, "sale.created", a.Event)
	assert.Contains(t, string(a.Payload), `"amount":150`)
}

func TestPublish_RetriesUntilExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "still broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL, "stock.adjusted")
	log := &recordedLog{}
	d := newTestDispatcher(t, newMockSubs(wh), log, fastConfig())

	require.NoError(t, d.Publish(context.Background(), "stock.adjusted", json.RawMessage(`{}`)))
	drain(t, d)

	attempts := log.all()
	require.Len(t, attempts, 3, "exactly MaxAttempts rows, then stop")
	for _, a := range attempts {
		assert.False(t, a.Success)
		require.NotNil(t, a.ResponseStatus)
		assert.Equal(t, http.StatusBadGateway, *a.ResponseStatus)
		require.NotNil(t, a.ResponseBody)
		assert.Contains(t, *a.ResponseBody, "still broken")
	}
}

func TestPublish_TransportFailure(t *testing.T) {
	// A server that is immediately closed leaves a refused port behind.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	wh := testWebhook(url, "sale.created")
	log := &recordedLog{}
	d := newTestDispatcher(t, newMockSubs(wh), log, fastConfig())

	require.NoError(t, d.Publish(context.Background(), "sale.created", json.RawMessage(`{}`)))
	drain(t, d)

	attempts := log.all()
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.False(t, a.Success)
		assert.Nil(t, a.ResponseStatus, "no response to record on a transport failure")
		assert.Nil(t, a.ResponseBody)
	}
}

func TestPublish_NoSubscribersIsNoOp(t *testing.T) {
	log := &recordedLog{}
	d := newTestDispatcher(t, newMockSubs(), log, fastConfig())

	require.NoError(t, d.Publish(context.Background(), "sale.created", json.RawMessage(`{}`)))
	drain(t, d)
	assert.Empty(t, log.all())
}

func TestPublish_EventFiltering(t *testing.T) {
	var salesHits, stockHits int32
	var mu sync.Mutex
	sales := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		salesHits++
		mu.Unlock()
	}))
	defer sales.Close()
	stock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stockHits++
		mu.Unlock()
	}))
	defer stock.Close()

	whSales := testWebhook(sales.URL, "sale.created")
	whSales.ID = "wh-sales"
	whStock := testWebhook(stock.URL, "stock.adjusted")
	whStock.ID = "wh-stock"

	log := &recordedLog{}
	d := newTestDispatcher(t, newMockSubs(whSales, whStock), log, fastConfig())

	require.NoError(t, d.Publish(context.Background(), "sale.created", json.RawMessage(`{"amount":150}`)))
	drain(t, d)

	mu.Lock()
	assert.EqualValues(t, 1, salesHits)
	assert.EqualValues(t, 0, stockHits, "a webhook subscribed to X never sees event Y")
	mu.Unlock()

	for _, a := range log.all() {
		assert.Equal(t, "wh-sales", a.WebhookID)
	}
}

func TestPublish_SignedDelivery(t *testing.T) {
	type captured struct {
		signature string
		event     string
		body      []byte
	}
	capCh := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		capCh <- captured{
			signature: r.Header.Get(SignatureHeader),
			event:     r.Header.Get(EventHeader),
			body:      body,
		}
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL, "sale.created")
	wh.Secret = "s3cr3t"
	d := newTestDispatcher(t, newMockSubs(wh), &recordedLog{}, fastConfig())

	require.NoError(t, d.Publish(context.Background(), "sale.created", json.RawMessage(`{"amount":150}`)))
	drain(t, d)

	got := <-capCh
	assert.Equal(t, "sale.created", got.event)
	require.NotEmpty(t, got.signature)

	// The MAC must be reproducible from the delivered bytes and the secret.
	assert.True(t, VerifySignature("s3cr3t", got.body, got.signature))
	assert.False(t, VerifySignature("wrong", got.body, got.signature))
}

func TestPublish_UnsignedWithoutSecret(t *testing.T) {
	sigCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sigCh <- r.Header.Get(SignatureHeader)
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL, "sale.created")
	d := newTestDispatcher(t, newMockSubs(wh), &recordedLog{}, fastConfig())

	require.NoError(t, d.Publish(context.Background(), "sale.created", nil))
	drain(t, d)

	assert.Empty(t, <-sigCh, "webhooks without a secret are delivered unsigned")
}

func TestPublish_DeactivationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL, "sale.created")
	subs := newMockSubs(wh)
	log := &recordedLog{}

	cfg := fastConfig()
	cfg.Backoff = []time.Duration{100 * time.Millisecond}
	d := newTestDispatcher(t, subs, log, cfg)

	require.NoError(t, d.Publish(context.Background(), "sale.created", json.RawMessage(`{}`)))

	// Deactivate while the first backoff is in progress, then let the
	// backoff elapse so the pre-retry active check runs.
	time.Sleep(20 * time.Millisecond)
	subs.deactivate(wh.ID)
	time.Sleep(200 * time.Millisecond)
	drain(t, d)

	require.Len(t, log.all(), 1, "no further attempts after deactivation")
}

func TestPublish_CallerErrors(t *testing.T) {
	d := newTestDispatcher(t, newMockSubs(), &recordedLog{}, fastConfig())
	defer drain(t, d)

	err := d.Publish(context.Background(), "not a valid event!", json.RawMessage(`{}`))
	require.Error(t, err)

	err = d.Publish(context.Background(), "sale.created", json.RawMessage(`{broken`))
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestPublish_OversizedPayload(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxPayloadBytes = 128
	log := &recordedLog{}
	d := newTestDispatcher(t, newMockSubs(), log, cfg)
	defer drain(t, d)

	big, err := json.Marshal(map[string]string{"blob": string(make([]byte, 1024))})
	require.NoError(t, err)

	err = d.Publish(context.Background(), "sale.created", big)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Empty(t, log.all(), "oversized payloads fail before any delivery work")
}

func TestPublish_AfterCloseRejected(t *testing.T) {
	d := newTestDispatcher(t, newMockSubs(), &recordedLog{}, fastConfig())
	drain(t, d)

	err := d.Publish(context.Background(), "sale.created", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestPublish_ConcurrentWithClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Hammer the publish/close boundary: once Close has returned, no
	// sequence may still be running and no new one may start.
	for i := 0; i < 50; i++ {
		wh := testWebhook(srv.URL, "sale.created")
		log := &recordedLog{}
		d := newTestDispatcher(t, newMockSubs(wh), log, fastConfig())

		var pubWG sync.WaitGroup
		for j := 0; j < 4; j++ {
			pubWG.Add(1)
			go func() {
				defer pubWG.Done()
				err := d.Publish(context.Background(), "sale.created", json.RawMessage(`{}`))
				if err != nil {
					assert.ErrorIs(t, err, ErrClosed)
				}
			}()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, d.Close(ctx))
		cancel()

		require.Zero(t, d.InFlight(), "sequences still running after Close returned")
		settled := len(log.all())
		pubWG.Wait()

		time.Sleep(5 * time.Millisecond)
		assert.Len(t, log.all(), settled, "delivery recorded after Close returned")
		require.ErrorIs(t, d.Publish(context.Background(), "sale.created", nil), ErrClosed)
	}
}

func TestPublish_BinaryResponseBodyRecorded(t *testing.T) {
	// Endpoints are untrusted: a body with NUL bytes, broken UTF-8, and a
	// multi-byte rune straddling the snapshot limit must still produce a
	// storable log row.
	body := make([]byte, 0, delivery.MaxResponseBodyBytes+8)
	for len(body) < delivery.MaxResponseBodyBytes-1 {
		body = append(body, 'x', 0x00, 0xff)
	}
	body = append(body[:delivery.MaxResponseBodyBytes-1], "é..."...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	wh := testWebhook(srv.URL, "sale.created")
	log := &recordedLog{}
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	d := newTestDispatcher(t, newMockSubs(wh), log, cfg)

	require.NoError(t, d.Publish(context.Background(), "sale.created", json.RawMessage(`{}`)))
	drain(t, d)

	attempts := log.all()
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].ResponseBody)
	got := *attempts[0].ResponseBody
	assert.True(t, utf8.ValidString(got), "recorded body must be valid UTF-8")
	assert.NotContains(t, got, "\x00")
	assert.LessOrEqual(t, len(got), delivery.MaxResponseBodyBytes)
}

func TestEnvelope_Deterministic(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a, err := encodeEnvelope("sale.created", ts, json.RawMessage(`{"amount":150}`), DefaultMaxPayloadBytes)
	require.NoError(t, err)
	b, err := encodeEnvelope("sale.created", ts, json.RawMessage(`{"amount":150}`), DefaultMaxPayloadBytes)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	assert.JSONEq(t, `{"event":"sale.created","timestamp":"2025-06-01T12:00:00Z","data":{"amount":150}}`, string(a))

	// Signing the same bytes twice yields the same MAC.
	assert.Equal(t, Sign("k", a), Sign("k", b))
}
