package webhook

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock repository ---

type mockRepo struct {
	mu       sync.Mutex
	webhooks map[string]Webhook
}

func newMockRepo() *mockRepo {
	return &mockRepo{webhooks: make(map[string]Webhook)}
}

func (m *mockRepo) Insert(_ context.Context, wh Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[wh.ID] = wh
	return nil
}

func (m *mockRepo) Get(_ context.Context, id string) (Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wh, ok := m.webhooks[id]
	if !ok {
		return Webhook{}, ErrNotFound
	}
	return wh, nil
}

func (m *mockRepo) List(_ context.Context) ([]Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Webhook, 0, len(m.webhooks))
	for _, wh := range m.webhooks {
		out = append(out, wh)
	}
	return out, nil
}

func (m *mockRepo) Update(_ context.Context, id string, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wh, ok := m.webhooks[id]
	if !ok {
		return ErrNotFound
	}
	if p.Name != nil {
		wh.Name = *p.Name
	}
	if p.URL != nil {
		wh.URL = *p.URL
	}
	if p.Events != nil {
		wh.Events = *p.Events
	}
	if p.Secret != nil {
		wh.Secret = *p.Secret
	}
	if p.Active != nil {
		wh.Active = *p.Active
	}
	m.webhooks[id] = wh
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.webhooks, id)
	return nil
}

func (m *mockRepo) SubscribersFor(_ context.Context, event string) ([]Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Webhook
	for _, wh := range m.webhooks {
		if wh.Active && wh.Subscribed(event) {
			out = append(out, wh)
		}
	}
	return out, nil
}

func (m *mockRepo) Counts(_ context.Context) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active int64
	for _, wh := range m.webhooks {
		if wh.Active {
			active++
		}
	}
	return int64(len(m.webhooks)), active, nil
}

// --- Helpers ---

func validCreate() CreateRequest {
	return CreateRequest{
		Name:      "erp-sync",
		URL:       "https://erp.example.com/hooks/stockpile",
		Events:    []string{"sale.created", "stock.adjusted"},
		Secret:    "s3cr3t",
		CreatedBy: "admin",
	}
}

func strPtr(s string) *string   { return &s }
func boolPtr(b bool) *bool      { return &b }
func eventsPtr(e ...string) *[]string { return &e }

// --- Tests ---

func TestCreate(t *testing.T) {
	svc := NewService(newMockRepo())

	wh, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)
	assert.NotEmpty(t, wh.ID)
	assert.True(t, wh.Active)
	assert.Equal(t, []string{"sale.created", "stock.adjusted"}, wh.Events)
}

func TestCreate_Validation(t *testing.T) {
	svc := NewService(newMockRepo())

	tests := []struct {
		name    string
		mutate  func(*CreateRequest)
		wantErr error
	}{
		{"missing name", func(r *CreateRequest) { r.Name = "" }, ErrNameRequired},
		{"empty events", func(r *CreateRequest) { r.Events = nil }, ErrNoEvents},
		{"relative url", func(r *CreateRequest) { r.URL = "/hooks" }, ErrInvalidURL},
		{"bad scheme", func(r *CreateRequest) { r.URL = "ftp://example.com/x" }, ErrInvalidURL},
		{"missing host", func(r *CreateRequest) { r.URL = "http://" }, ErrInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreate()
			tt.mutate(&req)
			_, err := svc.Create(context.Background(), req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("bad event name", func(t *testing.T) {
		req := validCreate()
		req.Events = []string{"sale created!"}
		_, err := svc.Create(context.Background(), req)
		require.Error(t, err)
	})
}

func TestUpdate_PartialPatch(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)

	wh, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	// Only the name changes; everything else stays.
	got, err := svc.Update(context.Background(), wh.ID, Patch{Name: strPtr("renamed")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, wh.URL, got.URL)
	assert.Equal(t, wh.Events, got.Events)
	assert.Equal(t, wh.Secret, got.Secret)
	assert.True(t, got.Active)

	// Provided-as-empty is distinct from not provided: clearing the secret.
	got, err = svc.Update(context.Background(), wh.ID, Patch{Secret: strPtr("")})
	require.NoError(t, err)
	assert.Empty(t, got.Secret)
	assert.Equal(t, "renamed", got.Name)

	// Deactivate.
	got, err = svc.Update(context.Background(), wh.ID, Patch{Active: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestUpdate_PatchValidation(t *testing.T) {
	svc := NewService(newMockRepo())

	wh, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), wh.ID, Patch{})
	require.ErrorIs(t, err, ErrEmptyPatch)

	_, err = svc.Update(context.Background(), wh.ID, Patch{Events: eventsPtr()})
	require.ErrorIs(t, err, ErrNoEvents, "a patch cannot empty the event set")

	_, err = svc.Update(context.Background(), wh.ID, Patch{URL: strPtr("not-a-url")})
	require.ErrorIs(t, err, ErrInvalidURL)

	_, err = svc.Update(context.Background(), "missing", Patch{Name: strPtr("x")})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	svc := NewService(newMockRepo())

	wh, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), wh.ID))
	_, err = svc.Get(context.Background(), wh.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, svc.Delete(context.Background(), wh.ID), ErrNotFound)
}

func TestSubscribersFor(t *testing.T) {
	svc := NewService(newMockRepo())

	sale, err := svc.Create(context.Background(), CreateRequest{
		Name: "sales-only", URL: "https://a.example.com/h", Events: []string{"sale.created"},
	})
	require.NoError(t, err)

	both, err := svc.Create(context.Background(), CreateRequest{
		Name: "everything", URL: "https://b.example.com/h",
		Events: []string{"sale.created", "stock.adjusted"},
	})
	require.NoError(t, err)

	inactive, err := svc.Create(context.Background(), CreateRequest{
		Name: "paused", URL: "https://c.example.com/h", Events: []string{"sale.created"},
	})
	require.NoError(t, err)
	_, err = svc.Update(context.Background(), inactive.ID, Patch{Active: boolPtr(false)})
	require.NoError(t, err)

	subs, err := svc.SubscribersFor(context.Background(), "sale.created")
	require.NoError(t, err)
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.ID
	}
	assert.ElementsMatch(t, []string{sale.ID, both.ID}, ids)

	subs, err = svc.SubscribersFor(context.Background(), "stock.adjusted")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, both.ID, subs[0].ID)

	subs, err = svc.SubscribersFor(context.Background(), "product.archived")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
