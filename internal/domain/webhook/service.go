package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRequest holds the input for registering a webhook.
type CreateRequest struct {
	Name      string
	URL       string
	Events    []string
	Secret    string
	CreatedBy string
}

// Service encapsulates registry business logic: validation on top of the
// Repository's persistence.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a webhook registry service.
func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

// Create validates and registers a new webhook. New webhooks start active.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Webhook, error) {
	if req.Name == "" {
		return Webhook{}, ErrNameRequired
	}
	if err := ValidateURL(req.URL); err != nil {
		return Webhook{}, err
	}
	if err := validateEvents(req.Events); err != nil {
		return Webhook{}, err
	}

	wh := Webhook{
		ID:        uuid.New().String(),
		Name:      req.Name,
		URL:       req.URL,
		Events:    req.Events,
		Secret:    req.Secret,
		Active:    true,
		CreatedBy: req.CreatedBy,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, wh); err != nil {
		return Webhook{}, fmt.Errorf("inserting webhook: %w", err)
	}
	return wh, nil
}

// Get returns a webhook by ID.
func (s *Service) Get(ctx context.Context, id string) (Webhook, error) {
	return s.repo.Get(ctx, id)
}

// List returns all webhooks, newest first.
func (s *Service) List(ctx context.Context) ([]Webhook, error) {
	return s.repo.List(ctx)
}

// Update applies a partial patch: only fields present in the patch change.
// The invariants hold for the patched value too — a patch cannot leave a
// webhook with an empty event set or a malformed URL.
func (s *Service) Update(ctx context.Context, id string, p Patch) (Webhook, error) {
	if p.Empty() {
		return Webhook{}, ErrEmptyPatch
	}
	if p.URL != nil {
		if err := ValidateURL(*p.URL); err != nil {
			return Webhook{}, err
		}
	}
	if p.Events != nil {
		if err := validateEvents(*p.Events); err != nil {
			return Webhook{}, err
		}
	}

	if err := s.repo.Update(ctx, id, p); err != nil {
		return Webhook{}, err
	}
	return s.repo.Get(ctx, id)
}

// Delete permanently removes a webhook. Its delivery history remains in the
// delivery log.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// SubscribersFor resolves the active webhooks subscribed to an event.
func (s *Service) SubscribersFor(ctx context.Context, event string) ([]Webhook, error) {
	return s.repo.SubscribersFor(ctx, event)
}

// Counts returns total and active webhook counts for the status snapshot.
func (s *Service) Counts(ctx context.Context) (total, active int64, err error) {
	return s.repo.Counts(ctx)
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return ErrNoEvents
	}
	for _, e := range events {
		if err := ValidateEventName(e); err != nil {
			return err
		}
	}
	return nil
}
