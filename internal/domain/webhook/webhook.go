// Package webhook implements the webhook registry: subscription records that
// map domain events to external endpoints, with optional payload signing.
package webhook

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Sentinel errors for registry operations.
var (
	ErrNotFound         = fmt.Errorf("webhook not found")
	ErrNameRequired     = fmt.Errorf("name is required")
	ErrNoEvents         = fmt.Errorf("at least one subscribed event is required")
	ErrInvalidURL       = fmt.Errorf("url must be an absolute http(s) URL")
	ErrInvalidEventName = fmt.Errorf("invalid event name")
	ErrEmptyPatch       = fmt.Errorf("no fields to update")
)

// eventNamePattern constrains event names to hierarchical, full-stop
// delimited segments of [a-zA-Z0-9_], e.g. "sale.created", "stock.adjusted".
var eventNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+(\.[a-zA-Z0-9_]+)*$`)

// ValidateEventName checks an event name against the allowed format.
func ValidateEventName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidEventName)
	}
	if !eventNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must be full-stop delimited segments of [a-zA-Z0-9_]", ErrInvalidEventName, name)
	}
	return nil
}

// ValidateURL checks that raw is a well-formed absolute http(s) URL.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL
	}
	return nil
}

// Webhook represents a registered subscription. An empty Secret means
// deliveries to this endpoint are unsigned.
type Webhook struct {
	ID        string
	Name      string
	URL       string
	Events    []string
	Secret    string
	Active    bool
	CreatedBy string
	CreatedAt time.Time
}

// Subscribed reports whether the webhook's event set contains the given event.
func (w Webhook) Subscribed(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Patch describes a partial update. Each field is present-or-absent: a nil
// pointer leaves the stored value untouched, a non-nil pointer replaces it
// (including replacing with an empty value, e.g. clearing the secret).
type Patch struct {
	Name   *string
	URL    *string
	Events *[]string
	Secret *string
	Active *bool
}

// Empty reports whether the patch carries no fields at all.
func (p Patch) Empty() bool {
	return p.Name == nil && p.URL == nil && p.Events == nil && p.Secret == nil && p.Active == nil
}

// Repository defines persistence operations for webhooks. Unlike API keys,
// webhooks are hard-deleted: once deliveries are logged by value nothing
// depends on the row's continued existence.
type Repository interface {
	Insert(ctx context.Context, wh Webhook) error
	Get(ctx context.Context, id string) (Webhook, error)
	List(ctx context.Context) ([]Webhook, error)
	Update(ctx context.Context, id string, p Patch) error
	Delete(ctx context.Context, id string) error

	// SubscribersFor returns the webhooks that are active and whose event set
	// contains the given event. This predicate is the dispatch contract.
	SubscribersFor(ctx context.Context, event string) ([]Webhook, error)

	// Counts returns the total and active webhook counts.
	Counts(ctx context.Context) (total, active int64, err error)
}
