// Package storage defines the subscription persistence contract. The
// postgres subpackage provides the production implementation with an
// optional Redis cache in front.
package storage

import (
	"context"
	"errors"

	"github.com/chainhook/chainhook/pkg/webhooks"
)

// ErrNotFound indicates the requested webhook does not exist.
var ErrNotFound = errors.New("webhook not found")

// ErrStoreUnavailable indicates the backing store could not be
// reached. The dispatcher treats this as transient and dead-letters
// the in-flight message instead of dropping it.
var ErrStoreUnavailable = errors.New("webhook store unavailable")

// WebhookStore persists webhook subscriptions. Deactivation is a soft
// delete so the audit history keeps its referent.
type WebhookStore interface {
	CreateWebhook(ctx context.Context, sub *webhooks.Subscription) error
	GetWebhook(ctx context.Context, id string) (*webhooks.Subscription, error)
	ListActiveWebhooks(ctx context.Context) ([]*webhooks.Subscription, error)
	DeactivateWebhook(ctx context.Context, id string) error
	Close() error
}
