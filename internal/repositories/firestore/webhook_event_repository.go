package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/api/internal/domain"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/repositories"
)

// WebhookEventRepository records processed gateway events keyed by event id.
type WebhookEventRepository struct {
	provider *pfirestore.Provider
	events   *pfirestore.Collection[webhookEventDocument]
}

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)

// NewWebhookEventRepository constructs a Firestore-backed webhook event ledger.
func NewWebhookEventRepository(provider *pfirestore.Provider) (*WebhookEventRepository, error) {
	if provider == nil {
		return nil, errors.New("webhook event repository requires firestore provider")
	}
	return &WebhookEventRepository{
		provider: provider,
		events:   pfirestore.NewCollection[webhookEventDocument](provider, webhookEventsCollection, nil),
	}, nil
}

func (r *WebhookEventRepository) Seen(ctx context.Context, eventID string) (bool, error) {
	_, err := r.events.Get(ctx, strings.TrimSpace(eventID))
	if err == nil {
		return true, nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return false, nil
	}
	return false, err
}

// MarkProcessed creates the event record. A concurrent duplicate fails the enclosing transaction with
// a conflict.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, event domain.WebhookEvent) error {
	ref, err := r.events.Ref(ctx, strings.TrimSpace(event.ID))
	if err != nil {
		return err
	}
	doc := webhookEventDocument{
		Type:        event.Type,
		Provider:    event.Provider,
		OrderID:     event.OrderID,
		ProcessedAt: event.ProcessedAt.UTC(),
	}
	err = r.provider.RunInScope(ctx, func(_ context.Context, scope *pfirestore.Scope) error {
		scope.Stage(func(tx *firestore.Transaction) error {
			return tx.Create(ref, doc)
		})
		return nil
	})
	return pfirestore.WrapError("webhookEvents.create", err)
}
