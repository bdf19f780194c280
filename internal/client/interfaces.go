package client

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-bvas-bills/internal/repository"
)

// ReferenceSource supplies the comparison quantity for a bill item.
type ReferenceSource interface {
	ReferenceQuantity(ctx context.Context, q ReferenceQuery) (decimal.Decimal, error)
}

// EventPublisher announces committed lifecycle transitions. Implementations
// must not fail the caller.
type EventPublisher interface {
	PublishBillEvent(ctx context.Context, eventType string, bill *repository.Bill, actorID string, remarks *string)
}
