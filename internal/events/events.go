package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/safar/shop-inventory/internal/models"
)

type Type string

const (
	TypeOrderCreated       Type = "order.created"
	TypeOrderStatusChanged Type = "order.status_changed"
	TypeInventoryRestored  Type = "inventory.restored"
)

type Item struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

type Event struct {
	ID          string             `json:"id"`
	Type        Type               `json:"type"`
	OrderID     int64              `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	Status      models.OrderStatus `json:"status"`
	PrevStatus  models.OrderStatus `json:"prev_status,omitempty"`
	Units       int                `json:"units,omitempty"`
	Items       []Item             `json:"items,omitempty"`
	OccurredAt  time.Time          `json:"occurred_at"`
}

// Publisher delivers events after the transaction that produced them has
// committed.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

func New(t Type, order *models.Order) Event {
	e := Event{
		ID:          uuid.NewString(),
		Type:        t,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Status:      order.Status,
		OccurredAt:  time.Now().UTC(),
	}
	for _, item := range order.Items {
		e.Items = append(e.Items, Item{VariantID: item.VariantID, Quantity: item.Quantity})
	}
	return e
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, ...Event) error { return nil }

func (NopPublisher) Close() error { return nil }
