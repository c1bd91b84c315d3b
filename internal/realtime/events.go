package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ziqrishahab/pelaris-edge/internal/models"
)

// Domain event names as sent by the backend.
const (
	EventProductCreated  = "product:created"
	EventProductUpdated  = "product:updated"
	EventProductDeleted  = "product:deleted"
	EventStockUpdated    = "stock:updated"
	EventCategoryUpdated = "category:updated"
	EventSyncTrigger     = "sync:trigger"
)

// Lifecycle event names, emitted by the channel itself rather than the
// backend. Subscribers use them to react to connectivity changes.
const (
	EventConnected    = "connect"
	EventDisconnected = "disconnect"
)

// SyncTrigger discriminators.
const (
	SyncProducts = "products"
	SyncAll      = "all"
)

// Event is the tagged union of everything the channel can deliver. Each
// variant carries the precise payload shape for its event name.
type Event interface {
	Name() string
}

// ProductCreated announces a new catalog entry.
type ProductCreated struct {
	Product   models.Product
	Timestamp time.Time
}

func (ProductCreated) Name() string { return EventProductCreated }

// ProductUpdated announces a changed catalog entry.
type ProductUpdated struct {
	Product   models.Product
	Timestamp time.Time
}

func (ProductUpdated) Name() string { return EventProductUpdated }

// ProductDeleted announces a removed catalog entry.
type ProductDeleted struct {
	ProductID string
	Timestamp time.Time
}

func (ProductDeleted) Name() string { return EventProductDeleted }

// StockUpdated announces a stock level change for a variant at a branch.
type StockUpdated struct {
	VariantID string
	BranchID  string
	Stock     int
	Timestamp time.Time
}

func (StockUpdated) Name() string { return EventStockUpdated }

// CategoryUpdated announces a category change.
type CategoryUpdated struct {
	CategoryID   string
	CategoryName string
	Timestamp    time.Time
}

func (CategoryUpdated) Name() string { return EventCategoryUpdated }

// SyncTrigger asks consumers to refetch. SyncType tells them whether the
// request applies to them.
type SyncTrigger struct {
	SyncType  string
	Timestamp time.Time
}

func (SyncTrigger) Name() string { return EventSyncTrigger }

// Connected is emitted after the transport (re)establishes its connection.
type Connected struct {
	Attempt int // 0 for the initial connect, >0 after a reconnect
}

func (Connected) Name() string { return EventConnected }

// Disconnected is emitted when the transport drops.
type Disconnected struct {
	Err error
}

func (Disconnected) Name() string { return EventDisconnected }

// envelope is the wire shape of every inbound message.
type envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	SyncType  string          `json:"syncType,omitempty"`
}

type productPayload struct {
	models.Product
}

type deletedPayload struct {
	ID string `json:"id"`
}

type stockPayload struct {
	VariantID string `json:"variant_id"`
	BranchID  string `json:"branch_id"`
	Stock     int    `json:"stock"`
}

type categoryPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// decodeEvent maps a wire envelope onto its typed event. Unknown event names
// are an error so new backend vocabulary is noticed instead of dropped
// silently.
func decodeEvent(env envelope) (Event, error) {
	switch env.Event {
	case EventProductCreated, EventProductUpdated:
		var payload productPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		if env.Event == EventProductCreated {
			return ProductCreated{Product: payload.Product, Timestamp: env.Timestamp}, nil
		}
		return ProductUpdated{Product: payload.Product, Timestamp: env.Timestamp}, nil

	case EventProductDeleted:
		var payload deletedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return ProductDeleted{ProductID: payload.ID, Timestamp: env.Timestamp}, nil

	case EventStockUpdated:
		var payload stockPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return StockUpdated{
			VariantID: payload.VariantID,
			BranchID:  payload.BranchID,
			Stock:     payload.Stock,
			Timestamp: env.Timestamp,
		}, nil

	case EventCategoryUpdated:
		var payload categoryPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Event, err)
		}
		return CategoryUpdated{
			CategoryID:   payload.ID,
			CategoryName: payload.Name,
			Timestamp:    env.Timestamp,
		}, nil

	case EventSyncTrigger:
		return SyncTrigger{SyncType: env.SyncType, Timestamp: env.Timestamp}, nil

	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
}
