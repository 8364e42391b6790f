package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the canonical order status enum.
type Status string

const (
	StatusNew        Status = "new"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusDispatched Status = "dispatched"
	StatusDelivered  Status = "delivered"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusReturned   Status = "returned"
)

// Statuses lists every canonical order status.
var Statuses = []Status{
	StatusNew, StatusConfirmed, StatusProcessing, StatusReady,
	StatusDispatched, StatusDelivered, StatusCompleted, StatusCancelled,
	StatusReturned,
}

// Valid reports whether s is a canonical status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Order event types emitted by the kernel.
const (
	EventCreated         = "created"
	EventStatusChanged   = "status_changed"
	EventPaymentCaptured = "payment.captured"
	EventPaymentRefunded = "payment.refunded"
)

// Snapshot is the frozen session state sealed into an order at commit.
type Snapshot struct {
	Items   []Item      `json:"items"`
	Data    SessionData `json:"data"`
	Pricing Pricing     `json:"pricing"`
	Rev     int64       `json:"rev"`
}

// Order is an immutable sealed snapshot of a committed session. Only status
// and the lifecycle timestamps ever change after insert, and only through
// the order flow state machine.
type Order struct {
	ID          int64
	Ref         string
	ChannelID   int64
	ChannelCode string
	SessionKey  string
	HandleType  string
	HandleRef   string
	ExternalRef string
	Status      Status
	Snapshot    Snapshot
	Currency    string
	TotalQ      int64
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Lifecycle timestamps, one per non-new status. First write wins.
	ConfirmedAt  *time.Time
	ProcessingAt *time.Time
	ReadyAt      *time.Time
	DispatchedAt *time.Time
	DeliveredAt  *time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time
	ReturnedAt   *time.Time
}

// StampLifecycle sets the lifecycle timestamp for a status when it is still
// unset and reports whether the field was written. StatusNew is covered by
// CreatedAt and never stamped.
func (o *Order) StampLifecycle(s Status, at time.Time) bool {
	f := o.lifecycleField(s)
	if f == nil || *f != nil {
		return false
	}
	t := at
	*f = &t
	return true
}

// LifecycleAt returns the recorded timestamp for a status, nil when the order
// has not reached it. For StatusNew it returns CreatedAt.
func (o *Order) LifecycleAt(s Status) *time.Time {
	if s == StatusNew {
		return &o.CreatedAt
	}
	f := o.lifecycleField(s)
	if f == nil {
		return nil
	}
	return *f
}

func (o *Order) lifecycleField(s Status) **time.Time {
	switch s {
	case StatusConfirmed:
		return &o.ConfirmedAt
	case StatusProcessing:
		return &o.ProcessingAt
	case StatusReady:
		return &o.ReadyAt
	case StatusDispatched:
		return &o.DispatchedAt
	case StatusDelivered:
		return &o.DeliveredAt
	case StatusCompleted:
		return &o.CompletedAt
	case StatusCancelled:
		return &o.CancelledAt
	case StatusReturned:
		return &o.ReturnedAt
	default:
		return nil
	}
}

// OrderItem is one denormalized row per line in a sealed order.
type OrderItem struct {
	ID         int64
	OrderID    int64
	LineID     string
	SKU        string
	Qty        decimal.Decimal
	UnitPriceQ *int64
	LineTotalQ int64
	Name       string
	Meta       map[string]interface{}
}

// OrderEvent is one append-only audit log entry scoped to an order.
type OrderEvent struct {
	ID        int64
	OrderID   int64
	Type      string
	Actor     string
	Payload   map[string]interface{}
	CreatedAt time.Time
}

// FulfillmentStatus is the shipment lifecycle of a fulfillment.
type FulfillmentStatus string

const (
	FulfillmentPending    FulfillmentStatus = "pending"
	FulfillmentInProgress FulfillmentStatus = "in_progress"
	FulfillmentShipped    FulfillmentStatus = "shipped"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
	FulfillmentCancelled  FulfillmentStatus = "cancelled"
)

// Fulfillment groups order items under one shipment.
type Fulfillment struct {
	ID        int64
	OrderID   int64
	Status    FulfillmentStatus
	Tracking  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FulfillmentItem assigns a quantity of one order line to a fulfillment.
type FulfillmentItem struct {
	ID            int64
	FulfillmentID int64
	LineID        string
	Qty           decimal.Decimal
}
