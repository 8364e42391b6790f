package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Availability is a stock backend's answer for one SKU.
type Availability struct {
	SKU          string
	Requested    decimal.Decimal
	AvailableQty decimal.Decimal
	// Available reports whether the requested quantity can be promised in full.
	Available bool
}

// Hold is a time-bounded inventory reservation.
type Hold struct {
	ID        string
	SKU       string
	Qty       decimal.Decimal
	Reference string
	ExpiresAt time.Time
}

// Payment intent statuses.
const (
	PaymentCreated    = "created"
	PaymentAuthorized = "authorized"
	PaymentCaptured   = "captured"
	PaymentRefunded   = "refunded"
	PaymentCancelled  = "cancelled"
)

// PaymentIntent is the backend's view of a payment in flight.
type PaymentIntent struct {
	ID        string
	AmountQ   int64
	Currency  string
	Status    string
	Reference string
	Metadata  map[string]string
}

// SendResult is the outcome of a notification send.
type SendResult struct {
	Success   bool
	MessageID string
	Error     string
}
