package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IStockBackend defines the interface for inventory reservation backends.
// Implementations must be idempotent per hold id; the kernel retries handlers.
type IStockBackend interface {
	// CheckAvailability reports how much of a SKU the backend can still promise.
	CheckAvailability(ctx context.Context, sku string, qty decimal.Decimal) (Availability, error)
	// CreateHold reserves qty of a SKU until expiresAt, tagged with a caller reference.
	CreateHold(ctx context.Context, sku string, qty decimal.Decimal, expiresAt time.Time, reference string) (*Hold, error)
	// ReleaseHold frees a reservation before it expires.
	ReleaseHold(ctx context.Context, holdID string) error
	// FulfillHold converts a reservation into a permanent decrement.
	FulfillHold(ctx context.Context, holdID, reference string) error
	// GetAlternatives suggests substitute SKUs for an unavailable one.
	GetAlternatives(ctx context.Context, sku string) ([]string, error)
	// ReleaseHoldsForReference frees every hold tagged with the reference and
	// returns how many were released.
	ReleaseHoldsForReference(ctx context.Context, reference string) (int, error)
}

// IPaymentBackend defines the interface for payment processors.
// An amountQ of 0 on Capture/Refund means the full intent amount.
type IPaymentBackend interface {
	CreateIntent(ctx context.Context, amountQ int64, currency, reference string, metadata map[string]string) (*PaymentIntent, error)
	Authorize(ctx context.Context, intentID string) (*PaymentIntent, error)
	Capture(ctx context.Context, intentID string, amountQ int64, reference string) (*PaymentIntent, error)
	Refund(ctx context.Context, intentID string, amountQ int64, reason string) (*PaymentIntent, error)
	Cancel(ctx context.Context, intentID string) error
	GetStatus(ctx context.Context, intentID string) (string, error)
}

// IPricingBackend defines the interface for price lookup. GetPrice returns the
// unit price in minor units, or nil when the SKU is not priced for the channel.
type IPricingBackend interface {
	GetPrice(ctx context.Context, sku, channelCode string) (*int64, error)
}

// INotificationBackend defines the interface for outbound notifications.
type INotificationBackend interface {
	Send(ctx context.Context, event, recipient string, payload map[string]interface{}) (SendResult, error)
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
