// Package backends builds the stock, payment, pricing and notification
// implementations selected by configuration.
package backends

import (
	"fmt"
	"time"

	"omniman/internal/backends/memory"
	"omniman/internal/backends/remote"
	"omniman/internal/core"
	omnihttp "omniman/pkg/http"
)

// Kind names accepted in configuration.
const (
	KindMemory = "memory"
	KindHTTP   = "http"
	KindLog    = "log"
)

// Endpoint configures one backend implementation.
type Endpoint struct {
	Kind    string
	BaseURL string
	Timeout time.Duration
	APIKey  string
}

// Config selects an implementation per concern.
type Config struct {
	Stock        Endpoint
	Payment      Endpoint
	Pricing      Endpoint
	Notification Endpoint
}

// Set bundles the wired backends. The Memory fields are populated only for
// concerns built on the memory kind, so seeding and demo tooling can reach
// the mutation hooks.
type Set struct {
	Stock        core.IStockBackend
	Payment      core.IPaymentBackend
	Pricing      core.IPricingBackend
	Notification core.INotificationBackend

	MemoryStock   *memory.StockBackend
	MemoryPayment *memory.PaymentBackend
	MemoryPricing *memory.PricingBackend
	MemoryNotify  *memory.NotificationBackend
}

// Build constructs the backend set. An empty kind defaults to memory; the
// log kind is only valid for notifications.
func Build(cfg Config, logger core.ILogger) (*Set, error) {
	set := &Set{}

	switch kindOf(cfg.Stock) {
	case KindMemory:
		set.MemoryStock = memory.NewStockBackend()
		set.Stock = set.MemoryStock
	case KindHTTP:
		c, err := newClient(cfg.Stock, "stock")
		if err != nil {
			return nil, err
		}
		set.Stock = remote.NewStockBackend(c)
	default:
		return nil, fmt.Errorf("unsupported stock backend kind %q", cfg.Stock.Kind)
	}

	switch kindOf(cfg.Payment) {
	case KindMemory:
		set.MemoryPayment = memory.NewPaymentBackend()
		set.Payment = set.MemoryPayment
	case KindHTTP:
		c, err := newClient(cfg.Payment, "payment")
		if err != nil {
			return nil, err
		}
		set.Payment = remote.NewPaymentBackend(c)
	default:
		return nil, fmt.Errorf("unsupported payment backend kind %q", cfg.Payment.Kind)
	}

	switch kindOf(cfg.Pricing) {
	case KindMemory:
		set.MemoryPricing = memory.NewPricingBackend()
		set.Pricing = set.MemoryPricing
	case KindHTTP:
		c, err := newClient(cfg.Pricing, "pricing")
		if err != nil {
			return nil, err
		}
		set.Pricing = remote.NewPricingBackend(c)
	default:
		return nil, fmt.Errorf("unsupported pricing backend kind %q", cfg.Pricing.Kind)
	}

	switch kindOf(cfg.Notification) {
	case KindMemory:
		set.MemoryNotify = memory.NewNotificationBackend()
		set.Notification = set.MemoryNotify
	case KindHTTP:
		c, err := newClient(cfg.Notification, "notification")
		if err != nil {
			return nil, err
		}
		set.Notification = remote.NewNotificationBackend(c)
	case KindLog:
		set.Notification = NewLogNotifier(logger)
	default:
		return nil, fmt.Errorf("unsupported notification backend kind %q", cfg.Notification.Kind)
	}

	return set, nil
}

func kindOf(e Endpoint) string {
	if e.Kind == "" {
		return KindMemory
	}
	return e.Kind
}

func newClient(e Endpoint, concern string) (*omnihttp.Client, error) {
	if e.BaseURL == "" {
		return nil, fmt.Errorf("%s backend kind http requires a base_url", concern)
	}
	timeout := e.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	var signer omnihttp.Signer
	if e.APIKey != "" {
		signer = &omnihttp.StaticTokenSigner{Header: "X-API-Key", Value: e.APIKey}
	}
	return omnihttp.NewClient(e.BaseURL, timeout, signer), nil
}
