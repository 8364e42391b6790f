// Package extensions ships the standard kernel extensions: the pricing and
// totals modifiers, the channel policy validators, the stock, payment, order
// transition and notify directive handlers, and the stock issue resolver.
// Bootstrap registers them once; deployments add their own extensions
// alongside.
package extensions

import (
	"context"

	"omniman/internal/core"
	"omniman/internal/model"
	"omniman/internal/orderflow"
	"omniman/internal/registry"
	"omniman/internal/storage"
)

// Checkback is the slice of the kernel the stock handler writes check
// results through. The engine service implements it.
type Checkback interface {
	ApplyCheckResult(ctx context.Context, sessionKey, channelCode string, expectedRev int64, checkCode string, result map[string]interface{}, issues []model.Issue) (bool, error)
}

// Deps carries the collaborators of the standard extensions.
type Deps struct {
	Store     storage.Store
	Checkback Checkback
	Stock     core.IStockBackend
	Payment   core.IPaymentBackend
	Pricing   core.IPricingBackend
	Notify    core.INotificationBackend
	Logger    core.ILogger
}

// RegisterStandard registers the built-in extensions on a registry.
func RegisterStandard(reg *registry.Registry, deps Deps) error {
	logger := deps.Logger.WithField("component", "extensions")

	modifiers := []registry.Modifier{
		&pricingModifier{pricing: deps.Pricing},
		&lineTotalModifier{},
		&totalsModifier{},
	}
	for _, m := range modifiers {
		if err := reg.RegisterModifier(m); err != nil {
			return err
		}
	}

	validators := []registry.Validator{
		&lineLimitValidator{},
		&customerDataValidator{},
	}
	for _, v := range validators {
		if err := reg.RegisterValidator(v); err != nil {
			return err
		}
	}

	flow := orderflow.NewMachine(deps.Store, deps.Logger.WithField("component", "orderflow"))
	handlers := []registry.Handler{
		&stockHoldHandler{store: deps.Store, checkback: deps.Checkback, stock: deps.Stock, logger: logger},
		&stockCommitHandler{store: deps.Store, stock: deps.Stock, logger: logger},
		&paymentCaptureHandler{store: deps.Store, payment: deps.Payment, logger: logger},
		&paymentRefundHandler{store: deps.Store, payment: deps.Payment, logger: logger},
		&orderCreatedHandler{store: deps.Store, notify: deps.Notify, logger: logger},
		&orderTransitionHandler{store: deps.Store, flow: flow, logger: logger},
	}
	for _, h := range handlers {
		if err := reg.RegisterHandler(h); err != nil {
			return err
		}
	}

	return reg.RegisterResolver(&stockResolver{})
}
