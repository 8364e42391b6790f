package memory

import (
	"context"
	"fmt"
	"sync"

	"omniman/internal/core"
)

// PaymentBackend keeps payment intents in memory and walks them through the
// created -> authorized -> captured -> refunded lifecycle. Capture and Refund
// are idempotent on replay.
type PaymentBackend struct {
	mu         sync.Mutex
	intents    map[string]*core.PaymentIntent
	captureErr map[string]error
	refundErr  map[string]error
	seq        int64
}

// NewPaymentBackend creates an empty payment backend.
func NewPaymentBackend() *PaymentBackend {
	return &PaymentBackend{
		intents:    make(map[string]*core.PaymentIntent),
		captureErr: make(map[string]error),
		refundErr:  make(map[string]error),
	}
}

// FailCapture makes Capture for an intent return the given error.
func (b *PaymentBackend) FailCapture(intentID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.captureErr[intentID] = err
}

// FailRefund makes Refund for an intent return the given error.
func (b *PaymentBackend) FailRefund(intentID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refundErr[intentID] = err
}

// SeedIntent stores an intent as-is, for tests that need a pre-existing one.
func (b *PaymentBackend) SeedIntent(intent core.PaymentIntent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := intent
	b.intents[cp.ID] = &cp
}

// Intent returns a copy of a stored intent.
func (b *PaymentBackend) Intent(intentID string) (core.PaymentIntent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.intents[intentID]
	if !ok {
		return core.PaymentIntent{}, false
	}
	return *in, true
}

// CreateIntent registers a new payment intent in status created.
func (b *PaymentBackend) CreateIntent(ctx context.Context, amountQ int64, currency, reference string, metadata map[string]string) (*core.PaymentIntent, error) {
	if amountQ <= 0 {
		return nil, fmt.Errorf("intent amount must be positive, got %d", amountQ)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	in := &core.PaymentIntent{
		ID:        fmt.Sprintf("PI-%06d", b.seq),
		AmountQ:   amountQ,
		Currency:  currency,
		Status:    core.PaymentCreated,
		Reference: reference,
		Metadata:  copyMeta(metadata),
	}
	b.intents[in.ID] = in
	out := *in
	return &out, nil
}

// Authorize moves a created intent to authorized.
func (b *PaymentBackend) Authorize(ctx context.Context, intentID string) (*core.PaymentIntent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("unknown payment intent %s", intentID)
	}
	switch in.Status {
	case core.PaymentCreated:
		in.Status = core.PaymentAuthorized
	case core.PaymentAuthorized:
		// Replay.
	default:
		return nil, fmt.Errorf("cannot authorize intent %s in status %s", intentID, in.Status)
	}
	out := *in
	return &out, nil
}

// Capture settles an intent. An amountQ of 0 captures the full amount; a
// partial amount replaces the intent amount. Capturing a captured intent
// returns it unchanged.
func (b *PaymentBackend) Capture(ctx context.Context, intentID string, amountQ int64, reference string) (*core.PaymentIntent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.captureErr[intentID]; err != nil {
		return nil, err
	}
	in, ok := b.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("unknown payment intent %s", intentID)
	}
	if in.Status == core.PaymentCaptured {
		out := *in
		return &out, nil
	}
	if in.Status != core.PaymentCreated && in.Status != core.PaymentAuthorized {
		return nil, fmt.Errorf("cannot capture intent %s in status %s", intentID, in.Status)
	}
	if amountQ > in.AmountQ {
		return nil, fmt.Errorf("capture amount %d exceeds intent amount %d", amountQ, in.AmountQ)
	}
	if amountQ > 0 {
		in.AmountQ = amountQ
	}
	if reference != "" {
		in.Reference = reference
	}
	in.Status = core.PaymentCaptured
	out := *in
	return &out, nil
}

// Refund reverses a captured intent. An amountQ of 0 refunds the full
// amount. Refunding a refunded intent returns it unchanged.
func (b *PaymentBackend) Refund(ctx context.Context, intentID string, amountQ int64, reason string) (*core.PaymentIntent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.refundErr[intentID]; err != nil {
		return nil, err
	}
	in, ok := b.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("unknown payment intent %s", intentID)
	}
	if in.Status == core.PaymentRefunded {
		out := *in
		return &out, nil
	}
	if in.Status != core.PaymentCaptured {
		return nil, fmt.Errorf("cannot refund intent %s in status %s", intentID, in.Status)
	}
	if amountQ > in.AmountQ {
		return nil, fmt.Errorf("refund amount %d exceeds captured amount %d", amountQ, in.AmountQ)
	}
	if reason != "" {
		if in.Metadata == nil {
			in.Metadata = make(map[string]string)
		}
		in.Metadata["refund_reason"] = reason
	}
	in.Status = core.PaymentRefunded
	out := *in
	return &out, nil
}

// Cancel voids an intent that has not been captured.
func (b *PaymentBackend) Cancel(ctx context.Context, intentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.intents[intentID]
	if !ok {
		return fmt.Errorf("unknown payment intent %s", intentID)
	}
	switch in.Status {
	case core.PaymentCancelled:
		return nil
	case core.PaymentCaptured, core.PaymentRefunded:
		return fmt.Errorf("cannot cancel intent %s in status %s", intentID, in.Status)
	}
	in.Status = core.PaymentCancelled
	return nil
}

// GetStatus returns the current status of an intent.
func (b *PaymentBackend) GetStatus(ctx context.Context, intentID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.intents[intentID]
	if !ok {
		return "", fmt.Errorf("unknown payment intent %s", intentID)
	}
	return in.Status, nil
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ core.IPaymentBackend = (*PaymentBackend)(nil)
