package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"omniman/internal/core"
	omnihttp "omniman/pkg/http"
)

// PaymentBackend talks to a payment gateway.
//
//	POST /intents
//	POST /intents/{id}/authorize
//	POST /intents/{id}/capture
//	POST /intents/{id}/refund
//	POST /intents/{id}/cancel
//	GET  /intents/{id}
type PaymentBackend struct {
	client *omnihttp.Client
}

// NewPaymentBackend wraps a configured HTTP client.
func NewPaymentBackend(client *omnihttp.Client) *PaymentBackend {
	return &PaymentBackend{client: client}
}

type intentPayload struct {
	ID        string            `json:"id"`
	AmountQ   int64             `json:"amount_q"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (p intentPayload) toIntent() *core.PaymentIntent {
	return &core.PaymentIntent{
		ID:        p.ID,
		AmountQ:   p.AmountQ,
		Currency:  p.Currency,
		Status:    p.Status,
		Reference: p.Reference,
		Metadata:  p.Metadata,
	}
}

func (b *PaymentBackend) CreateIntent(ctx context.Context, amountQ int64, currency, reference string, metadata map[string]string) (*core.PaymentIntent, error) {
	req := struct {
		AmountQ   int64             `json:"amount_q"`
		Currency  string            `json:"currency"`
		Reference string            `json:"reference"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}{AmountQ: amountQ, Currency: currency, Reference: reference, Metadata: metadata}
	body, err := b.client.Post(ctx, "/intents", req)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	return decodeIntent(body)
}

func (b *PaymentBackend) Authorize(ctx context.Context, intentID string) (*core.PaymentIntent, error) {
	body, err := b.client.Post(ctx, "/intents/"+intentID+"/authorize", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to authorize intent %s: %w", intentID, err)
	}
	return decodeIntent(body)
}

func (b *PaymentBackend) Capture(ctx context.Context, intentID string, amountQ int64, reference string) (*core.PaymentIntent, error) {
	req := struct {
		AmountQ   int64  `json:"amount_q,omitempty"`
		Reference string `json:"reference,omitempty"`
	}{AmountQ: amountQ, Reference: reference}
	body, err := b.client.Post(ctx, "/intents/"+intentID+"/capture", req)
	if err != nil {
		return nil, fmt.Errorf("failed to capture intent %s: %w", intentID, err)
	}
	return decodeIntent(body)
}

func (b *PaymentBackend) Refund(ctx context.Context, intentID string, amountQ int64, reason string) (*core.PaymentIntent, error) {
	req := struct {
		AmountQ int64  `json:"amount_q,omitempty"`
		Reason  string `json:"reason,omitempty"`
	}{AmountQ: amountQ, Reason: reason}
	body, err := b.client.Post(ctx, "/intents/"+intentID+"/refund", req)
	if err != nil {
		return nil, fmt.Errorf("failed to refund intent %s: %w", intentID, err)
	}
	return decodeIntent(body)
}

func (b *PaymentBackend) Cancel(ctx context.Context, intentID string) error {
	if _, err := b.client.Post(ctx, "/intents/"+intentID+"/cancel", nil); err != nil {
		return fmt.Errorf("failed to cancel intent %s: %w", intentID, err)
	}
	return nil
}

func (b *PaymentBackend) GetStatus(ctx context.Context, intentID string) (string, error) {
	body, err := b.client.Get(ctx, "/intents/"+intentID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch intent %s: %w", intentID, err)
	}
	in, err := decodeIntent(body)
	if err != nil {
		return "", err
	}
	return in.Status, nil
}

func decodeIntent(body []byte) (*core.PaymentIntent, error) {
	var p intentPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode intent response: %w", err)
	}
	return p.toIntent(), nil
}

var _ core.IPaymentBackend = (*PaymentBackend)(nil)
