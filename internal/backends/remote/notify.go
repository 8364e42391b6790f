package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"omniman/internal/core"
	omnihttp "omniman/pkg/http"
)

// NotificationBackend posts notifications to a delivery gateway.
type NotificationBackend struct {
	client *omnihttp.Client
}

// NewNotificationBackend wraps a configured HTTP client.
func NewNotificationBackend(client *omnihttp.Client) *NotificationBackend {
	return &NotificationBackend{client: client}
}

func (b *NotificationBackend) Send(ctx context.Context, event, recipient string, payload map[string]interface{}) (core.SendResult, error) {
	req := struct {
		Event     string                 `json:"event"`
		Recipient string                 `json:"recipient"`
		Payload   map[string]interface{} `json:"payload,omitempty"`
	}{Event: event, Recipient: recipient, Payload: payload}
	body, err := b.client.Post(ctx, "/notifications", req)
	if err != nil {
		return core.SendResult{Success: false, Error: err.Error()}, fmt.Errorf("failed to send notification: %w", err)
	}
	var resp struct {
		Success   bool   `json:"success"`
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.SendResult{}, fmt.Errorf("failed to decode notification response: %w", err)
	}
	return core.SendResult{Success: resp.Success, MessageID: resp.MessageID, Error: resp.Error}, nil
}

var _ core.INotificationBackend = (*NotificationBackend)(nil)
