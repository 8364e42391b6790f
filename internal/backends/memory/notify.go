package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"omniman/internal/core"
)

// Notification is one recorded Send call.
type Notification struct {
	Event     string
	Recipient string
	Payload   map[string]interface{}
	At        time.Time
}

// NotificationBackend records every notification instead of delivering it.
type NotificationBackend struct {
	mu   sync.Mutex
	sent []Notification
	err  error
	seq  int64
}

// NewNotificationBackend creates an empty notification recorder.
func NewNotificationBackend() *NotificationBackend {
	return &NotificationBackend{}
}

// SetError makes every subsequent Send fail with err. Pass nil to clear.
func (b *NotificationBackend) SetError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Sent returns a snapshot of the recorded notifications in send order.
func (b *NotificationBackend) Sent() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.sent...)
}

// Send records the notification and returns a synthetic message id.
func (b *NotificationBackend) Send(ctx context.Context, event, recipient string, payload map[string]interface{}) (core.SendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return core.SendResult{Success: false, Error: b.err.Error()}, b.err
	}
	b.seq++
	b.sent = append(b.sent, Notification{
		Event:     event,
		Recipient: recipient,
		Payload:   payload,
		At:        time.Now().UTC(),
	})
	return core.SendResult{Success: true, MessageID: fmt.Sprintf("MSG-%06d", b.seq)}, nil
}

var _ core.INotificationBackend = (*NotificationBackend)(nil)
