package backends

import (
	"context"
	"fmt"
	"sync/atomic"

	"omniman/internal/core"
)

// LogNotifier writes notifications to the structured log instead of
// delivering them. It is the default until a real gateway is configured.
type LogNotifier struct {
	logger core.ILogger
	seq    atomic.Int64
}

// NewLogNotifier creates a notifier that logs through the given logger.
func NewLogNotifier(logger core.ILogger) *LogNotifier {
	return &LogNotifier{logger: logger.WithField("component", "notification_log")}
}

func (n *LogNotifier) Send(ctx context.Context, event, recipient string, payload map[string]interface{}) (core.SendResult, error) {
	n.logger.Info("notification",
		"event", event,
		"recipient", recipient,
		"payload", payload)
	return core.SendResult{
		Success:   true,
		MessageID: fmt.Sprintf("LOG-%06d", n.seq.Add(1)),
	}, nil
}

var _ core.INotificationBackend = (*LogNotifier)(nil)
