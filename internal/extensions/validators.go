package extensions

import (
	"context"

	"omniman/internal/model"
	"omniman/internal/registry"
	"omniman/pkg/oerr"
)

// lineLimitValidator enforces the channel's max_lines cap on every modify.
type lineLimitValidator struct{}

func (v *lineLimitValidator) Code() string          { return "line_limit" }
func (v *lineLimitValidator) Stage() registry.Stage { return registry.StageDraft }

func (v *lineLimitValidator) Validate(ctx context.Context, ch *model.Channel, s *model.Session) error {
	max := ch.Config.MaxLines
	if max <= 0 || len(s.Items) <= max {
		return nil
	}
	return oerr.Validation(oerr.CodeLineLimit, "session exceeds the channel line limit").
		With("max_lines", max).
		With("lines", len(s.Items))
}

// customerDataValidator blocks commit on channels that require customer data
// until data.customer holds something.
type customerDataValidator struct{}

func (v *customerDataValidator) Code() string          { return "customer_data" }
func (v *customerDataValidator) Stage() registry.Stage { return registry.StageCommit }

func (v *customerDataValidator) Validate(ctx context.Context, ch *model.Channel, s *model.Session) error {
	if !ch.Config.RequireCustomerData {
		return nil
	}
	value := s.Data.GetPath([]string{"customer"})
	if value == nil {
		return oerr.Validation(oerr.CodeCustomerRequired, "customer data is required before commit")
	}
	if m, ok := value.(map[string]interface{}); ok && len(m) == 0 {
		return oerr.Validation(oerr.CodeCustomerRequired, "customer data is required before commit")
	}
	return nil
}
