package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	SessionOpen      SessionState = "open"
	SessionCommitted SessionState = "committed"
	SessionAbandoned SessionState = "abandoned"
)

// Session is a mutable order-in-progress scoped to a channel. Rev is the only
// ordering primitive against which async check results are validated.
type Session struct {
	ID          int64
	SessionKey  string
	ChannelID   int64
	ChannelCode string
	HandleType  string
	HandleRef   string
	State       SessionState

	// Policies are copied from the channel at create time and may be
	// overridden per session.
	PricingPolicy PricingPolicy
	EditPolicy    EditPolicy

	Rev          int64
	Items        []Item
	Pricing      Pricing
	PricingTrace []PricingDecision
	Data         SessionData

	OpenedAt    time.Time
	UpdatedAt   time.Time
	CommittedAt *time.Time
	CommitToken string
}

// ItemByLineID returns the index of the line with the given id, -1 if absent.
func (s *Session) ItemByLineID(lineID string) int {
	for i := range s.Items {
		if s.Items[i].LineID == lineID {
			return i
		}
	}
	return -1
}

// Item is one line of a session. Qty is a fixed-precision decimal; prices are
// integer minor units.
type Item struct {
	LineID     string                 `json:"line_id"`
	SKU        string                 `json:"sku"`
	Qty        decimal.Decimal        `json:"qty"`
	UnitPriceQ *int64                 `json:"unit_price_q,omitempty"`
	LineTotalQ *int64                 `json:"line_total_q,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// Pricing holds the computed aggregates of a session.
type Pricing struct {
	TotalQ     int64 `json:"total_q"`
	ItemsCount int   `json:"items_count"`
}

// PricingDecision is one append-only record in the pricing trace.
type PricingDecision struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	LineID string    `json:"line_id,omitempty"`
	SKU    string    `json:"sku,omitempty"`
	PriceQ *int64    `json:"price_q,omitempty"`
	Detail string    `json:"detail,omitempty"`
}
