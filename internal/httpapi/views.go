package httpapi

import (
	"encoding/json"
	"time"

	"omniman/internal/model"
)

// The view types are the wire shapes of the read endpoints. Database ids
// stay internal; channels, sessions, and orders are addressed by code, key,
// and ref.

type channelView struct {
	Code          string              `json:"code"`
	Name          string              `json:"name"`
	DisplayOrder  int                 `json:"display_order"`
	IsActive      bool                `json:"is_active"`
	PricingPolicy model.PricingPolicy `json:"pricing_policy"`
	EditPolicy    model.EditPolicy    `json:"edit_policy"`
	Config        model.ChannelConfig `json:"config"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func newChannelView(ch *model.Channel) channelView {
	return channelView{
		Code:          ch.Code,
		Name:          ch.Name,
		DisplayOrder:  ch.DisplayOrder,
		IsActive:      ch.IsActive,
		PricingPolicy: ch.PricingPolicy,
		EditPolicy:    ch.EditPolicy,
		Config:        ch.Config,
		CreatedAt:     ch.CreatedAt,
		UpdatedAt:     ch.UpdatedAt,
	}
}

type sessionView struct {
	SessionKey    string                  `json:"session_key"`
	ChannelCode   string                  `json:"channel_code"`
	HandleType    string                  `json:"handle_type,omitempty"`
	HandleRef     string                  `json:"handle_ref,omitempty"`
	State         model.SessionState      `json:"state"`
	PricingPolicy model.PricingPolicy     `json:"pricing_policy"`
	EditPolicy    model.EditPolicy        `json:"edit_policy"`
	Rev           int64                   `json:"rev"`
	Items         []model.Item            `json:"items"`
	Pricing       model.Pricing           `json:"pricing"`
	PricingTrace  []model.PricingDecision `json:"pricing_trace,omitempty"`
	Data          model.SessionData       `json:"data"`
	OpenedAt      time.Time               `json:"opened_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
	CommittedAt   *time.Time              `json:"committed_at,omitempty"`
	CommitToken   string                  `json:"commit_token,omitempty"`
}

func newSessionView(sess *model.Session) sessionView {
	items := sess.Items
	if items == nil {
		items = []model.Item{}
	}
	return sessionView{
		SessionKey:    sess.SessionKey,
		ChannelCode:   sess.ChannelCode,
		HandleType:    sess.HandleType,
		HandleRef:     sess.HandleRef,
		State:         sess.State,
		PricingPolicy: sess.PricingPolicy,
		EditPolicy:    sess.EditPolicy,
		Rev:           sess.Rev,
		Items:         items,
		Pricing:       sess.Pricing,
		PricingTrace:  sess.PricingTrace,
		Data:          sess.Data,
		OpenedAt:      sess.OpenedAt,
		UpdatedAt:     sess.UpdatedAt,
		CommittedAt:   sess.CommittedAt,
		CommitToken:   sess.CommitToken,
	}
}

func newSessionViews(sessions []*model.Session) []sessionView {
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, newSessionView(sess))
	}
	return out
}

type orderView struct {
	Ref         string         `json:"ref"`
	ChannelCode string         `json:"channel_code"`
	SessionKey  string         `json:"session_key"`
	HandleType  string         `json:"handle_type,omitempty"`
	HandleRef   string         `json:"handle_ref,omitempty"`
	ExternalRef string         `json:"external_ref,omitempty"`
	Status      model.Status   `json:"status"`
	Currency    string         `json:"currency"`
	TotalQ      int64          `json:"total_q"`
	Snapshot    model.Snapshot `json:"snapshot"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`

	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	ReadyAt      *time.Time `json:"ready_at,omitempty"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	ReturnedAt   *time.Time `json:"returned_at,omitempty"`
}

func newOrderView(o *model.Order) orderView {
	return orderView{
		Ref:          o.Ref,
		ChannelCode:  o.ChannelCode,
		SessionKey:   o.SessionKey,
		HandleType:   o.HandleType,
		HandleRef:    o.HandleRef,
		ExternalRef:  o.ExternalRef,
		Status:       o.Status,
		Currency:     o.Currency,
		TotalQ:       o.TotalQ,
		Snapshot:     o.Snapshot,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		ConfirmedAt:  o.ConfirmedAt,
		ProcessingAt: o.ProcessingAt,
		ReadyAt:      o.ReadyAt,
		DispatchedAt: o.DispatchedAt,
		DeliveredAt:  o.DeliveredAt,
		CompletedAt:  o.CompletedAt,
		CancelledAt:  o.CancelledAt,
		ReturnedAt:   o.ReturnedAt,
	}
}

type orderItemView struct {
	LineID     string                 `json:"line_id"`
	SKU        string                 `json:"sku"`
	Qty        string                 `json:"qty"`
	UnitPriceQ *int64                 `json:"unit_price_q,omitempty"`
	LineTotalQ int64                  `json:"line_total_q"`
	Name       string                 `json:"name,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

type orderEventView struct {
	ID        int64                  `json:"id"`
	Type      string                 `json:"type"`
	Actor     string                 `json:"actor"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// orderDetailView is the single-order response: the order plus its sealed
// line rows and audit log.
type orderDetailView struct {
	orderView
	Items  []orderItemView  `json:"items"`
	Events []orderEventView `json:"events"`
}

func newOrderDetailView(o *model.Order, items []*model.OrderItem, events []*model.OrderEvent) orderDetailView {
	d := orderDetailView{
		orderView: newOrderView(o),
		Items:     make([]orderItemView, 0, len(items)),
		Events:    make([]orderEventView, 0, len(events)),
	}
	for _, it := range items {
		d.Items = append(d.Items, orderItemView{
			LineID:     it.LineID,
			SKU:        it.SKU,
			Qty:        it.Qty.String(),
			UnitPriceQ: it.UnitPriceQ,
			LineTotalQ: it.LineTotalQ,
			Name:       it.Name,
			Meta:       it.Meta,
		})
	}
	for _, ev := range events {
		d.Events = append(d.Events, orderEventView{
			ID:        ev.ID,
			Type:      ev.Type,
			Actor:     ev.Actor,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		})
	}
	return d
}

type directiveView struct {
	ID          int64                 `json:"id"`
	Topic       string                `json:"topic"`
	Status      model.DirectiveStatus `json:"status"`
	Payload     json.RawMessage       `json:"payload"`
	Attempts    int                   `json:"attempts"`
	AvailableAt time.Time             `json:"available_at"`
	LastError   string                `json:"last_error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func newDirectiveView(d *model.Directive) directiveView {
	return directiveView{
		ID:          d.ID,
		Topic:       d.Topic,
		Status:      d.Status,
		Payload:     d.Payload,
		Attempts:    d.Attempts,
		AvailableAt: d.AvailableAt,
		LastError:   d.LastError,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
