// Package model defines the persisted entities of the order hub: channels,
// sessions, orders, directives, idempotency keys, and refs.
package model

import "time"

// PricingPolicy decides whether the kernel looks up prices or trusts
// caller-supplied prices.
type PricingPolicy string

const (
	PricingInternal PricingPolicy = "internal"
	PricingExternal PricingPolicy = "external"
)

// EditPolicy decides whether sessions may be mutated after creation.
type EditPolicy string

const (
	EditOpen   EditPolicy = "open"
	EditLocked EditPolicy = "locked"
)

// Channel is a sales origin with its own policies.
type Channel struct {
	ID            int64
	Code          string
	Name          string
	DisplayOrder  int
	IsActive      bool
	PricingPolicy PricingPolicy
	EditPolicy    EditPolicy
	Config        ChannelConfig
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChannelConfig is the structured policy bag stored on a channel row.
type ChannelConfig struct {
	// RequiredChecksOnCommit lists check codes that must be present, fresh,
	// and unexpired before a session commits.
	RequiredChecksOnCommit []string `json:"required_checks_on_commit,omitempty"`
	// CheckTopics maps a check code to the directive topic that computes it.
	CheckTopics map[string]string `json:"check_topics,omitempty"`
	// PostCommitDirectives lists topics enqueued after a successful commit.
	PostCommitDirectives []string `json:"post_commit_directives,omitempty"`
	// OrderFlow overrides the default status transition graph.
	OrderFlow *OrderFlowConfig `json:"order_flow,omitempty"`
	// DataWhitelist extends the kernel whitelist of caller-controlled data keys.
	DataWhitelist []string `json:"data_whitelist,omitempty"`
	// RequireCustomerData makes the commit-stage customer validator active.
	RequireCustomerData bool `json:"require_customer_data,omitempty"`
	// MaxLines caps the number of line items per session; 0 means unlimited.
	MaxLines int `json:"max_lines,omitempty"`
}

// CheckTopic returns the directive topic configured for a check code,
// defaulting to "<check>.hold".
func (c ChannelConfig) CheckTopic(check string) string {
	if t, ok := c.CheckTopics[check]; ok && t != "" {
		return t
	}
	return check + ".hold"
}

// OrderFlowConfig overrides the transition graph and terminal set for a
// channel's orders.
type OrderFlowConfig struct {
	Transitions      map[Status][]Status `json:"transitions,omitempty"`
	TerminalStatuses []Status            `json:"terminal_statuses,omitempty"`
}
