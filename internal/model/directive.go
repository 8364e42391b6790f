package model

import (
	"encoding/json"
	"time"
)

// DirectiveStatus is the lifecycle of a queued work item.
type DirectiveStatus string

const (
	DirectiveQueued  DirectiveStatus = "queued"
	DirectiveRunning DirectiveStatus = "running"
	DirectiveDone    DirectiveStatus = "done"
	DirectiveFailed  DirectiveStatus = "failed"
)

// Directive is one durable at-least-once work item. Workers claim queued rows
// ordered by (available_at, id); handlers must be idempotent and rev-gated.
type Directive struct {
	ID          int64
	Topic       string
	Status      DirectiveStatus
	Payload     json.RawMessage
	Attempts    int
	AvailableAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CheckDirectivePayload is the payload the modify engine enqueues for each
// required check. Items are the lines as of Rev; a handler computing against
// them must gate its write-back on that rev.
type CheckDirectivePayload struct {
	SessionKey  string `json:"session_key"`
	ChannelCode string `json:"channel_code"`
	Rev         int64  `json:"rev"`
	Items       []Item `json:"items"`
}

// PostCommitDirectivePayload is the payload the commit engine enqueues on the
// channel's post-commit topics. Holds is only populated for stock.commit,
// carrying the holds from the stock check result.
type PostCommitDirectivePayload struct {
	OrderRef    string        `json:"order_ref"`
	ChannelCode string        `json:"channel_code"`
	SessionKey  string        `json:"session_key"`
	Holds       []interface{} `json:"holds,omitempty"`
	IntentID    string        `json:"intent_id,omitempty"`
}

// IdempotencyStatus is the lifecycle of an idempotency lock row.
type IdempotencyStatus string

const (
	IdemInProgress IdempotencyStatus = "in_progress"
	IdemDone       IdempotencyStatus = "done"
	IdemFailed     IdempotencyStatus = "failed"
)

// IdempotencyKey guards one operation scope. A done row always carries the
// cached response for replay.
type IdempotencyKey struct {
	ID           int64
	Scope        string
	Key          string
	Status       IdempotencyStatus
	ResponseCode int
	ResponseBody json.RawMessage
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired reports whether the lock's expiry has passed.
func (k *IdempotencyKey) Expired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}
