package model

import "time"

// TargetKind names what a ref points at.
type TargetKind string

const (
	TargetSession TargetKind = "session"
	TargetOrder   TargetKind = "order"
)

// Ref is a scoped external locator attached to a session or order. The target
// is weakly referenced by (kind, id); target lifecycle does not cascade here.
type Ref struct {
	ID         int64
	RefType    string
	TargetKind TargetKind
	TargetID   int64
	Value      string
	Scope      map[string]string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RefSequence is a counter row used to allocate sequential ref values per
// (sequence_name, scope_hash). Always accessed under row lock.
type RefSequence struct {
	ID           int64
	SequenceName string
	ScopeHash    string
	Value        int64
}
