// Package oerr defines the typed error taxonomy shared by the order hub kernel.
//
// Every kernel error carries a stable machine-readable code, a human message,
// and a context bag with the identifiers needed to act on it. Errors belong to
// a family (Kind); engines surface their own family and callers match with
// errors.Is/As or the CodeOf/IsCode helpers.
package oerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the error family an error belongs to.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindSession     Kind = "session"
	KindCommit      Kind = "commit"
	KindResolve     Kind = "resolve"
	KindDirective   Kind = "directive"
	KindIdempotency Kind = "idempotency"
	KindTransition  Kind = "transition"
	KindRef         Kind = "ref"
	KindRegistry    Kind = "registry"
)

// Validation codes.
const (
	CodeMissingSKU       = "missing_sku"
	CodeInvalidQty       = "invalid_qty"
	CodeUnsupportedOp    = "unsupported_op"
	CodeMissingUnitPrice = "missing_unit_price_q"
	CodeUnknownLineID    = "unknown_line_id"
	CodeMissingLineID    = "missing_line_id"
	CodeInvalidMerge     = "invalid_merge"
	CodeSKUMismatch      = "sku_mismatch"
	CodeInvalidDataPath  = "invalid_data_path"
	CodeLineLimit        = "line_limit_exceeded"
	CodeCustomerRequired = "customer_required"
)

// Session codes.
const (
	CodeNotFound         = "not_found"
	CodeChannelNotFound  = "channel_not_found"
	CodeChannelInactive  = "channel_inactive"
	CodeAlreadyCommitted = "already_committed"
	CodeAlreadyAbandoned = "already_abandoned"
	CodeLocked           = "locked"
	CodeConflict         = "conflict"
)

// Commit codes (already_committed is shared with the session family).
const (
	CodeInProgress     = "in_progress"
	CodeMissingCheck   = "missing_check"
	CodeStaleCheck     = "stale_check"
	CodeHoldExpired    = "hold_expired"
	CodeBlockingIssues = "blocking_issues"
	CodeEmptySession   = "empty_session"
	CodeAbandoned      = "abandoned"
)

// Directive codes.
const (
	CodeNoHandler     = "no_handler"
	CodeHandlerFailed = "handler_failed"
)

// Resolve codes.
const (
	CodeSessionNotFound = "session_not_found"
	CodeIssueNotFound   = "issue_not_found"
	CodeNoResolver      = "no_resolver"
	CodeActionNotFound  = "action_not_found"
	CodeStaleAction     = "stale_action"
	CodeNoOps           = "no_ops"
	CodeResolverError   = "resolver_error"
)

// Transition codes.
const (
	CodeInvalidTransition = "invalid_transition"
	CodeTerminalStatus    = "terminal_status"
	CodeOrderNotFound     = "order_not_found"
)

// Ref codes.
const (
	CodeRefTypeNotFound  = "ref_type_not_found"
	CodeRefTargetInvalid = "ref_target_invalid"
	CodeRefScopeInvalid  = "ref_scope_invalid"
	CodeRefValueInvalid  = "ref_value_invalid"
	CodeRefConflict      = "ref_conflict"
	CodeRefNotFound      = "ref_not_found"
)

// Registry codes.
const (
	CodeDuplicateRegistration = "duplicate_registration"
)

// Error is the kernel error value.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]interface{}
}

// New creates a kernel error with the given family and code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a kernel error with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Family constructors.

func Validation(code, message string) *Error  { return New(KindValidation, code, message) }
func Session(code, message string) *Error     { return New(KindSession, code, message) }
func Commit(code, message string) *Error      { return New(KindCommit, code, message) }
func Resolve(code, message string) *Error     { return New(KindResolve, code, message) }
func Directive(code, message string) *Error   { return New(KindDirective, code, message) }
func Idempotency(code, message string) *Error { return New(KindIdempotency, code, message) }
func Transition(code, message string) *Error  { return New(KindTransition, code, message) }
func Ref(code, message string) *Error         { return New(KindRef, code, message) }
func Registry(code, message string) *Error    { return New(KindRegistry, code, message) }

// With returns a copy of the error with one context key set.
func (e *Error) With(key string, value interface{}) *Error {
	out := e.clone()
	out.Context[key] = value
	return out
}

// WithContext returns a copy of the error with the given fields merged in.
func (e *Error) WithContext(fields map[string]interface{}) *Error {
	out := e.clone()
	for k, v := range fields {
		out.Context[k] = v
	}
	return out
}

func (e *Error) clone() *Error {
	ctx := make(map[string]interface{}, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Context: ctx}
}

func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, " "))
}

// Is matches another *Error by kind and code. A target with an empty code
// matches every error of its family, so errors.Is(err, &Error{Kind: k})
// tests family membership.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// CodeOf returns the code of err when it is a kernel error, "" otherwise.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// KindOf returns the family of err when it is a kernel error, "" otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsCode reports whether err is a kernel error with the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// ContextOf returns the context bag of err, nil for non-kernel errors.
func ContextOf(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}

// Rekind re-stamps a kernel error with the given family, preserving its code,
// message, and context. Non-kernel errors are wrapped under fallbackCode. The
// resolve engine uses this to absorb validation and session errors from the
// inner modify call without losing the original code.
func Rekind(err error, kind Kind, fallbackCode string) *Error {
	var e *Error
	if errors.As(err, &e) {
		out := e.clone()
		out.Kind = kind
		return out
	}
	return &Error{Kind: kind, Code: fallbackCode, Message: err.Error()}
}
