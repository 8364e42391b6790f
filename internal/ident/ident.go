// Package ident produces collision-resistant opaque identifiers with domain
// prefixes. IDs use a visually unambiguous alphabet (A-Z and 2-9, excluding
// 0, 1, I, O) drawn from crypto/rand.
package ident

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Alphabet is the set of characters used in generated suffixes.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Suffix lengths per identifier kind.
const (
	SessionKeyLen = 12
	LineIDLen     = 8
	IssueIDLen    = 8
	ActionIDLen   = 8
	IdemKeyLen    = 16
	OrderRefLen   = 8
)

// New returns "PREFIX-" followed by n random characters from Alphabet.
func New(prefix string, n int) string {
	return prefix + "-" + randomSuffix(n)
}

// NewSessionKey returns a session key, e.g. "SESS-K7NQW34XJR2M".
func NewSessionKey() string { return New("SESS", SessionKeyLen) }

// NewLineID returns a line item id, e.g. "L-M3XK7TQA".
func NewLineID() string { return New("L", LineIDLen) }

// NewIssueID returns an issue id, e.g. "ISS-W34XJR2M".
func NewIssueID() string { return New("ISS", IssueIDLen) }

// NewActionID returns an action id, e.g. "ACT-Q9PHX2WK".
func NewActionID() string { return New("ACT", ActionIDLen) }

// NewIdemKey returns an idempotency key, e.g. "IDEM-K7NQW34XJR2MQ9PH".
func NewIdemKey() string { return New("IDEM", IdemKeyLen) }

// NewOrderRef returns an order reference with a local-date component so that
// refs sort roughly chronologically, e.g. "ORD-20240317-W34XJR2M".
func NewOrderRef(t time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", t.Local().Format("20060102"), randomSuffix(OrderRefLen))
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process cannot safely mint identifiers.
		panic(fmt.Sprintf("ident: crypto/rand failed: %v", err))
	}
	for i, b := range buf {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(buf)
}
