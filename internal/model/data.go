package model

import (
	"encoding/json"
	"time"
)

// Kernel-reserved data keys. set_data may never write under these, nor under
// any key starting with "__".
var KernelReservedDataKeys = map[string]bool{
	"checks":        true,
	"issues":        true,
	"items":         true,
	"pricing":       true,
	"pricing_trace": true,
	"state":         true,
	"status":        true,
	"rev":           true,
	"session_key":   true,
	"channel":       true,
}

// DefaultDataWhitelist lists the caller-controlled root keys accepted by
// set_data when the channel config does not extend it.
var DefaultDataWhitelist = []string{"customer", "notes", "payment", "delivery", "source", "meta"}

// CheckEntry records an async check result against the rev it was computed for.
type CheckEntry struct {
	Rev    int64                  `json:"rev"`
	At     time.Time              `json:"at"`
	Result map[string]interface{} `json:"result"`
}

// Action is a named remediation recipe attached to an issue. Ops carry the
// same JSON envelopes the modify endpoint accepts; Rev pins the session rev
// the action was computed against.
type Action struct {
	ID    string            `json:"id"`
	Label string            `json:"label"`
	Rev   int64             `json:"rev"`
	Ops   []json.RawMessage `json:"ops"`
}

// IssueContext carries remediation actions plus check-specific detail.
type IssueContext struct {
	Actions []Action               `json:"actions,omitempty"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
}

// Issue is a condition surfaced on a session by a check, possibly blocking
// commit until resolved.
type Issue struct {
	ID       string       `json:"id"`
	Source   string       `json:"source"`
	Code     string       `json:"code"`
	Message  string       `json:"message"`
	Blocking bool         `json:"blocking"`
	LineID   string       `json:"line_id,omitempty"`
	SKU      string       `json:"sku,omitempty"`
	Context  IssueContext `json:"context"`
}

// ActionByID returns the action with the given id, nil if absent.
func (i *Issue) ActionByID(actionID string) *Action {
	for idx := range i.Context.Actions {
		if i.Context.Actions[idx].ID == actionID {
			return &i.Context.Actions[idx]
		}
	}
	return nil
}

// SessionData is the structured bag on a session: the two kernel-managed keys
// (checks, issues) plus whitelisted caller-controlled keys in Extra. On the
// wire and in storage the three fold into a single JSON object.
type SessionData struct {
	Checks map[string]CheckEntry
	Issues []Issue
	Extra  map[string]interface{}
}

// NewSessionData returns an empty bag with both kernel keys initialized.
func NewSessionData() SessionData {
	return SessionData{
		Checks: map[string]CheckEntry{},
		Issues: []Issue{},
		Extra:  map[string]interface{}{},
	}
}

// ResetChecks drops all checks and issues. Called after every modify or
// resolve: prior async computation is invalid once the cart changed.
func (d *SessionData) ResetChecks() {
	d.Checks = map[string]CheckEntry{}
	d.Issues = []Issue{}
}

// SetCheck writes one check entry, replacing any prior entry for the code.
func (d *SessionData) SetCheck(code string, entry CheckEntry) {
	if d.Checks == nil {
		d.Checks = map[string]CheckEntry{}
	}
	d.Checks[code] = entry
}

// ReplaceIssuesFromSource removes prior issues whose source matches, then
// appends the new ones.
func (d *SessionData) ReplaceIssuesFromSource(source string, issues []Issue) {
	kept := make([]Issue, 0, len(d.Issues)+len(issues))
	for _, is := range d.Issues {
		if is.Source != source {
			kept = append(kept, is)
		}
	}
	d.Issues = append(kept, issues...)
}

// IssueByID returns the issue with the given id, nil if absent.
func (d *SessionData) IssueByID(id string) *Issue {
	for i := range d.Issues {
		if d.Issues[i].ID == id {
			return &d.Issues[i]
		}
	}
	return nil
}

// BlockingIssues returns the subset of issues with blocking = true.
func (d *SessionData) BlockingIssues() []Issue {
	var out []Issue
	for _, is := range d.Issues {
		if is.Blocking {
			out = append(out, is)
		}
	}
	return out
}

// SetPath writes a value under the caller-controlled keys. The first segment
// addresses the Extra bag; intermediate non-object values are replaced by
// objects. Whitelist and reserved-key enforcement happen in the modify engine.
func (d *SessionData) SetPath(segments []string, value interface{}) {
	if len(segments) == 0 {
		return
	}
	if d.Extra == nil {
		d.Extra = map[string]interface{}{}
	}
	m := d.Extra
	for _, seg := range segments[:len(segments)-1] {
		child, ok := m[seg].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			m[seg] = child
		}
		m = child
	}
	m[segments[len(segments)-1]] = value
}

// GetPath reads a value under the caller-controlled keys, nil if absent.
func (d *SessionData) GetPath(segments []string) interface{} {
	var cur interface{} = d.Extra
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// MarshalJSON folds Extra, Checks, and Issues into one object. The kernel
// keys always serialize, so an invalidated bag reads back as {} / [].
func (d SessionData) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.Extra)+2)
	for k, v := range d.Extra {
		if k == "checks" || k == "issues" {
			continue
		}
		out[k] = v
	}
	if d.Checks != nil {
		out["checks"] = d.Checks
	} else {
		out["checks"] = map[string]CheckEntry{}
	}
	if d.Issues != nil {
		out["issues"] = d.Issues
	} else {
		out["issues"] = []Issue{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the kernel keys back out of the folded object.
func (d *SessionData) UnmarshalJSON(b []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d.Checks = map[string]CheckEntry{}
	d.Issues = []Issue{}
	d.Extra = map[string]interface{}{}
	for k, v := range raw {
		switch k {
		case "checks":
			if err := json.Unmarshal(v, &d.Checks); err != nil {
				return err
			}
		case "issues":
			if err := json.Unmarshal(v, &d.Issues); err != nil {
				return err
			}
		default:
			var val interface{}
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			d.Extra[k] = val
		}
	}
	return nil
}
