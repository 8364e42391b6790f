package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSessionDataJSONFolding(t *testing.T) {
	d := NewSessionData()
	d.Extra["customer"] = map[string]interface{}{"name": "Ana"}
	d.Extra["notes"] = "no onions"
	d.SetCheck("stock", CheckEntry{
		Rev:    3,
		At:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Result: map[string]interface{}{"status": "ok"},
	})
	d.Issues = []Issue{{
		ID: "ISS-ABCD2345", Source: "stock", Code: "stock.insufficient",
		Message: "Only 2 available", Blocking: true,
	}}

	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// The wire form is one flat object; kernel keys sit next to caller keys.
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(b, &flat); err != nil {
		t.Fatalf("unmarshal flat: %v", err)
	}
	for _, key := range []string{"checks", "issues", "customer", "notes"} {
		if _, ok := flat[key]; !ok {
			t.Errorf("wire object missing %q", key)
		}
	}

	var back SessionData
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Checks["stock"].Rev != 3 {
		t.Errorf("check rev = %d, want 3", back.Checks["stock"].Rev)
	}
	if len(back.Issues) != 1 || back.Issues[0].ID != "ISS-ABCD2345" {
		t.Errorf("issues did not round-trip: %+v", back.Issues)
	}
	if back.Extra["notes"] != "no onions" {
		t.Errorf("extra did not round-trip: %+v", back.Extra)
	}
	if _, ok := back.Extra["checks"]; ok {
		t.Error("kernel key leaked into Extra")
	}
}

func TestSessionDataEmptySerializesKernelKeys(t *testing.T) {
	var d SessionData // zero value, no maps allocated
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &want); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(want["checks"]) != "{}" {
		t.Errorf("checks = %s, want {}", want["checks"])
	}
	if string(want["issues"]) != "[]" {
		t.Errorf("issues = %s, want []", want["issues"])
	}
}

func TestResetChecks(t *testing.T) {
	d := NewSessionData()
	d.SetCheck("stock", CheckEntry{Rev: 1})
	d.Issues = append(d.Issues, Issue{ID: "ISS-1", Source: "stock"})
	d.Extra["notes"] = "keep me"

	d.ResetChecks()

	if len(d.Checks) != 0 {
		t.Errorf("checks not cleared: %v", d.Checks)
	}
	if len(d.Issues) != 0 {
		t.Errorf("issues not cleared: %v", d.Issues)
	}
	if d.Extra["notes"] != "keep me" {
		t.Error("caller data must survive invalidation")
	}
}

func TestReplaceIssuesFromSource(t *testing.T) {
	d := NewSessionData()
	d.Issues = []Issue{
		{ID: "ISS-A", Source: "stock"},
		{ID: "ISS-B", Source: "fraud"},
	}
	d.ReplaceIssuesFromSource("stock", []Issue{{ID: "ISS-C", Source: "stock"}})

	if len(d.Issues) != 2 {
		t.Fatalf("issues = %+v", d.Issues)
	}
	if d.Issues[0].ID != "ISS-B" || d.Issues[1].ID != "ISS-C" {
		t.Fatalf("wrong survivors: %+v", d.Issues)
	}
}

func TestSetPathAndGetPath(t *testing.T) {
	d := NewSessionData()
	d.SetPath([]string{"customer", "address", "city"}, "Lisbon")

	if got := d.GetPath([]string{"customer", "address", "city"}); got != "Lisbon" {
		t.Fatalf("GetPath = %v", got)
	}
	if d.GetPath([]string{"customer", "missing"}) != nil {
		t.Fatal("missing path must read nil")
	}

	// Writing through a scalar replaces it with an object.
	d.SetPath([]string{"notes"}, "plain")
	d.SetPath([]string{"notes", "inner"}, 1)
	if d.GetPath([]string{"notes", "inner"}) != 1 {
		t.Fatalf("scalar was not replaced: %v", d.Extra["notes"])
	}
}

func TestBlockingIssues(t *testing.T) {
	d := NewSessionData()
	d.Issues = []Issue{
		{ID: "ISS-A", Blocking: true},
		{ID: "ISS-B", Blocking: false},
		{ID: "ISS-C", Blocking: true},
	}
	blocking := d.BlockingIssues()
	if len(blocking) != 2 {
		t.Fatalf("blocking = %+v", blocking)
	}
}

func TestOrderStampLifecycleFirstWriteWins(t *testing.T) {
	o := &Order{Status: StatusNew, CreatedAt: time.Now()}
	first := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	if !o.StampLifecycle(StatusConfirmed, first) {
		t.Fatal("first stamp must write")
	}
	if o.StampLifecycle(StatusConfirmed, later) {
		t.Fatal("second stamp must not overwrite")
	}
	if !o.ConfirmedAt.Equal(first) {
		t.Fatalf("confirmed_at = %v, want %v", o.ConfirmedAt, first)
	}
	if o.StampLifecycle(StatusNew, first) {
		t.Fatal("new has no lifecycle field")
	}
}
