package ident

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestNewFormat(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
		length int
	}{
		{"session", NewSessionKey, "SESS", SessionKeyLen},
		{"line", NewLineID, "L", LineIDLen},
		{"issue", NewIssueID, "ISS", IssueIDLen},
		{"action", NewActionID, "ACT", ActionIDLen},
		{"idempotency", NewIdemKey, "IDEM", IdemKeyLen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			want := tt.prefix + "-"
			if !strings.HasPrefix(id, want) {
				t.Fatalf("id %q lacks prefix %q", id, want)
			}
			suffix := strings.TrimPrefix(id, want)
			if len(suffix) != tt.length {
				t.Fatalf("suffix %q has length %d, want %d", suffix, len(suffix), tt.length)
			}
			for _, c := range suffix {
				if !strings.ContainsRune(Alphabet, c) {
					t.Fatalf("id %q contains %q outside the alphabet", id, c)
				}
			}
		})
	}
}

func TestAlphabetExcludesAmbiguousCharacters(t *testing.T) {
	for _, c := range "01IO" {
		if strings.ContainsRune(Alphabet, c) {
			t.Fatalf("alphabet must not contain %q", c)
		}
	}
	if len(Alphabet) != 32 {
		t.Fatalf("alphabet has %d characters, want 32", len(Alphabet))
	}
}

func TestNewOrderRefEmbedsDate(t *testing.T) {
	at := time.Date(2024, 3, 17, 15, 0, 0, 0, time.UTC)
	ref := NewOrderRef(at)

	pattern := regexp.MustCompile(`^ORD-\d{8}-[` + Alphabet + `]{8}$`)
	if !pattern.MatchString(ref) {
		t.Fatalf("order ref %q does not match %s", ref, pattern)
	}
	if !strings.HasPrefix(ref, "ORD-"+at.Local().Format("20060102")+"-") {
		t.Fatalf("order ref %q does not embed the local date", ref)
	}
}

func TestNewOrderRefSortsByDate(t *testing.T) {
	older := NewOrderRef(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	newer := NewOrderRef(time.Date(2024, 11, 30, 0, 0, 0, 0, time.UTC))
	if !(older < newer) {
		t.Fatalf("refs do not sort chronologically: %q >= %q", older, newer)
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		key := NewSessionKey()
		if seen[key] {
			t.Fatalf("duplicate session key after %d draws: %s", i, key)
		}
		seen[key] = true
	}
}
