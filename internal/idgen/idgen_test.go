package idgen

import (
	"regexp"
	"strings"
	"testing"
)

func TestNewShape(t *testing.T) {
	for _, kind := range []string{Message, Ledger, Run, Snapshot} {
		id, err := New(kind)
		if err != nil {
			t.Fatalf("New(%q): %v", kind, err)
		}
		if !strings.HasPrefix(id, kind) {
			t.Errorf("New(%q) = %q, missing prefix", kind, id)
		}
		if !regexp.MustCompile(`^[a-z]+-[a-zA-Z0-9]{12}$`).MatchString(id) {
			t.Errorf("New(%q) = %q, bad shape", kind, id)
		}
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]struct{}, 5000)
	for i := 0; i < 5000; i++ {
		id := Must(Message)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id after %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}
