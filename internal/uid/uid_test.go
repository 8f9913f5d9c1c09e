package uid

import (
	"sort"
	"testing"
)

func TestNewIsOrderedAndUnique(t *testing.T) {
	const n = 1000
	ids := make([]string, n)
	seen := make(map[string]bool, n)
	for i := range ids {
		ids[i] = New()
		if seen[ids[i]] {
			t.Fatalf("duplicate id %s", ids[i])
		}
		seen[ids[i]] = true
		if !Valid(ids[i]) {
			t.Fatalf("New() = %q is not valid", ids[i])
		}
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("ids are not in generation order")
	}
}

func TestValid(t *testing.T) {
	for _, s := range []string{"", "nope", "0192e0a8-0000-7000-8000"} {
		if Valid(s) {
			t.Errorf("Valid(%q) = true", s)
		}
	}
}
