package scriptdeps

import (
	"reflect"
	"testing"
)

func TestResolveOrderLinearChain(t *testing.T) {
	deps := map[string][]string{
		"a": {"b"},
		"b": {"c"},
	}
	got := ResolveOrder([]string{"a"}, deps)
	want := []string{"c", "b", "a"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ResolveOrder() = %v, want %v", got, want)
	}
}

func TestResolveOrderHandlesCycles(t *testing.T) {
	deps := map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}
	got := ResolveOrder([]string{"a"}, deps) // must terminate despite the cycle
	for _, want := range []string{"a", "b"} {
		found := false
		for _, g := range got {
			if g == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("ResolveOrder() = %v, missing %q", got, want)
		}
	}
}

func TestResolveOrderSchedulesEachNameOnce(t *testing.T) {
	deps := map[string][]string{
		"a": {"shared"},
		"b": {"shared"},
	}
	got := ResolveOrder([]string{"a", "b"}, deps)
	count := 0
	for _, g := range got {
		if g == "shared" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("shared scheduled %d times, want 1", count)
	}
}
