package urlutil

import "testing"

func TestAbsolute(t *testing.T) {
	got, err := Absolute("https://example.com/a/b", "../c")
	if err != nil {
		t.Fatalf("Absolute: %v", err)
	}
	want := "https://example.com/c"
	if got != want {
		t.Fatalf("Absolute() = %q, want %q", got, want)
	}
}

func TestSameOrigin(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"https://example.com/a", "https://example.com/b", true},
		{"https://example.com/a", "http://example.com/a", false},
		{"https://example.com/a", "https://other.com/a", false},
	}
	for _, c := range cases {
		if got := SameOrigin(c.a, c.b); got != c.want {
			t.Errorf("SameOrigin(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestSameOriginAllowed(t *testing.T) {
	extra := []string{"https://cdn.example.com"}
	if !SameOriginAllowed("https://example.com/a", "https://example.com/b", extra) {
		t.Fatalf("same-origin pair should be allowed regardless of extraOrigins")
	}
	if !SameOriginAllowed("https://cdn.example.com/x", "https://example.com/a", extra) {
		t.Fatalf("origin listed in extraOrigins should be allowed")
	}
	if SameOriginAllowed("https://other.com/a", "https://example.com/a", extra) {
		t.Fatalf("origin absent from extraOrigins should not be allowed")
	}
}

func TestAppendStripIdentifier(t *testing.T) {
	pattern := "?spf=__type__"
	u := AppendIdentifier("https://example.com/a", pattern, "navigate")
	if u != "https://example.com/a?spf=navigate" {
		t.Fatalf("AppendIdentifier() = %q", u)
	}
	u2 := AppendIdentifier(u, pattern, "load") // second append onto an existing query
	if u2 != "https://example.com/a?spf=navigate&spf=load" {
		t.Fatalf("AppendIdentifier() with existing query = %q", u2)
	}
	stripped := StripIdentifier("https://example.com/a?spf=navigate", pattern)
	if stripped != "https://example.com/a" {
		t.Fatalf("StripIdentifier() = %q", stripped)
	}
}

func TestHashStable(t *testing.T) {
	h1 := Hash("https://example.com/a")
	h2 := Hash("http://example.com/a")
	if h1 != h2 {
		t.Fatalf("Hash should ignore scheme: %q != %q", h1, h2)
	}
	if Hash("https://example.com/a") == Hash("https://example.com/b") {
		t.Fatalf("distinct URLs hashed to the same value")
	}
}

func TestHashPartitionBounded(t *testing.T) {
	for i := 0; i < 100; i++ {
		p := HashPartition("key", 7)
		if p < 0 || p >= 7 {
			t.Fatalf("HashPartition out of range: %d", p)
		}
	}
}
