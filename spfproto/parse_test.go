package spfproto

import "testing"

func TestParseSingle(t *testing.T) {
	parts, err := Parse(`{"title":"A"}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parts) != 1 || parts[0].Title != "A" {
		t.Fatalf("Parse() = %+v", parts)
	}
}

func TestParseArray(t *testing.T) {
	parts, err := Parse(`[{"title":"A"},{"title":"B"}]`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parts) != 2 || parts[0].Title != "A" || parts[1].Title != "B" {
		t.Fatalf("Parse() = %+v", parts)
	}
}

func TestAsResponseSingleVsMultipart(t *testing.T) {
	if _, ok := AsResponse([]SingleResponse{{Title: "A"}}).(SingleResponse); !ok {
		t.Fatal("expected a lone part to fold into a SingleResponse")
	}
	mp, ok := AsResponse([]SingleResponse{{Title: "A"}, {Title: "B", CacheType: "path"}}).(MultipartResponse)
	if !ok {
		t.Fatal("expected two parts to fold into a MultipartResponse")
	}
	if mp.CacheType != "path" {
		t.Fatalf("CacheType = %q, want %q", mp.CacheType, "path")
	}
}
