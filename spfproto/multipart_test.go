package spfproto

import (
	"reflect"
	"testing"
)

const samplePayload = "[\r\n{\"title\":\"T1\"},\r\n{\"title\":\"T2\"}]\r\n"

func TestParseMultipartWholeVsSingleShot(t *testing.T) {
	whole, extra, err := ParseMultipart(samplePayload, true)
	if err != nil {
		t.Fatalf("ParseMultipart: %v", err)
	}
	if extra != "" {
		t.Fatalf("extra = %q, want empty", extra)
	}

	singleShot, err := Parse("[{\"title\":\"T1\"},{\"title\":\"T2\"}]")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(whole, singleShot) {
		t.Fatalf("streamed parse = %+v, single-shot parse = %+v", whole, singleShot)
	}
}

func TestFeedAcrossChunkBoundaries(t *testing.T) {
	st := NewStreamState()
	var all []SingleResponse

	chunks := []string{samplePayload[:5], samplePayload[5:25], samplePayload[25:]}
	for i, c := range chunks {
		parts, err := st.Feed(c)
		if err != nil {
			t.Fatalf("Feed(chunk %d): %v", i, err)
		}
		all = append(all, parts...)
	}
	final, err := st.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	all = append(all, final...)

	if len(all) != 2 || all[0].Title != "T1" || all[1].Title != "T2" {
		t.Fatalf("streamed parts = %+v", all)
	}
}

func TestFeedTruncationNeverMisframes(t *testing.T) {
	for cut := 0; cut <= len(samplePayload); cut++ {
		st := NewStreamState()
		first, err := st.Feed(samplePayload[:cut])
		if err != nil {
			continue // a parse error at this cut point is an acceptable outcome
		}
		// Whatever parsed so far plus the extra must account for all
		// bytes consumed: feeding the remainder and finishing yields
		// exactly the two parts, with no silently dropped fragment.
		rest, err := st.Feed(samplePayload[cut:])
		if err != nil {
			t.Fatalf("cut %d: Feed(rest): %v", cut, err)
		}
		final, err := st.Finish()
		if err != nil {
			t.Fatalf("cut %d: Finish: %v", cut, err)
		}
		all := append(append(first, rest...), final...)
		if len(all) != 2 || all[0].Title != "T1" || all[1].Title != "T2" {
			t.Fatalf("cut %d: parts = %+v", cut, all)
		}
	}
}
