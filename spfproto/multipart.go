package spfproto

import (
	"encoding/json"
	"strings"
)

// Framing tokens for a multipart streaming response. CRLF-sensitive.
const (
	tokenBegin = "[\r\n"
	tokenDelim = ",\r\n"
	tokenEnd   = "]\r\n"
)

// StreamState is the incremental multipart parser's state: a pure data
// carrier fed by successive chunks. The zero value is ready to use.
type StreamState struct {
	started bool
	buf     string
}

// NewStreamState constructs an empty StreamState.
func NewStreamState() *StreamState { return &StreamState{} }

// Extra returns the unconsumed tail to prepend to the next chunk.
func (s *StreamState) Extra() string { return s.buf }

// Feed appends chunk to the carried extra and parses as many complete
// parts as the DELIMITER framing allows, returning them in order. Any
// unconsumed remainder is kept in state for the next Feed or Finish
// call. A JSON parse failure aborts — matching "parse errors during
// streaming abort the XHR and call onError" — and the state is left
// unmodified so the caller can report the offending bytes.
func (s *StreamState) Feed(chunk string) ([]SingleResponse, error) {
	buf := s.buf + chunk
	started := s.started
	if !started {
		idx := strings.Index(buf, tokenBegin)
		if idx < 0 {
			s.buf = buf
			return nil, nil
		}
		buf = buf[idx+len(tokenBegin):]
		started = true
	}

	var parts []SingleResponse
	for {
		idx := strings.Index(buf, tokenDelim)
		if idx < 0 {
			break
		}
		var p SingleResponse
		if err := json.Unmarshal([]byte(buf[:idx]), &p); err != nil {
			return parts, err
		}
		parts = append(parts, p)
		buf = buf[idx+len(tokenDelim):]
	}
	s.buf = buf
	s.started = started
	return parts, nil
}

// Finish looks for the END token and parses the tail before it. If END
// has not yet appeared, the buffered text is left untouched as extra —
// Finish only errors on malformed JSON once END is actually found. Call
// Feed(state, "\r\n") first (lastDitch mode) to tolerate a final part
// whose closing bracket has no trailing CRLF before calling Finish.
func (s *StreamState) Finish() ([]SingleResponse, error) {
	idx := strings.Index(s.buf, tokenEnd)
	if idx < 0 {
		return nil, nil
	}
	tail := strings.TrimSpace(s.buf[:idx])
	s.buf = s.buf[idx+len(tokenEnd):]
	if tail == "" {
		return nil, nil
	}
	var p SingleResponse
	if err := json.Unmarshal([]byte(tail), &p); err != nil {
		return nil, err
	}
	return []SingleResponse{p}, nil
}

// ParseMultipart is a convenience one-shot wrapper over Feed/Finish for
// callers that already have the complete (or truncated) text in hand,
// matching parse(text, multipart=true, lastDitch) from the wire protocol.
// It returns the parts parsed so far and any unconsumed extra.
func ParseMultipart(text string, lastDitch bool) (parts []SingleResponse, extra string, err error) {
	st := NewStreamState()
	fed, err := st.Feed(text)
	if err != nil {
		return fed, st.Extra(), err
	}
	parts = fed

	if lastDitch {
		if _, err := st.Feed("\r\n"); err != nil {
			return parts, st.Extra(), err
		}
	}
	final, err := st.Finish()
	if err != nil {
		return parts, st.Extra(), err
	}
	parts = append(parts, final...)
	if lastDitch && strings.TrimSpace(st.Extra()) != "" {
		// Stream claimed to be complete but END was never found, or
		// trailing garbage remains after it: the request is errored.
		return parts, "", errMalformedMultipart
	}
	extra = st.Extra()
	if lastDitch {
		extra = strings.TrimSuffix(extra, "\r\n")
	}
	return parts, extra, nil
}

var errMalformedMultipart = &MalformedError{}

// MalformedError reports that a multipart stream ended without ever
// producing a well-framed END token.
type MalformedError struct{}

func (*MalformedError) Error() string {
	return "spfproto: multipart stream ended without a well-framed end token"
}
