package spfproto

import (
	"encoding/json"
	"strings"
)

// Parse is the single-shot JSON parse: if the payload is a JSON array it
// is the parts list, otherwise it is treated as one part.
func Parse(text string) ([]SingleResponse, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var parts []SingleResponse
		if err := json.Unmarshal([]byte(trimmed), &parts); err != nil {
			return nil, err
		}
		return parts, nil
	}
	var part SingleResponse
	if err := json.Unmarshal([]byte(trimmed), &part); err != nil {
		return nil, err
	}
	return []SingleResponse{part}, nil
}

// AsResponse folds a parts slice back into the single/multipart shape an
// onSuccess callback expects to see: a MultipartResponse when there are
// two or more parts (preserving a cacheType if any part carries one),
// otherwise the lone SingleResponse.
func AsResponse(parts []SingleResponse) any {
	if len(parts) == 1 {
		return parts[0]
	}
	mp := MultipartResponse{Type: "multipart", Parts: parts}
	for _, p := range parts {
		if p.CacheType != "" {
			mp.CacheType = p.CacheType
			break
		}
	}
	return mp
}
