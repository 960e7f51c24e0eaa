// Package spfproto implements the wire data model and parsing/extraction
// logic for SPF responses: JSON single-shot and multipart-streaming
// parsing, and conservative HTML extraction of <script>/<style>/<link>
// elements out of a fragment string.
package spfproto

// SingleResponse is one server-produced page update, or one part of a
// MultipartResponse.
type SingleResponse struct {
	Title     string                       `json:"title,omitempty"`
	URL       string                       `json:"url,omitempty"`
	Head      string                       `json:"head,omitempty"`
	Foot      string                       `json:"foot,omitempty"`
	Body      map[string]string            `json:"body,omitempty"`
	Attr      map[string]map[string]string `json:"attr,omitempty"`
	Redirect  string                       `json:"redirect,omitempty"`
	Reload    bool                         `json:"reload,omitempty"`
	CacheType string                       `json:"cacheType,omitempty"`
	CacheKey  string                       `json:"cacheKey,omitempty"`
	Name      string                       `json:"name,omitempty"`
	Timing    map[string]any               `json:"timing,omitempty"`
}

// MultipartResponse is semantically the ordered concatenation of its parts.
type MultipartResponse struct {
	Type      string           `json:"type"`
	Parts     []SingleResponse `json:"parts"`
	Timing    map[string]any   `json:"timing,omitempty"`
	CacheKey  string           `json:"cacheKey,omitempty"`
	CacheType string           `json:"cacheType,omitempty"`
}

// ScriptTag is one extracted <script> element.
type ScriptTag struct {
	Inline bool
	Text   string
	Src    string
	Name   string
	Async  bool
}

// StyleTag is one extracted <style> element.
type StyleTag struct {
	Inline bool
	Text   string
	Name   string
}

// LinkTag is one extracted <link rel=stylesheet> or <link rel=spf-preconnect>.
type LinkTag struct {
	Rel  string
	Href string
	Name string
}

// Extraction is the result of extracting a fragment: the residual HTML
// with the extracted elements removed, plus the ordered element lists.
type Extraction struct {
	HTML    string
	Scripts []ScriptTag
	Styles  []StyleTag
	Links   []LinkTag
}
