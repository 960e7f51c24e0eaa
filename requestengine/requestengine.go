// Package requestengine dispatches SPF page-update requests through the
// controlled page's own fetch stack (so cookies, headers and same-origin
// semantics match a real in-page XHR exactly), streams multipart chunks
// through the incremental spfproto parser, and mediates all reads/writes
// through the navcache TTL store per the history/prefetch key scoping
// rules.
package requestengine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/use-agent/spfnav/config"
	"github.com/use-agent/spfnav/metrics"
	"github.com/use-agent/spfnav/navcache"
	"github.com/use-agent/spfnav/navinfo"
	"github.com/use-agent/spfnav/spferr"
	"github.com/use-agent/spfnav/spfproto"
	"github.com/use-agent/spfnav/urlutil"
)

// Result is what a dispatched request resolves to: either a folded
// SingleResponse/MultipartResponse (see spfproto.AsResponse), a redirect
// target, or an error.
type Result struct {
	Response any
	Redirect string
	Cached   bool
	Prefetch bool
}

// Engine dispatches and caches SPF requests for one controlled page.
type Engine struct {
	page  *rod.Page
	cache *navcache.Cache
	cfg   config.NavConfig

	mu       sync.Mutex
	bound    bool
	inflight map[string]chan chunkEvent
	nextID   uint64
}

type chunkEvent struct {
	kind    string // "headers", "chunk", "done", "error"
	text    string
	status  int
	headers map[string]string
}

// New constructs an Engine bound to page, backed by cache.
func New(page *rod.Page, cache *navcache.Cache, cfg config.NavConfig) *Engine {
	return &Engine{page: page, cache: cache, cfg: cfg, inflight: make(map[string]chan chunkEvent)}
}

// BaseKey strips the configured SPF identifier from an absolute URL to
// get the cache key's invariant base.
func (e *Engine) BaseKey(absoluteURL string) string {
	return urlutil.StripIdentifier(absoluteURL, e.cfg.URLIdentifier)
}

func refererPath(referer string) string {
	p, err := urlutil.Path(referer)
	if err != nil {
		return referer
	}
	return p
}

// ComposeKey builds the write-side cache key for typ against base,
// honoring cache-unified collapse and the cacheType-driven " previous
// ${scope}" suffix.
func ComposeKey(base string, typ navinfo.Type, unified bool, cacheType, referer string) string {
	if unified {
		return base
	}
	key := base
	switch typ {
	case navinfo.TypeNavigateBack, navinfo.TypeNavigateForward, navinfo.TypeLoad:
		key = "history " + base
	case navinfo.TypePrefetch:
		key = "prefetch " + base
	default:
		key = "history " + base
	}
	switch cacheType {
	case "url":
		key += " previous " + referer
	case "path":
		key += " previous " + refererPath(referer)
	}
	return key
}

// LookupKeys returns the candidate read keys in trial order: the
// referer-URL-scoped key, the referer-path-scoped key, then the bare
// base key.
func LookupKeys(base, referer string) []string {
	if referer == "" {
		return []string{base}
	}
	return []string{
		base + " previous " + referer,
		base + " previous " + refererPath(referer),
		base,
	}
}

// Lookup tries each candidate key for base/referer in order and returns
// the first cache hit, if any, plus the key it hit under. For a
// navigation (non-unified, non-prefetch) hit, the entry is removed — a
// prefetched response is usable exactly once.
func (e *Engine) Lookup(base string, typ navinfo.Type, referer string) (navcache.Entry, string, bool) {
	prefix := "history "
	if typ == navinfo.TypePrefetch || typ == navinfo.TypeNavigate {
		prefix = "prefetch "
	}
	if e.cfg.CacheUnified {
		prefix = ""
	}
	for _, k := range LookupKeys(prefix+base, referer) {
		if entry, ok := e.cache.Get(k); ok {
			if typ != navinfo.TypePrefetch && !e.cfg.CacheUnified {
				e.cache.Remove(k)
			}
			return entry, k, true
		}
	}
	return navcache.Entry{}, "", false
}

// Store writes resp to the cache under the composed key for typ. When
// cfg.StampCacheKey is set, the composed key is written back onto resp's
// CacheKey field before storing — see DESIGN.md's resolution of the
// cacheKey-stamping open question.
func (e *Engine) Store(base string, typ navinfo.Type, cacheType, referer string, resp any) {
	key := ComposeKey(base, typ, e.cfg.CacheUnified, cacheType, referer)
	if e.cfg.StampCacheKey {
		resp = stampCacheKey(resp, key)
	}
	entryType := navcache.EntryNavigate
	switch typ {
	case navinfo.TypePrefetch:
		entryType = navcache.EntryPrefetch
	case navinfo.TypeLoad:
		entryType = navcache.EntryLoad
	case navinfo.TypeNavigateBack:
		entryType = navcache.EntryNavigateBack
	}
	e.cache.Set(key, navcache.Entry{Response: resp, Type: entryType, InsertedAt: time.Now()})
}

func stampCacheKey(resp any, key string) any {
	switch v := resp.(type) {
	case spfproto.SingleResponse:
		v.CacheKey = key
		return v
	case spfproto.MultipartResponse:
		v.CacheKey = key
		return v
	default:
		return resp
	}
}

// Options carries the request-level options from spec.md §4.J/§6 that
// Fetch layers on top of the navigation info: method, POST body, extra
// headers, and whether cookies are sent on a cross-origin request.
type Options struct {
	Method          string
	PostData        string
	Headers         map[string]string
	WithCredentials bool
}

// Fetch dispatches url (bare, not yet carrying any SPF identifier) through
// the controlled page's fetch(), streaming the response through the
// multipart parser if the response declares X-SPF-Response-Type:
// multipart, and folding the result with spfproto.AsResponse. A cache hit
// short-circuits the network entirely and is delivered via a 0ms deferral
// so the caller's completion contract matches a real round trip
// regardless of cache status.
//
// Per §4.J/§6, the SPF request type is carried either as a query
// parameter (url-identifier) or, when advanced-header-identifier is set,
// as an X-SPF-Request header with Accept: application/json instead of
// touching the URL at all; the two are mutually exclusive.
func (e *Engine) Fetch(url string, info navinfo.Info, opts Options, onDone func(Result, error)) {
	base := e.BaseKey(url)
	if entry, _, ok := e.Lookup(base, info.Type, info.Referer); ok {
		metrics.CacheHitsTotal.Inc()
		time.AfterFunc(0, func() {
			onDone(Result{Response: entry.Response, Cached: true, Prefetch: entry.Type == navcache.EntryPrefetch}, nil)
		})
		return
	}
	metrics.CacheMissesTotal.Inc()

	if err := e.ensureBinding(); err != nil {
		onDone(Result{}, err)
		return
	}

	requestURL := url
	headers := map[string]string{}
	if e.cfg.AdvancedHeaderIdentifier {
		headers["X-SPF-Request"] = string(info.Type)
		headers["Accept"] = "application/json"
	} else {
		requestURL = urlutil.AppendIdentifier(url, e.cfg.URLIdentifier, string(info.Type))
	}
	if info.Referer != "" {
		headers["X-SPF-Referer"] = info.Referer
	}
	if info.Original != "" {
		headers["X-SPF-Previous"] = info.Original
	}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	method := opts.Method
	if method == "" {
		method = "GET"
	}

	e.mu.Lock()
	e.nextID++
	reqID := fmt.Sprintf("r%d", e.nextID)
	ch := make(chan chunkEvent, 64)
	e.inflight[reqID] = ch
	e.mu.Unlock()

	started := time.Now()
	wrapped := func(res Result, err error) {
		metrics.RequestDuration.Observe(time.Since(started).Seconds())
		onDone(res, err)
	}

	go e.drive(reqID, ch, requestURL, base, info, wrapped)
	e.dispatch(reqID, requestURL, method, opts.PostData, headers, opts.WithCredentials)
}

func (e *Engine) ensureBinding() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bound {
		return nil
	}
	bind := func(kind string) func(gson.JSON) (any, error) {
		return func(j gson.JSON) (any, error) {
			reqID := j.Get("id").Str()
			e.mu.Lock()
			ch := e.inflight[reqID]
			e.mu.Unlock()
			if ch == nil {
				return nil, nil
			}
			ev := chunkEvent{kind: kind, text: j.Get("text").Str(), status: j.Get("status").Int()}
			if kind == "headers" {
				ev.headers = map[string]string{"X-SPF-Response-Type": j.Get("spfType").Str()}
			}
			select {
			case ch <- ev:
			default:
			}
			return nil, nil
		}
	}
	for _, name := range []string{"headers", "chunk", "done", "error"} {
		fn := bind(name)
		if _, err := e.page.Expose("__spfRequest_"+name, func(j gson.JSON) (any, error) { return fn(j) }); err != nil {
			return spferr.New(spferr.CodeTransport, "failed to expose request bindings", err)
		}
	}
	e.bound = true
	return nil
}

// dispatch injects the JS that performs the actual fetch — method,
// headers and an optional POST body all threaded through from Options —
// and reports headers/chunks/completion back through the exposed
// bindings.
func (e *Engine) dispatch(reqID, requestURL, method, postData string, headers map[string]string, withCredentials bool) {
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		headersJSON = []byte("{}")
	}
	credentials := "same-origin"
	if withCredentials {
		credentials = "include"
	}
	hasBody := "false"
	if postData != "" {
		hasBody = "true"
	}
	js := fmt.Sprintf(`(async function(){
		var id = %q;
		try {
			var init = {credentials: %q, headers: %s, method: %q};
			if (%s) { init.body = %q; }
			var resp = await fetch(%q, init);
			var spfType = resp.headers.get('X-SPF-Response-Type') || '';
			window.__spfRequest_headers({id: id, status: resp.status, spfType: spfType});
			if (!resp.body) {
				var text = await resp.text();
				window.__spfRequest_chunk({id: id, text: text});
				window.__spfRequest_done({id: id, status: resp.status});
				return;
			}
			var reader = resp.body.getReader();
			var decoder = new TextDecoder();
			while (true) {
				var r = await reader.read();
				if (r.done) break;
				window.__spfRequest_chunk({id: id, text: decoder.decode(r.value, {stream: true})});
			}
			window.__spfRequest_done({id: id, status: resp.status});
		} catch (e) {
			window.__spfRequest_error({id: id, text: String(e)});
		}
	})()`, reqID, credentials, string(headersJSON), method, hasBody, postData, requestURL)

	if _, err := e.page.Eval(js); err != nil {
		e.mu.Lock()
		ch := e.inflight[reqID]
		e.mu.Unlock()
		if ch != nil {
			ch <- chunkEvent{kind: "error", text: err.Error()}
		}
	}
}

// drive consumes reqID's chunk events, feeding the multipart parser
// incrementally when the response declares itself multipart, and falls
// back to a single JSON-typed final parse otherwise.
func (e *Engine) drive(reqID string, ch chan chunkEvent, requestURL, base string, info navinfo.Info, onDone func(Result, error)) {
	defer func() {
		e.mu.Lock()
		delete(e.inflight, reqID)
		e.mu.Unlock()
	}()

	var multipart bool
	var raw strings.Builder
	st := spfproto.NewStreamState()
	var parts []spfproto.SingleResponse

	timeout := e.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.After(timeout)

	for {
		select {
		case ev := <-ch:
			switch ev.kind {
			case "headers":
				multipart = strings.Contains(strings.ToLower(ev.headers["X-SPF-Response-Type"]), "multipart")
			case "chunk":
				raw.WriteString(ev.text)
				if multipart {
					fed, err := st.Feed(ev.text)
					if err != nil {
						onDone(Result{}, spferr.New(spferr.CodeParse, "malformed multipart chunk", err))
						return
					}
					parts = append(parts, fed...)
				}
			case "error":
				onDone(Result{}, spferr.New(spferr.CodeTransport, "request failed", fmt.Errorf("%s", ev.text)))
				return
			case "done":
				e.finish(requestURL, base, info, multipart, raw.String(), st, parts, onDone)
				return
			}
		case <-deadline:
			onDone(Result{}, spferr.New(spferr.CodeTransport, "request timed out", nil))
			return
		}
	}
}

func (e *Engine) finish(requestURL, base string, info navinfo.Info, multipart bool, raw string, st *spfproto.StreamState, parts []spfproto.SingleResponse, onDone func(Result, error)) {
	if !multipart {
		var resp spfproto.SingleResponse
		if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &resp); err != nil {
			onDone(Result{}, spferr.New(spferr.CodeParse, "failed to parse response body", err))
			return
		}
		e.complete(base, info, resp.Redirect, resp, onDone)
		return
	}

	final, err := st.Finish()
	if err != nil || strings.TrimSpace(st.Extra()) != "" {
		final, err = func() ([]spfproto.SingleResponse, error) {
			if _, feedErr := st.Feed("\r\n"); feedErr != nil {
				return nil, feedErr
			}
			return st.Finish()
		}()
	}
	if err != nil {
		onDone(Result{}, spferr.New(spferr.CodeParse, "failed to parse multipart stream", err))
		return
	}
	parts = append(parts, final...)
	if len(parts) == 0 {
		onDone(Result{}, spferr.New(spferr.CodeParse, "multipart stream produced no parts", nil))
		return
	}

	folded := spfproto.AsResponse(parts)
	redirect := ""
	for _, p := range parts {
		if p.Redirect != "" {
			redirect = p.Redirect
			break
		}
	}
	e.complete(base, info, redirect, folded, onDone)
}

func (e *Engine) complete(base string, info navinfo.Info, redirect string, resp any, onDone func(Result, error)) {
	if redirect != "" {
		onDone(Result{Redirect: redirect}, nil)
		return
	}
	cacheType := ""
	if single, ok := resp.(spfproto.SingleResponse); ok {
		cacheType = single.CacheType
	} else if multi, ok := resp.(spfproto.MultipartResponse); ok {
		cacheType = multi.CacheType
	}
	if info.Type != navinfo.TypeRequest {
		e.Store(base, info.Type, cacheType, info.Referer, resp)
	}
	onDone(Result{Response: resp}, nil)
}
