// Package resource implements idempotent script/style injection into the
// controlled page, keyed by a deterministic hash of the resource URL, with
// readiness notification via pubsub and name-grouped "switch versions"
// unloading.
package resource

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/use-agent/spfnav/metrics"
	"github.com/use-agent/spfnav/pubsub"
	"github.com/use-agent/spfnav/taskqueue"
	"github.com/use-agent/spfnav/urlutil"
)

// Type distinguishes the two resource kinds the loader manages.
type Type string

const (
	Script Type = "script"
	Style  Type = "style"
)

type element struct {
	id     string
	typ    Type
	url    string
	name   string
	loaded bool
}

// Loader owns the element bookkeeping for one controlled page.
type Loader struct {
	page   *rod.Page
	pubsub *pubsub.Manager
	queue  *taskqueue.Manager

	mu       sync.Mutex
	elements map[string]*element
	bound    bool

	frameReadyMu sync.Mutex
	frameReady   map[Type]bool
}

// New constructs a Loader bound to page, sharing the NavContext's pubsub
// and task queue managers so install callbacks and frame-queued prefetches
// interleave correctly with the rest of the pipeline.
func New(page *rod.Page, ps *pubsub.Manager, q *taskqueue.Manager) *Loader {
	return &Loader{
		page:       page,
		pubsub:     ps,
		queue:      q,
		elements:   make(map[string]*element),
		frameReady: make(map[Type]bool),
	}
}

func elementID(typ Type, url string) string {
	return fmt.Sprintf("%s-%s", typ, urlutil.Hash(url))
}

// Load installs the resource if not already present, invoking cb once it
// is ready. If an element already exists and is loaded, cb runs
// asynchronously immediately; if it exists but is still loading, cb is
// queued behind the existing load; otherwise a new element is created.
func (l *Loader) Load(typ Type, url, name string, cb func()) error {
	id := elementID(typ, url)

	l.mu.Lock()
	el, exists := l.elements[id]
	if !exists {
		el = &element{id: id, typ: typ, url: url, name: name}
		l.elements[id] = el
	}
	loaded := el.loaded
	l.mu.Unlock()

	if exists && loaded {
		if cb != nil {
			go cb()
		}
		return nil
	}
	if cb != nil {
		l.pubsub.Subscribe(id, func(any) { cb() })
	}
	if exists {
		return nil // already loading; callback queued above
	}
	return l.inject(el)
}

func (l *Loader) inject(el *element) error {
	if err := l.ensureBinding(); err != nil {
		return err
	}
	var js string
	switch el.typ {
	case Script:
		js = fmt.Sprintf(`(function(){
			var el = document.createElement('script');
			el.id = %q; el.src = %q;
			el.onload = function(){ window.__spfResourceLoaded(%q) };
			document.head.appendChild(el);
		})()`, el.id, el.url, el.id)
	case Style:
		js = fmt.Sprintf(`(function(){
			var el = document.createElement('link');
			el.rel = 'stylesheet'; el.id = %q; el.href = %q;
			el.onload = function(){ window.__spfResourceLoaded(%q) };
			document.head.appendChild(el);
		})()`, el.id, el.url, el.id)
	}
	_, err := l.page.Eval(js)
	return err
}

func (l *Loader) ensureBinding() error {
	l.mu.Lock()
	if l.bound {
		l.mu.Unlock()
		return nil
	}
	l.bound = true
	l.mu.Unlock()

	_, err := l.page.Expose("__spfResourceLoaded", func(j gson.JSON) (any, error) {
		l.onElementLoaded(j.Str())
		return nil, nil
	})
	return err
}

func (l *Loader) onElementLoaded(id string) {
	l.mu.Lock()
	el, ok := l.elements[id]
	if !ok {
		l.mu.Unlock()
		return
	}
	el.loaded = true
	name := el.name
	typ := el.typ
	l.mu.Unlock()

	metrics.ResourcesLoaded.WithLabelValues(string(typ)).Inc()
	l.pubsub.Publish(id, nil)
	l.pubsub.Clear(id)

	if name != "" {
		l.switchVersions(name, id)
	}
}

// switchVersions removes every previously loaded element sharing name,
// except the one just loaded (keepID).
func (l *Loader) switchVersions(name, keepID string) {
	l.mu.Lock()
	var stale []*element
	for _, el := range l.elements {
		if el.name == name && el.id != keepID && el.loaded {
			stale = append(stale, el)
		}
	}
	l.mu.Unlock()
	for _, el := range stale {
		l.remove(el)
	}
}

// Unload removes the element for (typ, url) and clears pending callbacks
// for its id-topic. This does not guarantee an in-flight network fetch is
// aborted by the browser.
func (l *Loader) Unload(typ Type, url string) {
	id := elementID(typ, url)
	l.mu.Lock()
	el, ok := l.elements[id]
	delete(l.elements, id)
	l.mu.Unlock()
	if !ok {
		return
	}
	l.remove(el)
}

// UnloadByName removes every element registered under name.
func (l *Loader) UnloadByName(name string) {
	l.mu.Lock()
	var matched []*element
	for id, el := range l.elements {
		if el.name == name {
			matched = append(matched, el)
			delete(l.elements, id)
		}
	}
	l.mu.Unlock()
	for _, el := range matched {
		l.remove(el)
	}
}

func (l *Loader) remove(el *element) {
	l.pubsub.Clear(el.id)
	js := fmt.Sprintf(`(function(){var el=document.getElementById(%q); if(el) el.parentNode.removeChild(el);})()`, el.id)
	if _, err := l.page.Eval(js); err != nil {
		slog.Warn("resource unload eval failed", "id", el.id, "err", err)
	}
}

// Ignore unsubscribes a pending callback without touching the element
// itself, identified by the token Load's internal Subscribe returned.
// Callers that need Ignore must keep the token from a prior Load by using
// LoadWithToken instead of Load.
func (l *Loader) Ignore(typ Type, url string, tok pubsub.Token) {
	id := elementID(typ, url)
	l.pubsub.Unsubscribe(id, tok)
}

// LoadWithToken behaves like Load but returns the subscription token so
// the caller can later call Ignore.
func (l *Loader) LoadWithToken(typ Type, url, name string, cb func()) (pubsub.Token, error) {
	if l.IsLoaded(typ, url) {
		if cb != nil {
			go cb()
		}
		return 0, nil
	}
	id := elementID(typ, url)
	var tok pubsub.Token
	if cb != nil {
		tok = l.pubsub.Subscribe(id, func(any) { cb() })
	}
	return tok, l.Load(typ, url, name, nil)
}

const prefetchFrameQueue = "prefetch-frame "

// Prefetch guarantees at most one request per URL by injecting a
// preload/prefetch hint inside a hidden iframe named "${type}-prefetch",
// created lazily. If the frame is not yet ready, the prefetch is queued
// on the frame's task queue.
func (l *Loader) Prefetch(typ Type, url string) {
	queueName := prefetchFrameQueue + string(typ)
	l.frameReadyMu.Lock()
	ready := l.frameReady[typ]
	l.frameReadyMu.Unlock()

	do := func() { l.doPrefetch(typ, url) }
	if ready {
		do()
		return
	}
	l.queue.Add(queueName, do, 0)
	l.ensureFrame(typ, queueName)
}

func (l *Loader) ensureFrame(typ Type, queueName string) {
	frameName := fmt.Sprintf("%s-prefetch", typ)
	js := fmt.Sprintf(`(function(){
		if (document.getElementsByName(%q).length) return;
		var f = document.createElement('iframe');
		f.name = %q; f.style.display = 'none';
		document.body.appendChild(f);
	})()`, frameName, frameName)
	if _, err := l.page.Eval(js); err != nil {
		slog.Warn("prefetch frame creation failed", "type", typ, "err", err)
		return
	}
	l.frameReadyMu.Lock()
	l.frameReady[typ] = true
	l.frameReadyMu.Unlock()
	l.queue.Run(queueName, false)
}

func (l *Loader) doPrefetch(typ Type, url string) {
	frameName := fmt.Sprintf("%s-prefetch", typ)
	id := elementID(typ, url)
	var tag string
	switch typ {
	case Style:
		tag = fmt.Sprintf(`var el=document.createElement('link'); el.rel='stylesheet'; el.href=%q;`, url)
	case Script:
		// rel=preload as=script triggers the fetch without executing it.
		tag = fmt.Sprintf(`var el=document.createElement('link'); el.rel='preload'; el.as='script'; el.href=%q;`, url)
	}
	js := fmt.Sprintf(`(function(){
		var frame = document.getElementsByName(%q)[0];
		if (!frame) return;
		var doc = frame.contentDocument;
		if (doc.getElementById(%q)) return;
		%s
		el.id = %q;
		doc.head.appendChild(el);
	})()`, frameName, id, tag, id)
	if _, err := l.page.Eval(js); err != nil {
		slog.Warn("prefetch injection failed", "type", typ, "url", url, "err", err)
	}
}

// Mark walks existing matching elements already present in the document
// (rendered server-side, not injected by Load) and assigns them the
// deterministic id, flagging them loaded. The demo command calls it once
// at startup; nothing in this module calls it again on DOMContentLoaded.
func (l *Loader) Mark(typ Type) error {
	var selector string
	switch typ {
	case Script:
		selector = "script[src]:not([id^='script-'])"
	case Style:
		selector = "link[rel=stylesheet]:not([id^='style-'])"
	}
	els, err := l.page.Elements(selector)
	if err != nil {
		return err
	}
	for _, el := range els {
		var url string
		var attrErr error
		if typ == Script {
			url, attrErr = el.Attribute("src")
		} else {
			url, attrErr = el.Attribute("href")
		}
		if attrErr != nil || url == "" {
			continue
		}
		id := elementID(typ, url)
		l.mu.Lock()
		if _, ok := l.elements[id]; !ok {
			l.elements[id] = &element{id: id, typ: typ, url: url, loaded: true}
		}
		l.mu.Unlock()
		_ = el.Eval(fmt.Sprintf(`() => { this.id = %q }`, id))
	}
	return nil
}

// IsLoaded reports whether (typ, url) has a loaded element, for tests and
// introspection.
func (l *Loader) IsLoaded(typ Type, url string) bool {
	id := elementID(typ, url)
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.elements[id]
	return ok && el.loaded
}

// Count returns the number of tracked elements, for introspection.
func (l *Loader) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.elements)
}
