// Package navigator implements the navigation controller: click/history
// interception, the IDLE→REQUESTING→{PART_PROCESSING*}→DONE state
// machine, the prefetch registry and its promotion into an in-flight
// navigation, eligibility gating, and the reload-reason fallback to a
// full page load.
package navigator

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"
	"golang.org/x/time/rate"

	"github.com/use-agent/spfnav/config"
	"github.com/use-agent/spfnav/history"
	"github.com/use-agent/spfnav/metrics"
	"github.com/use-agent/spfnav/navcache"
	"github.com/use-agent/spfnav/navinfo"
	"github.com/use-agent/spfnav/processor"
	"github.com/use-agent/spfnav/pubsub"
	"github.com/use-agent/spfnav/requestengine"
	"github.com/use-agent/spfnav/scriptdeps"
	"github.com/use-agent/spfnav/spferr"
	"github.com/use-agent/spfnav/spfproto"
	"github.com/use-agent/spfnav/taskqueue"
	"github.com/use-agent/spfnav/urlutil"
)

// ReloadReason enumerates why a full page reload was triggered, mirroring
// the numeric codes stamped on the wire via reload-identifier.
type ReloadReason int

const (
	ReloadIneligible       ReloadReason = 1
	ReloadRequestCanceled  ReloadReason = 2
	ReloadPartprocessAbort ReloadReason = 3
	ReloadProcessAbort     ReloadReason = 4
	ReloadResponse         ReloadReason = 5
	ReloadForbiddenOrigin  ReloadReason = 9
	ReloadUncaughtError    ReloadReason = 10
)

// State is the navigation state machine's current phase for the
// in-flight navigation, if any.
type State string

const (
	StateIdle           State = "idle"
	StateRequesting     State = "requesting"
	StatePartProcessing State = "part-processing"
	StateDone           State = "done"
	StateRedirecting    State = "redirecting"
	StateFailed         State = "failed"
	StateReloading      State = "reloading"
)

// inflightNav tracks the one active navigation's cancellation flag and
// state-machine phase.
type inflightNav struct {
	url       string
	canceled  atomic.Bool
	queueName string
	state     atomic.Value // State
}

func (nav *inflightNav) setState(s State) { nav.state.Store(s) }

// prefetchEntry records one in-flight or completed prefetch's result and
// the "promote queue" of callbacks to run if it's later promoted into a
// navigation.
type prefetchEntry struct {
	mu      sync.Mutex
	done    bool
	result  requestengine.Result
	err     error
	promote []func(requestengine.Result, error)
}

// Navigator is the top-level coordinator wiring together the request
// engine, response processor, history adapter, resource loader's task
// queues, and pub/sub event bus into one controlled page's navigation
// behavior.
type Navigator struct {
	page    *rod.Page
	engine  *requestengine.Engine
	proc    *processor.Processor
	history *history.Adapter
	queue   *taskqueue.Manager
	events  *pubsub.Manager
	cache   *navcache.Cache
	deps    *scriptdeps.Manager
	cfg     config.NavConfig
	rlCfg   config.RateLimitConfig
	limiter *rate.Limiter

	mu         sync.Mutex
	current    string
	navCount   int
	startedAt  time.Time
	inflight   *inflightNav
	prefetches sync.Map // url -> *prefetchEntry

	bound bool
}

// New constructs a Navigator. current is the page's starting URL.
func New(page *rod.Page, engine *requestengine.Engine, proc *processor.Processor, h *history.Adapter, queue *taskqueue.Manager, events *pubsub.Manager, cache *navcache.Cache, deps *scriptdeps.Manager, cfg config.NavConfig, rlCfg config.RateLimitConfig, current string) *Navigator {
	limiter := rate.NewLimiter(rate.Limit(rlCfg.RequestsPerSecond), rlCfg.Burst)
	return &Navigator{
		page: page, engine: engine, proc: proc, history: h, queue: queue,
		events: events, cache: cache, deps: deps, cfg: cfg, rlCfg: rlCfg, limiter: limiter,
		current: current, startedAt: time.Now(),
	}
}

// Init binds the click/mousedown interception and history popstate
// handlers. Idempotent.
func (n *Navigator) Init() error {
	n.mu.Lock()
	if n.bound {
		n.mu.Unlock()
		return nil
	}
	n.bound = true
	n.mu.Unlock()

	if err := n.history.Init(n.onHistoryChange, n.onHistoryError); err != nil {
		return err
	}

	_, err := n.page.Expose("__spfClick", func(j gson.JSON) (any, error) {
		href := j.Get("href").Str()
		n.handleClick(href)
		return nil, nil
	})
	if err != nil {
		return spferr.New(spferr.CodeTransport, "failed to bind click handler", err)
	}

	if err := n.bindScriptDeps(); err != nil {
		return err
	}

	js := fmt.Sprintf(`(function(){
		document.addEventListener('click', function(ev){
			if (ev.defaultPrevented || ev.button !== 0 || ev.metaKey || ev.ctrlKey || ev.shiftKey || ev.altKey) return;
			var el = ev.target;
			var link = null, blocked = false;
			while (el) {
				if (el.classList) {
					if (el.classList.contains(%q)) blocked = true;
					if (el.classList.contains(%q) && el.tagName === 'A' && el.href) { link = el; break; }
				}
				el = el.parentElement;
			}
			if (!link || blocked) return;
			if (link.href === location.href) return;
			try {
				var u = new URL(link.href);
				if (u.origin !== location.origin) return;
			} catch (e) { return; }
			ev.preventDefault();
			window.__spfClick({href: link.href});
		}, true);
	})()`, n.cfg.NoLinkClass, n.cfg.LinkClass)
	if _, err := n.page.Eval(js); err != nil {
		return spferr.New(spferr.CodeTransport, "failed to install click listener", err)
	}

	if n.cfg.ExperimentalPrefetchMousedown {
		if err := n.bindMousedown(); err != nil {
			return err
		}
	}
	return nil
}

// bindMousedown installs the mousedown-triggered prefetch listener, gated
// on experimental-prefetch-mousedown and a non-touch platform: same link
// derivation as click, but the prefetch is scheduled after a zero-delay
// yield instead of happening inline with the event.
func (n *Navigator) bindMousedown() error {
	_, err := n.page.Expose("__spfMousedown", func(j gson.JSON) (any, error) {
		href := j.Get("href").Str()
		n.Prefetch(href)
		return nil, nil
	})
	if err != nil {
		return spferr.New(spferr.CodeTransport, "failed to bind mousedown handler", err)
	}

	js := fmt.Sprintf(`(function(){
		if ('ontouchstart' in window) return;
		document.addEventListener('mousedown', function(ev){
			var el = ev.target;
			var link = null, blocked = false;
			while (el) {
				if (el.classList) {
					if (el.classList.contains(%q)) blocked = true;
					if (el.classList.contains(%q) && el.tagName === 'A' && el.href) { link = el; break; }
				}
				el = el.parentElement;
			}
			if (!link || blocked) return;
			if (link.href === location.href) return;
			try {
				var u = new URL(link.href);
				if (u.origin !== location.origin) return;
			} catch (e) { return; }
			var href = link.href;
			setTimeout(function(){ window.__spfMousedown({href: href}); }, 0);
		}, true);
	})()`, n.cfg.NoLinkClass, n.cfg.LinkClass)
	if _, err := n.page.Eval(js); err != nil {
		return spferr.New(spferr.CodeTransport, "failed to install mousedown listener", err)
	}
	return nil
}

// bindScriptDeps exposes the named-script dependency API (declare a
// script's URL and its dependency names, require a set of names ready,
// mark a name synthetically done) to page-side JS, backed by the
// scriptdeps manager shared with the resource loader.
func (n *Navigator) bindScriptDeps() error {
	if n.deps == nil {
		return nil
	}
	if _, err := n.page.Expose("__spfScriptDeclare", func(j gson.JSON) (any, error) {
		name := j.Get("name").Str()
		url := j.Get("url").Str()
		var depNames []string
		for _, d := range j.Get("deps").Arr() {
			depNames = append(depNames, d.Str())
		}
		urls := map[string]string{}
		if url != "" {
			urls[name] = url
		}
		n.deps.Declare(map[string][]string{name: depNames}, urls)
		return nil, nil
	}); err != nil {
		return spferr.New(spferr.CodeTransport, "failed to bind script declare handler", err)
	}
	if _, err := n.page.Expose("__spfScriptRequire", func(j gson.JSON) (any, error) {
		var names []string
		for _, nm := range j.Get("names").Arr() {
			names = append(names, nm.Str())
		}
		n.deps.Require(names, func() {
			n.publish("spfscriptready", map[string]any{"names": names})
		})
		return nil, nil
	}); err != nil {
		return spferr.New(spferr.CodeTransport, "failed to bind script require handler", err)
	}
	if _, err := n.page.Expose("__spfScriptDone", func(j gson.JSON) (any, error) {
		n.deps.Done(j.Get("name").Str())
		return nil, nil
	}); err != nil {
		return spferr.New(spferr.CodeTransport, "failed to bind script done handler", err)
	}
	return nil
}

func (n *Navigator) publish(topic string, detail map[string]any) {
	n.events.Publish(topic, detail)
}

// State reports the in-flight navigation's current state-machine phase,
// or StateIdle if none is active.
func (n *Navigator) State() State {
	n.mu.Lock()
	nav := n.inflight
	n.mu.Unlock()
	if nav == nil {
		return StateIdle
	}
	if s, ok := nav.state.Load().(State); ok {
		return s
	}
	return StateIdle
}

// eligible reports whether a navigation may proceed given the
// navigate-limit/navigate-lifetime gates plus the independent
// requests-per-second throttle.
func (n *Navigator) eligible() bool {
	if !n.limiter.Allow() {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cfg.NavigateLifetime > 0 && time.Since(n.startedAt) > n.cfg.NavigateLifetime {
		return false
	}
	if n.cfg.NavigateLimit > 0 && n.navCount >= n.cfg.NavigateLimit {
		return false
	}
	return true
}

func (n *Navigator) handleClick(href string) {
	n.publish("spfclick", map[string]any{"url": href})
	if !urlutil.SameOriginAllowed(href, n.current, n.cfg.AdditionalOrigins) {
		n.Reload(href, ReloadForbiddenOrigin)
		return
	}
	if !n.eligible() {
		n.Reload(href, ReloadIneligible)
		return
	}
	n.mu.Lock()
	n.navCount++
	n.mu.Unlock()
	n.Navigate(href, navinfo.TypeNavigate, false, false, nil)
}

func (n *Navigator) onHistoryChange(url string, st history.State) {
	n.mu.Lock()
	current := n.current
	n.mu.Unlock()
	if n.cfg.ExperimentalSameOrigin && !urlutil.SameOrigin(url, current) {
		n.Reload(url, ReloadForbiddenOrigin)
		return
	}
	if !n.eligible() {
		n.Reload(url, ReloadIneligible)
		return
	}
	n.publish("spfhistory", map[string]any{"url": url})
	var pos *[2]int
	if len(st.SPFPosition) == 2 {
		pos = &[2]int{st.SPFPosition[0], st.SPFPosition[1]}
	}
	n.navigate(url, navinfo.TypeNavigateBack, true, st.SPFBack, pos)
}

func (n *Navigator) onHistoryError(err error) {
	slog.Warn("history adapter error", "err", err)
}

// Navigate runs the public navigate entry point: aborts any in-flight
// navigation, cancels prefetches/process queues not targeting url, and
// publishes the spfrequest sequence. Subscribers are only notified; they
// cannot cancel the navigation.
func (n *Navigator) Navigate(url string, typ navinfo.Type, isHistory bool, reverse bool, pos *[2]int) {
	if !urlutil.SameOriginAllowed(url, n.current, n.cfg.AdditionalOrigins) {
		n.Reload(url, ReloadForbiddenOrigin)
		return
	}
	if !n.eligible() {
		n.Reload(url, ReloadIneligible)
		return
	}
	n.navigate(url, typ, isHistory, reverse, pos)
}

func (n *Navigator) navigate(url string, typ navinfo.Type, isHistory bool, reverse bool, pos *[2]int) {
	metrics.NavigationsTotal.WithLabelValues(string(typ)).Inc()
	n.mu.Lock()
	if n.inflight != nil {
		n.inflight.canceled.Store(true)
		n.publish("spfreload", map[string]any{"url": n.inflight.url, "reason": ReloadRequestCanceled})
	}
	referer := n.current
	queueName := "process " + url
	nav := &inflightNav{url: url, queueName: queueName}
	nav.setState(StateRequesting)
	n.inflight = nav
	n.mu.Unlock()

	n.queue.CancelAllExcept("process ", queueName)
	n.cancelPrefetchesExcept(url)

	info := &navinfo.Info{Current: url, History: isHistory, Original: n.current, Referer: referer, Reverse: reverse, Type: typ, Position: pos}

	if entry, ok := n.prefetches.Load(url); ok {
		pf := entry.(*prefetchEntry)
		n.promotePrefetch(pf, nav, info)
		return
	}

	n.publish("spfrequest", map[string]any{"url": url, "referer": referer})
	n.engine.Fetch(url, *info, requestengine.Options{}, func(res requestengine.Result, err error) {
		n.onResult(nav, info, res, err)
	})
}

// promotePrefetch redirects a pending or completed prefetch's result
// into this navigation instead of issuing a second network request.
func (n *Navigator) promotePrefetch(pf *prefetchEntry, nav *inflightNav, info *navinfo.Info) {
	metrics.PrefetchPromotionsTotal.Inc()
	n.publish("spfrequest", map[string]any{"url": nav.url, "referer": info.Referer, "prefetched": true})
	pf.mu.Lock()
	if pf.done {
		res, err := pf.result, pf.err
		pf.mu.Unlock()
		n.onResult(nav, info, res, err)
		return
	}
	pf.promote = append(pf.promote, func(res requestengine.Result, err error) {
		n.onResult(nav, info, res, err)
	})
	pf.mu.Unlock()
}

func (n *Navigator) onResult(nav *inflightNav, info *navinfo.Info, res requestengine.Result, err error) {
	if nav.canceled.Load() {
		return
	}
	if err != nil {
		nav.setState(StateFailed)
		n.publish("spferror", map[string]any{"url": nav.url, "err": err.Error()})
		n.Reload(nav.url, ReloadUncaughtError)
		return
	}
	if res.Redirect != "" {
		nav.setState(StateRedirecting)
		n.publish("spfreload", map[string]any{"url": nav.url, "redirect": res.Redirect})
		n.navigate(res.Redirect, info.Type, info.History, info.Reverse, nil)
		return
	}
	nav.setState(StatePartProcessing)

	n.prefetches.Delete(nav.url)

	n.mu.Lock()
	n.current = nav.url
	n.mu.Unlock()

	switch v := res.Response.(type) {
	case nil:
		n.finishWithHistory(nav, info)
	case spfproto.MultipartResponse:
		n.processParts(nav, info, v.Parts, 0)
	case spfproto.SingleResponse:
		n.processParts(nav, info, []spfproto.SingleResponse{v}, 0)
	default:
		n.finishWithHistory(nav, info)
	}
}

// processParts runs parts[i:] through the response processor strictly
// sequentially — the per-navigation "process ${url}" task queue already
// serializes each part's own tasks, but the parts themselves must also
// not overlap, so the next part is only queued once the previous part's
// terminal task has fired.
func (n *Navigator) processParts(nav *inflightNav, info *navinfo.Info, parts []spfproto.SingleResponse, i int) {
	if nav.canceled.Load() {
		return
	}
	if i >= len(parts) {
		n.finishWithHistory(nav, info)
		return
	}
	part := parts[i]
	if part.Reload {
		n.Reload(nav.url, ReloadResponse)
		return
	}

	multipart := len(parts) > 1
	if multipart {
		n.publish("spfpartprocess", map[string]any{"url": nav.url, "part": i})
	} else {
		n.publish("spfprocess", map[string]any{"url": nav.url})
	}
	n.proc.Process(part, info, func(err error) {
		if multipart {
			n.publish("spfpartdone", map[string]any{"url": nav.url, "part": i})
		}
		if err != nil {
			nav.setState(StateFailed)
			n.publish("spferror", map[string]any{"url": nav.url, "err": err.Error()})
			reason := ReloadProcessAbort
			if multipart {
				reason = ReloadPartprocessAbort
			}
			n.Reload(nav.url, reason)
			return
		}
		n.processParts(nav, info, parts, i+1)
	})
}

func (n *Navigator) finishWithHistory(nav *inflightNav, info *navinfo.Info) {
	if !info.History {
		if err := n.history.Add(nav.url, history.State{SPFReferer: info.Referer, SPFCurrent: nav.url}); err != nil {
			slog.Warn("history add failed", "err", err)
		}
	}
	n.finish(nav, info)
}

func (n *Navigator) finish(nav *inflightNav, info *navinfo.Info) {
	if nav.canceled.Load() {
		return
	}
	nav.setState(StateDone)
	n.publish("spfdone", map[string]any{"url": nav.url, "cached": false})
	n.mu.Lock()
	if n.inflight == nav {
		n.inflight = nil
	}
	n.mu.Unlock()
}

// Load dispatches a callback-only request, not subject to eligibility
// gates and without DOM events or history changes.
func (n *Navigator) Load(url string, cb func(any, error)) {
	info := navinfo.Info{Current: url, Type: navinfo.TypeLoad, Referer: n.current}
	n.engine.Fetch(url, info, requestengine.Options{}, func(res requestengine.Result, err error) {
		if cb != nil {
			cb(res.Response, err)
		}
	})
}

// Prefetch guarantees at most one in-flight prefetch per URL, recording
// its eventual result so a subsequent Navigate to the same URL can
// promote it instead of re-requesting.
func (n *Navigator) Prefetch(url string) {
	if _, loaded := n.prefetches.LoadOrStore(url, &prefetchEntry{}); loaded {
		return
	}
	entry, _ := n.prefetches.Load(url)
	pf := entry.(*prefetchEntry)

	info := navinfo.Info{Current: url, Type: navinfo.TypePrefetch, Referer: n.current}
	n.engine.Fetch(url, info, requestengine.Options{}, func(res requestengine.Result, err error) {
		pf.mu.Lock()
		pf.done = true
		pf.result = res
		pf.err = err
		callbacks := pf.promote
		pf.promote = nil
		pf.mu.Unlock()
		for _, cb := range callbacks {
			cb(res, err)
		}
	})
}

// Stats is a point-in-time snapshot of the navigator's operating counters,
// exposed over introspect's /debug/stats the way the teacher's pool/health
// handlers report scraper pool occupancy.
type Stats struct {
	NavigationCount int       `json:"navigationCount"`
	InFlight        bool      `json:"inFlight"`
	PrefetchCount   int       `json:"prefetchCount"`
	StartedAt       time.Time `json:"startedAt"`
	Current         string    `json:"current"`
}

// Stats reports the current navigation counter, whether a navigation is
// in flight, the prefetch registry's size, and the controller's start time.
func (n *Navigator) Stats() Stats {
	n.mu.Lock()
	s := Stats{
		NavigationCount: n.navCount,
		InFlight:        n.inflight != nil,
		StartedAt:       n.startedAt,
		Current:         n.current,
	}
	n.mu.Unlock()
	count := 0
	n.prefetches.Range(func(_, _ any) bool { count++; return true })
	s.PrefetchCount = count
	return s
}

// CacheRemove drops one cached response by key.
func (n *Navigator) CacheRemove(key string) { n.cache.Remove(key) }

// CacheClear drops every cached response.
func (n *Navigator) CacheClear() { n.cache.Clear() }

// cancelPrefetchesExcept aborts the registry entries for every URL other
// than keepURL by simply discarding them; an in-flight request cannot be
// aborted mid-flight (the request engine has no cancellation channel),
// so this only prevents a later promotion of a stale prefetch.
func (n *Navigator) cancelPrefetchesExcept(keepURL string) {
	n.prefetches.Range(func(key, _ any) bool {
		if key.(string) != keepURL {
			n.prefetches.Delete(key)
		}
		return true
	})
}

// Reload performs the full-page reload fallback: dispatch spfreload,
// optionally clear the current history entry, then navigate the browser
// away via location.href (or location.reload() for a hash-only change).
func (n *Navigator) Reload(url string, reason ReloadReason) {
	metrics.ReloadsTotal.WithLabelValues(fmt.Sprintf("%d", reason)).Inc()
	n.mu.Lock()
	if n.inflight != nil {
		n.inflight.setState(StateReloading)
	}
	n.mu.Unlock()

	n.publish("spfreload", map[string]any{"url": url, "reason": int(reason)})

	n.mu.Lock()
	current := n.current
	n.mu.Unlock()

	target := url
	if n.cfg.ReloadIdentifier != "" {
		target = urlutil.AppendIdentifier(url, "?"+n.cfg.ReloadIdentifier+"=__type__", fmt.Sprintf("%d", reason))
	}

	if n.cfg.ExperimentalRemoveHistory && url == current {
		if err := n.history.Replace("", history.State{}, false, true); err != nil {
			slog.Warn("history removal before reload failed", "err", err)
		}
	}

	js := fmt.Sprintf(`(function(){
		location.href = %q;
		if (%q.split('#')[0] === location.href.split('#')[0]) { location.reload(); }
	})()`, target, target)
	if _, err := n.page.Eval(js); err != nil {
		slog.Warn("reload navigation failed", "url", target, "err", err)
	}
}
