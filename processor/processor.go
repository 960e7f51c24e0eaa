// Package processor applies a parsed SPF response to the controlled page
// via the task queue, installing extracted scripts/styles through the
// resource loader and running the optional CSS-transition animation.
package processor

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"

	"github.com/use-agent/spfnav/config"
	"github.com/use-agent/spfnav/history"
	"github.com/use-agent/spfnav/navinfo"
	"github.com/use-agent/spfnav/resource"
	"github.com/use-agent/spfnav/spfproto"
	"github.com/use-agent/spfnav/taskqueue"
)

// Processor applies one SingleResponse at a time to the controlled page.
type Processor struct {
	page    *rod.Page
	loader  *resource.Loader
	queue   *taskqueue.Manager
	history *history.Adapter
	cfg     config.NavConfig
}

// New constructs a Processor sharing the NavContext's page, loader, task
// queue manager and history adapter.
func New(page *rod.Page, loader *resource.Loader, queue *taskqueue.Manager, h *history.Adapter, cfg config.NavConfig) *Processor {
	return &Processor{page: page, loader: loader, queue: queue, history: h, cfg: cfg}
}

// Process applies resp to the DOM, scheduling DOM/script work on the
// "process ${absoluteUrl}" queue so a single URL's parts are strictly
// ordered while different URLs proceed independently. done is invoked
// exactly once, asynchronously, with a nil error when the terminal task
// runs; failures inside individual steps are logged and are not passed
// to done.
func (p *Processor) Process(resp spfproto.SingleResponse, info *navinfo.Info, done func(error)) {
	queueName := "process " + info.Current

	// Immediate (non-queued) work.
	if resp.Title != "" {
		if _, err := p.page.Eval(fmt.Sprintf(`document.title = %q`, resp.Title)); err != nil {
			slog.Warn("title update failed", "err", err)
		}
	}
	if info.History && resp.URL != "" {
		if err := p.history.Replace(resp.URL, history.State{SPFReferer: info.Referer}, false, false); err != nil {
			slog.Warn("history correction failed", "err", err)
		}
	}

	if resp.Head != "" {
		p.queue.Add(queueName, func() { p.installFragment(resp.Head, queueName) }, 0)
	}
	if resp.Attr != nil {
		p.queue.Add(queueName, func() { p.applyAttrs(resp.Attr) }, 0)
	}
	for _, id := range sortedKeys(resp.Body) {
		id := id
		html := resp.Body[id]
		p.queue.Add(queueName, func() { p.applyBody(id, html, info, queueName) }, 0)
	}
	if resp.Foot != "" {
		p.queue.Add(queueName, func() { p.installFragment(resp.Foot, queueName) }, 0)
	}
	p.queue.Add(queueName, func() {
		p.applyScroll(info)
		if done != nil {
			done(nil)
		}
	}, 0)

	p.queue.Run(queueName, false)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// installFragment extracts script/style/link elements from an html
// fragment (head or foot), installs preconnect links and styles
// immediately, then suspends the queue, installs scripts (sequentially
// for non-async, concurrently for async) and resumes on completion.
func (p *Processor) installFragment(fragment, queueName string) {
	ext := spfproto.Extract(fragment)

	for _, lk := range ext.Links {
		if lk.Rel == "spf-preconnect" {
			_, _ = p.page.Eval(fmt.Sprintf(`(function(){var l=document.createElement('link');l.rel='preconnect';l.href=%q;document.head.appendChild(l);})()`, lk.Href))
		}
	}
	for _, st := range ext.Styles {
		if st.Text != "" {
			_, _ = p.page.Eval(fmt.Sprintf(`(function(){var s=document.createElement('style');s.textContent=%q;document.head.appendChild(s);})()`, st.Text))
		}
	}
	for _, lk := range ext.Links {
		if lk.Rel == "stylesheet" {
			_ = p.loader.Load(resource.Style, lk.Href, lk.Name, nil)
		}
	}

	if len(ext.Scripts) == 0 {
		return
	}
	p.queue.Suspend(queueName)
	p.installScripts(ext.Scripts, func() {
		p.queue.Resume(queueName, false)
	})
}

// installScripts loads non-async scripts strictly sequentially
// (next-on-load) and async scripts in parallel, invoking done once every
// script has loaded.
func (p *Processor) installScripts(scripts []spfproto.ScriptTag, done func()) {
	var async, sync []spfproto.ScriptTag
	for _, s := range scripts {
		if s.Async {
			async = append(async, s)
		} else {
			sync = append(sync, s)
		}
	}

	remaining := len(async)
	if remaining == 0 {
		p.installSyncChain(sync, done)
		return
	}
	finishedSync := false
	checkDone := func() {
		if finishedSync && remaining == 0 && done != nil {
			done()
		}
	}
	for _, s := range async {
		s := s
		if s.Inline {
			p.evalInlineScript(s.Text)
			remaining--
			continue
		}
		_ = p.loader.Load(resource.Script, s.Src, s.Name, func() {
			remaining--
			checkDone()
		})
	}
	p.installSyncChain(sync, func() {
		finishedSync = true
		checkDone()
	})
}

func (p *Processor) installSyncChain(scripts []spfproto.ScriptTag, done func()) {
	if len(scripts) == 0 {
		if done != nil {
			done()
		}
		return
	}
	head := scripts[0]
	rest := scripts[1:]
	if head.Inline {
		p.evalInlineScript(head.Text)
		p.installSyncChain(rest, done)
		return
	}
	_ = p.loader.Load(resource.Script, head.Src, head.Name, func() {
		p.installSyncChain(rest, done)
	})
}

func (p *Processor) evalInlineScript(code string) {
	if _, err := p.page.Eval(fmt.Sprintf(`(function(){%s})()`, code)); err != nil {
		slog.Warn("inline script eval failed", "err", err)
	}
}

func (p *Processor) applyAttrs(attrs map[string]map[string]string) {
	for id, kv := range attrs {
		for k, v := range kv {
			js := fmt.Sprintf(`(function(){var el=document.getElementById(%q); if(el) el.setAttribute(%q, %q);})()`, id, k, v)
			if _, err := p.page.Eval(js); err != nil {
				slog.Warn("attr apply failed", "id", id, "attr", k, "err", err)
			}
		}
	}
}

// applyBody replaces the innerHTML of element id with the extracted
// residual HTML of fragmentHTML, installing styles/scripts through the
// same suspend/resume pattern as installFragment, and runs the
// transition animation when fragmentHasAnimationClass finds
// AnimationClass in fragmentHTML; the class of the live element id is
// not consulted.
// queueName is the main "process ${url}" queue this task is itself
// running on; it is suspended (not just the element's own animate
// sub-queue) so the terminal completion task cannot fire before this
// body's scripts finish loading.
func (p *Processor) applyBody(id, fragmentHTML string, info *navinfo.Info, queueName string) {
	if !info.History && info.Position == nil && !info.Scrolled {
		p.scrollTop()
		info.Scrolled = true
	}

	ext := spfproto.Extract(fragmentHTML)
	for _, st := range ext.Styles {
		if st.Text != "" {
			_, _ = p.page.Eval(fmt.Sprintf(`(function(){var s=document.createElement('style');s.textContent=%q;document.head.appendChild(s);})()`, st.Text))
		}
	}
	for _, lk := range ext.Links {
		if lk.Rel == "stylesheet" {
			_ = p.loader.Load(resource.Style, lk.Href, lk.Name, nil)
		}
	}

	if p.fragmentHasAnimationClass(fragmentHTML) {
		p.runAnimation(id, ext.HTML, info)
	} else {
		js := fmt.Sprintf(`(function(){var el=document.getElementById(%q); if(el) el.innerHTML=%q;})()`, id, ext.HTML)
		if _, err := p.page.Eval(js); err != nil {
			slog.Warn("body replace failed", "id", id, "err", err)
		}
	}

	if len(ext.Scripts) > 0 {
		p.queue.Suspend(queueName)
		p.installScripts(ext.Scripts, func() {
			p.queue.Resume(queueName, false)
		})
	}
}

// fragmentHasAnimationClass parses the fragment (a string, not the live
// DOM) with goquery and checks the class attribute of the first element,
// in document order, that carries one; other elements are not checked — the
// fragment is still plain HTML text at this point, goquery's natural
// domain, unlike the rest of this package which manipulates the live
// page through Eval.
func (p *Processor) fragmentHasAnimationClass(fragmentHTML string) bool {
	if p.cfg.AnimationClass == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragmentHTML))
	if err != nil {
		return false
	}
	found := false
	doc.Find("[class]").First().Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		for _, c := range strings.Fields(class) {
			if c == p.cfg.AnimationClass {
				found = true
			}
		}
	})
	return found
}

// runAnimation runs the three-step animation sub-queue for element id:
// insert new content beside the old one and add start/from/to classes
// (0ms), swap start→end classes to trigger the CSS transition (one
// frame, 17ms), then move the new content into the original element,
// remove the temporary container and clean the animation classes
// (AnimationDuration).
func (p *Processor) runAnimation(id, newHTML string, info *navinfo.Info) {
	queueName := taskqueue.Key(id)
	containerID := id + "-spf-new"
	insertFn := "insertBefore"
	if !info.Reverse {
		insertFn = "insertAfter"
	}

	p.queue.Add(queueName, func() {
		js := fmt.Sprintf(`(function(){
			var el = document.getElementById(%q);
			if (!el) return;
			var nc = document.createElement('div');
			nc.id = %q; nc.className = 'spf-animation-start spf-animation-to'; nc.innerHTML = %q;
			if (%q === 'insertBefore') { el.parentNode.insertBefore(nc, el); }
			else { el.parentNode.insertBefore(nc, el.nextSibling); }
			el.className += ' spf-animation-start spf-animation-from';
		})()`, id, containerID, newHTML, insertFn)
		if _, err := p.page.Eval(js); err != nil {
			slog.Warn("animation step 1 failed", "id", id, "err", err)
		}
	}, 0)

	p.queue.Add(queueName, func() {
		js := fmt.Sprintf(`(function(){
			var nc = document.getElementById(%q);
			var old = document.getElementById(%q);
			if (nc) nc.className = nc.className.replace('spf-animation-start', 'spf-animation-end');
			if (old) old.className = old.className.replace('spf-animation-start', 'spf-animation-end');
		})()`, containerID, id)
		if _, err := p.page.Eval(js); err != nil {
			slog.Warn("animation step 2 failed", "id", id, "err", err)
		}
	}, 17*time.Millisecond)

	p.queue.Add(queueName, func() {
		js := fmt.Sprintf(`(function(){
			var nc = document.getElementById(%q);
			var old = document.getElementById(%q);
			if (old && nc) old.innerHTML = nc.innerHTML;
			if (nc && nc.parentNode) nc.parentNode.removeChild(nc);
			if (old) old.className = old.className.replace(/spf-animation-\S+/g, '').trim();
		})()`, containerID, id)
		if _, err := p.page.Eval(js); err != nil {
			slog.Warn("animation step 3 failed", "id", id, "err", err)
		}
	}, p.cfg.AnimationDuration)

	p.queue.Run(queueName, false)
}

// scrollTop scrolls the viewport to (0,0).
func (p *Processor) scrollTop() {
	_, _ = p.page.Eval(`window.scrollTo(0, 0)`)
}

// applyScroll runs the final scroll decision after all tasks for this
// navigation have completed: an explicit Position wins, then a URL hash
// target, then (0,0) if nothing has scrolled yet.
func (p *Processor) applyScroll(info *navinfo.Info) {
	if info.Position != nil {
		_, _ = p.page.Eval(fmt.Sprintf(`window.scrollTo(%d, %d)`, info.Position[0], info.Position[1]))
		info.Scrolled = true
		return
	}
	if hash := hashFragment(info.Current); hash != "" {
		js := fmt.Sprintf(`(function(){var el=document.getElementById(%q); if (el) { el.scrollIntoView(); return true; } return false;})()`, hash)
		res, err := p.page.Eval(js)
		if err == nil && res != nil && res.Value.Bool() {
			info.Scrolled = true
			return
		}
	}
	if !info.Scrolled {
		p.scrollTop()
		info.Scrolled = true
	}
}

func hashFragment(url string) string {
	if i := strings.IndexByte(url, '#'); i >= 0 {
		return url[i+1:]
	}
	return ""
}
