// Package scriptdeps maintains named scripts, their declared dependency
// graph, and "ready" barriers over the resource loader.
package scriptdeps

import (
	"sync"

	"github.com/use-agent/spfnav/pubsub"
	"github.com/use-agent/spfnav/resource"
)

// Manager owns the process-wide name→deps and name→url maps.
type Manager struct {
	loader *resource.Loader
	pubsub *pubsub.Manager

	mu     sync.Mutex
	deps   map[string][]string // name -> declared dependency names
	urlMap map[string]string   // name -> script URL
	done   map[string]bool     // synthetic readiness via Done(name)
}

// New constructs a Manager bound to loader, sharing the NavContext's
// pubsub manager so "names N are all ready" notifications compose with
// the rest of the pipeline's topics.
func New(loader *resource.Loader, ps *pubsub.Manager) *Manager {
	return &Manager{
		loader: loader,
		pubsub: ps,
		deps:   make(map[string][]string),
		urlMap: make(map[string]string),
		done:   make(map[string]bool),
	}
}

// Declare merges deps (name -> dependency name or names) and urls
// (name -> script URL) into the process-wide maps.
func (m *Manager) Declare(deps map[string][]string, urls map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ds := range deps {
		m.deps[name] = append(m.deps[name], ds...)
	}
	for name, url := range urls {
		m.urlMap[name] = url
	}
}

// Load loads url and associates it with name, invoking cb on completion.
func (m *Manager) Load(url, name string, cb func()) error {
	m.mu.Lock()
	m.urlMap[name] = url
	m.mu.Unlock()
	return m.loader.Load(resource.Script, url, name, func() {
		m.markDone(name)
		if cb != nil {
			cb()
		}
	})
}

func (m *Manager) markDone(name string) {
	m.mu.Lock()
	m.done[name] = true
	m.mu.Unlock()
	m.pubsub.Publish(readyTopic(name), nil)
}

// Done marks name as ready synthetically, for scripts that are not
// themselves resource-loaded but whose readiness other names depend on.
func (m *Manager) Done(name string) {
	m.markDone(name)
}

func readyTopic(name string) string { return "ready " + name }

func (m *Manager) isLoaded(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done[name] {
		return true
	}
	url, ok := m.urlMap[name]
	if !ok {
		return false
	}
	return m.loader.IsLoaded(resource.Script, url)
}

// Ready invokes cb once every name in names is loaded. If a name is
// unknown (no declared deps or url) and requireCb is non-nil, requireCb
// is invoked with the unknown names so the caller can lazily declare
// them; Ready is not retried automatically afterward.
func (m *Manager) Ready(names []string, cb func(), requireCb func(unknown []string)) {
	var unknown []string
	m.mu.Lock()
	for _, n := range names {
		_, hasDeps := m.deps[n]
		_, hasURL := m.urlMap[n]
		if !hasDeps && !hasURL && !m.done[n] {
			unknown = append(unknown, n)
		}
	}
	m.mu.Unlock()

	if len(unknown) > 0 && requireCb != nil {
		requireCb(unknown)
	}

	remaining := len(names)
	if remaining == 0 {
		if cb != nil {
			cb()
		}
		return
	}
	var once sync.Once
	var mu sync.Mutex
	for _, n := range names {
		n := n
		if m.isLoaded(n) {
			mu.Lock()
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done && cb != nil {
				once.Do(cb)
			}
			continue
		}
		m.pubsub.Subscribe(readyTopic(n), func(any) {
			mu.Lock()
			remaining--
			done := remaining == 0
			mu.Unlock()
			if done && cb != nil {
				once.Do(cb)
			}
		})
	}
}

// ResolveOrder performs a depth-first post-order traversal of deps
// starting from names, returning each name at most once in the order its
// dependencies must load: dependencies before dependents. A visited set
// prevents infinite recursion on cyclic declarations — cycles are not an
// error, each name is merely scheduled at most once.
func ResolveOrder(names []string, deps map[string][]string) []string {
	visited := make(map[string]bool)
	var order []string
	var walk func(name string)
	walk = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		for _, d := range deps[name] {
			walk(d)
		}
		order = append(order, name)
	}
	for _, n := range names {
		walk(n)
	}
	return order
}

// Require transitively resolves the dependency graph for names, then
// loads each leaf in dependency order. Its UnloadSupersededExcept call
// passes the URL currently declared for the name, so it removes nothing;
// older scripts under the same name are removed by the resource loader's
// name-grouped switch once the new script has loaded.
func (m *Manager) Require(names []string, cb func()) {
	m.mu.Lock()
	depsCopy := make(map[string][]string, len(m.deps))
	for k, v := range m.deps {
		depsCopy[k] = append([]string(nil), v...)
	}
	m.mu.Unlock()
	leaves := ResolveOrder(names, depsCopy)

	for _, n := range leaves {
		m.mu.Lock()
		url, ok := m.urlMap[n]
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.UnloadSupersededExcept(n, url)
		_ = m.Load(url, n, nil)
	}
	m.Ready(leaves, cb, nil)
}

// UnloadSupersededExcept removes any previously loaded element under name
// whose url differs from keepURL — the "switch versions" step Require
// performs before loading the current leaf.
func (m *Manager) UnloadSupersededExcept(name, keepURL string) {
	m.mu.Lock()
	prevURL, ok := m.urlMap[name]
	m.mu.Unlock()
	if ok && prevURL != "" && prevURL != keepURL {
		m.loader.Unload(resource.Script, prevURL)
	}
}

// Unrequire unloads name and every name that declared it as a dependency.
func (m *Manager) Unrequire(names []string) {
	toUnload := make(map[string]bool)
	for _, n := range names {
		toUnload[n] = true
	}
	m.mu.Lock()
	for name, deps := range m.deps {
		for _, d := range deps {
			if toUnload[d] {
				toUnload[name] = true
			}
		}
	}
	m.mu.Unlock()
	for name := range toUnload {
		m.mu.Lock()
		url, ok := m.urlMap[name]
		delete(m.done, name)
		m.mu.Unlock()
		if ok {
			m.loader.Unload(resource.Script, url)
		}
	}
}
