// Package history wraps the controlled page's pushState/replaceState/
// popState API with state-object round-tripping, so the navigation
// controller can synchronize the browser history stack without knowing
// about the underlying CDP plumbing.
package history

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/use-agent/spfnav/spferr"
)

// State is the object every pushed/replaced entry carries, per the
// navigation info contract.
type State struct {
	SPFReferer  string `json:"spf-referer"`
	SPFCurrent  string `json:"spf-current,omitempty"`
	SPFPosition []int  `json:"spf-position,omitempty"`
	SPFBack     bool   `json:"spf-back,omitempty"`
}

// OnChange is invoked with the URL and state object of a popState event.
type OnChange func(url string, state State)

// OnError is invoked when pushState/replaceState fails — typically a
// quota limit or a cross-domain URL the browser rejects.
type OnError func(err error)

// Adapter binds one controlled page's history API.
type Adapter struct {
	page *rod.Page

	mu       sync.Mutex
	bound    bool
	onChange OnChange
	onError  OnError
}

// New constructs an Adapter bound to page.
func New(page *rod.Page) *Adapter {
	return &Adapter{page: page}
}

// Init registers the popState handler. Calling Init again rebinds the
// callbacks without re-injecting the listener.
func (a *Adapter) Init(onChange OnChange, onError OnError) error {
	a.mu.Lock()
	a.onChange = onChange
	a.onError = onError
	bound := a.bound
	a.mu.Unlock()
	if bound {
		return nil
	}

	_, err := a.page.Expose("__spfHistoryChange", func(j gson.JSON) (any, error) {
		url := j.Get("url").Str()
		var st State
		if raw := j.Get("state").Raw(); raw != "" {
			_ = json.Unmarshal([]byte(raw), &st)
		}
		a.mu.Lock()
		cb := a.onChange
		a.mu.Unlock()
		if cb != nil {
			cb(url, st)
		}
		return nil, nil
	})
	if err != nil {
		return spferr.New(spferr.CodeHistory, "failed to bind popstate handler", err)
	}

	js := `window.addEventListener('popstate', function(ev){
		window.__spfHistoryChange({url: location.href, state: ev.state || {}});
	});`
	if _, err := a.page.Eval(js); err != nil {
		return spferr.New(spferr.CodeHistory, "failed to install popstate listener", err)
	}

	a.mu.Lock()
	a.bound = true
	a.mu.Unlock()
	return nil
}

// Add pushes a new history entry.
func (a *Adapter) Add(url string, state State) error {
	return a.push("pushState", url, state)
}

// Replace replaces the current history entry. doCallback, when true,
// invokes onChange synchronously after the replace (pushState/replaceState
// do not themselves fire popstate); skipUrl, when true, keeps the
// browser's current URL and only swaps the state object.
func (a *Adapter) Replace(url string, state State, doCallback, skipUrl bool) error {
	target := url
	if skipUrl {
		target = ""
	}
	if err := a.push("replaceState", target, state); err != nil {
		return err
	}
	if doCallback {
		a.mu.Lock()
		cb := a.onChange
		a.mu.Unlock()
		if cb != nil {
			cb(url, state)
		}
	}
	return nil
}

func (a *Adapter) push(method, url string, state State) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		a.fail(err)
		return spferr.New(spferr.CodeHistory, "state object failed to serialize", err)
	}

	var js string
	if url == "" {
		js = fmt.Sprintf(`history.%s(%s, '')`, method, string(stateJSON))
	} else {
		js = fmt.Sprintf(`history.%s(%s, '', %q)`, method, string(stateJSON), url)
	}
	if _, err := a.page.Eval(js); err != nil {
		a.fail(err)
		return spferr.New(spferr.CodeHistory, method+" failed", err)
	}
	return nil
}

func (a *Adapter) fail(err error) {
	a.mu.Lock()
	cb := a.onError
	a.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
