// Package taskqueue implements the named, ordered task buffers that
// serialize asynchronous DOM and script work. Each queue drains its
// tasks strictly in order; a task may suspend its own queue mid-flight
// to perform out-of-band asynchronous work (typically a script load)
// and resume it on completion — the only legitimate suspension point.
package taskqueue

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/use-agent/spfnav/metrics"
)

type task struct {
	id    uint64
	fn    func()
	delay time.Duration
}

type queue struct {
	name      string
	mu        sync.Mutex
	buf       []task
	suspended bool
	draining  bool
	timer     *time.Timer
}

// Manager owns the process-wide queue-name → buffer map. The zero value
// is not usable; construct one with New.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queue
	nextID atomic.Uint64
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{queues: make(map[string]*queue)}
}

func (m *Manager) get(name string, create bool) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok && create {
		q = &queue{name: name}
		m.queues[name] = q
	}
	return q
}

// Add appends a task to the named queue, creating it if necessary, and
// returns a monotonic id. It does not itself start draining; call Run.
func (m *Manager) Add(name string, fn func(), delay time.Duration) uint64 {
	q := m.get(name, true)
	id := m.nextID.Add(1)
	q.mu.Lock()
	q.buf = append(q.buf, task{id: id, fn: fn, delay: delay})
	depth := len(q.buf)
	q.mu.Unlock()
	metrics.TaskQueueDepth.WithLabelValues(queueKind(name)).Set(float64(depth))
	return id
}

// queueKind maps a queue name to the bounded label value used by
// metrics.TaskQueueDepth: the name's first space-separated token, e.g.
// "process https://x/y" -> "process", "animate el-3" -> "animate".
func queueKind(name string) string {
	if i := strings.IndexByte(name, ' '); i >= 0 {
		return name[:i]
	}
	return name
}

// Run drains the named queue in order. If the queue is suspended this is
// a no-op. When synchronous is true, consecutive zero-delay tasks run
// back to back on the caller's goroutine without yielding; otherwise
// each task's delay is honored with a deferred timer and the drain
// continues on the timer's goroutine.
func (m *Manager) Run(name string, synchronous bool) {
	q := m.get(name, false)
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.suspended || q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	if synchronous {
		m.drain(q, synchronous)
	} else {
		go m.drain(q, synchronous)
	}
}

func (m *Manager) drain(q *queue, synchronous bool) {
	for {
		q.mu.Lock()
		if q.suspended || len(q.buf) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		t := q.buf[0]
		q.buf = q.buf[1:]
		depth := len(q.buf)
		q.mu.Unlock()
		metrics.TaskQueueDepth.WithLabelValues(queueKind(q.name)).Set(float64(depth))

		if t.delay > 0 && !synchronous {
			timer := time.AfterFunc(t.delay, func() {
				t.fn()
				m.afterTask(q, synchronous)
			})
			q.mu.Lock()
			q.timer = timer
			q.mu.Unlock()
			return
		}
		if t.delay > 0 {
			time.Sleep(t.delay)
		}
		t.fn()
		if !m.afterTask(q, synchronous) {
			return
		}
	}
}

// afterTask checks whether the task just run suspended its own queue
// (by calling Suspend from within fn); it reports whether the drain
// loop should continue.
func (m *Manager) afterTask(q *queue, synchronous bool) bool {
	q.mu.Lock()
	if q.suspended {
		q.draining = false
		q.mu.Unlock()
		return false
	}
	q.mu.Unlock()
	if synchronous {
		return true
	}
	go m.drain(q, synchronous)
	return false
}

// Suspend halts the named queue after its current task returns. Intended
// to be called from inside a running task's fn.
func (m *Manager) Suspend(name string) {
	q := m.get(name, true)
	q.mu.Lock()
	q.suspended = true
	q.mu.Unlock()
}

// Resume un-suspends the named queue and re-enters the drain.
func (m *Manager) Resume(name string, synchronous bool) {
	q := m.get(name, true)
	q.mu.Lock()
	q.suspended = false
	alreadyDraining := q.draining
	q.mu.Unlock()
	if !alreadyDraining {
		m.Run(name, synchronous)
	}
}

// Cancel drops the named queue's pending tasks and aborts any pending
// delay timer. In-flight work inside a task already running cannot be
// cancelled; it runs to its natural yield point, and any Resume it
// later posts is a no-op because the queue no longer exists.
func (m *Manager) Cancel(name string) {
	m.mu.Lock()
	q, ok := m.queues[name]
	delete(m.queues, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
	}
	q.buf = nil
	q.mu.Unlock()
}

// CancelAllExcept removes every queue whose name starts with prefix,
// except keepName, aborting their pending timers.
func (m *Manager) CancelAllExcept(prefix, keepName string) {
	m.mu.Lock()
	var toCancel []string
	for name := range m.queues {
		if name != keepName && strings.HasPrefix(name, prefix) {
			toCancel = append(toCancel, name)
		}
	}
	m.mu.Unlock()
	for _, name := range toCancel {
		m.Cancel(name)
	}
}

// Key derives the deterministic animation sub-queue name for an element
// identified by elementID (a DOM node identity stand-in, e.g. a fragment
// id string).
func Key(elementID string) string {
	return "animate " + elementID
}
