package taskqueue

import (
	"sync"
	"testing"
	"time"
)

func TestRunOrdersTasksWithinQueue(t *testing.T) {
	m := New()
	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		m.Add("q", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, 0)
	}
	m.Run("q", true)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("got %d tasks run, want 5", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestSuspendResume(t *testing.T) {
	m := New()
	done := make(chan struct{})
	var ranSecond bool

	m.Add("q", func() {
		m.Suspend("q")
		go func() {
			time.Sleep(10 * time.Millisecond)
			m.Resume("q", true)
		}()
	}, 0)
	m.Add("q", func() {
		ranSecond = true
		close(done)
	}, 0)

	m.Run("q", true)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resumed queue to drain")
	}
	if !ranSecond {
		t.Fatal("second task did not run after resume")
	}
}

func TestCancelDropsQueue(t *testing.T) {
	m := New()
	ran := false
	m.Add("q", func() { ran = true }, 50*time.Millisecond)
	m.Cancel("q")
	m.Run("q", true)
	time.Sleep(80 * time.Millisecond)
	if ran {
		t.Fatal("cancelled queue's task ran")
	}
}

func TestCancelAllExcept(t *testing.T) {
	m := New()
	m.Add("process /a", func() {}, 0)
	m.Add("process /b", func() {}, 0)
	m.Add("other /a", func() {}, 0)

	m.CancelAllExcept("process ", "process /b")

	m.mu.Lock()
	_, hasA := m.queues["process /a"]
	_, hasB := m.queues["process /b"]
	_, hasOther := m.queues["other /a"]
	m.mu.Unlock()

	if hasA {
		t.Fatal("process /a should have been cancelled")
	}
	if !hasB {
		t.Fatal("process /b should have been kept")
	}
	if !hasOther {
		t.Fatal("other /a should be untouched (different prefix)")
	}
}
