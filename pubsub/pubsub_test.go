package pubsub

import "testing"

func TestPublishDeliversInOrder(t *testing.T) {
	m := New()
	var order []int
	m.Subscribe("t", func(detail any) { order = append(order, 1) })
	m.Subscribe("t", func(detail any) { order = append(order, 2) })
	m.Subscribe("t", func(detail any) { order = append(order, 3) })

	m.Publish("t", nil)

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestUnsubscribeSkipsCallback(t *testing.T) {
	m := New()
	var called bool
	tok := m.Subscribe("t", func(detail any) { called = true })
	m.Unsubscribe("t", tok)
	m.Publish("t", nil)
	if called {
		t.Fatal("unsubscribed callback was invoked")
	}
}

func TestPanicAbortsRemainder(t *testing.T) {
	m := New()
	var secondCalled bool
	m.Subscribe("t", func(detail any) { panic("boom") })
	m.Subscribe("t", func(detail any) { secondCalled = true })

	m.Publish("t", nil) // must not panic out of Publish

	if secondCalled {
		t.Fatal("subscriber after a panicking one should not run")
	}
}

func TestClearTopic(t *testing.T) {
	m := New()
	var called bool
	m.Subscribe("t", func(detail any) { called = true })
	m.Clear("t")
	m.Publish("t", nil)
	if called {
		t.Fatal("cleared topic still delivered")
	}
}
