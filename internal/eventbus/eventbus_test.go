package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)

	var got interface{}
	cancel := b.Subscribe("agent:ready", func(_ string, payload interface{}) {
		got = payload
	})
	defer cancel()

	b.Publish("agent:ready", map[string]string{"agentId": "a1"})

	if got == nil {
		t.Fatal("expected handler to receive payload")
	}
	m, ok := got.(map[string]string)
	if !ok || m["agentId"] != "a1" {
		t.Errorf("unexpected payload: %v", got)
	}
}

func TestSubscribeOnceFiresOnce(t *testing.T) {
	b := New(nil)

	count := 0
	b.SubscribeOnce("task:completed", func(_ string, _ interface{}) {
		count++
	})

	b.Publish("task:completed", nil)
	b.Publish("task:completed", nil)

	if count != 1 {
		t.Errorf("expected handler to fire exactly once, got %d", count)
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	b := New(nil)

	count := 0
	cancel := b.Subscribe("x", func(_ string, _ interface{}) { count++ })
	b.Publish("x", nil)
	cancel()
	b.Publish("x", nil)

	if count != 1 {
		t.Errorf("expected 1 delivery before cancel, got %d", count)
	}
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	b := New(nil)

	var secondCalled bool
	b.Subscribe("x", func(_ string, _ interface{}) { panic("boom") })
	b.Subscribe("x", func(_ string, _ interface{}) { secondCalled = true })

	b.Publish("x", nil)

	if !secondCalled {
		t.Error("expected second handler to run despite first handler panicking")
	}
}

func TestStatsCountsPublishes(t *testing.T) {
	b := New(nil)

	b.Publish("agent:heartbeat", nil)
	b.Publish("agent:heartbeat", nil)
	b.Publish("agent:heartbeat", nil)

	st := b.Stats("agent:heartbeat")
	if st.Count != 3 {
		t.Errorf("expected count 3, got %d", st.Count)
	}
	if st.LastEmitted.IsZero() {
		t.Error("expected LastEmitted to be set")
	}
}

func TestAwaitEventMatchesPredicate(t *testing.T) {
	b := New(nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Publish("task:completed", map[string]string{"taskId": "other"})
		b.Publish("task:completed", map[string]string{"taskId": "t1"})
	}()

	payload, err := b.AwaitEvent(context.Background(), "task:completed", func(p interface{}) bool {
		m, ok := p.(map[string]string)
		return ok && m["taskId"] == "t1"
	}, time.Second)
	if err != nil {
		t.Fatalf("AwaitEvent: %v", err)
	}
	m := payload.(map[string]string)
	if m["taskId"] != "t1" {
		t.Errorf("unexpected match: %v", m)
	}
}

func TestAwaitEventTimesOut(t *testing.T) {
	b := New(nil)

	_, err := b.AwaitEvent(context.Background(), "nothing:ever", nil, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
