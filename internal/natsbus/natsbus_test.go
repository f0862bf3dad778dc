package natsbus

import (
	"testing"
	"time"

	"github.com/fenwick-ops/conductor/internal/config"
	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestBusStartStop(t *testing.T) {
	bus := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestConnectPubSub(t *testing.T) {
	bus := newTestBus(t)

	conn, err := bus.Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	received := make(chan string, 1)
	if _, err := conn.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	}); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := conn.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	_ = conn.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestBridgeAttachForwardsWireEventsToBus(t *testing.T) {
	bus := newTestBus(t)

	conn, err := bus.Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	events := eventbus.New(nil)
	br := NewBridge(conn, events, nil)
	defer br.Detach("agent-1")

	if err := br.Attach("agent-1"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	received := make(chan map[string]interface{}, 1)
	events.Subscribe("agent:ready", func(_ string, payload interface{}) {
		received <- payload.(map[string]interface{})
	})

	pub, err := bus.Connect()
	if err != nil {
		t.Fatalf("connect publisher: %v", err)
	}
	defer pub.Close()
	if err := pub.Publish(SubjectAgentReady("agent-1"), []byte(`{"agentId":"agent-1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case p := <-received:
		if p["agentId"] != "agent-1" {
			t.Errorf("expected agentId agent-1, got %v", p["agentId"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for bridged event")
	}
}

func TestBridgeDispatchTaskPublishesToWireSubject(t *testing.T) {
	bus := newTestBus(t)

	conn, err := bus.Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	sub, err := conn.SubscribeSync(SubjectTaskAssigned("agent-1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	br := NewBridge(conn, eventbus.New(nil), nil)
	if err := br.DispatchTask("agent-1", "wf/t1", map[string]interface{}{"x": 1}); err != nil {
		t.Fatalf("dispatch task: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected wire message, got error: %v", err)
	}
	if len(msg.Data) == 0 {
		t.Fatal("expected non-empty dispatch payload")
	}
}

func TestTopicNames(t *testing.T) {
	if got := SubjectAgentReady("a1"); got != "agent.a1.ready" {
		t.Errorf("expected agent.a1.ready, got %s", got)
	}
	if got := SubjectAgentHeartbeat("a1"); got != "agent.a1.heartbeat" {
		t.Errorf("expected agent.a1.heartbeat, got %s", got)
	}
	if got := SubjectTaskAssigned("a1"); got != "agent.a1.task.assigned" {
		t.Errorf("expected agent.a1.task.assigned, got %s", got)
	}
	if got := SubjectTaskResult("a1"); got != "agent.a1.task.result" {
		t.Errorf("expected agent.a1.task.result, got %s", got)
	}
}
