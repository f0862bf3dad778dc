package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fenwick-ops/conductor/internal/cerrors"
	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/nats-io/nats.go"
)

// Bridge relays messages an externally-spawned agent process publishes
// over NATS onto the in-process Event Bus using its colon-form topics,
// and relays task dispatches the other way. It owns the wire connection
// outright rather than going through a general-purpose pub/sub client:
// every subject it ever touches is one of the agent.<id>.* subjects
// defined in topics.go.
type Bridge struct {
	conn *nats.Conn
	bus  *eventbus.Bus
	log  *slog.Logger

	mu   sync.Mutex
	subs map[string][]*nats.Subscription // agentID -> wire subscriptions
}

func NewBridge(conn *nats.Conn, bus *eventbus.Bus, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{conn: conn, bus: bus, log: log, subs: make(map[string][]*nats.Subscription)}
}

// Attach subscribes to the wire subjects for agentID and forwards decoded
// payloads onto the Event Bus. Call once per agent before its process is
// spawned, so its first wire messages are not missed; the returned error aborts attachment entirely on first
// subscribe failure. Safe to call again after Detach for the same agentID.
func (br *Bridge) Attach(agentID string) error {
	const op = "natsbus.Bridge.Attach"
	var subs []*nats.Subscription

	plain := []struct {
		subject string
		topic   string
	}{
		{SubjectAgentReady(agentID), "agent:ready"},
		{SubjectAgentHeartbeat(agentID), "agent:heartbeat"},
		{SubjectAgentError(agentID), "agent:error"},
	}
	for _, f := range plain {
		topic := f.topic
		sub, err := br.conn.Subscribe(f.subject, func(msg *nats.Msg) {
			var payload map[string]interface{}
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				br.log.Warn("natsbus: bridge decode failed", "subject", msg.Subject, "err", err)
				return
			}
			br.bus.Publish(topic, payload)
		})
		if err != nil {
			br.unsubscribeAll(subs)
			return cerrors.E(op, cerrors.BackendUnavailable, fmt.Errorf("subscribe %s: %w", f.subject, err))
		}
		subs = append(subs, sub)
	}

	// task:result carries either a success or failure outcome; the wire
	// payload's "status" field picks which colon-form topic it becomes.
	resultSubject := SubjectTaskResult(agentID)
	resultSub, err := br.conn.Subscribe(resultSubject, func(msg *nats.Msg) {
		var payload map[string]interface{}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			br.log.Warn("natsbus: bridge decode failed", "subject", msg.Subject, "err", err)
			return
		}
		topic := "task:completed"
		if status, _ := payload["status"].(string); status == "failed" {
			topic = "task:failed"
		}
		br.bus.Publish(topic, payload)
	})
	if err != nil {
		br.unsubscribeAll(subs)
		return cerrors.E(op, cerrors.BackendUnavailable, fmt.Errorf("subscribe %s: %w", resultSubject, err))
	}
	subs = append(subs, resultSub)

	br.mu.Lock()
	br.subs[agentID] = subs
	br.mu.Unlock()
	return nil
}

func (br *Bridge) unsubscribeAll(subs []*nats.Subscription) {
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

// Detach unsubscribes every wire subscription installed for agentID.
func (br *Bridge) Detach(agentID string) {
	br.mu.Lock()
	subs := br.subs[agentID]
	delete(br.subs, agentID)
	br.mu.Unlock()
	br.unsubscribeAll(subs)
}

func (br *Bridge) publishJSON(op, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return cerrors.E(op, cerrors.InvalidArgument, fmt.Errorf("marshal: %w", err))
	}
	if err := br.conn.Publish(subject, data); err != nil {
		return cerrors.E(op, cerrors.BackendUnavailable, fmt.Errorf("publish %s: %w", subject, err))
	}
	return nil
}

// DispatchTask publishes a task:assigned payload to the agent process
// over its wire subject.
func (br *Bridge) DispatchTask(agentID, taskID string, input map[string]interface{}) error {
	return br.publishJSON("natsbus.Bridge.DispatchTask", SubjectTaskAssigned(agentID), map[string]interface{}{
		"agentId": agentID,
		"taskId":  taskID,
		"input":   input,
	})
}

// DispatchCancel asks agentID's process to abort taskID. Cancellation and
// timeout share this one wire path; the process contract distinguishes
// them by whatever deadline it was already tracking on its side.
func (br *Bridge) DispatchCancel(agentID, taskID string) error {
	return br.publishJSON("natsbus.Bridge.DispatchCancel", SubjectTaskCancel(agentID), map[string]interface{}{
		"agentId": agentID,
		"taskId":  taskID,
	})
}
