package health

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fenwick-ops/conductor/internal/config"
	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/fenwick-ops/conductor/internal/model"
	"github.com/fenwick-ops/conductor/internal/registry"
	"github.com/fenwick-ops/conductor/internal/store"
)

func newTestMonitor(t *testing.T) (*Monitor, *registry.Registry, *eventbus.Bus) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bus := eventbus.New(nil)
	reg := registry.New(s, bus, 0)
	mon := New(reg, bus, Config{
		HeartbeatCheckInterval: time.Hour,
		HealthCheckInterval:    time.Hour,
		BaselineExecutionMs:    1000,
	}, nil, nil)
	return mon, reg, bus
}

func baseAgent(id string) *model.Agent {
	return &model.Agent{
		ID:     id,
		Name:   id,
		Type:   "coder",
		Status: model.AgentIdle,
		Config: model.AgentConfig{
			HeartbeatMs: 1000,
			AutoRestart: true,
		},
		Capabilities:    model.Capabilities{MaxConcurrentTasks: 2},
		LastHeartbeatAt: time.Now(),
	}
}

func TestHeartbeatTimeoutMarksErrorAndRequestsRestart(t *testing.T) {
	mon, reg, bus := newTestMonitor(t)
	a := baseAgent("a1")
	a.LastHeartbeatAt = time.Now().Add(-10 * time.Second) // well beyond 3x1s
	if err := reg.PutAgent(a); err != nil {
		t.Fatalf("put: %v", err)
	}

	var gotTimeout, gotRestart bool
	bus.Subscribe("agent:heartbeat-timeout", func(_ string, _ interface{}) { gotTimeout = true })
	bus.Subscribe("agent:restart-requested", func(_ string, _ interface{}) { gotRestart = true })

	mon.heartbeatTick()

	if !gotTimeout {
		t.Error("expected agent:heartbeat-timeout to fire")
	}
	if !gotRestart {
		t.Error("expected agent:restart-requested to fire (auto-restart enabled)")
	}

	got, err := reg.GetAgent("a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.AgentStatusError {
		t.Errorf("expected status error, got %s", got.Status)
	}
}

func TestHeartbeatFreshNoTimeout(t *testing.T) {
	mon, reg, bus := newTestMonitor(t)
	a := baseAgent("a1")
	_ = reg.PutAgent(a)

	fired := false
	bus.Subscribe("agent:heartbeat-timeout", func(_ string, _ interface{}) { fired = true })
	mon.heartbeatTick()
	if fired {
		t.Error("did not expect timeout for fresh heartbeat")
	}
}

func TestHealthTickComputesOverallAndPersists(t *testing.T) {
	mon, reg, _ := newTestMonitor(t)
	a := baseAgent("a1")
	_ = reg.PutAgent(a)

	mon.healthTick()

	got, err := reg.GetAgent("a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Health != 1.0 {
		t.Errorf("expected health 1.0 with no history/samples, got %v", got.Health)
	}
}

func TestHealthTickLowScoreRequestsRestart(t *testing.T) {
	mon, reg, bus := newTestMonitor(t)
	a := baseAgent("a1")
	a.LastHeartbeatAt = time.Now().Add(-10 * time.Second) // responsiveness = 0
	// reliability = 0; performance = 1000ms baseline / 10000ms average = 0.1;
	// overall = (0 + 0.1 + 0 + 1.0) / 4 = 0.275, below the 0.3 restart threshold.
	a.TaskHistory = []model.TaskOutcome{{Success: false, DurationMs: 10000}, {Success: false, DurationMs: 10000}, {Success: false, DurationMs: 10000}}
	_ = reg.PutAgent(a)

	var gotRestart bool
	bus.Subscribe("agent:restart-requested", func(_ string, _ interface{}) { gotRestart = true })
	mon.healthTick()

	if !gotRestart {
		t.Error("expected low health score to request a restart")
	}
}

func TestIssueSeverityBuckets(t *testing.T) {
	issues := issueIfBelow("responsiveness", 0.0, 0.5)
	if len(issues) != 1 || issues[0].Severity != model.SeverityCritical {
		t.Fatalf("expected critical for deficit ratio 1.0, got %+v", issues)
	}
	issues = issueIfBelow("responsiveness", 0.49, 0.5)
	if len(issues) != 1 || issues[0].Severity != model.SeverityLow {
		t.Fatalf("expected low for tiny deficit, got %+v", issues)
	}
	if issueIfBelow("responsiveness", 0.6, 0.5) != nil {
		t.Fatal("expected no issue when score is above threshold")
	}
}

func TestTrendClassification(t *testing.T) {
	mon, _, _ := newTestMonitor(t)
	for _, v := range []float64{0.9, 0.9, 0.5, 0.5} {
		mon.pushHistory("a1", model.HealthScore{Overall: v})
	}
	if got := mon.trend("a1"); got != model.TrendDegrading {
		t.Errorf("expected degrading, got %s", got)
	}

	mon2, _, _ := newTestMonitor(t)
	for _, v := range []float64{0.5, 0.5, 0.9, 0.9} {
		mon2.pushHistory("a1", model.HealthScore{Overall: v})
	}
	if got := mon2.trend("a1"); got != model.TrendImproving {
		t.Errorf("expected improving, got %s", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	mon, _, _ := newTestMonitor(t)
	for i := 0; i < model.MaxHealthHistory+10; i++ {
		mon.pushHistory("a1", model.HealthScore{Overall: 1.0})
	}
	if got := len(mon.History("a1")); got != model.MaxHealthHistory {
		t.Errorf("expected history capped at %d, got %d", model.MaxHealthHistory, got)
	}
}
