package pool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fenwick-ops/conductor/internal/config"
	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/fenwick-ops/conductor/internal/lifecycle"
	"github.com/fenwick-ops/conductor/internal/model"
	"github.com/fenwick-ops/conductor/internal/registry"
	"github.com/fenwick-ops/conductor/internal/store"
)

// fakeLifecycle creates agent records directly in the registry without a
// real Supervisor, so the Pool Controller can be tested against realistic
// membership/state without Docker.
type fakeLifecycle struct {
	mu     sync.Mutex
	reg    *registry.Registry
	n      int
	dead   map[string]bool
	failOn string // agentID that CreateAgent should fail for, for exhaustion tests
}

func newFakeLifecycle(reg *registry.Registry) *fakeLifecycle {
	return &fakeLifecycle{reg: reg, dead: make(map[string]bool)}
}

func (f *fakeLifecycle) CreateAgent(templateName string, ov lifecycle.Overrides) (string, error) {
	f.mu.Lock()
	f.n++
	id := ov.ID
	if id == "" {
		id = "gen-agent-" + string(rune('a'+f.n))
	}
	f.mu.Unlock()

	a := &model.Agent{
		ID:        id,
		Name:      id,
		Type:      templateName,
		Template:  templateName,
		Status:    model.AgentInitializing,
		PoolID:    ov.PoolID,
		Health:    1.0,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return id, f.reg.PutAgent(a)
}

func (f *fakeLifecycle) StartAgent(_ context.Context, agentID string) error {
	a, err := f.reg.GetAgent(agentID)
	if err != nil || a == nil {
		return err
	}
	a.Status = model.AgentIdle
	return f.reg.PutAgent(a)
}

func (f *fakeLifecycle) RemoveAgent(_ context.Context, agentID string) error {
	f.mu.Lock()
	f.dead[agentID] = true
	f.mu.Unlock()
	return f.reg.Delete(registry.NSAgents, agentID, true)
}

func newTestController(t *testing.T) (*Controller, *registry.Registry, *fakeLifecycle) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bus := eventbus.New(nil)
	reg := registry.New(s, bus, 0)
	lc := newFakeLifecycle(reg)
	ctrl := New(reg, lc, bus, config.PoolConfig{MaintenanceInterval: time.Hour, StaleIdleTimeout: 5 * time.Minute}, 0, nil)
	return ctrl, reg, lc
}

func TestCreatePoolStartsMinSize(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	id, err := ctrl.CreatePool(context.Background(), "workers", "coder-v1", CreateOptions{MinSize: 3, MaxSize: 5})
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	p, err := reg.GetPool(id)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if p.CurrentSize() != 3 {
		t.Fatalf("expected 3 members, got %d", p.CurrentSize())
	}
	if len(p.Available) != 3 {
		t.Fatalf("expected all 3 available, got %d", len(p.Available))
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	id, _ := ctrl.CreatePool(context.Background(), "workers", "coder-v1", CreateOptions{MinSize: 1, MaxSize: 1})

	agentID, err := ctrl.Acquire(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	p, _ := reg.GetPool(id)
	if !contains(p.Busy, agentID) || contains(p.Available, agentID) {
		t.Fatalf("expected agent busy after acquire, got available=%v busy=%v", p.Available, p.Busy)
	}

	if err := ctrl.Release(context.Background(), id, agentID); err != nil {
		t.Fatalf("release: %v", err)
	}
	p, _ = reg.GetPool(id)
	if !contains(p.Available, agentID) || contains(p.Busy, agentID) {
		t.Fatalf("expected agent available after release, got available=%v busy=%v", p.Available, p.Busy)
	}
}

func TestAcquireGrowsWhenAutoScale(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	id, _ := ctrl.CreatePool(context.Background(), "workers", "coder-v1", CreateOptions{MinSize: 0, MaxSize: 2, AutoScale: true})

	agentID, err := ctrl.Acquire(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if agentID == "" {
		t.Fatal("expected a grown agent id")
	}
	p, _ := reg.GetPool(id)
	if p.CurrentSize() != 1 {
		t.Fatalf("expected pool grew to size 1, got %d", p.CurrentSize())
	}
}

func TestAcquireTimesOutWithoutAutoScale(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	id, _ := ctrl.CreatePool(context.Background(), "workers", "coder-v1", CreateOptions{MinSize: 0, MaxSize: 1, AutoScale: false})

	_, err := ctrl.Acquire(context.Background(), id, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected NoCapacity timeout")
	}
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	id, _ := ctrl.CreatePool(context.Background(), "workers", "coder-v1", CreateOptions{MinSize: 1, MaxSize: 1})

	held, err := ctrl.Acquire(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	done := make(chan string, 1)
	go func() {
		agentID, err := ctrl.Acquire(context.Background(), id, time.Second)
		if err != nil {
			done <- ""
			return
		}
		done <- agentID
	}()

	time.Sleep(20 * time.Millisecond)
	if err := ctrl.Release(context.Background(), id, held); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case agentID := <-done:
		if agentID != held {
			t.Fatalf("expected waiter to receive %s, got %s", held, agentID)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}
}

func TestConcurrentAcquiresGetDistinctAgents(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	id, _ := ctrl.CreatePool(context.Background(), "workers", "coder-v1", CreateOptions{MinSize: 3, MaxSize: 3})

	var wg sync.WaitGroup
	results := make(chan string, 3)
	start := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			agentID, err := ctrl.Acquire(context.Background(), id, time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			results <- agentID
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for agentID := range results {
		if seen[agentID] {
			t.Fatalf("agent %s handed out to more than one concurrent acquire call", agentID)
		}
		seen[agentID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct agent ids, got %d", len(seen))
	}
}

func TestScalePoolUpAndDown(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	id, _ := ctrl.CreatePool(context.Background(), "workers", "coder-v1", CreateOptions{MinSize: 1, MaxSize: 5})

	if err := ctrl.ScalePool(context.Background(), id, 3); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	p, _ := reg.GetPool(id)
	if p.CurrentSize() != 3 {
		t.Fatalf("expected size 3, got %d", p.CurrentSize())
	}

	if err := ctrl.ScalePool(context.Background(), id, 1); err != nil {
		t.Fatalf("scale down: %v", err)
	}
	p, _ = reg.GetPool(id)
	if p.CurrentSize() != 1 {
		t.Fatalf("expected size 1, got %d", p.CurrentSize())
	}
}

func TestScalePoolRejectsOutOfBounds(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	id, _ := ctrl.CreatePool(context.Background(), "workers", "coder-v1", CreateOptions{MinSize: 1, MaxSize: 2})

	if err := ctrl.ScalePool(context.Background(), id, 5); err == nil {
		t.Fatal("expected InvalidArgument for target above maxSize")
	}
	if err := ctrl.ScalePool(context.Background(), id, 0); err == nil {
		t.Fatal("expected InvalidArgument for target below minSize")
	}
}

func TestMaintenanceReplenishesMinSize(t *testing.T) {
	ctrl, reg, lc := newTestController(t)
	id, _ := ctrl.CreatePool(context.Background(), "workers", "coder-v1", CreateOptions{MinSize: 2, MaxSize: 4})

	p, _ := reg.GetPool(id)
	dead := p.Available[0]
	_ = lc.RemoveAgent(context.Background(), dead)
	p.Remove(dead)
	_ = reg.PutPool(p)

	ctrl.maintainAll(context.Background())

	p, _ = reg.GetPool(id)
	if p.CurrentSize() != 2 {
		t.Fatalf("expected replenishment back to minSize 2, got %d", p.CurrentSize())
	}
}

func TestMaintenanceRemovesDeadAgents(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	id, _ := ctrl.CreatePool(context.Background(), "workers", "coder-v1", CreateOptions{MinSize: 1, MaxSize: 2})

	p, _ := reg.GetPool(id)
	deadID := p.Available[0]
	a, _ := reg.GetAgent(deadID)
	a.Status = model.AgentTerminated
	_ = reg.PutAgent(a)

	ctrl.maintainAll(context.Background())

	p, _ = reg.GetPool(id)
	if contains(p.Available, deadID) || contains(p.Busy, deadID) {
		t.Fatalf("expected dead agent removed from membership, got available=%v busy=%v", p.Available, p.Busy)
	}
}

func TestEvaluateScalingFiresAtMostOneRule(t *testing.T) {
	ctrl, reg, _ := newTestController(t)
	id, err := ctrl.CreatePool(context.Background(), "workers", "coder-v1", CreateOptions{
		MinSize: 1, MaxSize: 5, AutoScale: true, Cooldown: time.Hour,
		Rules: []ScaleRule{
			{Metric: MetricUtilization, Comparison: CompareGTE, Threshold: 0.5, Action: ScaleUp, Amount: 2},
			{Metric: MetricUtilization, Comparison: CompareGTE, Threshold: 0.0, Action: ScaleUp, Amount: 10},
		},
	})
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	// Force utilization to 1.0 by acquiring the only member.
	if _, err := ctrl.Acquire(context.Background(), id, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctrl.evaluateScalingAll(context.Background())

	p, _ := reg.GetPool(id)
	if p.CurrentSize() != 3 {
		t.Fatalf("expected only the first matching rule to fire (1+2=3), got %d", p.CurrentSize())
	}
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
