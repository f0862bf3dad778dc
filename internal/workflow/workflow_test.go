package workflow

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fenwick-ops/conductor/internal/config"
	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/fenwick-ops/conductor/internal/model"
	"github.com/fenwick-ops/conductor/internal/registry"
	"github.com/fenwick-ops/conductor/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *registry.Registry, *eventbus.Bus) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	bus := eventbus.New(nil)
	reg := registry.New(s, bus, 0)
	cfg := config.WorkflowConfig{
		DefaultMaxConcurrency: 1,
		DispatchPollInterval:  10 * time.Millisecond,
		RetryBase:             10 * time.Millisecond,
		RetryCap:              50 * time.Millisecond,
		RetryJitter:           0,
		CancelGrace:           50 * time.Millisecond,
	}
	e := New(reg, bus, cfg, nil)
	return e, reg, bus
}

func seedAgent(t *testing.T, reg *registry.Registry, id string, caps []string) {
	t.Helper()
	a := &model.Agent{
		ID:     id,
		Name:   id,
		Type:   "worker",
		Status: model.AgentIdle,
		Capabilities: model.Capabilities{
			Languages:          caps,
			MaxConcurrentTasks: 4,
		},
		Health:    1.0,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := reg.PutAgent(a); err != nil {
		t.Fatalf("seed agent %s: %v", id, err)
	}
}

// autoComplete makes every task:assigned publish immediately answer with a
// task:completed for the same dispatch id, simulating a well-behaved agent
// process without any wire transport.
func autoComplete(bus *eventbus.Bus, fail map[string]bool) func() {
	return bus.Subscribe("task:assigned", func(_ string, payload interface{}) {
		p := payload.(map[string]interface{})
		dispatchID := p["taskId"].(string)
		agentID := p["agentId"].(string)
		go func() {
			if fail[dispatchID] {
				bus.Publish("task:failed", map[string]interface{}{
					"agentId": agentID,
					"taskId":  dispatchID,
					"error":   "boom",
				})
				return
			}
			bus.Publish("task:completed", map[string]interface{}{
				"agentId": agentID,
				"taskId":  dispatchID,
				"output":  map[string]interface{}{"ok": true},
			})
		}()
	})
}

func diamondWorkflow() *model.Workflow {
	return &model.Workflow{
		Name: "diamond",
		Settings: model.WorkflowSettings{
			MaxConcurrency: 2,
			RetryPolicy:    model.RetryNone,
			FailurePolicy:  model.Continue,
		},
		Tasks: []model.Task{
			{ID: "a", Name: "a", Status: model.TaskPending, Capabilities: []string{"go"}},
			{ID: "b", Name: "b", DependsOn: []string{"a"}, Status: model.TaskPending, Capabilities: []string{"go"}},
			{ID: "c", Name: "c", DependsOn: []string{"a"}, Status: model.TaskPending, Capabilities: []string{"go"}},
			{ID: "d", Name: "d", DependsOn: []string{"b", "c"}, Status: model.TaskPending, Capabilities: []string{"go"}},
		},
	}
}

func TestRunWorkflowDiamondCompletes(t *testing.T) {
	e, _, bus := newTestEngine(t)
	seedAgent(t, e.reg, "agent-1", []string{"go"})
	seedAgent(t, e.reg, "agent-2", []string{"go"})
	autoComplete(bus, nil)

	w := diamondWorkflow()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.RunWorkflow(ctx, w); err != nil {
		t.Fatalf("run workflow: %v", err)
	}

	got, err := e.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Status != model.WorkflowCompleted {
		t.Fatalf("expected completed, got %s (error=%s)", got.Status, got.Error)
	}
	if got.Progress.Completed != 4 || got.Progress.Failed != 0 {
		t.Fatalf("unexpected progress: %+v", got.Progress)
	}
}

func TestRunWorkflowFailFastCancelsDescendants(t *testing.T) {
	e, _, bus := newTestEngine(t)
	seedAgent(t, e.reg, "agent-1", []string{"go"})
	seedAgent(t, e.reg, "agent-2", []string{"go"})

	w := diamondWorkflow()
	w.ID = "wf-failfast" // set up front so the failure key below matches the dispatch id
	w.Settings.FailurePolicy = model.FailFast
	autoComplete(bus, map[string]bool{w.ID + "/b": true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.RunWorkflow(ctx, w); err != nil {
		t.Fatalf("run workflow: %v", err)
	}

	got, err := e.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Status != model.WorkflowFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	d := got.TaskByID("d")
	if d.Status != model.TaskCancelled && d.Status != model.TaskPending {
		t.Fatalf("expected d cancelled or never dispatched, got %s", d.Status)
	}
}

func TestDispatchTransitionsTaskToRunning(t *testing.T) {
	e, _, _ := newTestEngine(t)
	seedAgent(t, e.reg, "agent-1", []string{"go"})

	w := &model.Workflow{
		Name: "running",
		Settings: model.WorkflowSettings{
			MaxConcurrency: 1,
			RetryPolicy:    model.RetryNone,
			FailurePolicy:  model.Continue,
		},
		Tasks: []model.Task{
			{ID: "a", Name: "a", Status: model.TaskPending, Capabilities: []string{"go"}, TimeoutMs: 500},
		},
	}

	// No autoComplete subscriber: the task stays dispatched long enough to
	// observe the assigned -> running transition before its timeout fires.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.RunWorkflow(ctx, w) }()

	deadline := time.Now().Add(time.Second)
	var status model.TaskStatus
	for time.Now().Before(deadline) {
		got, err := e.GetWorkflow(w.ID)
		if err == nil && got != nil {
			if a := got.TaskByID("a"); a != nil {
				status = a.Status
				if status == model.TaskRunning {
					break
				}
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if status != model.TaskRunning {
		t.Fatalf("expected dispatched task to reach running status, got %s", status)
	}
}

func TestRunWorkflowTaskTimeoutPublishesTaskFailed(t *testing.T) {
	e, _, bus := newTestEngine(t)
	seedAgent(t, e.reg, "agent-1", []string{"go"})

	var mu sync.Mutex
	var gotKind, gotAgent string
	unsub := bus.Subscribe("task:failed", func(_ string, payload interface{}) {
		p := payload.(map[string]interface{})
		mu.Lock()
		gotKind, _ = p["kind"].(string)
		gotAgent, _ = p["agentId"].(string)
		mu.Unlock()
	})
	defer unsub()

	w := &model.Workflow{
		Name: "timeout",
		Settings: model.WorkflowSettings{
			MaxConcurrency: 1,
			RetryPolicy:    model.RetryNone,
			FailurePolicy:  model.Continue,
		},
		Tasks: []model.Task{
			{ID: "a", Name: "a", Status: model.TaskPending, Capabilities: []string{"go"}, TimeoutMs: 20},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.RunWorkflow(ctx, w); err != nil {
		t.Fatalf("run workflow: %v", err)
	}

	got, err := e.GetWorkflow(w.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	a := got.TaskByID("a")
	if a.Status != model.TaskFailed {
		t.Fatalf("expected task failed on timeout, got %s", a.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotKind != "timeout" {
		t.Fatalf("expected task:failed with kind=timeout, got %q", gotKind)
	}
	if gotAgent != "agent-1" {
		t.Fatalf("expected task:failed to carry the assigned agent id, got %q", gotAgent)
	}
}

func TestValidateRejectsDuplicateTaskID(t *testing.T) {
	w := &model.Workflow{
		Name: "dup",
		Tasks: []model.Task{
			{ID: "a"},
			{ID: "a"},
		},
	}
	err := Validate(w)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got == "" || !strings.Contains(got, "Duplicate task ID: a") {
		t.Fatalf("expected duplicate task ID message, got %q", got)
	}
}

func TestValidateDetectsCycle(t *testing.T) {
	w := &model.Workflow{
		Name: "cycle",
		Tasks: []model.Task{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}
	err := Validate(w)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "Circular dependencies detected") {
		t.Fatalf("expected cycle message, got %q", got)
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	w := &model.Workflow{
		Name: "missing-dep",
		Tasks: []model.Task{
			{ID: "a", DependsOn: []string{"ghost"}},
		},
	}
	if err := Validate(w); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestParseDocumentJSONAndYAML(t *testing.T) {
	jsonDoc := []byte(`{"name":"n","tasks":[{"id":"a","type":"t","description":"d"}]}`)
	doc, err := ParseDocument(jsonDoc)
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if doc.Name != "n" || len(doc.Tasks) != 1 {
		t.Fatalf("unexpected doc: %+v", doc)
	}

	yamlDoc := []byte("name: n\ntasks:\n  - id: a\n    type: t\n    description: d\n")
	doc2, err := ParseDocument(yamlDoc)
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if doc2.Name != "n" || len(doc2.Tasks) != 1 {
		t.Fatalf("unexpected doc: %+v", doc2)
	}
}

func TestParseDocumentRejectsEmpty(t *testing.T) {
	if _, err := ParseDocument([]byte("   ")); err == nil {
		t.Fatal("expected error for empty document")
	}
}

func TestValidateDocumentRejectsUndeclaredAssignTo(t *testing.T) {
	doc := &Document{
		Name:   "n",
		Agents: []AgentDoc{{ID: "a1", Type: "worker"}},
		Tasks: []TaskDoc{
			{ID: "t1", Type: "x", Description: "d", AssignTo: "ghost"},
		},
	}
	if err := ValidateDocument(doc); err == nil {
		t.Fatal("expected error for undeclared assignTo")
	}
}

func TestToWorkflowAppliesDefaults(t *testing.T) {
	doc := &Document{
		Name: "n",
		Tasks: []TaskDoc{
			{ID: "a", Type: "build", Description: "d"},
		},
	}
	w := ToWorkflow(doc)
	if w.Settings.MaxConcurrency != 1 {
		t.Fatalf("expected default maxConcurrency 1, got %d", w.Settings.MaxConcurrency)
	}
	if w.Settings.RetryPolicy != model.RetryNone {
		t.Fatalf("expected default retry policy none, got %s", w.Settings.RetryPolicy)
	}
	if w.Settings.FailurePolicy != model.FailFast {
		t.Fatalf("expected default failure policy fail-fast, got %s", w.Settings.FailurePolicy)
	}
	if len(w.Tasks) != 1 || w.Tasks[0].Capabilities[0] != "build" {
		t.Fatalf("expected type to seed capabilities, got %+v", w.Tasks)
	}
}

func TestSubstituteInputResolvesVariablesAndTaskOutputs(t *testing.T) {
	w := &model.Workflow{
		Variables: map[string]interface{}{"greeting": "hello"},
		Tasks: []model.Task{
			{ID: "a", Status: model.TaskCompleted, Output: map[string]interface{}{"result": 42}},
		},
	}
	input := map[string]interface{}{
		"msg":    "${greeting} world",
		"result": "${a.output.result}",
		"whole":  "${a.output}",
	}
	out := substituteInput(input, w)
	if out["msg"] != "hello world" {
		t.Fatalf("expected substituted greeting, got %v", out["msg"])
	}
	if out["result"] != 42 {
		t.Fatalf("expected resolved output field, got %v", out["result"])
	}
	whole, ok := out["whole"].(map[string]interface{})
	if !ok || whole["result"] != 42 {
		t.Fatalf("expected whole output map, got %v", out["whole"])
	}
}

func TestSubstituteInputUnresolvedTaskYieldsNil(t *testing.T) {
	w := &model.Workflow{
		Tasks: []model.Task{
			{ID: "a", Status: model.TaskPending},
		},
	}
	out := substituteInput(map[string]interface{}{"v": "${a.output}"}, w)
	if out["v"] != nil {
		t.Fatalf("expected nil for a not-yet-completed dependency, got %v", out["v"])
	}
}
