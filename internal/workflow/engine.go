package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-ops/conductor/internal/cerrors"
	"github.com/fenwick-ops/conductor/internal/config"
	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/fenwick-ops/conductor/internal/model"
	"github.com/fenwick-ops/conductor/internal/registry"
)

// Engine drives Workflow records through validation, dependency-ordered
// dispatch, retries, and failure/cancellation handling (§4.7). It never
// touches an Agent record directly or reaches the wire: dispatch is a
// task:assigned publish the Lifecycle Manager picks up, and cancellation is
// a task:cancel publish the same component forwards to the Process
// Supervisor's bridge. This mirrors the Ownership rule in §3 ("the
// Lifecycle Manager exclusively owns agent records").
type Engine struct {
	reg *registry.Registry
	bus *eventbus.Bus
	cfg config.WorkflowConfig
	log *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New constructs an Engine. Zero RetryBase/RetryCap fall back to base=1s,
// cap=2m (§9 decision 2); a zero RetryJitter is kept and means no jitter
// (the ±20% default comes from config.Load).
func New(reg *registry.Registry, bus *eventbus.Bus, cfg config.WorkflowConfig, log *slog.Logger) *Engine {
	if cfg.DefaultMaxConcurrency <= 0 {
		cfg.DefaultMaxConcurrency = 1
	}
	if cfg.DispatchPollInterval <= 0 {
		cfg.DispatchPollInterval = 200 * time.Millisecond
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 2 * time.Minute
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		reg:     reg,
		bus:     bus,
		cfg:     cfg,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
	}
}

// StartWorkflow validates and persists w, then drives it to completion on a
// background goroutine, returning its id immediately.
func (e *Engine) StartWorkflow(w *model.Workflow) (string, error) {
	if err := e.prepare(w); err != nil {
		return "", err
	}
	id := w.ID
	go func() {
		if err := e.run(context.Background(), id); err != nil {
			e.log.Warn("workflow: run ended with error", "workflow", id, "error", err)
		}
	}()
	return id, nil
}

// RunWorkflow validates and persists w, then drives it to completion on the
// caller's goroutine, blocking until it reaches a terminal state or ctx is
// cancelled.
func (e *Engine) RunWorkflow(ctx context.Context, w *model.Workflow) error {
	if err := e.prepare(w); err != nil {
		return err
	}
	return e.run(ctx, w.ID)
}

func (e *Engine) prepare(w *model.Workflow) error {
	if err := Validate(w); err != nil {
		return err
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.Status = model.WorkflowPending
	w.CreatedAt = time.Now()
	w.RecomputeProgress()
	return e.reg.PutWorkflow(w)
}

// StopWorkflow requests cancellation of a running workflow (§4.7
// Cancellation/timeout). A no-op error if the workflow is not currently
// running under this Engine.
func (e *Engine) StopWorkflow(workflowID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[workflowID]
	e.mu.Unlock()
	if !ok {
		return cerrors.E("workflow.StopWorkflow", cerrors.NotFound, fmt.Errorf("workflow %s is not running", workflowID))
	}
	cancel()
	return nil
}

func (e *Engine) GetWorkflow(id string) (*model.Workflow, error) { return e.reg.GetWorkflow(id) }

func (e *Engine) QueryWorkflows(p registry.Predicate) ([]*model.Workflow, error) {
	return e.reg.QueryWorkflows(p)
}

type taskEvent struct {
	taskID  string
	agentID string
	success bool
	output  map[string]interface{}
	errMsg  string
	kind    string // "" for a normal wire outcome, "timeout" for an internal deadline firing
}

type inflightTask struct {
	agentID string
	timer   *time.Timer
}

func (e *Engine) run(parent context.Context, workflowID string) error {
	const op = "workflow.run"

	w, err := e.reg.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	if w == nil {
		return cerrors.E(op, cerrors.NotFound, fmt.Errorf("workflow %s", workflowID))
	}

	ctx, cancel := context.WithCancel(parent)
	if w.Settings.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(w.Settings.TimeoutMs)*time.Millisecond)
	}
	e.mu.Lock()
	e.cancels[workflowID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, workflowID)
		e.mu.Unlock()
		cancel()
	}()

	w.Status = model.WorkflowRunning
	w.StartedAt = time.Now()
	if err := e.reg.PutWorkflow(w); err != nil {
		return err
	}
	e.bus.Publish("workflow:started", map[string]interface{}{"workflowId": workflowID})

	maxConcurrency := w.Settings.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = e.cfg.DefaultMaxConcurrency
	}

	events := make(chan taskEvent, 64)
	unsub := e.subscribeTaskEvents(workflowID, events)
	defer unsub()

	inFlight := make(map[string]*inflightTask)
	retryNotBefore := make(map[string]time.Time)
	var failFastDeadline time.Time

	defer func() {
		for _, f := range inFlight {
			if f.timer != nil {
				f.timer.Stop()
			}
		}
	}()

	for {
		w, err = e.reg.GetWorkflow(workflowID)
		if err != nil {
			return err
		}

		if !failFastDeadline.IsZero() && time.Now().After(failFastDeadline) {
			e.forceCancelRemaining(w, inFlight)
			failFastDeadline = time.Time{}
			if err := e.reg.PutWorkflow(w); err != nil {
				return err
			}
		}

		if e.isTerminal(w, len(inFlight)) {
			break
		}

		for len(inFlight) < maxConcurrency {
			t := e.pickReady(w, inFlight, retryNotBefore)
			if t == nil {
				break
			}
			agent := e.resolveAgent(w, t)
			if agent == nil {
				break // no candidate yet; revisit after the next completion or poll tick
			}
			if err := e.dispatch(w, t, agent); err != nil {
				e.log.Warn("workflow: dispatch failed", "workflow", workflowID, "task", t.ID, "error", err)
				break
			}
			it := &inflightTask{agentID: agent.ID}
			it.timer = e.armTimeout(w, t, agent.ID)
			inFlight[t.ID] = it
		}
		if err := e.reg.PutWorkflow(w); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			e.finalizeCancelled(w, inFlight, ctx.Err())
			return nil
		case ev := <-events:
			failFast := false
			e.handleTaskEvent(w, ev, inFlight, retryNotBefore, &failFast)
			if failFast && failFastDeadline.IsZero() {
				e.triggerFailFast(w, inFlight)
				failFastDeadline = time.Now().Add(e.cfg.CancelGrace)
			}
			w.RecomputeProgress()
			if err := e.reg.PutWorkflow(w); err != nil {
				return err
			}
			e.bus.Publish("workflow:progress", map[string]interface{}{"workflowId": workflowID, "progress": w.Progress})
		case <-time.After(e.cfg.DispatchPollInterval):
		}
	}

	w, err = e.reg.GetWorkflow(workflowID)
	if err != nil {
		return err
	}
	e.finalize(w)
	return nil
}

// subscribeTaskEvents forwards task:completed/task:failed publishes whose
// dispatch id belongs to workflowID onto out, stripping the workflow-id
// prefix back to the task's own id.
func (e *Engine) subscribeTaskEvents(workflowID string, out chan<- taskEvent) func() {
	prefix := workflowID + "/"

	strip := func(payload interface{}) (taskEvent, bool) {
		p, ok := payload.(map[string]interface{})
		if !ok {
			return taskEvent{}, false
		}
		dispatchID, _ := p["taskId"].(string)
		if len(dispatchID) <= len(prefix) || dispatchID[:len(prefix)] != prefix {
			return taskEvent{}, false
		}
		ev := taskEvent{taskID: dispatchID[len(prefix):]}
		ev.agentID, _ = p["agentId"].(string)
		if output, ok := p["output"].(map[string]interface{}); ok {
			ev.output = output
		}
		ev.errMsg, _ = p["error"].(string)
		ev.kind, _ = p["kind"].(string)
		return ev, true
	}

	cancelOK := e.bus.Subscribe("task:completed", func(_ string, payload interface{}) {
		if ev, ok := strip(payload); ok {
			ev.success = true
			out <- ev
		}
	})
	cancelFail := e.bus.Subscribe("task:failed", func(_ string, payload interface{}) {
		if ev, ok := strip(payload); ok {
			ev.success = false
			out <- ev
		}
	})
	return func() { cancelOK(); cancelFail() }
}

// pickReady returns the highest-priority, lowest-listIndex task whose
// dependencies are satisfied and which isn't already dispatched or gated by
// an exponential-retry delay.
func (e *Engine) pickReady(w *model.Workflow, inFlight map[string]*inflightTask, retryNotBefore map[string]time.Time) *model.Task {
	var candidates []*model.Task
	now := time.Now()
	for i := range w.Tasks {
		t := &w.Tasks[i]
		if t.Status != model.TaskPending && t.Status != model.TaskReady {
			continue
		}
		if _, busy := inFlight[t.ID]; busy {
			continue
		}
		if until, gated := retryNotBefore[t.ID]; gated && now.Before(until) {
			continue
		}
		if e.dependenciesSatisfied(w, t) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority // higher priority dispatches first
		}
		return candidates[i].ListIndex < candidates[j].ListIndex
	})
	return candidates[0]
}

func (e *Engine) dependenciesSatisfied(w *model.Workflow, t *model.Task) bool {
	for _, depID := range t.DependsOn {
		dep := w.TaskByID(depID)
		if dep == nil {
			return false
		}
		if dep.Status == model.TaskCompleted {
			continue
		}
		if dep.Status == model.TaskFailed && w.Settings.FailurePolicy == model.Ignore {
			continue // ignore: descendants proceed as if the dependency succeeded
		}
		return false
	}
	return true
}

// resolveAgent asks the Registry for a candidate: the task's declared
// assignTo is a hard constraint when present, otherwise the best-scoring
// idle agent matching the task's capability hint (§4.7 Scheduling).
func (e *Engine) resolveAgent(w *model.Workflow, t *model.Task) *model.Agent {
	if t.AssignTo != "" {
		a, err := e.reg.GetAgent(t.AssignTo)
		if err != nil || a == nil || !e.hasCapacity(a) {
			return nil
		}
		return a
	}

	candidates, err := e.reg.QueryAgents(registry.Predicate{Status: string(model.AgentIdle)})
	if err != nil {
		return nil
	}
	var pool []*model.Agent
	for _, a := range candidates {
		if e.hasCapacity(a) {
			pool = append(pool, a)
		}
	}
	return registry.BestAgent(pool, t.Capabilities)
}

func (e *Engine) hasCapacity(a *model.Agent) bool {
	if a.Status != model.AgentIdle {
		return false
	}
	if a.Capabilities.MaxConcurrentTasks > 0 && a.Workload >= a.Capabilities.MaxConcurrentTasks {
		return false
	}
	return true
}

func (e *Engine) dispatch(w *model.Workflow, t *model.Task, agent *model.Agent) error {
	input := substituteInput(t.Input, w)

	t.Status = model.TaskAssigned
	t.AssignedTo = agent.ID
	t.Attempt++
	t.StartedAt = time.Now()
	w.RecomputeProgress()

	dispatchID := w.ID + "/" + t.ID
	e.bus.Publish("task:created", map[string]interface{}{"workflowId": w.ID, "taskId": dispatchID})
	e.bus.Publish("task:assigned", map[string]interface{}{"agentId": agent.ID, "taskId": dispatchID, "input": input})

	// The bus is synchronous, so the Lifecycle Manager has already
	// forwarded the dispatch over the wire by the time Publish returns:
	// the task is in-flight on the agent, not merely earmarked for it.
	t.Status = model.TaskRunning
	w.RecomputeProgress()
	return nil
}

// armTimeout schedules a per-task deadline. On expiry it publishes
// task:failed on the bus exactly like a wire-driven failure, so the
// Lifecycle Manager's subscription decrements the agent's workload the
// same way; subscribeTaskEvents then routes it back to this workflow's
// dispatch loop via the ordinary task:failed path.
func (e *Engine) armTimeout(w *model.Workflow, t *model.Task, agentID string) *time.Timer {
	if t.TimeoutMs <= 0 {
		return nil
	}
	dispatchID := w.ID + "/" + t.ID
	return time.AfterFunc(time.Duration(t.TimeoutMs)*time.Millisecond, func() {
		e.bus.Publish("task:failed", map[string]interface{}{
			"agentId": agentID,
			"taskId":  dispatchID,
			"error":   "task exceeded timeoutMs",
			"kind":    "timeout",
		})
	})
}

func (e *Engine) handleTaskEvent(w *model.Workflow, ev taskEvent, inFlight map[string]*inflightTask, retryNotBefore map[string]time.Time, failFast *bool) {
	t := w.TaskByID(ev.taskID)
	if t == nil {
		return
	}
	if f, ok := inFlight[ev.taskID]; ok {
		if f.timer != nil {
			f.timer.Stop()
		}
		delete(inFlight, ev.taskID)
	}
	if isTaskTerminal(t.Status) {
		return // late/duplicate delivery against an already-resolved task
	}

	if ev.success && ev.kind == "" {
		t.Status = model.TaskCompleted
		t.Output = ev.output
		t.CompletedAt = time.Now()
		return
	}

	e.handleFailure(w, t, ev, retryNotBefore, failFast)
}

func (e *Engine) handleFailure(w *model.Workflow, t *model.Task, ev taskEvent, retryNotBefore map[string]time.Time, failFast *bool) {
	t.Error = ev.errMsg

	policy := t.RetryPolicy
	if policy == "" {
		policy = w.Settings.RetryPolicy
	}
	if policy == "" {
		policy = model.RetryNone
	}

	if policy != model.RetryNone && t.RetriesLeft > 0 && ev.kind != "forced-cancel" {
		t.RetriesLeft--
		t.AssignedTo = ""
		t.Status = model.TaskPending
		if policy == model.RetryExponential {
			retryNotBefore[t.ID] = time.Now().Add(e.backoffDelay(t.Attempt))
		}
		return
	}

	t.Status = model.TaskFailed
	t.CompletedAt = time.Now()

	switch w.Settings.FailurePolicy {
	case model.FailFast:
		*failFast = true
	case model.Continue:
		e.skipDescendants(w, t.ID)
	case model.Ignore:
		// task stays failed; descendants proceed via dependenciesSatisfied's Ignore case
	}
}

func (e *Engine) backoffDelay(attempt int) time.Duration {
	d := e.cfg.RetryBase
	for i := 0; i < attempt && d < e.cfg.RetryCap; i++ {
		d *= 2
	}
	if d > e.cfg.RetryCap {
		d = e.cfg.RetryCap
	}
	if e.cfg.RetryJitter > 0 {
		spread := float64(d) * e.cfg.RetryJitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// skipDescendants marks failedID's dependents (transitively) skipped, the
// way §4.7's continue failure policy demands.
func (e *Engine) skipDescendants(w *model.Workflow, failedID string) {
	skip := map[string]bool{failedID: true}
	for changed := true; changed; {
		changed = false
		for i := range w.Tasks {
			t := &w.Tasks[i]
			if skip[t.ID] || isTaskTerminal(t.Status) {
				continue
			}
			for _, dep := range t.DependsOn {
				if skip[dep] {
					t.Status = model.TaskSkipped
					t.CompletedAt = time.Now()
					skip[t.ID] = true
					changed = true
					e.bus.Publish("task:skipped", map[string]interface{}{"workflowId": w.ID, "taskId": w.ID + "/" + t.ID})
					break
				}
			}
		}
	}
}

// triggerFailFast cancels every non-terminal, non-dispatched task outright
// and asks the Lifecycle Manager to abort in-flight ones (§4.7: "cancel all
// pending/ready tasks, allow running tasks a grace period then request
// cancellation").
func (e *Engine) triggerFailFast(w *model.Workflow, inFlight map[string]*inflightTask) {
	for i := range w.Tasks {
		t := &w.Tasks[i]
		switch t.Status {
		case model.TaskPending, model.TaskReady:
			t.Status = model.TaskCancelled
			t.CompletedAt = time.Now()
			e.bus.Publish("task:cancelled", map[string]interface{}{"workflowId": w.ID, "taskId": w.ID + "/" + t.ID})
		case model.TaskAssigned, model.TaskRunning:
			if f, ok := inFlight[t.ID]; ok {
				e.bus.Publish("task:cancel", map[string]interface{}{"agentId": f.agentID, "taskId": w.ID + "/" + t.ID})
			}
		}
	}
}

// forceCancelRemaining marks any task still running past the fail-fast
// grace period cancelled, unblocking the dispatch loop's terminal check.
func (e *Engine) forceCancelRemaining(w *model.Workflow, inFlight map[string]*inflightTask) {
	for id, f := range inFlight {
		t := w.TaskByID(id)
		if t == nil {
			continue
		}
		if f.timer != nil {
			f.timer.Stop()
		}
		t.Status = model.TaskCancelled
		t.CompletedAt = time.Now()
		delete(inFlight, id)
		e.bus.Publish("task:cancelled", map[string]interface{}{"workflowId": w.ID, "taskId": w.ID + "/" + t.ID, "agentId": f.agentID})
	}
}

func isTaskTerminal(s model.TaskStatus) bool {
	switch s {
	case model.TaskCompleted, model.TaskFailed, model.TaskCancelled, model.TaskSkipped:
		return true
	}
	return false
}

func (e *Engine) isTerminal(w *model.Workflow, inFlightCount int) bool {
	if inFlightCount > 0 {
		return false
	}
	for _, t := range w.Tasks {
		if !isTaskTerminal(t.Status) {
			return false
		}
	}
	return true
}

func (e *Engine) finalize(w *model.Workflow) {
	w.RecomputeProgress()
	failedOrCancelled := false
	for _, t := range w.Tasks {
		if t.Status == model.TaskFailed || t.Status == model.TaskCancelled {
			failedOrCancelled = true
			break
		}
	}
	if failedOrCancelled {
		w.Status = model.WorkflowFailed
	} else {
		w.Status = model.WorkflowCompleted
	}
	w.CompletedAt = time.Now()
	if err := e.reg.PutWorkflow(w); err != nil {
		e.log.Warn("workflow: failed to persist final state", "workflow", w.ID, "error", err)
	}
	topic := "workflow:completed"
	if w.Status == model.WorkflowFailed {
		topic = "workflow:failed"
	}
	e.bus.Publish(topic, map[string]interface{}{"workflowId": w.ID})
}

func (e *Engine) finalizeCancelled(w *model.Workflow, inFlight map[string]*inflightTask, cause error) {
	for i := range w.Tasks {
		t := &w.Tasks[i]
		if isTaskTerminal(t.Status) {
			continue
		}
		t.Status = model.TaskCancelled
		t.CompletedAt = time.Now()
		if f, ok := inFlight[t.ID]; ok {
			if f.timer != nil {
				f.timer.Stop()
			}
			e.bus.Publish("task:cancel", map[string]interface{}{"agentId": f.agentID, "taskId": w.ID + "/" + t.ID})
		}
	}
	w.RecomputeProgress()

	if errors.Is(cause, context.DeadlineExceeded) {
		// A workflow-level timeout behaves as a fail-fast terminal failure
		// (§9 decision 3).
		w.Status = model.WorkflowFailed
		w.Error = "timeout"
	} else {
		w.Status = model.WorkflowStopped
	}
	w.CompletedAt = time.Now()
	if err := e.reg.PutWorkflow(w); err != nil {
		e.log.Warn("workflow: failed to persist cancelled state", "workflow", w.ID, "error", err)
	}
	topic := "workflow:stopped"
	if w.Status == model.WorkflowFailed {
		topic = "workflow:failed"
	}
	e.bus.Publish(topic, map[string]interface{}{"workflowId": w.ID})
}
