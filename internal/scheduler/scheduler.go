// Package scheduler drives the Task/Workflow Engine off cron/interval/once
// triggers instead of an explicit caller (§4.7 SUPPLEMENT). A trigger names
// a workflow document; when it comes due the scheduler loads the document
// from disk and runs it through the same Engine entrypoint an explicit
// RunWorkflow call would use.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-ops/conductor/internal/config"
	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/fenwick-ops/conductor/internal/store"
	"github.com/fenwick-ops/conductor/internal/workflow"
)

type Scheduler struct {
	store        *store.Store
	engine       *workflow.Engine
	bus          *eventbus.Bus
	pollInterval time.Duration
	workflowDir  string
	log          *slog.Logger

	reloadCh chan struct{}
}

func New(s *store.Store, engine *workflow.Engine, bus *eventbus.Bus, cfg config.SchedulerConfig, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:        s,
		engine:       engine,
		bus:          bus,
		pollInterval: cfg.PollInterval,
		workflowDir:  cfg.WorkflowDir,
		log:          log,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig updates the poll interval, then signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.pollInterval = pollInterval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

// RegisterTrigger persists a new trigger for workflow document
// workflowName, computing its first due time.
func (s *Scheduler) RegisterTrigger(name, workflowName, kind, expression string) (string, error) {
	next := CalculateNextRun(kind, expression)
	if next == nil {
		return "", fmt.Errorf("trigger %s: %s expression %q never fires", name, kind, expression)
	}
	sch := &store.Schedule{
		ID:          uuid.NewString(),
		Workflow:    workflowName,
		Name:        name,
		TriggerKind: kind,
		Expression:  expression,
		Status:      "active",
		NextRunAt:   next,
	}
	if err := s.store.SaveSchedule(sch); err != nil {
		return "", err
	}
	return sch.ID, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.log.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			s.log.Info("scheduler config reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(time.Now())
	if err != nil {
		s.log.Error("scheduler: failed to load due triggers", "error", err)
		return
	}
	for _, sch := range due {
		s.fire(ctx, sch)
	}
}

func (s *Scheduler) fire(ctx context.Context, sch store.Schedule) {
	s.log.Info("scheduler: firing trigger", "id", sch.ID, "name", sch.Name, "workflow", sch.Workflow)

	lastStatus, lastError := "success", ""
	if err := s.run(ctx, sch.Workflow); err != nil {
		lastStatus, lastError = "error", err.Error()
		s.log.Error("scheduler: trigger run failed", "id", sch.ID, "workflow", sch.Workflow, "error", err)
	}

	nextRun := CalculateNextRun(sch.TriggerKind, sch.Expression)
	if err := s.store.UpdateScheduleRun(sch.ID, lastStatus, lastError, nextRun); err != nil {
		s.log.Error("scheduler: failed to record trigger run", "id", sch.ID, "error", err)
	}

	if s.bus != nil {
		s.bus.Publish("trigger:fired", map[string]interface{}{
			"id": sch.ID, "name": sch.Name, "workflow": sch.Workflow, "status": lastStatus,
		})
	}

	if nextRun == nil && sch.TriggerKind == "once" {
		s.log.Info("scheduler: one-off trigger has no next run, marking completed", "id", sch.ID, "name", sch.Name)
		if err := s.store.UpdateScheduleStatus(sch.ID, "completed"); err != nil {
			s.log.Error("scheduler: failed to complete trigger", "id", sch.ID, "error", err)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, workflowName string) error {
	doc, err := s.loadDocument(workflowName)
	if err != nil {
		return err
	}
	if err := workflow.ValidateDocument(doc); err != nil {
		return err
	}
	w := workflow.ToWorkflow(doc)
	return s.engine.RunWorkflow(ctx, w)
}

func (s *Scheduler) loadDocument(name string) (*workflow.Document, error) {
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		data, err := os.ReadFile(filepath.Join(s.workflowDir, name+ext))
		if err == nil {
			return workflow.ParseDocument(data)
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("workflow document %q not found under %s", name, s.workflowDir)
}
