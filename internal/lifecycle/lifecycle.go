// Package lifecycle implements the Agent Lifecycle Manager (§4.5): template
// registration, the create/start/stop/restart/remove state machine, workload
// tracking off the Event Bus, and the bounded error history each Agent
// record carries. It is the only component that asks the Process Supervisor
// to spawn or stop a process or attaches the NATS bridge for an agent, and
// it drives every status transition except one: the Health Monitor itself
// marks an agent whose heartbeat timed out as error.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-ops/conductor/internal/cerrors"
	"github.com/fenwick-ops/conductor/internal/config"
	"github.com/fenwick-ops/conductor/internal/container"
	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/fenwick-ops/conductor/internal/model"
	"github.com/fenwick-ops/conductor/internal/registry"
)

// minRestartInterval is the restart rate limit (§5: "≤1 restart per agent
// per 30s").
const minRestartInterval = 30 * time.Second

// Supervisor is the subset of *container.Manager the Lifecycle Manager
// drives. Narrowed to an interface so tests can substitute a fake.
type Supervisor interface {
	Spawn(ctx context.Context, spec container.ProcessSpec) (container.Handle, error)
	Stop(ctx context.Context, agentID string, timeout time.Duration) error
	Handle(agentID string) (container.Handle, bool)
	Output(ctx context.Context, h container.Handle) (io.ReadCloser, error)
	BuildImage(ctx context.Context, buildContext, imageTag string) error
}

// Bridger is the per-agent subset of *natsbus.Bridge the Lifecycle Manager
// drives. Optional: a nil Bridger disables wire attach/detach, which is
// fine for tests that never expect a real agent process to connect.
type Bridger interface {
	Attach(agentID string) error
	Detach(agentID string)
}

// LogLine is one entry of Output's captured stdout/stderr, tailed by
// GetLogs.
type LogLine struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Manager owns the agent state machine.
type Manager struct {
	reg     *registry.Registry
	sup     Supervisor
	bridge  Bridger
	bus     *eventbus.Bus
	cfg     config.LifecycleConfig
	natsURL string
	log     *slog.Logger

	tmplMu    sync.RWMutex
	templates map[string]model.Template

	restartMu   sync.Mutex
	lastRestart map[string]time.Time
}

// New constructs a Manager, pre-registers the default template set, and
// subscribes to the Event Bus for workload tracking and outbound task
// dispatch. bridge may be nil.
func New(reg *registry.Registry, sup Supervisor, bridge Bridger, bus *eventbus.Bus, cfg config.LifecycleConfig, natsURL string, log *slog.Logger) *Manager {
	if cfg.MaxActiveAgents <= 0 {
		cfg.MaxActiveAgents = 32
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.DefaultHeartbeat <= 0 {
		cfg.DefaultHeartbeat = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		reg:         reg,
		sup:         sup,
		bridge:      bridge,
		bus:         bus,
		cfg:         cfg,
		natsURL:     natsURL,
		log:         log,
		templates:   make(map[string]model.Template),
		lastRestart: make(map[string]time.Time),
	}
	for _, t := range defaultTemplates() {
		m.templates[t.Name] = t
	}
	m.subscribeWorkload()
	m.subscribeAutoRestart()
	return m
}

// RegisterTemplate adds or replaces a named blueprint.
func (m *Manager) RegisterTemplate(t model.Template) {
	m.tmplMu.Lock()
	defer m.tmplMu.Unlock()
	m.templates[t.Name] = t
}

// Template looks up a registered blueprint by name.
func (m *Manager) Template(name string) (model.Template, bool) {
	m.tmplMu.RLock()
	defer m.tmplMu.RUnlock()
	t, ok := m.templates[name]
	return t, ok
}

// Templates lists every registered blueprint, sorted by name.
func (m *Manager) Templates() []model.Template {
	m.tmplMu.RLock()
	defer m.tmplMu.RUnlock()
	out := make([]model.Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overrides narrows a template's defaults when creating a specific agent.
type Overrides struct {
	ID           string
	Name         string
	Capabilities *model.Capabilities
	Config       *model.AgentConfig
	Environment  *model.AgentEnvironment
	PoolID       string
}

// CreateAgent instantiates templateName into a new, not-yet-started Agent
// record (§4.5).
func (m *Manager) CreateAgent(templateName string, ov Overrides) (string, error) {
	const op = "lifecycle.CreateAgent"

	tmpl, ok := m.Template(templateName)
	if !ok {
		return "", cerrors.E(op, cerrors.NotFound, fmt.Errorf("template %q not registered", templateName))
	}

	active, err := m.activeCount()
	if err != nil {
		return "", err
	}
	if active >= m.cfg.MaxActiveAgents {
		return "", cerrors.E(op, cerrors.LimitExceeded, fmt.Errorf("active agents %d >= max %d", active, m.cfg.MaxActiveAgents))
	}

	id := ov.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := ov.Name
	if name == "" {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		name = tmpl.Name + "-" + short
	}

	a := &model.Agent{
		ID:           id,
		Name:         name,
		Type:         tmpl.Type,
		Template:     tmpl.Name,
		Status:       model.AgentInitializing,
		Capabilities: tmpl.Capabilities,
		Config:       tmpl.Config,
		Environment:  tmpl.Environment,
		PoolID:       ov.PoolID,
		Health:       1.0,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if ov.Capabilities != nil {
		a.Capabilities = *ov.Capabilities
	}
	if ov.Config != nil {
		a.Config = *ov.Config
	}
	if ov.Environment != nil {
		a.Environment = *ov.Environment
	}
	if a.Config.HeartbeatMs <= 0 {
		a.Config.HeartbeatMs = m.cfg.DefaultHeartbeat.Milliseconds()
	}

	if err := m.reg.PutAgent(a); err != nil {
		return "", err
	}
	m.bus.Publish("agent:created", map[string]interface{}{"agentId": id, "template": tmpl.Name})
	return id, nil
}

func (m *Manager) activeCount() (int, error) {
	agents, err := m.reg.QueryAgents(registry.Predicate{})
	if err != nil {
		return 0, err
	}
	var n int
	for _, a := range agents {
		if a.Status != model.AgentTerminated {
			n++
		}
	}
	return n, nil
}

// StartAgent asks the Supervisor to spawn the process for agentID and waits
// for its readiness signal (§4.5).
func (m *Manager) StartAgent(ctx context.Context, agentID string) error {
	const op = "lifecycle.StartAgent"

	a, err := m.reg.GetAgent(agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return cerrors.E(op, cerrors.NotFound, fmt.Errorf("agent %s", agentID))
	}

	a.Status = model.AgentInitializing
	a.UpdatedAt = time.Now()
	if err := m.reg.PutAgent(a); err != nil {
		return err
	}

	if m.bridge != nil {
		if err := m.bridge.Attach(agentID); err != nil {
			return cerrors.E(op, cerrors.ProcessFailed, fmt.Errorf("attach wire bridge: %w", err))
		}
	}

	image := a.Environment.Image
	if tmpl, ok := m.Template(a.Template); ok && tmpl.BuildContext != "" {
		built := image
		if built == "" {
			built = "conductor-agent-" + tmpl.Name
		}
		if err := m.sup.BuildImage(ctx, tmpl.BuildContext, built); err != nil {
			m.failStartup(a, err)
			return cerrors.E(op, cerrors.ProcessFailed, fmt.Errorf("build image from %s: %w", tmpl.BuildContext, err))
		}
		image = built
	}

	spec := container.ProcessSpec{
		AgentID:    a.ID,
		AgentType:  a.Type,
		AgentName:  a.Name,
		Image:      image,
		WorkingDir: a.Environment.WorkingDir,
		LogDir:     a.Environment.LogDir,
		NATSUrl:    m.natsURL,
	}
	if _, err := m.sup.Spawn(ctx, spec); err != nil {
		m.failStartup(a, err)
		return cerrors.E(op, cerrors.ProcessFailed, err)
	}

	timeout := m.cfg.StartupTimeout
	if a.Config.StartupTimeoutMs > 0 {
		timeout = time.Duration(a.Config.StartupTimeoutMs) * time.Millisecond
	}
	_, err = m.bus.AwaitEvent(ctx, "agent:ready", func(payload interface{}) bool {
		p, ok := payload.(map[string]interface{})
		if !ok {
			return false
		}
		id, _ := p["agentId"].(string)
		return id == agentID
	}, timeout)
	if err != nil {
		m.failStartup(a, err)
		if m.bridge != nil {
			m.bridge.Detach(agentID)
		}
		_ = m.sup.Stop(ctx, agentID, m.cfg.StopTimeout)
		return cerrors.E(op, cerrors.ProcessFailed, err)
	}

	a, err = m.reg.GetAgent(agentID) // re-fetch: agent:ready may carry other fields a caller wrote since
	if err != nil {
		return err
	}
	a.Status = model.AgentIdle
	a.LastHeartbeatAt = time.Now()
	a.UpdatedAt = time.Now()
	if err := m.reg.PutAgent(a); err != nil {
		return err
	}
	m.bus.Publish("agent:started", map[string]interface{}{"agentId": agentID})
	return nil
}

func (m *Manager) failStartup(a *model.Agent, cause error) {
	a.Status = model.AgentStatusError
	a.PushError(model.AgentError{
		At:       time.Now(),
		Kind:     "startup_failed",
		Message:  cause.Error(),
		Severity: model.SeverityCritical,
	})
	a.UpdatedAt = time.Now()
	if err := m.reg.PutAgent(a); err != nil {
		m.log.Warn("lifecycle: failed to persist startup failure", "agent", a.ID, "error", err)
	}
	m.bus.Publish("agent:error", map[string]interface{}{"agentId": a.ID, "kind": "startup_failed"})
}

// StopAgent transitions agentID through terminating to terminated,
// soft-then-hard-killing the process via the Supervisor. Idempotent: a call
// against an already-terminated (or nonexistent) agent is a no-op (§4.5).
func (m *Manager) StopAgent(ctx context.Context, agentID, reason string) error {
	a, err := m.reg.GetAgent(agentID)
	if err != nil {
		return err
	}
	if a == nil || a.Status == model.AgentTerminated {
		return nil
	}

	a.Status = model.AgentTerminating
	a.UpdatedAt = time.Now()
	if err := m.reg.PutAgent(a); err != nil {
		return err
	}

	if err := m.sup.Stop(ctx, agentID, m.cfg.StopTimeout); err != nil {
		m.log.Warn("lifecycle: supervisor stop returned an error, proceeding to terminated", "agent", agentID, "error", err)
	}
	if m.bridge != nil {
		m.bridge.Detach(agentID)
	}

	a.Status = model.AgentTerminated
	a.PoolID = ""
	a.UpdatedAt = time.Now()
	if err := m.reg.PutAgent(a); err != nil {
		return err
	}
	m.bus.Publish("agent:stopped", map[string]interface{}{"agentId": agentID, "reason": reason})
	return nil
}

// RestartAgent stops then starts agentID, refusing a second restart within
// minRestartInterval of the last one (§5).
func (m *Manager) RestartAgent(ctx context.Context, agentID, reason string) error {
	const op = "lifecycle.RestartAgent"

	m.restartMu.Lock()
	last, seen := m.lastRestart[agentID]
	if seen && time.Since(last) < minRestartInterval {
		wait := minRestartInterval - time.Since(last)
		m.restartMu.Unlock()
		return cerrors.E(op, cerrors.LimitExceeded, fmt.Errorf("restart rate-limited for agent %s, retry in %s", agentID, wait))
	}
	m.lastRestart[agentID] = time.Now()
	m.restartMu.Unlock()

	if err := m.StopAgent(ctx, agentID, reason); err != nil {
		return err
	}
	return m.StartAgent(ctx, agentID)
}

// RemoveAgent stops agentID if still running, then deletes it from the
// Registry with its history preserved in the archive namespace (§4.5).
func (m *Manager) RemoveAgent(ctx context.Context, agentID string) error {
	if err := m.StopAgent(ctx, agentID, "removed"); err != nil {
		return err
	}
	if err := m.reg.Delete(registry.NSAgents, agentID, true); err != nil {
		return err
	}
	m.bus.Publish("agent:removed", map[string]interface{}{"agentId": agentID})
	return nil
}

// subscribeWorkload wires the Event Bus hooks that keep Agent.Workload and
// Agent.TaskHistory current without the Workflow Engine ever touching an
// Agent record directly (§4.5: "on task:assigned, increment workload...").
func (m *Manager) subscribeWorkload() {
	m.bus.Subscribe("task:assigned", func(_ string, payload interface{}) {
		p, ok := payload.(map[string]interface{})
		if !ok {
			return
		}
		agentID, _ := p["agentId"].(string)
		if agentID == "" {
			return
		}
		a, err := m.reg.GetAgent(agentID)
		if err != nil || a == nil {
			return
		}
		a.Workload++
		a.UpdatedAt = time.Now()
		if err := m.reg.PutAgent(a); err != nil {
			m.log.Warn("lifecycle: failed to record task:assigned workload", "agent", agentID, "error", err)
		}

		if m.bridge != nil {
			if b, ok := m.bridge.(interface {
				DispatchTask(agentID, taskID string, input map[string]interface{}) error
			}); ok {
				taskID, _ := p["taskId"].(string)
				input, _ := p["input"].(map[string]interface{})
				if err := b.DispatchTask(agentID, taskID, input); err != nil {
					m.log.Warn("lifecycle: failed to dispatch task over wire", "agent", agentID, "task", taskID, "error", err)
				}
			}
		}
	})

	m.bus.Subscribe("task:completed", func(_ string, payload interface{}) { m.onTaskOutcome(payload, true) })
	m.bus.Subscribe("task:failed", func(_ string, payload interface{}) { m.onTaskOutcome(payload, false) })

	// task:cancelled is published by the Workflow Engine itself (fail-fast,
	// explicit stop, or grace-period expiry) for a task that never reported
	// back over the wire; without this the agent's workload counter would
	// never come back down.
	m.bus.Subscribe("task:cancelled", func(_ string, payload interface{}) { m.onTaskOutcome(payload, false) })

	// task:cancel is published by the Workflow Engine when it needs a
	// running task aborted (fail-fast, explicit stop, timeout); only the
	// Lifecycle Manager is allowed to reach the wire, so it forwards.
	m.bus.Subscribe("task:cancel", func(_ string, payload interface{}) {
		p, ok := payload.(map[string]interface{})
		if !ok {
			return
		}
		agentID, _ := p["agentId"].(string)
		taskID, _ := p["taskId"].(string)
		if agentID == "" || m.bridge == nil {
			return
		}
		if b, ok := m.bridge.(interface {
			DispatchCancel(agentID, taskID string) error
		}); ok {
			if err := b.DispatchCancel(agentID, taskID); err != nil {
				m.log.Warn("lifecycle: failed to dispatch task cancel over wire", "agent", agentID, "task", taskID, "error", err)
			}
		}
	})
}

// subscribeAutoRestart wires agent:restart-requested, published by the
// Health Monitor on heartbeat timeout or sustained low health, to
// RestartAgent (§4.4: auto-restart is issued automatically, not just
// signalled). RestartAgent's own rate limit still applies, so a flapping
// agent can't be restarted more than once per interval from here.
func (m *Manager) subscribeAutoRestart() {
	m.bus.Subscribe("agent:restart-requested", func(_ string, payload interface{}) {
		p, ok := payload.(map[string]interface{})
		if !ok {
			return
		}
		agentID, _ := p["agentId"].(string)
		if agentID == "" {
			return
		}
		reason, _ := p["reason"].(string)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartupTimeout+m.cfg.StopTimeout)
			defer cancel()
			if err := m.RestartAgent(ctx, agentID, reason); err != nil {
				m.log.Warn("lifecycle: auto-restart failed", "agent", agentID, "reason", reason, "error", err)
			}
		}()
	})
}

func (m *Manager) onTaskOutcome(payload interface{}, success bool) {
	p, ok := payload.(map[string]interface{})
	if !ok {
		return
	}
	agentID, _ := p["agentId"].(string)
	if agentID == "" {
		return
	}
	a, err := m.reg.GetAgent(agentID)
	if err != nil || a == nil {
		return
	}
	if a.Workload > 0 {
		a.Workload--
	}
	taskID, _ := p["taskId"].(string)
	var durationMs int64
	switch v := p["durationMs"].(type) {
	case float64:
		durationMs = int64(v)
	case int64:
		durationMs = v
	}
	a.PushTaskOutcome(model.TaskOutcome{
		TaskID:      taskID,
		CompletedAt: time.Now(),
		Success:     success,
		DurationMs:  durationMs,
	})
	a.UpdatedAt = time.Now()
	if err := m.reg.PutAgent(a); err != nil {
		m.log.Warn("lifecycle: failed to record task outcome", "agent", agentID, "error", err)
	}
}

// GetMetrics returns the external-inspection rolling-average view of an
// agent's recent performance.
func (m *Manager) GetMetrics(agentID string) (model.AgentMetrics, error) {
	a, err := m.reg.GetAgent(agentID)
	if err != nil {
		return model.AgentMetrics{}, err
	}
	if a == nil {
		return model.AgentMetrics{}, cerrors.E("lifecycle.GetMetrics", cerrors.NotFound, fmt.Errorf("agent %s", agentID))
	}

	var completed, failed int
	for _, o := range a.TaskHistory {
		if o.Success {
			completed++
		} else {
			failed++
		}
	}
	return model.AgentMetrics{
		TasksCompleted:    completed,
		TasksFailed:       failed,
		SuccessRate:       a.SuccessRate(),
		AverageResponseMs: a.RollingAvgExecutionMs(),
		LastActivity:      a.LastHeartbeatAt,
		Health:            a.Health,
		Workload:          a.Workload,
	}, nil
}

// GetLogs tails the Supervisor's captured stdout/stderr for agentID's
// current process handle. limit <= 0 means "no cap"; since is a zero-value
// filter (oldest-first) applied line by line.
func (m *Manager) GetLogs(ctx context.Context, agentID string, limit int, since time.Time) ([]LogLine, error) {
	const op = "lifecycle.GetLogs"

	h, ok := m.sup.Handle(agentID)
	if !ok {
		return nil, cerrors.E(op, cerrors.NotFound, fmt.Errorf("agent %s has no running process", agentID))
	}
	rc, err := m.sup.Output(ctx, h)
	if err != nil {
		return nil, cerrors.E(op, cerrors.ProcessFailed, err)
	}
	defer rc.Close()

	var lines []LogLine
	buf := make([]byte, 64*1024)
	var carry []byte
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			for {
				idx := indexByte(carry, '\n')
				if idx < 0 {
					break
				}
				text := string(carry[:idx])
				carry = carry[idx+1:]
				at := time.Now()
				if !since.IsZero() && at.Before(since) {
					continue
				}
				lines = append(lines, LogLine{At: at, Text: text})
				if limit > 0 && len(lines) > limit {
					lines = lines[len(lines)-limit:]
				}
			}
		}
		if rerr != nil {
			break
		}
		if limit > 0 && len(lines) >= limit {
			break
		}
	}
	return lines, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
