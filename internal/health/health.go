// Package health implements the Health Monitor (§4.4): two periodic loops
// that score every registered agent and publish restart decisions onto the
// Event Bus. Through the Registry it writes two things onto an Agent
// record: the error status (plus an error-history entry) when a heartbeat
// times out, and the Health score after each health pass. Restarts are
// never performed here; they are requested via agent:restart-requested,
// which the Agent Lifecycle Manager acts on.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/fenwick-ops/conductor/internal/model"
	"github.com/fenwick-ops/conductor/internal/registry"
)

// Config shapes the monitor's two loop cadences and the Performance
// dimension's baseline (§4.4).
type Config struct {
	HeartbeatCheckInterval time.Duration
	HealthCheckInterval    time.Duration
	BaselineExecutionMs    float64
}

// ResourceSampler supplies a point-in-time resource reading for an agent.
// When unset (or it reports no sample), the Resource dimension defaults to
// 1.0 per §4.4.
type ResourceSampler interface {
	Sample(agentID string) (model.ResourceSample, bool)
}

// Monitor runs the heartbeat and health loops.
type Monitor struct {
	reg      *registry.Registry
	bus      *eventbus.Bus
	cfg      Config
	sampler  ResourceSampler
	log      *slog.Logger

	mu      sync.Mutex
	history map[string][]model.HealthScore // agentID -> bounded score history
}

// New constructs a Monitor. sampler may be nil.
func New(reg *registry.Registry, bus *eventbus.Bus, cfg Config, sampler ResourceSampler, log *slog.Logger) *Monitor {
	if cfg.HeartbeatCheckInterval <= 0 {
		cfg.HeartbeatCheckInterval = 10 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.BaselineExecutionMs <= 0 {
		cfg.BaselineExecutionMs = 1000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		reg:     reg,
		bus:     bus,
		cfg:     cfg,
		sampler: sampler,
		log:     log,
		history: make(map[string][]model.HealthScore),
	}
}

// Start runs the heartbeat and health loops until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx, m.cfg.HeartbeatCheckInterval, m.heartbeatTick)
	go m.loop(ctx, m.cfg.HealthCheckInterval, m.healthTick)
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, tick func()) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
}

func (m *Monitor) heartbeatTick() {
	agents, err := m.reg.QueryAgents(registry.Predicate{})
	if err != nil {
		m.log.Warn("health: heartbeat scan failed", "error", err)
		return
	}
	now := time.Now()
	for _, a := range agents {
		if a.Status == model.AgentTerminated || a.Status == model.AgentTerminating {
			continue
		}
		interval := time.Duration(a.Config.HeartbeatMs) * time.Millisecond
		if interval <= 0 {
			continue
		}
		if a.LastHeartbeatAt.IsZero() {
			continue // still initializing, not yet started
		}
		age := now.Sub(a.LastHeartbeatAt)
		if age <= 3*interval {
			continue
		}

		a.Status = model.AgentStatusError
		a.PushError(model.AgentError{
			At:       now,
			Kind:     "heartbeat_timeout",
			Message:  "no heartbeat within 3x interval",
			Severity: model.SeverityHigh,
		})
		if err := m.reg.PutAgent(a); err != nil {
			m.log.Warn("health: failed to persist heartbeat-timeout status", "agent", a.ID, "error", err)
			continue
		}
		m.bus.Publish("agent:heartbeat-timeout", map[string]interface{}{"agentId": a.ID})
		if a.Config.AutoRestart {
			m.bus.Publish("agent:restart-requested", map[string]interface{}{"agentId": a.ID, "reason": "heartbeat_timeout"})
		}
	}
}

func (m *Monitor) healthTick() {
	agents, err := m.reg.QueryAgents(registry.Predicate{})
	if err != nil {
		m.log.Warn("health: health scan failed", "error", err)
		return
	}
	now := time.Now()
	for _, a := range agents {
		if a.Status == model.AgentTerminated || a.Status == model.AgentTerminating {
			continue
		}
		score := m.score(a, now)
		m.pushHistory(a.ID, score)
		score.Trend = m.trend(a.ID)

		a.Health = score.Overall
		if err := m.reg.PutAgent(a); err != nil {
			m.log.Warn("health: failed to persist score", "agent", a.ID, "error", err)
		}

		m.bus.Publish("agent:health-scored", map[string]interface{}{"agentId": a.ID, "score": score})

		if score.Overall < 0.3 && a.Config.AutoRestart {
			m.bus.Publish("agent:restart-requested", map[string]interface{}{"agentId": a.ID, "reason": "low_health"})
		}
	}
}

// score computes one health-loop sample for a (§4.4).
func (m *Monitor) score(a *model.Agent, now time.Time) model.HealthScore {
	resp := m.responsiveness(a, now)
	perf := m.performance(a)
	rel := a.SuccessRate()
	res := m.resource(a)
	overall := (resp + perf + rel + res) / 4

	s := model.HealthScore{
		AgentID:        a.ID,
		At:             now,
		Responsiveness: resp,
		Performance:    perf,
		Reliability:    rel,
		Resource:       res,
		Overall:        overall,
	}

	s.Issues = append(s.Issues, issueIfBelow("responsiveness", resp, 0.5)...)
	s.Issues = append(s.Issues, issueIfBelow("performance", perf, 0.6)...)
	s.Issues = append(s.Issues, issueIfBelow("resource", res, 0.4)...)
	return s
}

func (m *Monitor) responsiveness(a *model.Agent, now time.Time) float64 {
	interval := time.Duration(a.Config.HeartbeatMs) * time.Millisecond
	if interval <= 0 || a.LastHeartbeatAt.IsZero() {
		return 1.0
	}
	age := now.Sub(a.LastHeartbeatAt)
	switch {
	case age <= interval:
		return 1.0
	case age <= 2*interval:
		return 0.5
	default:
		return 0.0
	}
}

func (m *Monitor) performance(a *model.Agent) float64 {
	avg := a.RollingAvgExecutionMs()
	if avg <= 0 {
		return 1.0
	}
	return clamp01(m.cfg.BaselineExecutionMs / avg)
}

func (m *Monitor) resource(a *model.Agent) float64 {
	if m.sampler == nil {
		return 1.0
	}
	sample, ok := m.sampler.Sample(a.ID)
	if !ok {
		return 1.0
	}
	var parts []float64
	if sample.MemoryLimit > 0 {
		parts = append(parts, clamp01(1-float64(sample.MemoryUsed)/float64(sample.MemoryLimit)))
	}
	if sample.CPULimit > 0 {
		parts = append(parts, clamp01(1-sample.CPUUsed/sample.CPULimit))
	}
	if sample.DiskLimit > 0 {
		parts = append(parts, clamp01(1-float64(sample.DiskUsed)/float64(sample.DiskLimit)))
	}
	if len(parts) == 0 {
		return 1.0
	}
	var sum float64
	for _, p := range parts {
		sum += p
	}
	return sum / float64(len(parts))
}

func issueIfBelow(component string, score, threshold float64) []model.HealthIssue {
	if score >= threshold {
		return nil
	}
	deficit := threshold - score
	ratio := deficit / threshold
	var sev model.ErrorSeverity
	switch {
	case ratio >= 0.75:
		sev = model.SeverityCritical
	case ratio >= 0.5:
		sev = model.SeverityHigh
	case ratio >= 0.25:
		sev = model.SeverityMedium
	default:
		sev = model.SeverityLow
	}
	return []model.HealthIssue{{Component: component, Score: score, Threshold: threshold, Severity: sev}}
}

func (m *Monitor) pushHistory(agentID string, s model.HealthScore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.history[agentID], s)
	if len(h) > model.MaxHealthHistory {
		h = h[len(h)-model.MaxHealthHistory:]
	}
	m.history[agentID] = h
}

// trend classifies the bounded history as improving/stable/degrading by
// comparing the mean of the first and second halves (§4.4: "simple slope
// sign threshold").
func (m *Monitor) trend(agentID string) model.HealthTrend {
	m.mu.Lock()
	h := append([]model.HealthScore(nil), m.history[agentID]...)
	m.mu.Unlock()

	if len(h) < 4 {
		return model.TrendStable
	}
	mid := len(h) / 2
	first := meanOverall(h[:mid])
	second := meanOverall(h[mid:])

	const epsilon = 0.02
	switch {
	case second-first > epsilon:
		return model.TrendImproving
	case first-second > epsilon:
		return model.TrendDegrading
	default:
		return model.TrendStable
	}
}

func meanOverall(h []model.HealthScore) float64 {
	if len(h) == 0 {
		return 0
	}
	var sum float64
	for _, s := range h {
		sum += s.Overall
	}
	return sum / float64(len(h))
}

// History returns a copy of the bounded score history recorded for agentID.
func (m *Monitor) History(agentID string) []model.HealthScore {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.HealthScore(nil), m.history[agentID]...)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
