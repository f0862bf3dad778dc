// Package model defines the closed, enumerated record shapes shared by the
// Registry, the Agent Lifecycle Manager, the Health Monitor, the Pool
// Controller, and the Task/Workflow Engine. Every record is a plain struct
// with a documented field set — no ad-hoc maps standing in for domain
// objects, per the Design Notes rework of "dynamic objects with ad-hoc
// fields" into closed structures with explicit, named extension points.
package model

import "time"

// AgentStatus is the lifecycle state of an Agent record.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentIdle         AgentStatus = "idle"
	AgentBusy         AgentStatus = "busy"
	AgentStatusError  AgentStatus = "error"
	AgentTerminating  AgentStatus = "terminating"
	AgentTerminated   AgentStatus = "terminated"
	AgentOffline      AgentStatus = "offline"
)

// Capabilities is the semantic capability bag of an agent.
type Capabilities struct {
	Languages          []string `json:"languages,omitempty"`
	Frameworks         []string `json:"frameworks,omitempty"`
	Domains            []string `json:"domains,omitempty"`
	Tools              []string `json:"tools,omitempty"`
	MaxConcurrentTasks int      `json:"maxConcurrentTasks"`
	MaxMemoryBytes     int64    `json:"maxMemoryBytes,omitempty"`
	MaxExecutionMs     int64    `json:"maxExecutionMs,omitempty"`
	Reliability        float64  `json:"reliability"` // baseline [0,1]
	Speed              float64  `json:"speed"`        // baseline [0,1]
	Quality            float64  `json:"quality"`      // baseline [0,1]
}

// AgentConfig is per-agent operational configuration.
type AgentConfig struct {
	Autonomy         float64           `json:"autonomy"` // [0,1]
	Adaptive         bool              `json:"adaptive"`
	MaxTasksPerHour  int               `json:"maxTasksPerHour,omitempty"`
	HeartbeatMs      int64             `json:"heartbeatMs"`
	StartupTimeoutMs int64             `json:"startupTimeoutMs"`
	StopTimeoutMs    int64             `json:"stopTimeoutMs"`
	AutoRestart      bool              `json:"autoRestart"`
	Permissions      []string          `json:"permissions,omitempty"`
	ExpertiseWeights map[string]float64 `json:"expertiseWeights,omitempty"`
}

// AgentEnvironment describes the runtime the agent process executes in.
type AgentEnvironment struct {
	Kind       string   `json:"kind"` // e.g. "docker", "process"
	WorkingDir string   `json:"workingDir"`
	TempDir    string   `json:"tempDir"`
	LogDir     string   `json:"logDir"`
	Tools      []string `json:"tools,omitempty"`
	APIEndpoints []string `json:"apiEndpoints,omitempty"`
	Image      string   `json:"image,omitempty"`
}

// ErrorSeverity classifies how serious an AgentError is.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AgentError is one entry in an agent's bounded error history.
type AgentError struct {
	At       time.Time              `json:"at"`
	Kind     string                 `json:"kind"`
	Message  string                 `json:"message"`
	Context  map[string]interface{} `json:"context,omitempty"`
	Severity ErrorSeverity          `json:"severity"`
	Resolved bool                   `json:"resolved"`
}

// MaxErrorHistory bounds Agent.ErrorHistory (§4.5: "capped at 50, oldest evicted").
const MaxErrorHistory = 50

// MaxTaskHistory bounds Agent.TaskHistory.
const MaxTaskHistory = 100

// TaskOutcome is one bounded entry of an agent's recent task history, used
// to compute rolling performance/reliability averages.
type TaskOutcome struct {
	TaskID       string        `json:"taskId"`
	CompletedAt  time.Time     `json:"completedAt"`
	Success      bool          `json:"success"`
	DurationMs   int64         `json:"durationMs"`
}

// Agent is the full persisted shape of an agent record (§3).
type Agent struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Type         string           `json:"type"`
	Template     string           `json:"template"`
	Status       AgentStatus      `json:"status"`
	Capabilities Capabilities     `json:"capabilities"`
	Config       AgentConfig      `json:"config"`
	Environment  AgentEnvironment `json:"environment"`

	Workload        int           `json:"workload"`
	Health          float64       `json:"health"` // [0,1]
	LastHeartbeatAt time.Time     `json:"lastHeartbeatAt"`
	ErrorHistory    []AgentError  `json:"errorHistory,omitempty"`
	TaskHistory     []TaskOutcome `json:"taskHistory,omitempty"`

	PoolID string `json:"poolId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PushError appends an error to the bounded history, evicting the oldest
// entry once MaxErrorHistory is exceeded.
func (a *Agent) PushError(e AgentError) {
	a.ErrorHistory = append(a.ErrorHistory, e)
	if len(a.ErrorHistory) > MaxErrorHistory {
		a.ErrorHistory = a.ErrorHistory[len(a.ErrorHistory)-MaxErrorHistory:]
	}
}

// PushTaskOutcome appends a task outcome to the bounded rolling history.
func (a *Agent) PushTaskOutcome(o TaskOutcome) {
	a.TaskHistory = append(a.TaskHistory, o)
	if len(a.TaskHistory) > MaxTaskHistory {
		a.TaskHistory = a.TaskHistory[len(a.TaskHistory)-MaxTaskHistory:]
	}
}

// SuccessRate returns completed/(completed+failed) over TaskHistory, or 1.0
// when there is no history yet (§4.4 Reliability dimension default).
func (a *Agent) SuccessRate() float64 {
	if len(a.TaskHistory) == 0 {
		return 1.0
	}
	var ok int
	for _, o := range a.TaskHistory {
		if o.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(a.TaskHistory))
}

// RollingAvgExecutionMs averages DurationMs over TaskHistory, or 0 when
// there is no history (caller must treat 0 as "no data").
func (a *Agent) RollingAvgExecutionMs() float64 {
	if len(a.TaskHistory) == 0 {
		return 0
	}
	var sum int64
	for _, o := range a.TaskHistory {
		sum += o.DurationMs
	}
	return float64(sum) / float64(len(a.TaskHistory))
}

// AgentMetrics is the external-inspection view of an agent's rolling
// performance, exposed by the Lifecycle Manager's GetMetrics:
// tasksCompleted, successRate, averageResponseTime, lastActivity.
type AgentMetrics struct {
	TasksCompleted     int       `json:"tasksCompleted"`
	TasksFailed        int       `json:"tasksFailed"`
	SuccessRate        float64   `json:"successRate"`
	AverageResponseMs  float64   `json:"averageResponseTime"`
	LastActivity       time.Time `json:"lastActivity"`
	Health             float64   `json:"health"`
	Workload           int       `json:"workload"`
}
