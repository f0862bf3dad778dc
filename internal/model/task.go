package model

import "time"

// TaskStatus is the lifecycle state of a Task within a Workflow run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskReady     TaskStatus = "ready"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskCancelled TaskStatus = "cancelled"
)

// RetryPolicy names the backoff shape applied between task attempts.
type RetryPolicy string

const (
	RetryNone        RetryPolicy = "none"
	RetryImmediate   RetryPolicy = "immediate"
	RetryExponential RetryPolicy = "exponential"
)

// Task is one node in a Workflow's dependency graph (§3).
type Task struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	DependsOn    []string               `json:"dependsOn,omitempty"`
	Capabilities []string               `json:"capabilities,omitempty"`
	AssignTo     string                 `json:"assignTo,omitempty"` // hard constraint: a declared agent id
	Priority     int                    `json:"priority"`
	ListIndex    int                    `json:"listIndex"`
	Input        map[string]interface{} `json:"input,omitempty"`

	RetryPolicy RetryPolicy `json:"retryPolicy"`
	MaxRetries  int         `json:"maxRetries"`
	TimeoutMs   int64       `json:"timeoutMs,omitempty"`

	Status      TaskStatus             `json:"status"`
	AssignedTo  string                 `json:"assignedTo,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	RetriesLeft int                    `json:"retriesLeft"`
	Attempt     int                    `json:"attempt"`

	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// FailurePolicy names how a workflow reacts to a task permanently failing.
type FailurePolicy string

const (
	FailFast FailurePolicy = "fail-fast"
	Continue FailurePolicy = "continue"
	Ignore   FailurePolicy = "ignore"
)

// WorkflowSettings is the per-workflow execution policy (§3).
type WorkflowSettings struct {
	MaxConcurrency int           `json:"maxConcurrency"`
	TimeoutMs      int64         `json:"timeoutMs,omitempty"`
	RetryPolicy    RetryPolicy   `json:"retryPolicy"`
	FailurePolicy  FailurePolicy `json:"failurePolicy"`
}

// WorkflowStatus is the lifecycle state of a Workflow run.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowStopped   WorkflowStatus = "stopped"
)

// WorkflowProgress is the aggregate task-count rollup exposed to callers
// polling a running workflow.
type WorkflowProgress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Workflow is the full persisted shape of a workflow run (§3).
type Workflow struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	DeclaredAgents []string               `json:"declaredAgents,omitempty"`
	Tasks          []Task                 `json:"tasks"`
	Settings       WorkflowSettings       `json:"settings"`

	Status   WorkflowStatus   `json:"status"`
	Progress WorkflowProgress `json:"progress"`
	Error    string           `json:"error,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
}

// TaskByID returns a pointer to the task with the given id, or nil.
func (w *Workflow) TaskByID(id string) *Task {
	for i := range w.Tasks {
		if w.Tasks[i].ID == id {
			return &w.Tasks[i]
		}
	}
	return nil
}

// RecomputeProgress rebuilds Progress from the current Tasks slice.
func (w *Workflow) RecomputeProgress() {
	p := WorkflowProgress{Total: len(w.Tasks)}
	for _, t := range w.Tasks {
		switch t.Status {
		case TaskPending, TaskReady, TaskAssigned:
			p.Pending++
		case TaskRunning:
			p.Running++
		case TaskCompleted:
			p.Completed++
		case TaskFailed, TaskCancelled:
			p.Failed++
		case TaskSkipped:
			p.Skipped++
		}
	}
	w.Progress = p
}
