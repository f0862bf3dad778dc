package model

import "time"

// HealthTrend is the three-way classification of a bounded score history.
type HealthTrend string

const (
	TrendImproving HealthTrend = "improving"
	TrendStable    HealthTrend = "stable"
	TrendDegrading HealthTrend = "degrading"
)

// ResourceSample is a point-in-time read of an agent's resource usage,
// expressed as used/limit pairs so the Resource dimension can be computed
// uniformly regardless of unit.
type ResourceSample struct {
	MemoryUsed, MemoryLimit int64
	CPUUsed, CPULimit       float64
	DiskUsed, DiskLimit     int64
	SampledAt               time.Time
}

// HealthIssue is one derived, below-threshold component at a given score.
type HealthIssue struct {
	Component string        `json:"component"` // "responsiveness" | "performance" | "resource"
	Score     float64       `json:"score"`
	Threshold float64       `json:"threshold"`
	Severity  ErrorSeverity `json:"severity"`
}

// HealthScore is one health-loop sample for an agent (§4.4).
type HealthScore struct {
	AgentID       string    `json:"agentId"`
	At            time.Time `json:"at"`
	Responsiveness float64  `json:"responsiveness"`
	Performance    float64  `json:"performance"`
	Reliability    float64  `json:"reliability"`
	Resource       float64  `json:"resource"`
	Overall        float64  `json:"overall"`

	Issues []HealthIssue `json:"issues,omitempty"`
	Trend  HealthTrend   `json:"trend"`
}

// MaxHealthHistory bounds the score history trend classification reads
// from (§4.4: "a bounded history of scores (last ≤ 100)").
const MaxHealthHistory = 100
