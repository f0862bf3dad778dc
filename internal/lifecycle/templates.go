package lifecycle

import "github.com/fenwick-ops/conductor/internal/model"

// defaultTemplates returns the pre-registered blueprint set (§4.5: "a
// default set is pre-registered; callers may register more").
func defaultTemplates() []model.Template {
	return []model.Template{
		{
			Name: "coder-v1",
			Type: "coder",
			Capabilities: model.Capabilities{
				Languages:          []string{"go", "typescript", "python"},
				MaxConcurrentTasks: 2,
				Reliability:        0.9,
				Speed:              0.7,
				Quality:            0.85,
			},
			Config: model.AgentConfig{
				Autonomy:    0.7,
				HeartbeatMs: 10000,
				AutoRestart: true,
			},
			Environment: model.AgentEnvironment{Kind: "docker", Image: "conductor-agent:latest"},
		},
		{
			Name: "reviewer-v1",
			Type: "reviewer",
			Capabilities: model.Capabilities{
				Languages:          []string{"go", "typescript", "python"},
				MaxConcurrentTasks: 3,
				Reliability:        0.95,
				Speed:              0.6,
				Quality:            0.9,
			},
			Config: model.AgentConfig{
				Autonomy:    0.5,
				HeartbeatMs: 10000,
				AutoRestart: true,
			},
			Environment: model.AgentEnvironment{Kind: "docker", Image: "conductor-agent:latest"},
		},
		{
			Name: "researcher-v1",
			Type: "researcher",
			Capabilities: model.Capabilities{
				Domains:            []string{"web", "docs"},
				MaxConcurrentTasks: 4,
				Reliability:        0.8,
				Speed:              0.8,
				Quality:            0.75,
			},
			Config: model.AgentConfig{
				Autonomy:    0.8,
				HeartbeatMs: 15000,
				AutoRestart: true,
			},
			Environment: model.AgentEnvironment{Kind: "docker", Image: "conductor-agent:latest"},
		},
	}
}
