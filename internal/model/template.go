package model

// Template is a named, immutable configuration blueprint an agent is
// instantiated from (§4.5). Templates are never mutated in place — a
// changed template is registered under a new name or replaces the old one
// wholesale; existing agents keep the template name they were created
// with so a post-crash restart can re-resolve the same blueprint.
type Template struct {
	Name string `json:"name"`
	Type string `json:"type"`

	Capabilities Capabilities     `json:"capabilities"`
	Config       AgentConfig      `json:"config"`
	Environment  AgentEnvironment `json:"environment"`

	// StartupBinary/StartupArgs describe the process the Supervisor spawns.
	// For the Docker-backed supervisor, StartupBinary is unused and the
	// template's Environment.Image selects the container image instead.
	StartupBinary string   `json:"startupBinary,omitempty"`
	StartupArgs   []string `json:"startupArgs,omitempty"`

	// BuildContext, if set, is a local directory containing a
	// Dockerfile.agent that StartAgent has the Supervisor build on first
	// use, tagged Environment.Image or, when that is empty,
	// "conductor-agent-<Name>".
	BuildContext string `json:"buildContext,omitempty"`
}
