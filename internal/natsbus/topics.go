package natsbus

import "fmt"

// Subject patterns for the NATS-backed IPC boundary between the Process
// Supervisor and externally spawned agent processes (spec §6's agent
// process contract). These are wire subjects, distinct from the
// in-process eventbus's colon-form topics; the supervisor bridges one to
// the other.

func SubjectAgentReady(agentID string) string {
	return fmt.Sprintf("agent.%s.ready", agentID)
}

func SubjectAgentHeartbeat(agentID string) string {
	return fmt.Sprintf("agent.%s.heartbeat", agentID)
}

func SubjectAgentError(agentID string) string {
	return fmt.Sprintf("agent.%s.error", agentID)
}

// SubjectTaskAssigned is where the supervisor publishes dispatched work
// for a running agent process to pick up.
func SubjectTaskAssigned(agentID string) string {
	return fmt.Sprintf("agent.%s.task.assigned", agentID)
}

// SubjectTaskResult is where an agent process reports task:completed or
// task:failed outcomes back to the supervisor.
func SubjectTaskResult(agentID string) string {
	return fmt.Sprintf("agent.%s.task.result", agentID)
}

// SubjectTaskCancel is where the supervisor asks a running agent process to
// abort a dispatched task (§4.7 cancellation/timeout).
func SubjectTaskCancel(agentID string) string {
	return fmt.Sprintf("agent.%s.task.cancel", agentID)
}

const (
	SubjectAllAgentEvents = "agent.>"
)
