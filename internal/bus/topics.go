package bus

import "strings"

// Well-known topics.
const (
	TopicTaskSubmitted = "task.submitted"
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskCancelled = "task.cancelled"
	TopicAgentTurn     = "agent.turn"
	TopicAgentFailure  = "agent.failure"

	handoffPrefix = "agent.handoff."
)

// HandoffTopic is the topic on which work is handed to role.
func HandoffTopic(role string) string {
	return handoffPrefix + strings.ToLower(role)
}
