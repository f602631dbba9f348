package prompts

import "fmt"

// Completion tool names. Task sessions get both on every step.
const (
	CompleteTaskTool = "complete_task"
	FailTaskTool     = "fail_task"
)

// CompleteTaskDescription is the model-facing description of the
// completion tool.
const CompleteTaskDescription = "Call this exactly once when the task is finished. " +
	"Pass the final result in `result`; it is returned to the requester verbatim."

// FailTaskDescription is the model-facing description of the failure
// tool.
const FailTaskDescription = "Call this when the task cannot be completed. " +
	"Explain what blocked you in `reason`."

// continueTemplate is injected when a task-session iteration ends
// without tool calls after the step already used tools.
// Format verbs: (1) complete tool, (2) fail tool.
const continueTemplate = `You stopped without finishing. If the task is done, call %s with the result. ` +
	`If it cannot be done, call %s with the reason. Otherwise continue working.`

// ContinueNudge returns the continuation prompt for task sessions.
func ContinueNudge() string {
	return fmt.Sprintf(continueTemplate, CompleteTaskTool, FailTaskTool)
}

// progressTemplate is injected once each time the step's tool-call
// count crosses a multiple of the progress interval.
const progressTemplate = `You have made %d tool calls in this request. Before continuing, ` +
	`write a short progress update: what is done, what remains, and whether the current approach is working.`

// ProgressNudge returns the progress-update prompt for the given
// tool-call count.
func ProgressNudge(toolCalls int) string {
	return fmt.Sprintf(progressTemplate, toolCalls)
}
