package schema

// Event type constants for the run event log and the observer hub.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunPaused    = "run_paused"
	EventRunResumed   = "run_resumed"
	EventRunRemoved   = "run_removed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepPaused    = "step_paused"

	EventParallelStarted   = "parallel_started"
	EventParallelCompleted = "parallel_completed"
	EventSubRunStarted     = "sub_run_started"
	EventSubRunSettled     = "sub_run_settled"
)

// RunEventType maps a post-transition run status to the event emitted for it.
func RunEventType(to RunStatus) string {
	switch to {
	case RunStatusRunning:
		return EventRunResumed
	case RunStatusPaused:
		return EventRunPaused
	case RunStatusCompleted:
		return EventRunCompleted
	case RunStatusError:
		return EventRunFailed
	case RunStatusCancelled:
		return EventRunCancelled
	default:
		return ""
	}
}
