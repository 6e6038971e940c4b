package schema

// Event type constants published through the streaming hub during execution.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeRetrying  = "node_retrying"
	EventNodeSkipped   = "node_skipped"

	EventLoopIterStarted   = "loop_iter_started"
	EventLoopIterCompleted = "loop_iter_completed"
	EventLoopCompleted     = "loop_completed"

	EventParallelStarted   = "parallel_started"
	EventParallelCompleted = "parallel_completed"

	EventCheckpointSaved = "checkpoint_saved"
	EventSignalEmitted   = "signal_emitted"
)

// ExecutionStatus represents the lifecycle state of a graph execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
