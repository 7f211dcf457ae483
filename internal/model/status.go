package model

// SessionState tracks a collaboration session through its lifecycle.
type SessionState string

const (
	SessionIdle         SessionState = "idle"
	SessionPlanning     SessionState = "planning"
	SessionExecuting    SessionState = "executing"
	SessionCoordinating SessionState = "coordinating"
	SessionCompleting   SessionState = "completing"
	SessionCompleted    SessionState = "completed"
	SessionFailed       SessionState = "failed"
)

var terminalSessionStates = map[SessionState]bool{
	SessionCompleted: true,
	SessionFailed:    true,
}

// IsTerminal reports whether the session can no longer change state.
func (s SessionState) IsTerminal() bool {
	return terminalSessionStates[s]
}

// sessionTransitions is the closed set of legal session state changes.
var sessionTransitions = map[SessionState][]SessionState{
	SessionIdle:         {SessionPlanning, SessionFailed},
	SessionPlanning:     {SessionExecuting, SessionFailed},
	SessionExecuting:    {SessionCoordinating, SessionCompleting, SessionFailed},
	SessionCoordinating: {SessionExecuting, SessionCompleting, SessionFailed},
	SessionCompleting:   {SessionCompleted, SessionFailed},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s SessionState) CanTransition(next SessionState) bool {
	for _, t := range sessionTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// TaskStatus tracks an individual agent task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskTimeout   TaskStatus = "timeout"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskCompleted: true,
	TaskFailed:    true,
	TaskCancelled: true,
}

// IsTerminal reports whether the task can no longer change status.
// Timeout is not terminal: a timed-out task re-enters pending while retries
// remain and only then becomes failed.
func (s TaskStatus) IsTerminal() bool {
	return terminalTaskStatuses[s]
}

// TaskPriority orders tasks within a ready set. Higher runs first.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
)

// Rank maps a priority to a sortable integer. Unknown priorities rank lowest.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}
