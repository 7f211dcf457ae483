package model

import (
	"fmt"
	"time"
)

// AgentTask is one unit of delegated work inside a collaboration session.
// Dependencies reference sibling tasks by their Key.
type AgentTask struct {
	AgentID      string         `json:"agent_id"`
	TaskType     string         `json:"task_type"`
	TaskData     map[string]any `json:"task_data"`
	Priority     TaskPriority   `json:"priority"`
	Dependencies []string       `json:"dependencies"`
	TriggerTypes []string       `json:"trigger_types"`
	Timeout      time.Duration  `json:"timeout"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	Status       TaskStatus     `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Key identifies a task within its session, and is the value dependency
// lists and completion events refer to.
func (t *AgentTask) Key() string {
	return fmt.Sprintf("%s.%s", t.AgentID, t.TaskType)
}

// CollaborationSession owns the task list for one collaboration run.
// It is created by the orchestrator, mutated only by the orchestrator, and
// terminal once Completed or Failed.
type CollaborationSession struct {
	SessionID           string                `json:"session_id"`
	Scenario            string                `json:"scenario"`
	UserID              string                `json:"user_id"`
	ParticipatingAgents []string              `json:"participating_agents"`
	Tasks               []*AgentTask          `json:"tasks"`
	State               SessionState          `json:"state"`
	Context             *ContextSnapshot      `json:"context,omitempty"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
	CompletedAt         *time.Time            `json:"completed_at,omitempty"`
	Result              *CollaborationResult  `json:"result,omitempty"`
}

// Progress summarizes task counts by status.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Running   int `json:"running"`
	Failed    int `json:"failed"`
}

// Progress computes the current task-count summary.
func (s *CollaborationSession) Progress() Progress {
	p := Progress{Total: len(s.Tasks)}
	for _, t := range s.Tasks {
		switch t.Status {
		case TaskCompleted:
			p.Completed++
		case TaskRunning:
			p.Running++
		case TaskFailed:
			p.Failed++
		}
	}
	return p
}

// SessionStatus is the externally visible view of a session.
type SessionStatus struct {
	SessionID           string     `json:"session_id"`
	Scenario            string     `json:"scenario"`
	State               SessionState `json:"state"`
	ParticipatingAgents []string   `json:"participating_agents"`
	Progress            Progress   `json:"progress"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// Status builds the external view of the session.
func (s *CollaborationSession) Status() SessionStatus {
	return SessionStatus{
		SessionID:           s.SessionID,
		Scenario:            s.Scenario,
		State:               s.State,
		ParticipatingAgents: s.ParticipatingAgents,
		Progress:            s.Progress(),
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
		CompletedAt:         s.CompletedAt,
	}
}

// ExecutionSummary aggregates task counts and total duration for a finished
// session.
type ExecutionSummary struct {
	TotalTasks     int           `json:"total_tasks"`
	CompletedTasks int           `json:"completed_tasks"`
	FailedTasks    int           `json:"failed_tasks"`
	TotalDuration  time.Duration `json:"total_duration"`
}

// CollaborationResult is the aggregated outcome of a completed session:
// per-agent contributions plus scenario-specific recommendations and
// follow-up actions.
type CollaborationResult struct {
	SessionID           string                      `json:"session_id"`
	Scenario            string                      `json:"scenario"`
	UserID              string                      `json:"user_id"`
	ParticipatingAgents []string                    `json:"participating_agents"`
	ExecutionSummary    ExecutionSummary            `json:"execution_summary"`
	AgentContributions  map[string][]map[string]any `json:"agent_contributions"`
	Recommendations     []string                    `json:"recommendations"`
	NextActions         []string                    `json:"next_actions"`
}
