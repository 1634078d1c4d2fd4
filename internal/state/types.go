// Package state implements the canonical ServerState snapshot and its
// atomic, cross-process-serialized persistence (spec.md §4.4, C4) — one
// of the coordinator's two serialization points.
package state

import (
	"encoding/json"

	"github.com/re-cinq/fleetline/internal/config"
)

// AgentStatus is the lifecycle status of a live worker (spec.md §3).
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentBlocked AgentStatus = "blocked"
	AgentError   AgentStatus = "error"
	AgentOffline AgentStatus = "offline"
)

// TaskStatus is the lifecycle status of a unit of work (spec.md §3, §4.6).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Priority is a task's scheduling priority (spec.md §3, §4.6).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// PriorityRank gives the explicit ordering spec.md §4.6 mandates for the
// assignment pass: critical < high < normal < low.
var PriorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:      1,
	PriorityNormal:    2,
	PriorityLow:       3,
}

// DefaultMaxAttempts is the spec.md §3 default for Task.MaxAttempts.
const DefaultMaxAttempts = 3

// AgentInfo is one live worker (spec.md §3).
type AgentInfo struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Status           AgentStatus       `json:"status"`
	CurrentTask      *string           `json:"currentTask"`
	WorkingBranch    *string           `json:"workingBranch"`
	WorkingDirectory string            `json:"workingDirectory"`
	StartedAt        int64             `json:"startedAt"`
	LastHeartbeat    int64             `json:"lastHeartbeat"`
	CompletedTasks   int               `json:"completedTasks"`
	FailedTasks      int               `json:"failedTasks"`
	Capabilities     []string          `json:"capabilities,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// TaskResult is written once, on completion (spec.md §3).
type TaskResult struct {
	Success       bool     `json:"success"`
	Summary       string   `json:"summary,omitempty"`
	FilesModified []string `json:"filesModified,omitempty"`
	FilesCreated  []string `json:"filesCreated,omitempty"`
	FilesDeleted  []string `json:"filesDeleted,omitempty"`
	TestsPassed   *int     `json:"testsPassed,omitempty"`
	TestsFailed   *int     `json:"testsFailed,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Task is a unit of work (spec.md §3). A terminal status (completed,
// failed, cancelled) is immutable once reached.
type Task struct {
	ID                string      `json:"id"`
	Title             string      `json:"title"`
	Description       string      `json:"description,omitempty"`
	Priority          Priority    `json:"priority"`
	Status            TaskStatus  `json:"status"`
	AssignedAgent     *string     `json:"assignedAgent"`
	AssignedAt        *int64      `json:"assignedAt"`
	CreatedAt         int64       `json:"createdAt"`
	StartedAt         *int64      `json:"startedAt"`
	CompletedAt       *int64      `json:"completedAt"`
	Attempts          int         `json:"attempts"`
	MaxAttempts       int         `json:"maxAttempts"`
	TargetFiles       []string    `json:"targetFiles,omitempty"`
	TargetDirectories []string    `json:"targetDirectories,omitempty"`
	DependsOn         []string    `json:"dependsOn,omitempty"`
	BlockedBy         []string    `json:"blockedBy,omitempty"`
	Branch            *string     `json:"branch,omitempty"`
	BaseBranch        *string     `json:"baseBranch,omitempty"`
	Result            *TaskResult `json:"result,omitempty"`
	Error             *string     `json:"error,omitempty"`
	Tags              []string    `json:"tags,omitempty"`
}

// IsTerminal reports whether t.Status can no longer transition.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// ServerState is the canonical snapshot persisted to state.json (spec.md
// §3). One copy per coordinator directory.
type ServerState struct {
	Version     string                 `json:"version"`
	StartedAt   int64                  `json:"startedAt"`
	ProjectPath string                 `json:"projectPath"`
	Agents      map[string]*AgentInfo  `json:"agents"`
	// AgentOrder is the sequence in which agents registered. Go maps have
	// no iteration order, but spec.md §4.6's assignment algorithm walks
	// idle agents "in registration order", so that order is tracked
	// explicitly here rather than reconstructed from Agents.
	AgentOrder []string         `json:"agentOrder"`
	Tasks      map[string]*Task `json:"tasks"`
	TaskQueue  []string         `json:"taskQueue"`
	// CompletedHistory is the ordered sequence of task ids that reached
	// TaskCompleted, most recent last.
	CompletedHistory []string        `json:"completedHistory"`
	Config           *config.Config  `json:"config"`

	unknownFields map[string]json.RawMessage
}

// New builds an empty ServerState rooted at projectPath, stamped with the
// current wall-clock time and the given effective config.
func New(projectPath string, now int64, cfg *config.Config) *ServerState {
	return &ServerState{
		Version:          "1",
		StartedAt:        now,
		ProjectPath:      projectPath,
		Agents:           map[string]*AgentInfo{},
		AgentOrder:       []string{},
		Tasks:            map[string]*Task{},
		TaskQueue:        []string{},
		CompletedHistory: []string{},
		Config:           cfg,
	}
}

// MarshalJSON re-emits unknownFields merged with declared fields, so a
// load-then-save round trip preserves data from a newer coordinator
// version (spec.md §6.1).
func (s ServerState) MarshalJSON() ([]byte, error) {
	type alias ServerState
	merged := map[string]json.RawMessage{}
	for k, v := range s.unknownFields {
		merged[k] = v
	}
	base, err := json.Marshal(alias(s))
	if err != nil {
		return nil, err
	}
	var baseMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, err
	}
	for k, v := range baseMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

var knownStateFields = map[string]bool{
	"version": true, "startedAt": true, "projectPath": true, "agents": true,
	"agentOrder": true, "tasks": true, "taskQueue": true, "completedHistory": true, "config": true,
}

// UnmarshalJSON stashes any key the struct doesn't declare into
// unknownFields before delegating to the default decoding.
func (s *ServerState) UnmarshalJSON(data []byte) error {
	type alias ServerState
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = ServerState(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.unknownFields = make(map[string]json.RawMessage)
	for k, v := range raw {
		if !knownStateFields[k] {
			s.unknownFields[k] = v
		}
	}
	return nil
}
