package broker

import (
	"sort"
	"time"

	"github.com/re-cinq/fleetline/internal/lock"
	"github.com/re-cinq/fleetline/internal/state"
)

// TaskInput is the caller-supplied shape for CreateTask; every other
// Task field is derived by the broker.
type TaskInput struct {
	Title             string
	Description       string
	Priority          state.Priority
	TargetFiles       []string
	TargetDirectories []string
	DependsOn         []string
	Tags              []string
	MaxAttempts       int
}

// RegisterAgent upserts an AgentInfo (spec.md §6.3 registerAgent). A
// re-registration under an id that previously timed out is allowed —
// "they may re-register later with the same id" (spec.md §7).
func (b *Broker) RegisterAgent(info *state.AgentInfo) (*state.AgentInfo, error) {
	now := time.Now().UnixMilli()
	if info.ID == "" {
		info.ID = newID("agent")
	}
	if info.Status == "" {
		info.Status = state.AgentIdle
	}

	_, err := b.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			st = state.New(b.paths.Root, now, b.cfg)
		}
		if _, exists := st.Agents[info.ID]; !exists {
			st.AgentOrder = append(st.AgentOrder, info.ID)
		}
		info.StartedAt = now
		info.LastHeartbeat = now
		st.Agents[info.ID] = info
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	if err := b.paths.EnsureAgentDirs(info.ID); err != nil {
		return nil, err
	}
	b.emit(Event{Kind: EventAgentRegistered, AgentID: info.ID, At: now})
	return info, nil
}

// UnregisterAgent removes agentID, unassigning its current task and
// releasing its locks (spec.md §6.3 unregisterAgent).
func (b *Broker) UnregisterAgent(agentID string) error {
	now := time.Now().UnixMilli()
	_, err := b.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			return st, ErrNotFound
		}
		if _, ok := st.Agents[agentID]; !ok {
			return st, ErrNotFound
		}
		b.removeAgentLocked(st, agentID, now)
		return st, nil
	})
	return err
}

// UpdateHeartbeat refreshes agentID's LastHeartbeat and, if status is
// non-empty, its status (spec.md §6.3 updateHeartbeat).
func (b *Broker) UpdateHeartbeat(agentID string, status state.AgentStatus) error {
	now := time.Now().UnixMilli()
	_, err := b.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			return st, ErrNotFound
		}
		agent, ok := st.Agents[agentID]
		if !ok {
			return st, ErrNotFound
		}
		agent.LastHeartbeat = now
		if status != "" {
			agent.Status = status
		}
		return st, nil
	})
	return err
}

// CreateTask builds a pending Task from in, computing its initial
// BlockedBy set from already-known dependencies (spec.md §6.3
// createTask, §4.6 dependency gating).
func (b *Broker) CreateTask(in TaskInput) (*state.Task, error) {
	now := time.Now().UnixMilli()
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = state.DefaultMaxAttempts
	}
	t := &state.Task{
		ID:                newID("task"),
		Title:             in.Title,
		Description:       in.Description,
		Priority:          in.Priority,
		Status:            state.TaskPending,
		CreatedAt:         now,
		MaxAttempts:       maxAttempts,
		TargetFiles:       in.TargetFiles,
		TargetDirectories: in.TargetDirectories,
		DependsOn:         in.DependsOn,
		Tags:              in.Tags,
	}
	if t.Priority == "" {
		t.Priority = state.PriorityNormal
	}

	_, err := b.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			st = state.New(b.paths.Root, now, b.cfg)
		}
		recomputeBlockedBy(st, t)
		st.Tasks[t.ID] = t
		st.TaskQueue = append(st.TaskQueue, t.ID)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	b.emit(Event{Kind: EventTaskCreated, TaskID: t.ID, At: now})
	return t, nil
}

// AssignTask force-assigns taskID to agentID, acquiring write locks over
// its target files (spec.md §6.3 assignTask). Used by CLIs/tests driving
// assignment directly rather than through the autoAssign pass.
func (b *Broker) AssignTask(taskID, agentID string) (*state.Task, error) {
	now := time.Now().UnixMilli()
	var out *state.Task
	_, err := b.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			return st, ErrNotFound
		}
		t, ok := st.Tasks[taskID]
		if !ok {
			return st, ErrNotFound
		}
		agent, ok := st.Agents[agentID]
		if !ok {
			return st, ErrNotFound
		}
		if !isEligible(t) {
			return st, ErrIllegalTransition
		}

		var timeoutMs *int64
		if st.Config != nil {
			v := int64(st.Config.LockTimeout)
			timeoutMs = &v
		}
		result, lockErr := b.locks.AcquireLocks(lock.AcquireRequest{
			AgentID:   agentID,
			TaskID:    t.ID,
			Paths:     t.TargetFiles,
			LockType:  lock.TypeWrite,
			TimeoutMs: timeoutMs,
		})
		if lockErr != nil {
			return st, lockErr
		}
		if !result.Success {
			_ = b.locks.ReleaseTaskLocks(t.ID)
			return st, ErrIllegalTransition
		}

		removeFromQueue(st, t.ID)
		t.Status = state.TaskAssigned
		t.AssignedAgent = &agentID
		assignedAt := now
		t.AssignedAt = &assignedAt
		t.Attempts++
		agent.Status = state.AgentWorking
		agent.CurrentTask = &t.ID
		out = t

		if err := b.queue.SendToAgent(agentID, taskAssignEnvelope(agentID, t)); err != nil {
			return st, err
		}
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	b.emit(Event{Kind: EventTaskAssigned, AgentID: agentID, TaskID: taskID, At: now})
	return out, nil
}

// StartTask transitions taskID from assigned to in_progress (spec.md
// §6.3 startTask).
func (b *Broker) StartTask(taskID string) (*state.Task, error) {
	now := time.Now().UnixMilli()
	var out *state.Task
	_, err := b.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			return st, ErrNotFound
		}
		t, ok := st.Tasks[taskID]
		if !ok {
			return st, ErrNotFound
		}
		if t.Status != state.TaskAssigned {
			return st, ErrIllegalTransition
		}
		t.Status = state.TaskInProgress
		startedAt := now
		t.StartedAt = &startedAt
		out = t
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	if out.AssignedAgent != nil {
		b.emit(Event{Kind: EventTaskStarted, AgentID: *out.AssignedAgent, TaskID: taskID, At: now})
	}
	return out, nil
}

// CompleteTask applies TASK_COMPLETE on behalf of agentID directly
// (spec.md §6.3 completeTask), returning ErrIllegalTransition if agentID
// is not the task's current assignee or the task isn't in a completable
// state.
func (b *Broker) CompleteTask(taskID, agentID string, result *state.TaskResult) (*state.Task, error) {
	now := time.Now().UnixMilli()
	var out *state.Task
	_, err := b.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			return st, ErrNotFound
		}
		t, ok := st.Tasks[taskID]
		if !ok {
			return st, ErrNotFound
		}
		if !b.completeTaskLocked(st, agentID, taskID, result, now) {
			return st, ErrIllegalTransition
		}
		out = t
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FailTask applies TASK_FAILED on behalf of agentID directly (spec.md
// §6.3 failTask).
func (b *Broker) FailTask(taskID, agentID, errMsg string) (*state.Task, error) {
	now := time.Now().UnixMilli()
	var out *state.Task
	_, err := b.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			return st, ErrNotFound
		}
		t, ok := st.Tasks[taskID]
		if !ok {
			return st, ErrNotFound
		}
		if !b.failTaskLocked(st, agentID, taskID, errMsg, now) {
			return st, ErrIllegalTransition
		}
		out = t
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UnassignTask voluntarily returns taskID to pending, front of queue
// (spec.md §6.3 unassignTask).
func (b *Broker) UnassignTask(taskID string) (*state.Task, error) {
	now := time.Now().UnixMilli()
	var out *state.Task
	_, err := b.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			return st, ErrNotFound
		}
		t, ok := st.Tasks[taskID]
		if !ok {
			return st, ErrNotFound
		}
		if t.IsTerminal() {
			return st, ErrIllegalTransition
		}
		b.unassignLocked(st, taskID, now)
		out = t
		return st, nil
	})
	return out, err
}

// GetPendingTasks returns the tasks currently in taskQueue, priority
// ordered (spec.md §6.3 getPendingTasks).
func (b *Broker) GetPendingTasks() ([]*state.Task, error) {
	st, err := b.store.Read()
	if err != nil || st == nil {
		return nil, err
	}
	var out []*state.Task
	for _, id := range sortedPendingQueue(st) {
		if t, ok := st.Tasks[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetTasks returns every known task, sorted by id for determinism
// (spec.md §6.3 getTasks).
func (b *Broker) GetTasks() ([]*state.Task, error) {
	st, err := b.store.Read()
	if err != nil || st == nil {
		return nil, err
	}
	out := make([]*state.Task, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
