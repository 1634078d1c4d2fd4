package broker

import (
	"sort"

	"github.com/re-cinq/fleetline/internal/lock"
	"github.com/re-cinq/fleetline/internal/state"
)

// recomputeBlockedBy sets t.BlockedBy to the subset of t.DependsOn whose
// tasks are not yet Completed (spec.md §4.6 dependency gating).
func recomputeBlockedBy(st *state.ServerState, t *state.Task) {
	if len(t.DependsOn) == 0 {
		t.BlockedBy = nil
		return
	}
	var blocked []string
	for _, dep := range t.DependsOn {
		if d, ok := st.Tasks[dep]; !ok || d.Status != state.TaskCompleted {
			blocked = append(blocked, dep)
		}
	}
	t.BlockedBy = blocked
}

// clearDependency removes completedID from every known task's BlockedBy,
// run once a task reaches TaskCompleted (spec.md §4.6, §8 invariant 6).
func clearDependency(st *state.ServerState, completedID string) {
	for _, t := range st.Tasks {
		if len(t.BlockedBy) == 0 {
			continue
		}
		filtered := t.BlockedBy[:0]
		for _, id := range t.BlockedBy {
			if id != completedID {
				filtered = append(filtered, id)
			}
		}
		t.BlockedBy = filtered
	}
}

func isEligible(t *state.Task) bool {
	return t.Status == state.TaskPending && len(t.BlockedBy) == 0
}

// sortedPendingQueue returns the ids in st.TaskQueue ordered by priority
// (spec.md §4.6: "priority-sorted at assignment time, not at
// insertion"), falling back to queue position to keep the sort stable.
func sortedPendingQueue(st *state.ServerState) []string {
	ids := append([]string(nil), st.TaskQueue...)
	sort.SliceStable(ids, func(i, j int) bool {
		ti, tj := st.Tasks[ids[i]], st.Tasks[ids[j]]
		if ti == nil || tj == nil {
			return false
		}
		return state.PriorityRank[ti.Priority] < state.PriorityRank[tj.Priority]
	})
	return ids
}

func removeFromQueue(st *state.ServerState, taskID string) {
	for i, id := range st.TaskQueue {
		if id == taskID {
			st.TaskQueue = append(st.TaskQueue[:i], st.TaskQueue[i+1:]...)
			return
		}
	}
}

func pushFrontOfQueue(st *state.ServerState, taskID string) {
	removeFromQueue(st, taskID)
	st.TaskQueue = append([]string{taskID}, st.TaskQueue...)
}

// autoAssignLocked implements the spec.md §4.6 assignment algorithm: for
// each idle agent in registration order, walk pending tasks by priority
// and assign the first eligible one whose target files are free of
// conflicting locks held by other agents.
func (b *Broker) autoAssignLocked(st *state.ServerState, locks *lock.Manager, now int64) {
	for _, agentID := range st.AgentOrder {
		agent, ok := st.Agents[agentID]
		if !ok || agent.Status != state.AgentIdle {
			continue
		}
		b.assignOneLocked(st, locks, agent, now)
	}
}

// assignOneLocked attempts to assign the first eligible, lock-compatible
// pending task to agent. Returns true if a task was assigned.
func (b *Broker) assignOneLocked(st *state.ServerState, locks *lock.Manager, agent *state.AgentInfo, now int64) bool {
	for _, taskID := range sortedPendingQueue(st) {
		t, ok := st.Tasks[taskID]
		if !ok || !isEligible(t) {
			continue
		}

		var timeoutMs *int64
		if st.Config != nil {
			v := int64(st.Config.LockTimeout)
			timeoutMs = &v
		}
		result, err := locks.AcquireLocks(lock.AcquireRequest{
			AgentID:   agent.ID,
			TaskID:    t.ID,
			Paths:     t.TargetFiles,
			LockType:  lock.TypeWrite,
			TimeoutMs: timeoutMs,
		})
		if err != nil {
			b.emit(Event{Kind: EventError, AgentID: agent.ID, TaskID: t.ID, Err: err, At: now})
			continue
		}
		if !result.Success {
			// Roll back whatever was acquired and move the task to the
			// front of the queue (spec.md §4.6: "the assignment is rolled
			// back and the task returns to the front of the queue").
			_ = locks.ReleaseTaskLocks(t.ID)
			pushFrontOfQueue(st, t.ID)
			b.emit(Event{Kind: EventLockConflict, AgentID: agent.ID, TaskID: t.ID, At: now})
			continue
		}

		removeFromQueue(st, t.ID)
		t.Status = state.TaskAssigned
		t.AssignedAgent = &agent.ID
		assignedAt := now
		t.AssignedAt = &assignedAt
		t.Attempts++

		branch := ""
		if st.Config != nil && st.Config.GitIntegration {
			branch = st.Config.BranchPrefix + agent.ID + "/" + t.ID
			t.Branch = &branch
		}

		agent.Status = state.AgentWorking
		agent.CurrentTask = &t.ID

		assignMsg := taskAssignEnvelope(agent.ID, t)
		if err := b.queue.SendToAgent(agent.ID, assignMsg); err != nil {
			b.emit(Event{Kind: EventError, AgentID: agent.ID, TaskID: t.ID, Err: err, At: now})
		}
		b.emit(Event{Kind: EventTaskAssigned, AgentID: agent.ID, TaskID: t.ID, At: now})
		return true
	}
	return false
}
