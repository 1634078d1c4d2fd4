package broker

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/re-cinq/fleetline/internal/fileutil"
	"github.com/re-cinq/fleetline/internal/lock"
	"github.com/re-cinq/fleetline/internal/message"
	"github.com/re-cinq/fleetline/internal/state"
)

// fiveMinutesMs is the silence threshold after which an offline agent is
// removed from the registry entirely (spec.md §4.6).
const fiveMinutesMs = int64(5 * time.Minute / time.Millisecond)

// drainAllOutboxes reads (and, per spec.md §4.3, unlinks) every agent's
// outbox concurrently — pure I/O, no state mutation — so the tick's
// subsequent handling pass can process every inbound envelope under a
// single advisory-lock hold.
func (b *Broker) drainAllOutboxes() map[string][]*message.Envelope {
	entries, err := os.ReadDir(b.paths.AgentsDir())
	if err != nil {
		return nil
	}

	result := make(map[string][]*message.Envelope, len(entries))
	var mu sync.Mutex
	var g errgroup.Group
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		agentID := e.Name()
		g.Go(func() error {
			envs, err := b.queue.ReadOutbox(agentID, true)
			if err != nil {
				fileutil.LogError("reading outbox for %s: %s", agentID, err)
				return nil
			}
			if len(envs) == 0 {
				return nil
			}
			mu.Lock()
			result[agentID] = envs
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// handleMessageLocked applies one inbound envelope's effect to st. It
// runs while the state advisory lock is held, so message handling never
// interleaves with the auto-assign pass (spec.md §5).
func (b *Broker) handleMessageLocked(st *state.ServerState, source string, env *message.Envelope, now int64) {
	switch env.Type {
	case message.AgentRegister:
		var p message.AgentRegisterPayload
		if err := message.Decode(env.Payload, &p); err != nil {
			return
		}
		var info state.AgentInfo
		if err := message.Decode(p.Agent, &info); err != nil {
			return
		}
		if info.ID == "" {
			info.ID = source
		}
		if _, exists := st.Agents[info.ID]; !exists {
			if info.Status == "" {
				info.Status = state.AgentIdle
			}
			info.LastHeartbeat = now
			st.Agents[info.ID] = &info
			st.AgentOrder = append(st.AgentOrder, info.ID)
			b.emit(Event{Kind: EventAgentRegistered, AgentID: info.ID, At: now})
		}

	case message.AgentHeartbeat:
		agent, ok := st.Agents[source]
		if !ok {
			return
		}
		var p message.AgentHeartbeatPayload
		if err := message.Decode(env.Payload, &p); err == nil && p.Status != "" {
			agent.Status = state.AgentStatus(p.Status)
		}
		agent.LastHeartbeat = now

	case message.AgentDisconnect:
		var p message.AgentDisconnectPayload
		if err := message.Decode(env.Payload, &p); err != nil {
			return
		}
		b.removeAgentLocked(st, p.AgentID, now)

	case message.TaskRequest:
		var p message.TaskRequestPayload
		if err := message.Decode(env.Payload, &p); err != nil {
			return
		}
		if agent, ok := st.Agents[p.AgentID]; ok && agent.Status == state.AgentIdle {
			b.assignOneLocked(st, b.locks, agent, now)
		}

	case message.TaskUpdate:
		var p message.TaskUpdatePayload
		if err := message.Decode(env.Payload, &p); err != nil {
			return
		}
		t, ok := st.Tasks[p.TaskID]
		if !ok || t.AssignedAgent == nil || *t.AssignedAgent != source {
			return
		}
		if p.Status == string(state.TaskInProgress) && t.Status == state.TaskAssigned {
			t.Status = state.TaskInProgress
			startedAt := now
			t.StartedAt = &startedAt
			b.emit(Event{Kind: EventTaskStarted, AgentID: source, TaskID: t.ID, At: now})
		}
		if p.Message != "" || p.Progress != nil {
			b.emit(Event{Kind: EventTaskProgress, AgentID: source, TaskID: t.ID, Message: p.Message, At: now})
		}

	case message.TaskComplete:
		var p message.TaskCompletePayload
		if err := message.Decode(env.Payload, &p); err != nil {
			return
		}
		var result state.TaskResult
		_ = message.Decode(p.Result, &result)
		b.completeTaskLocked(st, source, p.TaskID, &result, now)

	case message.TaskFailed:
		var p message.TaskFailedPayload
		if err := message.Decode(env.Payload, &p); err != nil {
			return
		}
		b.failTaskLocked(st, source, p.TaskID, p.Error, now)

	case message.LockRequestMsg:
		var p message.LockRequestPayload
		if err := message.Decode(env.Payload, &p); err != nil {
			return
		}
		result, err := b.locks.AcquireLocks(lock.AcquireRequest{
			AgentID:   p.AgentID,
			TaskID:    p.TaskID,
			Paths:     p.Paths,
			LockType:  lock.Type(p.LockType),
			TimeoutMs: p.TimeoutMs,
		})
		if err != nil {
			b.emit(Event{Kind: EventError, AgentID: p.AgentID, Err: err, At: now})
			return
		}
		payload := message.LockResultPayload{Success: result.Success, Acquired: result.Acquired, Failed: result.Failed}
		for _, c := range result.Conflicts {
			payload.Conflict = append(payload.Conflict, message.LockConflictVM{Path: c.Path, HeldBy: c.HeldBy, LockType: string(c.LockType)})
		}
		reply := message.Reply(message.LockResponseMsg, "coordinator", env, payload)
		if err := b.queue.SendToAgent(source, reply); err != nil {
			b.emit(Event{Kind: EventError, AgentID: source, Err: err, At: now})
		}
		kind := EventLockAcquired
		if !result.Success {
			kind = EventLockConflict
		}
		b.emit(Event{Kind: kind, AgentID: p.AgentID, At: now})

	case message.LockRelease:
		var p message.LockReleasePayload
		if err := message.Decode(env.Payload, &p); err != nil {
			return
		}
		if err := b.locks.ReleaseLocks(source, p.Paths); err != nil {
			b.emit(Event{Kind: EventError, AgentID: source, Err: err, At: now})
		} else {
			b.emit(Event{Kind: EventLockReleased, AgentID: source, At: now})
		}

	case message.Broadcast, message.SyncState:
		if err := b.queue.Broadcast(env, source); err != nil {
			b.emit(Event{Kind: EventError, AgentID: source, Err: err, At: now})
		}
	}
}

// removeAgentLocked unassigns the agent's current task (if any), frees
// every lock it holds, and deletes it from the registry.
func (b *Broker) removeAgentLocked(st *state.ServerState, agentID string, now int64) {
	agent, ok := st.Agents[agentID]
	if !ok {
		return
	}
	if agent.CurrentTask != nil {
		b.unassignLocked(st, *agent.CurrentTask, now)
	}
	_ = b.locks.ReleaseAllLocks(agentID)
	delete(st.Agents, agentID)
	for i, id := range st.AgentOrder {
		if id == agentID {
			st.AgentOrder = append(st.AgentOrder[:i], st.AgentOrder[i+1:]...)
			break
		}
	}
	b.emit(Event{Kind: EventAgentDisconnected, AgentID: agentID, At: now})
}

// unassignLocked returns taskID to pending at the front of the queue and
// clears its owning agent's CurrentTask. An agent whose status is working
// becomes idle; any other status (such as offline, set by the caller
// beforehand) is left unchanged.
func (b *Broker) unassignLocked(st *state.ServerState, taskID string, now int64) {
	t, ok := st.Tasks[taskID]
	if !ok || t.IsTerminal() {
		return
	}
	if t.AssignedAgent != nil {
		if agent, ok := st.Agents[*t.AssignedAgent]; ok && agent.CurrentTask != nil && *agent.CurrentTask == taskID {
			agent.CurrentTask = nil
			if agent.Status == state.AgentWorking {
				agent.Status = state.AgentIdle
			}
		}
	}
	t.Status = state.TaskPending
	t.AssignedAgent = nil
	t.AssignedAt = nil
	t.StartedAt = nil
	_ = b.locks.ReleaseTaskLocks(taskID)
	pushFrontOfQueue(st, taskID)
}

// completeTaskLocked applies a TASK_COMPLETE per spec.md §4.6: valid only
// from {assigned, in_progress}, and only from the currently assigned
// agent. Anything else is silently ignored — message handling absorbs
// contract violations locally (spec.md §7); direct API callers get a
// typed error from CompleteTask instead.
func (b *Broker) completeTaskLocked(st *state.ServerState, source, taskID string, result *state.TaskResult, now int64) bool {
	t, ok := st.Tasks[taskID]
	if !ok || t.IsTerminal() {
		return false
	}
	if t.Status != state.TaskAssigned && t.Status != state.TaskInProgress {
		return false
	}
	if t.AssignedAgent == nil || *t.AssignedAgent != source {
		return false
	}

	t.Status = state.TaskCompleted
	completedAt := now
	t.CompletedAt = &completedAt
	t.Result = result
	clearDependency(st, t.ID)
	st.CompletedHistory = append(st.CompletedHistory, t.ID)

	if agent, ok := st.Agents[source]; ok {
		agent.CompletedTasks++
		agent.CurrentTask = nil
		agent.Status = state.AgentIdle
	}
	_ = b.locks.ReleaseTaskLocks(t.ID)
	b.emit(Event{Kind: EventTaskCompleted, AgentID: source, TaskID: t.ID, At: now})
	return true
}

// failTaskLocked applies a TASK_FAILED: retried to the front of the
// queue while attempts remain, otherwise terminal (spec.md §4.6).
func (b *Broker) failTaskLocked(st *state.ServerState, source, taskID, errMsg string, now int64) bool {
	t, ok := st.Tasks[taskID]
	if !ok || t.IsTerminal() {
		return false
	}
	if t.AssignedAgent == nil || *t.AssignedAgent != source {
		return false
	}

	errCopy := errMsg
	t.Error = &errCopy
	_ = b.locks.ReleaseTaskLocks(t.ID)
	if agent, ok := st.Agents[source]; ok {
		agent.FailedTasks++
		agent.CurrentTask = nil
		agent.Status = state.AgentIdle
	}

	if t.Attempts < t.MaxAttempts {
		t.Status = state.TaskPending
		t.AssignedAgent = nil
		t.AssignedAt = nil
		t.StartedAt = nil
		pushFrontOfQueue(st, t.ID)
	} else {
		t.Status = state.TaskFailed
		completedAt := now
		t.CompletedAt = &completedAt
		removeFromQueue(st, t.ID)
	}
	b.emit(Event{Kind: EventTaskFailed, AgentID: source, TaskID: t.ID, Message: errMsg, At: now})
	return true
}

// checkHeartbeatsLocked offlines agents silent beyond heartbeatTimeout
// and removes agents silent beyond fiveMinutesMs (spec.md §4.6).
func (b *Broker) checkHeartbeatsLocked(st *state.ServerState, now int64) {
	timeout := int64(st.Config.HeartbeatTimeout)
	for _, agentID := range append([]string(nil), st.AgentOrder...) {
		agent, ok := st.Agents[agentID]
		if !ok {
			continue
		}
		silence := now - agent.LastHeartbeat

		if agent.Status == state.AgentOffline {
			if silence > fiveMinutesMs {
				b.removeAgentLocked(st, agentID, now)
			}
			continue
		}

		if silence > timeout {
			agent.Status = state.AgentOffline
			if agent.CurrentTask != nil {
				b.unassignLocked(st, *agent.CurrentTask, now)
			}
			_ = b.locks.ReleaseAllLocks(agentID)
			b.emit(Event{Kind: EventAgentStatusChanged, AgentID: agentID, Message: "offline", At: now})
		}
	}
}

// sweepTaskTimeoutsLocked is the supplemented timeout enforcement
// SPEC_FULL.md §D.2 adds per §9 open question 3: a task whose execution
// has exceeded taskTimeout is failed with a distinguished error message.
func (b *Broker) sweepTaskTimeoutsLocked(st *state.ServerState, now int64) {
	budget := int64(st.Config.TaskTimeout)
	for _, t := range st.Tasks {
		if t.Status != state.TaskAssigned && t.Status != state.TaskInProgress {
			continue
		}
		var start int64
		switch {
		case t.StartedAt != nil:
			start = *t.StartedAt
		case t.AssignedAt != nil:
			start = *t.AssignedAt
		default:
			continue
		}
		if now-start <= budget || t.AssignedAgent == nil {
			continue
		}
		b.failTaskLocked(st, *t.AssignedAgent, t.ID, "task exceeded taskTimeout", now)
	}
}
