package agent

import (
	"time"

	"github.com/re-cinq/fleetline/internal/message"
	"github.com/re-cinq/fleetline/internal/state"
)

// dispatch routes one inbound envelope: a LOCK_RESPONSE matching an
// in-flight RequestLocks wait goes to its waiter channel; a TASK_ASSIGN
// drives the auto-accept flow; everything else goes to the registered
// OnMessage handler, never dropped (spec.md §4.7 requestLocks: "any
// other messages intercepted during the wait MUST be dispatched normally
// and not dropped").
func (r *Runtime) dispatch(env *message.Envelope) {
	if r.dedup.seenOrMark(env.ID) {
		return
	}

	if env.CorrelationID != "" {
		r.mu.Lock()
		ch, waiting := r.waiters[env.CorrelationID]
		if waiting {
			delete(r.waiters, env.CorrelationID)
		}
		r.mu.Unlock()
		if waiting {
			ch <- env
			return
		}
	}

	if env.Type == message.TaskAssign {
		r.handleTaskAssign(env)
		return
	}

	r.mu.Lock()
	cb := r.onMsg
	r.mu.Unlock()
	if cb != nil {
		cb(env)
	}
}

// handleTaskAssign implements spec.md §4.7's TASK_ASSIGN auto-accept
// flow: if auto-accept is on, there is no current task, and a callback
// is registered, transition to working, report in_progress, then run
// the callback on its own goroutine and report the outcome.
//
// The callback runs off of dispatch's own goroutine deliberately:
// dispatch is only ever driven by Start's single poll-loop goroutine
// (see runtime.go), and that's the same goroutine that delivers a
// correlated LOCK_RESPONSE to a waiting RequestLocks call. A callback
// that calls RequestLocks and blocks inline here would starve the very
// goroutine that could unblock it. Running it on its own goroutine
// keeps the poll loop free to keep dispatching while the callback
// waits.
func (r *Runtime) handleTaskAssign(env *message.Envelope) {
	var p message.TaskAssignPayload
	if err := message.Decode(env.Payload, &p); err != nil {
		return
	}
	var task state.Task
	if err := message.Decode(p.Task, &task); err != nil {
		return
	}

	r.mu.Lock()
	autoAccept := r.autoAccept
	callback := r.callback
	hasCurrent := r.currentTask != nil
	r.mu.Unlock()

	if !autoAccept || hasCurrent || callback == nil {
		return
	}

	if err := r.AcceptTask(&task); err != nil {
		return
	}

	r.callbackWG.Add(1)
	go func() {
		defer r.callbackWG.Done()
		result, err := callback(&task)
		if err != nil {
			_ = r.FailTask(err.Error())
			return
		}
		_ = r.CompleteTask(result)
	}()
}

// AcceptTask marks task as this agent's current work and reports
// TASK_UPDATE{in_progress} (spec.md §6.3 acceptTask).
func (r *Runtime) AcceptTask(task *state.Task) error {
	r.mu.Lock()
	r.currentTask = task
	r.mu.Unlock()

	env := message.New(message.TaskUpdate, r.id, "coordinator", message.TaskUpdatePayload{
		TaskID: task.ID,
		Status: string(state.TaskInProgress),
	})
	return r.queue.WriteOutbox(r.id, env)
}

// CompleteTask reports TASK_COMPLETE and returns the runtime to idle
// (spec.md §6.3 completeTask).
func (r *Runtime) CompleteTask(result *state.TaskResult) error {
	r.mu.Lock()
	task := r.currentTask
	r.currentTask = nil
	r.mu.Unlock()
	if task == nil {
		return nil
	}

	env := message.New(message.TaskComplete, r.id, "coordinator", message.TaskCompletePayload{
		TaskID: task.ID,
		Result: message.MustEncode(result),
	})
	return r.queue.WriteOutbox(r.id, env)
}

// FailTask reports TASK_FAILED and returns the runtime to idle (spec.md
// §6.3 failTask).
func (r *Runtime) FailTask(errMsg string) error {
	r.mu.Lock()
	task := r.currentTask
	r.currentTask = nil
	r.mu.Unlock()
	if task == nil {
		return nil
	}

	env := message.New(message.TaskFailed, r.id, "coordinator", message.TaskFailedPayload{
		TaskID: task.ID,
		Error:  errMsg,
	})
	return r.queue.WriteOutbox(r.id, env)
}

// ReportProgress posts a TASK_UPDATE carrying progress/message for the
// current task (spec.md §6.3 reportProgress).
func (r *Runtime) ReportProgress(progress *int, msg string) error {
	r.mu.Lock()
	task := r.currentTask
	r.mu.Unlock()
	if task == nil {
		return nil
	}

	env := message.New(message.TaskUpdate, r.id, "coordinator", message.TaskUpdatePayload{
		TaskID:   task.ID,
		Progress: progress,
		Message:  msg,
	})
	return r.queue.WriteOutbox(r.id, env)
}

// RequestLocks posts LOCK_REQUEST and waits up to 5 s for the matching
// LOCK_RESPONSE, correlated by envelope id (spec.md §4.7 requestLocks).
// Any other inbound message observed while waiting is dispatched
// normally by the concurrent inbox-poll ticker, never dropped.
func (r *Runtime) RequestLocks(paths []string, lockType string) (*message.LockResultPayload, error) {
	r.mu.Lock()
	var taskID string
	if r.currentTask != nil {
		taskID = r.currentTask.ID
	}
	r.mu.Unlock()

	env := message.New(message.LockRequestMsg, r.id, "coordinator", message.LockRequestPayload{
		AgentID:  r.id,
		TaskID:   taskID,
		Paths:    paths,
		LockType: lockType,
	})

	ch := make(chan *message.Envelope, 1)
	r.mu.Lock()
	r.waiters[env.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, env.ID)
		r.mu.Unlock()
	}()

	if err := r.queue.WriteOutbox(r.id, env); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		var result message.LockResultPayload
		if err := message.Decode(resp.Payload, &result); err != nil {
			return nil, err
		}
		return &result, nil
	case <-time.After(lockRequestTimeout):
		return nil, ErrLockRequestTimeout
	}
}

// ReleaseLocks posts LOCK_RELEASE for paths (spec.md §6.3 releaseLocks).
func (r *Runtime) ReleaseLocks(paths []string) error {
	env := message.New(message.LockRelease, r.id, "coordinator", message.LockReleasePayload{Paths: paths})
	return r.queue.WriteOutbox(r.id, env)
}

// RequestTask posts TASK_REQUEST, asking the coordinator to consider
// this agent for assignment outside the normal auto-assign pass (spec.md
// §6.3 requestTask).
func (r *Runtime) RequestTask() error {
	env := message.New(message.TaskRequest, r.id, "coordinator", message.TaskRequestPayload{AgentID: r.id})
	return r.queue.WriteOutbox(r.id, env)
}
