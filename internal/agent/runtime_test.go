package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/re-cinq/fleetline/internal/config"
	"github.com/re-cinq/fleetline/internal/message"
	"github.com/re-cinq/fleetline/internal/state"
)

func newTestRuntime(t *testing.T) (*Runtime, *config.Paths) {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	if err := paths.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	store := state.NewStore(paths)
	if err := store.Write(state.New(paths.Root, time.Now().UnixMilli(), cfg)); err != nil {
		t.Fatal(err)
	}
	return New(paths, cfg, "a1"), paths
}

func TestRegisterWritesStateAndOutbox(t *testing.T) {
	r, paths := newTestRuntime(t)
	info, err := r.Register("agent one", "/work", []string{"go"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if info.Status != state.AgentIdle {
		t.Errorf("status = %s, want idle", info.Status)
	}

	st, err := state.NewStore(paths).Read()
	if err != nil || st == nil {
		t.Fatalf("Read: %v", err)
	}
	if _, ok := st.Agents["a1"]; !ok {
		t.Fatal("agent not persisted to state")
	}

	q := message.NewQueue(paths)
	envs, err := q.ReadOutbox("a1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 || envs[0].Type != message.AgentRegister {
		t.Fatalf("expected one AGENT_REGISTER in outbox, got %+v", envs)
	}
}

func TestDispatchDropsDuplicateEnvelopeID(t *testing.T) {
	r, _ := newTestRuntime(t)
	var got []*message.Envelope
	r.OnMessage(func(e *message.Envelope) { got = append(got, e) })

	env := message.New(message.Broadcast, "coordinator", "a1", map[string]string{"hi": "there"})
	r.dispatch(env)
	r.dispatch(env)

	if len(got) != 1 {
		t.Fatalf("handler invoked %d times, want 1 (dedup by envelope id)", len(got))
	}
}

func TestDispatchRoutesCorrelatedReplyToWaiter(t *testing.T) {
	r, _ := newTestRuntime(t)
	var fallbackCalls int
	r.OnMessage(func(e *message.Envelope) { fallbackCalls++ })

	req := message.New(message.LockRequestMsg, "a1", "coordinator", message.LockRequestPayload{})
	ch := make(chan *message.Envelope, 1)
	r.mu.Lock()
	r.waiters[req.ID] = ch
	r.mu.Unlock()

	resp := message.Reply(message.LockResponseMsg, "coordinator", req, message.LockResultPayload{Success: true})
	r.dispatch(resp)

	select {
	case got := <-ch:
		if got.ID != resp.ID {
			t.Errorf("waiter received envelope %s, want %s", got.ID, resp.ID)
		}
	default:
		t.Fatal("waiter channel never received the correlated reply")
	}
	if fallbackCalls != 0 {
		t.Errorf("fallback handler should not see a correlated reply, got %d calls", fallbackCalls)
	}
}

// waitForOutbox polls an agent's outbox until it contains an envelope of
// typ, or fails the test after 1s. The callback invoked by
// handleTaskAssign now runs on its own goroutine (see handlers.go), so
// its outcome is observed asynchronously rather than immediately after
// handleTaskAssign returns.
func waitForOutbox(t *testing.T, q *message.Queue, agentID string, typ message.Type) *message.Envelope {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		envs, err := q.ReadOutbox(agentID, false)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range envs {
			if e.Type == typ {
				return e
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("outbox never received a %s envelope", typ)
	return nil
}

func TestHandleTaskAssignAutoAcceptRunsCallbackAndReportsCompletion(t *testing.T) {
	r, paths := newTestRuntime(t)
	task := &state.Task{ID: "t1", Title: "do it", Status: state.TaskAssigned, MaxAttempts: 3}

	ranWith := make(chan *state.Task, 1)
	r.Start(func(tk *state.Task) (*state.TaskResult, error) {
		ranWith <- tk
		return &state.TaskResult{Success: true, Summary: "done"}, nil
	})
	defer r.Stop()

	env := message.New(message.TaskAssign, "coordinator", "a1", message.TaskAssignPayload{
		Task: message.MustEncode(task),
	})
	r.handleTaskAssign(env)

	select {
	case tk := <-ranWith:
		if tk == nil || tk.ID != "t1" {
			t.Fatalf("callback did not run with the assigned task, got %+v", tk)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}

	q := message.NewQueue(paths)
	waitForOutbox(t, q, "a1", message.TaskUpdate)
	waitForOutbox(t, q, "a1", message.TaskComplete)
}

func TestHandleTaskAssignReportsFailureOnCallbackError(t *testing.T) {
	r, paths := newTestRuntime(t)
	task := &state.Task{ID: "t1", Title: "do it", Status: state.TaskAssigned, MaxAttempts: 3}

	r.Start(func(tk *state.Task) (*state.TaskResult, error) {
		return nil, errors.New("boom")
	})
	defer r.Stop()

	env := message.New(message.TaskAssign, "coordinator", "a1", message.TaskAssignPayload{
		Task: message.MustEncode(task),
	})
	r.handleTaskAssign(env)

	q := message.NewQueue(paths)
	failed := waitForOutbox(t, q, "a1", message.TaskFailed)
	var p message.TaskFailedPayload
	if err := message.Decode(failed.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Error != "boom" {
		t.Errorf("Error = %q, want %q", p.Error, "boom")
	}
}

func TestRequestLocksReceivesCorrelatedResponse(t *testing.T) {
	r, paths := newTestRuntime(t)
	q := message.NewQueue(paths)

	done := make(chan *message.LockResultPayload, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := r.RequestLocks([]string{"x.go"}, "write")
		done <- res
		errCh <- err
	}()

	// Simulate the coordinator replying: read the LOCK_REQUEST this
	// runtime just posted to its own outbox, then deliver a LOCK_RESPONSE
	// to its inbox correlated by that envelope's id.
	var req *message.Envelope
	for i := 0; i < 50 && req == nil; i++ {
		envs, err := q.ReadOutbox("a1", true)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range envs {
			if e.Type == message.LockRequestMsg {
				req = e
			}
		}
		if req == nil {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if req == nil {
		t.Fatal("runtime never posted a LOCK_REQUEST")
	}

	resp := message.Reply(message.LockResponseMsg, "coordinator", req, message.LockResultPayload{Success: true})
	if err := q.SendToAgent("a1", resp); err != nil {
		t.Fatal(err)
	}
	r.dispatch(resp)

	select {
	case res := <-done:
		if res == nil || !res.Success {
			t.Fatalf("RequestLocks result = %+v, want Success=true", res)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestLocks never returned")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("RequestLocks error: %v", err)
	}
}

// TestRequestLocksCalledFromCallbackDoesNotDeadlock drives the real
// Start() poll loop end to end: the auto-accept callback calls
// RequestLocks synchronously, exactly the shape spec.md §4.7 describes
// an agent requesting locks before starting task work. Because
// handleTaskAssign runs the callback on its own goroutine, the poll
// loop stays free to read the inbox and deliver the correlated
// LOCK_RESPONSE a simulated coordinator posts back, and RequestLocks
// returns well before its 5s timeout.
func TestRequestLocksCalledFromCallbackDoesNotDeadlock(t *testing.T) {
	r, paths := newTestRuntime(t)
	q := message.NewQueue(paths)

	callbackDone := make(chan error, 1)
	r.Start(func(tk *state.Task) (*state.TaskResult, error) {
		_, err := r.RequestLocks([]string{"main.go"}, "write")
		callbackDone <- err
		if err != nil {
			return nil, err
		}
		return &state.TaskResult{Success: true}, nil
	})
	defer r.Stop()

	// Simulated coordinator: watches a1's outbox for the LOCK_REQUEST the
	// callback issues and replies immediately, well inside the timeout.
	coordinatorDone := make(chan struct{})
	go func() {
		defer close(coordinatorDone)
		var req *message.Envelope
		for i := 0; i < 200 && req == nil; i++ {
			envs, err := q.ReadOutbox("a1", true)
			if err != nil {
				return
			}
			for _, e := range envs {
				if e.Type == message.LockRequestMsg {
					req = e
				}
			}
			if req == nil {
				time.Sleep(10 * time.Millisecond)
			}
		}
		if req == nil {
			return
		}
		resp := message.Reply(message.LockResponseMsg, "coordinator", req, message.LockResultPayload{Success: true})
		_ = q.SendToAgent("a1", resp)
	}()

	task := &state.Task{ID: "t1", Title: "needs a lock", Status: state.TaskAssigned, MaxAttempts: 3}
	assign := message.New(message.TaskAssign, "coordinator", "a1", message.TaskAssignPayload{
		Task: message.MustEncode(task),
	})
	if err := q.SendToAgent("a1", assign); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-callbackDone:
		if err != nil {
			t.Fatalf("RequestLocks returned an error from inside the callback: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("callback's RequestLocks call never returned — poll loop starved itself")
	}
	<-coordinatorDone

	waitForOutbox(t, q, "a1", message.TaskComplete)
}
