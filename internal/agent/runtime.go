// Package agent implements the per-worker side of the coordinator
// protocol (spec.md §4.7, C7): registration, heartbeating, inbox
// polling, task acceptance, and lock requests.
package agent

import (
	"errors"
	"sync"
	"time"

	"github.com/re-cinq/fleetline/internal/config"
	"github.com/re-cinq/fleetline/internal/fileutil"
	"github.com/re-cinq/fleetline/internal/message"
	"github.com/re-cinq/fleetline/internal/state"
)

// ErrLockRequestTimeout is returned by RequestLocks when no matching
// LOCK_RESPONSE arrives within the 5 s window (spec.md §4.7).
var ErrLockRequestTimeout = errors.New("agent: lock request timed out")

// lockRequestTimeout is the spec.md §4.7 poll window for RequestLocks.
const lockRequestTimeout = 5 * time.Second

// inboxPollInterval is the spec.md §4.7 "every 1 s drain its own inbox"
// cadence.
const inboxPollInterval = time.Second

// Callback is invoked when a task is auto-accepted; its return value
// becomes the TASK_COMPLETE/TASK_FAILED outcome (spec.md §4.7). It runs
// on its own goroutine, separate from the runtime's poll loop (see
// handleTaskAssign), so it may safely call RequestLocks: the poll loop
// stays free to receive the correlated LOCK_RESPONSE while the callback
// blocks waiting for it.
type Callback func(*state.Task) (*state.TaskResult, error)

// Runtime is the C7 Agent Runtime: one per worker process.
type Runtime struct {
	paths *config.Paths
	queue *message.Queue
	store *state.Store
	id    string
	dedup *dedupWindow

	heartbeatInterval time.Duration

	mu          sync.Mutex
	callback    Callback
	autoAccept  bool
	currentTask *state.Task
	waiters     map[string]chan *message.Envelope
	onMsg       func(*message.Envelope)

	// callbackWG tracks the in-flight goroutine running the current
	// task's Callback (see handleTaskAssign). Stop waits on it so a
	// callback that's mid-flight when the agent is told to stop still
	// gets to report its outcome before AGENT_DISCONNECT goes out.
	callbackWG sync.WaitGroup

	stopCh  chan struct{}
	stopped chan struct{}
}

// New builds a Runtime for agentID rooted at paths, using cfg's
// heartbeatInterval.
func New(paths *config.Paths, cfg *config.Config, agentID string) *Runtime {
	return &Runtime{
		paths:             paths,
		queue:             message.NewQueue(paths),
		store:             state.NewStore(paths),
		id:                agentID,
		dedup:             newDedupWindow(),
		heartbeatInterval: cfg.HeartbeatIntervalDuration(),
		waiters:           map[string]chan *message.Envelope{},
	}
}

// ID returns the agent's stable identifier.
func (r *Runtime) ID() string { return r.id }

// OnMessage registers a handler invoked for every inbound envelope that
// isn't consumed by an in-flight RequestLocks wait (spec.md §6.3
// onMessage).
func (r *Runtime) OnMessage(cb func(*message.Envelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMsg = cb
}

// Register ensures this agent's inbox/outbox directories exist, writes
// its AgentInfo into state directly via UpdateState, and posts
// AGENT_REGISTER to its own outbox so the coordinator's next tick also
// observes the registration (spec.md §4.7 register).
func (r *Runtime) Register(name, workingDirectory string, capabilities []string) (*state.AgentInfo, error) {
	if err := r.paths.EnsureAgentDirs(r.id); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	info := &state.AgentInfo{
		ID:               r.id,
		Name:             name,
		Status:           state.AgentIdle,
		WorkingDirectory: workingDirectory,
		StartedAt:        now,
		LastHeartbeat:    now,
		Capabilities:     capabilities,
	}

	_, err := r.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			return st, errors.New("agent: coordinator state not initialized")
		}
		if _, exists := st.Agents[r.id]; !exists {
			st.AgentOrder = append(st.AgentOrder, r.id)
		}
		st.Agents[r.id] = info
		return st, nil
	})
	if err != nil {
		return nil, err
	}

	env := message.New(message.AgentRegister, r.id, "coordinator", message.AgentRegisterPayload{
		Agent: message.MustEncode(info),
	})
	if err := r.queue.WriteOutbox(r.id, env); err != nil {
		return nil, err
	}
	return info, nil
}

// Start begins the heartbeat and inbox-poll tickers. callback may be nil
// if this runtime only accepts tasks manually via AcceptTask (spec.md
// §4.7 start(callback)).
func (r *Runtime) Start(callback Callback) {
	r.mu.Lock()
	r.callback = callback
	r.autoAccept = callback != nil
	if r.stopCh != nil {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.stopped = make(chan struct{})
	stopCh := r.stopCh
	stopped := r.stopped
	r.mu.Unlock()

	// nudger is the SPEC_FULL.md §D.3 fsnotify fast path for inbox
	// draining; the 1 s poll ticker remains the source of truth if the
	// watcher could not be installed (spec.md §9 "Polling vs. push").
	nudger := fileutil.NewNudger(r.paths.AgentInboxDir(r.id))

	go func() {
		defer close(stopped)
		defer nudger.Close()
		heartbeat := time.NewTicker(r.heartbeatInterval)
		poll := time.NewTicker(inboxPollInterval)
		defer heartbeat.Stop()
		defer poll.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-heartbeat.C:
				r.sendHeartbeat()
			case <-poll.C:
				r.pollInbox()
			case <-nudger.Chan():
				r.pollInbox()
			}
		}
	}()
}

// Stop posts AGENT_DISCONNECT and halts both tickers (spec.md §4.7
// stop).
func (r *Runtime) Stop() {
	r.mu.Lock()
	stopCh := r.stopCh
	stopped := r.stopped
	r.stopCh = nil
	r.stopped = nil
	r.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stopped
	}
	r.callbackWG.Wait()

	env := message.New(message.AgentDisconnect, r.id, "coordinator", message.AgentDisconnectPayload{AgentID: r.id})
	_ = r.queue.WriteOutbox(r.id, env)
}

// GetState returns this agent's own AgentInfo as currently persisted
// (spec.md §6.3 getState).
func (r *Runtime) GetState() (*state.AgentInfo, error) {
	st, err := r.store.Read()
	if err != nil || st == nil {
		return nil, err
	}
	return st.Agents[r.id], nil
}

func (r *Runtime) sendHeartbeat() {
	r.mu.Lock()
	var currentTaskID string
	if r.currentTask != nil {
		currentTaskID = r.currentTask.ID
	}
	r.mu.Unlock()

	status := string(state.AgentIdle)
	if currentTaskID != "" {
		status = string(state.AgentWorking)
	}

	now := time.Now().UnixMilli()
	_, _ = r.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			return st, errors.New("agent: coordinator state not initialized")
		}
		if info, ok := st.Agents[r.id]; ok {
			info.LastHeartbeat = now
		}
		return st, nil
	})

	env := message.New(message.AgentHeartbeat, r.id, "coordinator", message.AgentHeartbeatPayload{
		Status:      status,
		CurrentTask: currentTaskID,
	})
	_ = r.queue.WriteOutbox(r.id, env)
}

func (r *Runtime) pollInbox() {
	envs, err := r.queue.ReadInbox(r.id, true)
	if err != nil {
		return
	}
	for _, env := range envs {
		r.dispatch(env)
	}
}
