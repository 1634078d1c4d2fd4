// Package broker implements the Task Broker / Coordinator (spec.md
// §4.6, C6): the single process that owns the state file, runs the
// periodic tick, and exposes the public coordinator API (spec.md §6.3).
package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/re-cinq/fleetline/internal/config"
	"github.com/re-cinq/fleetline/internal/fileutil"
	"github.com/re-cinq/fleetline/internal/lock"
	"github.com/re-cinq/fleetline/internal/message"
	"github.com/re-cinq/fleetline/internal/state"
)

// Broker is the C6 Task Broker. Exactly one runs per coordinator
// directory (spec.md §4.6: "Runs in one process").
type Broker struct {
	paths *config.Paths
	store *state.Store
	queue *message.Queue
	locks *lock.Manager
	cfg   *config.Config
	dedup *dedupWindow

	mu       sync.Mutex
	handlers []EventHandler
	stopCh   chan struct{}
	stopped  chan struct{}
}

// Initialize resolves the coordinator layout under root, loads
// configuration, and prepares (but does not start) the tick loop
// (spec.md §6.3 initialize()).
func Initialize(root string) (*Broker, error) {
	paths := config.NewPaths(root)
	if err := paths.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("initializing layout: %w", err)
	}
	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return nil, err
	}

	locks, err := lock.NewManager(paths, cfg.LockTimeoutDuration(), cfg.LockExemptPatterns)
	if err != nil {
		return nil, fmt.Errorf("initializing lock manager: %w", err)
	}

	store := state.NewStore(paths)
	existing, err := store.Read()
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing = state.New(root, time.Now().UnixMilli(), cfg)
		if err := store.Write(existing); err != nil {
			return nil, fmt.Errorf("writing initial state: %w", err)
		}
	}

	return &Broker{
		paths: paths,
		store: store,
		queue: message.NewQueue(paths),
		locks: locks,
		cfg:   cfg,
		dedup: newDedupWindow(),
	}, nil
}

// GetState returns the current persisted ServerState (spec.md §6.3).
func (b *Broker) GetState() (*state.ServerState, error) {
	return b.store.Read()
}

// GetLocks returns the current lock set (spec.md §6.3).
func (b *Broker) GetLocks() []*lock.FileLock {
	return b.locks.GetLocks()
}

// StartWatching begins the periodic tick at the configured heartbeat
// interval (spec.md §4.6, §6.3). Each tick runs to completion before the
// next begins (spec.md §5).
func (b *Broker) StartWatching() {
	b.mu.Lock()
	if b.stopCh != nil {
		b.mu.Unlock()
		return
	}
	b.stopCh = make(chan struct{})
	b.stopped = make(chan struct{})
	stopCh := b.stopCh
	stopped := b.stopped
	b.mu.Unlock()

	// nudge is the SPEC_FULL.md §D.3 fsnotify fast path: a change directly
	// inside the agents directory (such as a new agent's directory
	// appearing) wakes the tick early. The watch is not recursive, so a
	// message written into an agent's outbox does not fire it; the ticker
	// below picks those up, and remains the source of truth if the
	// watcher could not be installed.
	nudger := fileutil.NewNudger(b.paths.AgentsDir())

	go func() {
		defer close(stopped)
		defer nudger.Close()
		ticker := time.NewTicker(b.cfg.HeartbeatIntervalDuration())
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				b.Tick()
			case <-nudger.Chan():
				b.Tick()
			}
		}
	}()
}

// StopWatching halts the tick loop and blocks until the in-flight tick,
// if any, has finished (spec.md §6.3).
func (b *Broker) StopWatching() {
	b.mu.Lock()
	stopCh := b.stopCh
	stopped := b.stopped
	b.stopCh = nil
	b.stopped = nil
	b.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-stopped
}

// Tick runs one pass: drain outboxes, check heartbeats, auto-assign, and
// sweep task timeouts (spec.md §4.6). Exported so CLI `coordinator once`
// and tests can drive single passes deterministically.
func (b *Broker) Tick() {
	inbound := b.drainAllOutboxes()
	now := time.Now().UnixMilli()

	_, err := b.store.UpdateState(func(st *state.ServerState) (*state.ServerState, error) {
		if st == nil {
			st = state.New(b.paths.Root, now, b.cfg)
		}
		for agentID, envs := range inbound {
			for _, env := range envs {
				if b.dedup.seenOrMark(env.ID) {
					continue
				}
				b.handleMessageLocked(st, agentID, env, now)
			}
		}
		b.checkHeartbeatsLocked(st, now)
		if st.Config != nil && st.Config.AutoAssign {
			b.autoAssignLocked(st, b.locks, now)
		}
		b.sweepTaskTimeoutsLocked(st, now)
		return st, nil
	})
	if err != nil {
		b.emit(Event{Kind: EventError, Err: err, At: now})
	}
}

func taskAssignEnvelope(agentID string, t *state.Task) *message.Envelope {
	return message.New(message.TaskAssign, "coordinator", agentID, message.TaskAssignPayload{
		Task: message.MustEncode(t),
	})
}

// newID generates a short random identifier for tasks and agents created
// without a caller-supplied id.
func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
