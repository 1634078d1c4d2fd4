package broker

// EventKind enumerates the typed observer events the broker emits
// (spec.md §4.6). Observers are in-process only; events are never
// persisted.
type EventKind string

const (
	EventAgentRegistered    EventKind = "agent_registered"
	EventAgentDisconnected  EventKind = "agent_disconnected"
	EventAgentStatusChanged EventKind = "agent_status_changed"
	EventTaskCreated        EventKind = "task_created"
	EventTaskAssigned       EventKind = "task_assigned"
	EventTaskStarted        EventKind = "task_started"
	EventTaskProgress       EventKind = "task_progress"
	EventTaskCompleted      EventKind = "task_completed"
	EventTaskFailed         EventKind = "task_failed"
	EventLockAcquired       EventKind = "lock_acquired"
	EventLockReleased       EventKind = "lock_released"
	EventLockConflict       EventKind = "lock_conflict"
	EventError              EventKind = "error"
)

// Event is a single observer notification.
type Event struct {
	Kind    EventKind
	AgentID string
	TaskID  string
	Message string
	Err     error
	At      int64
}

// EventHandler receives broker events. OnEvent registers one.
type EventHandler func(Event)

func (b *Broker) emit(ev Event) {
	b.mu.Lock()
	handlers := append([]EventHandler(nil), b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// OnEvent registers an observer. Registration order is preserved but
// delivery order across handlers is not otherwise significant.
func (b *Broker) OnEvent(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}
