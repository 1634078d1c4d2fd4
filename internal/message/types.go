// Package message implements the typed message envelope (spec.md §4.2,
// C2) and the file-backed inbox/outbox/board queue (spec.md §4.3, C3)
// that is one of the coordinator's two serialization points.
package message

import (
	"encoding/json"
)

// Type enumerates the message kinds from spec.md §6.2. Handlers match on
// this tag — the Go equivalent of the spec's "dynamic dispatch over
// variant messages" note.
type Type string

const (
	AgentRegister   Type = "AGENT_REGISTER"
	AgentHeartbeat  Type = "AGENT_HEARTBEAT"
	AgentDisconnect Type = "AGENT_DISCONNECT"
	TaskRequest     Type = "TASK_REQUEST"
	TaskAssign      Type = "TASK_ASSIGN"
	TaskUpdate      Type = "TASK_UPDATE"
	TaskComplete    Type = "TASK_COMPLETE"
	TaskFailed      Type = "TASK_FAILED"
	LockRequestMsg  Type = "LOCK_REQUEST"
	LockResponseMsg Type = "LOCK_RESPONSE"
	LockRelease     Type = "LOCK_RELEASE"
	SyncState       Type = "SYNC_STATE"
	Broadcast       Type = "BROADCAST"
)

// AgentRegisterPayload is carried by an AgentRegister envelope.
// Agent is left as json.RawMessage here; the receiver decodes it into a
// state.AgentInfo with Decode.
type AgentRegisterPayload struct {
	Agent json.RawMessage `json:"agent"`
}

// AgentHeartbeatPayload is carried by an AgentHeartbeat envelope.
type AgentHeartbeatPayload struct {
	Status      string `json:"status"`
	CurrentTask string `json:"currentTask,omitempty"`
	Progress    *int   `json:"progress,omitempty"`
	Message     string `json:"message,omitempty"`
}

// AgentDisconnectPayload is carried by an AgentDisconnect envelope.
type AgentDisconnectPayload struct {
	AgentID string `json:"agentId"`
}

// TaskRequestPayload is carried by a TaskRequest envelope.
type TaskRequestPayload struct {
	AgentID string `json:"agentId"`
}

// TaskAssignPayload is carried by a TaskAssign envelope. Task is left as
// json.RawMessage in the same way as AgentRegisterPayload.Agent; the
// receiver decodes it into a state.Task with Decode.
type TaskAssignPayload struct {
	Task json.RawMessage `json:"task"`
}

// TaskUpdatePayload is carried by a TaskUpdate envelope.
type TaskUpdatePayload struct {
	TaskID   string `json:"taskId"`
	Status   string `json:"status,omitempty"`
	Progress *int   `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
}

// TaskCompletePayload is carried by a TaskComplete envelope.
type TaskCompletePayload struct {
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result"`
}

// TaskFailedPayload is carried by a TaskFailed envelope.
type TaskFailedPayload struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error"`
}

// LockRequestPayload is carried by a LockRequest envelope.
type LockRequestPayload struct {
	AgentID   string   `json:"agentId"`
	TaskID    string   `json:"taskId,omitempty"`
	Paths     []string `json:"paths"`
	LockType  string   `json:"lockType"`
	TimeoutMs *int64   `json:"timeoutMs,omitempty"`
}

// LockResultPayload is carried by a LockResponse envelope (correlationId
// is set to the originating LockRequest's envelope id).
type LockResultPayload struct {
	Success  bool             `json:"success"`
	Acquired []string         `json:"acquired"`
	Failed   []string         `json:"failed"`
	Conflict []LockConflictVM `json:"conflicts,omitempty"`
}

// LockConflictVM describes a single acquisition conflict.
type LockConflictVM struct {
	Path    string `json:"path"`
	HeldBy  string `json:"heldBy"`
	LockType string `json:"lockType,omitempty"`
}

// LockReleasePayload is carried by a LockRelease envelope.
type LockReleasePayload struct {
	Paths []string `json:"paths"`
}

// Decode unmarshals an envelope's payload into v.
func Decode(payload json.RawMessage, v interface{}) error {
	return json.Unmarshal(payload, v)
}

// MustEncode marshals v into a json.RawMessage, panicking on error — only
// used for values the caller constructed itself (never untrusted input),
// matching the teacher's preference for failing loudly on programmer
// error rather than threading an error return through every call site.
func MustEncode(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
