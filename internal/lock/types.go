// Package lock implements the lease-based file lock manager (spec.md
// §4.5, C5): an in-memory map of FileLocks mirrored to
// <coordinator>/locks/active.json after every mutation.
package lock

// Type is a lock's access mode (spec.md §3).
type Type string

const (
	TypeRead      Type = "read"
	TypeWrite     Type = "write"
	TypeExclusive Type = "exclusive"
)

// FileLock is a single lease over a canonical relative path (spec.md
// §3). ExpiresAt and LockedAt are unix milliseconds.
type FileLock struct {
	Path      string `json:"path"`
	AgentID   string `json:"agentId"`
	TaskID    string `json:"taskId,omitempty"`
	LockedAt  int64  `json:"lockedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	LockType  Type   `json:"lockType"`
}

// conflicts reports whether a lock of type requested, by an agent other
// than held's owner, is incompatible with a lock of type held. The
// compatibility matrix (spec.md §4.5): only read/read is compatible,
// everything else conflicts.
func conflicts(held, requested Type) bool {
	return !(held == TypeRead && requested == TypeRead)
}

// AcquireRequest is the input to AcquireLocks (spec.md §4.5).
type AcquireRequest struct {
	AgentID   string
	TaskID    string
	Paths     []string
	LockType  Type
	TimeoutMs *int64
}

// Conflict describes why one requested path could not be acquired.
type Conflict struct {
	Path     string `json:"path"`
	HeldBy   string `json:"heldBy"`
	LockType Type   `json:"lockType,omitempty"`
}

// AcquireResult is the all-or-reported outcome of AcquireLocks. Per
// spec.md §4.5 and the §9 open question on partial acquisition, Acquired
// paths are installed and persisted even when Success is false.
type AcquireResult struct {
	Success   bool       `json:"success"`
	Acquired  []string   `json:"acquired"`
	Failed    []string   `json:"failed"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}
