package lock

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/re-cinq/fleetline/internal/config"
	"github.com/re-cinq/fleetline/internal/fileutil"
)

// ErrNotFound is returned by operations addressing a lock path that has
// no current lease.
var ErrNotFound = errors.New("lock: no active lease for path")

// ErrNotOwner is returned when extending a lock on behalf of an agent
// that does not currently hold it.
var ErrNotOwner = errors.New("lock: agent does not own this lease")

// Manager is the C5 Lock Manager: the authoritative in-memory map of
// FileLocks, mirrored to locks/active.json after every mutation.
type Manager struct {
	paths          *config.Paths
	defaultTimeout time.Duration
	exempt         *ignore.GitIgnore

	mu    sync.Mutex
	locks map[string]*FileLock
}

// NewManager builds a Manager rooted at paths, reloading any non-expired
// leases already persisted from a previous run (spec.md §4.5). Paths
// matching exemptPatterns (gitignore syntax, SPEC_FULL.md §D.1) are never
// arbitrated — they always acquire.
func NewManager(paths *config.Paths, defaultTimeout time.Duration, exemptPatterns []string) (*Manager, error) {
	m := &Manager{
		paths:          paths,
		defaultTimeout: defaultTimeout,
		locks:          map[string]*FileLock{},
	}
	if len(exemptPatterns) > 0 {
		m.exempt = ignore.CompileIgnoreLines(exemptPatterns...)
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.paths.LocksActiveFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var all []*FileLock
	if err := json.Unmarshal(data, &all); err != nil {
		fileutil.LogError("locks/active.json is corrupt, starting empty: %s", err)
		return nil
	}
	now := time.Now().UnixMilli()
	for _, l := range all {
		if l.ExpiresAt > now {
			m.locks[l.Path] = l
		}
	}
	return nil
}

// persistLocked writes the current lock set to disk. Caller must hold m.mu.
func (m *Manager) persistLocked() error {
	if err := fileutil.EnsureDir(m.paths.LocksDir()); err != nil {
		return err
	}
	all := make([]*FileLock, 0, len(m.locks))
	for _, l := range m.locks {
		all = append(all, l)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	return fileutil.WriteJSON(m.paths.LocksActiveFile(), all)
}

// sweepExpiredLocked evicts entries with ExpiresAt <= now. Caller must
// hold m.mu. Returns whether anything was evicted.
func (m *Manager) sweepExpiredLocked(now int64) bool {
	evicted := false
	for path, l := range m.locks {
		if l.ExpiresAt <= now {
			delete(m.locks, path)
			evicted = true
		}
	}
	return evicted
}

func (m *Manager) isExemptLocked(path string) bool {
	return m.exempt != nil && m.exempt.MatchesPath(path)
}

// AcquireLocks sweeps expired entries, then attempts each requested path
// in order: installs a new lease if uncontended (or already owned by the
// requesting agent), else records a conflict. The result is
// all-or-reported: paths that succeeded are installed and persisted even
// when the overall Success is false (spec.md §4.5, §9 open question 1).
func (m *Manager) AcquireLocks(req AcquireRequest) (*AcquireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	evicted := m.sweepExpiredLocked(now.UnixMilli())

	timeout := m.defaultTimeout
	if req.TimeoutMs != nil {
		timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}

	result := &AcquireResult{}
	changed := evicted
	for _, raw := range req.Paths {
		p := fileutil.CanonicalPath(m.paths.Root, raw)

		if m.isExemptLocked(p) {
			result.Acquired = append(result.Acquired, p)
			continue
		}

		existing, held := m.locks[p]
		if held && existing.AgentID != req.AgentID && conflicts(existing.LockType, req.LockType) {
			result.Failed = append(result.Failed, p)
			result.Conflicts = append(result.Conflicts, Conflict{Path: p, HeldBy: existing.AgentID, LockType: existing.LockType})
			continue
		}

		m.locks[p] = &FileLock{
			Path:      p,
			AgentID:   req.AgentID,
			TaskID:    req.TaskID,
			LockedAt:  now.UnixMilli(),
			ExpiresAt: now.Add(timeout).UnixMilli(),
			LockType:  req.LockType,
		}
		result.Acquired = append(result.Acquired, p)
		changed = true
	}
	result.Success = len(result.Failed) == 0

	if changed {
		if err := m.persistLocked(); err != nil {
			return result, err
		}
	}
	return result, nil
}

// ReleaseLocks releases only the given paths, and only those owned by
// agentID.
func (m *Manager) ReleaseLocks(agentID string, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, raw := range paths {
		p := fileutil.CanonicalPath(m.paths.Root, raw)
		if l, ok := m.locks[p]; ok && l.AgentID == agentID {
			delete(m.locks, p)
			changed = true
		}
	}
	if changed {
		return m.persistLocked()
	}
	return nil
}

// ReleaseAllLocks releases every lease owned by agentID.
func (m *Manager) ReleaseAllLocks(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for path, l := range m.locks {
		if l.AgentID == agentID {
			delete(m.locks, path)
			changed = true
		}
	}
	if changed {
		return m.persistLocked()
	}
	return nil
}

// ReleaseTaskLocks releases every lease associated with taskID,
// regardless of owning agent.
func (m *Manager) ReleaseTaskLocks(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for path, l := range m.locks {
		if l.TaskID == taskID {
			delete(m.locks, path)
			changed = true
		}
	}
	if changed {
		return m.persistLocked()
	}
	return nil
}

// ForceRelease unconditionally releases path, regardless of owner.
// Intended for administrative use (spec.md §4.5).
func (m *Manager) ForceRelease(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := fileutil.CanonicalPath(m.paths.Root, path)
	if _, ok := m.locks[p]; !ok {
		return nil
	}
	delete(m.locks, p)
	return m.persistLocked()
}

// ExtendLock moves a lease's ExpiresAt forward additively. Only the
// owning agent may extend (spec.md §4.5, §3 invariant 6: ExpiresAt is
// strictly monotonic across ExtendLock).
func (m *Manager) ExtendLock(agentID, path string, additionalMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := fileutil.CanonicalPath(m.paths.Root, path)
	l, ok := m.locks[p]
	if !ok {
		return ErrNotFound
	}
	if l.AgentID != agentID {
		return ErrNotOwner
	}
	l.ExpiresAt += additionalMs
	return m.persistLocked()
}

// GetLocks sweeps expired entries then returns the remaining leases
// sorted by path.
func (m *Manager) GetLocks() []*FileLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := m.sweepExpiredLocked(time.Now().UnixMilli())
	if evicted {
		_ = m.persistLocked()
	}
	all := make([]*FileLock, 0, len(m.locks))
	for _, l := range m.locks {
		all = append(all, l)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	return all
}
