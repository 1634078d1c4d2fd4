package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/re-cinq/fleetline/internal/config"
	"github.com/re-cinq/fleetline/internal/fileutil"
)

// staleLockAge is how old an advisory lockfile must be before a blocked
// writer reclaims it outright (spec.md §4.4).
const staleLockAge = 30 * time.Second

// lockRetryInterval and lockWaitTimeout bound how long a writer polls for
// the advisory lock before giving up (spec.md §4.4, §7 ContendedState).
const (
	lockRetryInterval = 50 * time.Millisecond
	lockWaitTimeout    = 5 * time.Second
)

// ErrContendedState is returned when the advisory lock could not be
// acquired within lockWaitTimeout (spec.md §7).
var ErrContendedState = errors.New("state: could not acquire advisory lock within timeout")

// Store is the C4 State Store: atomic read/write/update of ServerState
// with cross-process mutual exclusion via an advisory lockfile.
type Store struct {
	paths *config.Paths
}

// NewStore builds a Store rooted at paths.
func NewStore(paths *config.Paths) *Store {
	return &Store{paths: paths}
}

// Read is lock-free (spec.md §4.4): an absent file returns a nil state
// and no error; a file that fails to parse likewise returns nil, nil so
// the caller can fall back to its in-memory snapshot rather than crash.
func (s *Store) Read() (*ServerState, error) {
	data, err := os.ReadFile(s.paths.StateFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st ServerState
	if err := json.Unmarshal(data, &st); err != nil {
		fileutil.LogError("state file is corrupt, ignoring: %s", err)
		return nil, nil
	}
	return &st, nil
}

// Write acquires the advisory lock, writes st to a temp sibling, renames
// it atomically over the target, then releases the lock (spec.md §4.4).
func (s *Store) Write(st *ServerState) error {
	release, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer release()
	return s.writeLocked(st)
}

// UpdateState is the RMW operation (spec.md §4.4): it holds the advisory
// lock across a read, the updater's mutation, and the write, so an
// agent's own AgentInfo update cannot race the coordinator's tick.
func (s *Store) UpdateState(updater func(*ServerState) (*ServerState, error)) (*ServerState, error) {
	release, err := s.acquireLock()
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.Read()
	if err != nil {
		return nil, err
	}
	next, err := updater(current)
	if err != nil {
		return nil, err
	}
	if err := s.writeLocked(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Store) writeLocked(st *ServerState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.paths.StateTempFile()
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.paths.StateFile())
}

// acquireLock implements the spec.md §4.4 write pattern step 1: create
// the lockfile exclusively, containing the owner's pid; on collision,
// reclaim it if stale (older than staleLockAge), else retry every
// lockRetryInterval up to lockWaitTimeout.
func (s *Store) acquireLock() (release func(), err error) {
	lockPath := s.paths.StateLockFile()
	deadline := time.Now().Add(lockWaitTimeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > staleLockAge {
				os.Remove(lockPath)
				continue
			}
		} else if os.IsNotExist(statErr) {
			continue // released between OpenFile and Stat
		}

		if time.Now().After(deadline) {
			return nil, ErrContendedState
		}
		time.Sleep(lockRetryInterval)
	}
}

// lockOwnerPID reads the pid recorded in the advisory lockfile, if any.
// It is unexported and no command currently calls it.
func (s *Store) lockOwnerPID() (int, bool) {
	data, err := os.ReadFile(s.paths.StateLockFile())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	return pid, true
}
