package lock

import (
	"testing"
	"time"

	"github.com/re-cinq/fleetline/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	if err := paths.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(paths, 300*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAcquireLocksCompatibilityMatrix(t *testing.T) {
	tests := []struct {
		name      string
		held      Type
		requested Type
		sameAgent bool
		wantOK    bool
	}{
		{"read/read different agents", TypeRead, TypeRead, false, true},
		{"read/write different agents", TypeRead, TypeWrite, false, false},
		{"write/write different agents", TypeWrite, TypeWrite, false, false},
		{"write/read different agents", TypeWrite, TypeRead, false, false},
		{"exclusive/read different agents", TypeExclusive, TypeRead, false, false},
		{"same agent re-acquires own write lock", TypeWrite, TypeWrite, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestManager(t)
			res, err := m.AcquireLocks(AcquireRequest{AgentID: "a1", Paths: []string{"x.go"}, LockType: tc.held})
			if err != nil || !res.Success {
				t.Fatalf("seeding lock: %v %+v", err, res)
			}

			agent := "a2"
			if tc.sameAgent {
				agent = "a1"
			}
			res2, err := m.AcquireLocks(AcquireRequest{AgentID: agent, Paths: []string{"x.go"}, LockType: tc.requested})
			if err != nil {
				t.Fatalf("AcquireLocks: %v", err)
			}
			if res2.Success != tc.wantOK {
				t.Errorf("Success = %v, want %v (conflicts=%+v)", res2.Success, tc.wantOK, res2.Conflicts)
			}
		})
	}
}

func TestAcquireLocksPartialPersistedOnFailure(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.AcquireLocks(AcquireRequest{AgentID: "a1", Paths: []string{"busy.go"}, LockType: TypeWrite}); err != nil {
		t.Fatal(err)
	}

	res, err := m.AcquireLocks(AcquireRequest{AgentID: "a2", Paths: []string{"free.go", "busy.go"}, LockType: TypeWrite})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Fatal("expected Success=false due to conflict on busy.go")
	}
	if len(res.Acquired) != 1 || res.Acquired[0] != "free.go" {
		t.Errorf("Acquired = %+v, want [free.go]", res.Acquired)
	}

	all := m.GetLocks()
	var sawFree bool
	for _, l := range all {
		if l.Path == "free.go" && l.AgentID == "a2" {
			sawFree = true
		}
	}
	if !sawFree {
		t.Error("partially-acquired lock on free.go was not persisted despite overall failure")
	}
}

func TestReleaseLocksOnlyOwner(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.AcquireLocks(AcquireRequest{AgentID: "a1", Paths: []string{"x.go"}, LockType: TypeWrite}); err != nil {
		t.Fatal(err)
	}
	if err := m.ReleaseLocks("a2", []string{"x.go"}); err != nil {
		t.Fatal(err)
	}
	if len(m.GetLocks()) != 1 {
		t.Fatal("non-owner release should not have freed the lock")
	}
	if err := m.ReleaseLocks("a1", []string{"x.go"}); err != nil {
		t.Fatal(err)
	}
	if len(m.GetLocks()) != 0 {
		t.Fatal("owner release should have freed the lock")
	}
}

func TestExpiredLocksAreSweptAndConsideredAbsent(t *testing.T) {
	m := newTestManager(t)
	timeout := int64(1)
	if _, err := m.AcquireLocks(AcquireRequest{AgentID: "a1", Paths: []string{"x.go"}, LockType: TypeWrite, TimeoutMs: &timeout}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := m.AcquireLocks(AcquireRequest{AgentID: "a2", Paths: []string{"x.go"}, LockType: TypeWrite})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Errorf("expected expired lock to be treated as absent, got conflicts=%+v", res.Conflicts)
	}
}

func TestExtendLockOnlyOwnerAndMonotonic(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.AcquireLocks(AcquireRequest{AgentID: "a1", Paths: []string{"x.go"}, LockType: TypeWrite}); err != nil {
		t.Fatal(err)
	}

	before := m.GetLocks()[0].ExpiresAt
	if err := m.ExtendLock("a2", "x.go", 1000); err != ErrNotOwner {
		t.Errorf("non-owner extend: got %v, want ErrNotOwner", err)
	}
	if err := m.ExtendLock("a1", "x.go", 1000); err != nil {
		t.Fatalf("owner extend: %v", err)
	}
	after := m.GetLocks()[0].ExpiresAt
	if after <= before {
		t.Errorf("ExpiresAt did not move forward: before=%d after=%d", before, after)
	}
}

func TestAcquireThenReleaseRestoresPriorState(t *testing.T) {
	m := newTestManager(t)
	before := len(m.GetLocks())

	res, err := m.AcquireLocks(AcquireRequest{AgentID: "a1", Paths: []string{"a.go", "b.go"}, LockType: TypeWrite})
	if err != nil || !res.Success {
		t.Fatalf("AcquireLocks: %v %+v", err, res)
	}
	if err := m.ReleaseLocks("a1", res.Acquired); err != nil {
		t.Fatal(err)
	}

	after := len(m.GetLocks())
	if before != after {
		t.Errorf("lock set not restored: before=%d after=%d", before, after)
	}
}

func TestLockExemptPatternsNeverArbitrated(t *testing.T) {
	paths := config.NewPaths(t.TempDir())
	if err := paths.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(paths, time.Minute, []string{"dist/"})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.AcquireLocks(AcquireRequest{AgentID: "a1", Paths: []string{"dist/bundle.js"}, LockType: TypeWrite}); err != nil {
		t.Fatal(err)
	}
	res, err := m.AcquireLocks(AcquireRequest{AgentID: "a2", Paths: []string{"dist/bundle.js"}, LockType: TypeWrite})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Errorf("exempt path should never conflict, got %+v", res.Conflicts)
	}
}
