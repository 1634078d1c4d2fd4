package message

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/re-cinq/fleetline/internal/config"
)

func newTestQueue(t *testing.T) (*Queue, *config.Paths) {
	t.Helper()
	paths := config.NewPaths(t.TempDir())
	if err := paths.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	return NewQueue(paths), paths
}

func TestSendToAgentAndReadInbox(t *testing.T) {
	q, _ := newTestQueue(t)
	env := New(AgentHeartbeat, "coordinator", "a1", AgentHeartbeatPayload{Status: "idle"})
	if err := q.SendToAgent("a1", env); err != nil {
		t.Fatal(err)
	}

	envs, err := q.ReadInbox("a1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 || envs[0].ID != env.ID {
		t.Fatalf("ReadInbox = %+v, want one envelope with id %s", envs, env.ID)
	}

	again, err := q.ReadInbox("a1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Error("expected deleteAfterRead to unlink the message")
	}
}

func TestReadInboxChronologicalOrder(t *testing.T) {
	q, paths := newTestQueue(t)
	dir := paths.AgentInboxDir("a1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	older := &Envelope{ID: "1", Type: AgentHeartbeat, Timestamp: 1000, Source: "coordinator", Payload: MustEncode(map[string]string{})}
	newer := &Envelope{ID: "2", Type: AgentHeartbeat, Timestamp: 2000, Source: "coordinator", Payload: MustEncode(map[string]string{})}
	if err := writeEnvelope(dir, newer); err != nil {
		t.Fatal(err)
	}
	if err := writeEnvelope(dir, older); err != nil {
		t.Fatal(err)
	}

	envs, err := q.ReadInbox("a1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 2 || envs[0].Timestamp != 1000 || envs[1].Timestamp != 2000 {
		t.Fatalf("expected chronological order, got %+v", envs)
	}
}

func TestMalformedMessageIsSkippedNotFatal(t *testing.T) {
	q, paths := newTestQueue(t)
	dir := paths.AgentInboxDir("a1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "00000000000000000001-bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	good := New(AgentHeartbeat, "coordinator", "a1", AgentHeartbeatPayload{Status: "idle"})
	if err := writeEnvelope(dir, good); err != nil {
		t.Fatal(err)
	}

	envs, err := q.ReadInbox("a1", false)
	if err != nil {
		t.Fatalf("ReadInbox should not fail on a corrupt file: %v", err)
	}
	if len(envs) != 1 || envs[0].ID != good.ID {
		t.Fatalf("expected only the well-formed message to be delivered, got %+v", envs)
	}
}

func TestBroadcastExcludesGivenAgent(t *testing.T) {
	q, paths := newTestQueue(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		if err := paths.EnsureAgentDirs(id); err != nil {
			t.Fatal(err)
		}
	}

	msg := New(Broadcast, "a1", "", map[string]string{"hello": "world"})
	if err := q.Broadcast(msg, "a1"); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"a2", "a3"} {
		envs, err := q.ReadInbox(id, false)
		if err != nil || len(envs) != 1 {
			t.Errorf("agent %s: expected one broadcast message, got %+v (err=%v)", id, envs, err)
		}
	}
	envs, err := q.ReadInbox("a1", false)
	if err != nil || len(envs) != 0 {
		t.Errorf("excluded agent a1 should not receive the broadcast, got %+v", envs)
	}
}

func TestReadGlobalMessagesSince(t *testing.T) {
	q, _ := newTestQueue(t)
	first := New(SyncState, "coordinator", "", map[string]int{"n": 1})
	if err := q.PostGlobal(first); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	second := New(SyncState, "coordinator", "", map[string]int{"n": 2})
	if err := q.PostGlobal(second); err != nil {
		t.Fatal(err)
	}

	all, err := q.ReadGlobalMessages(0)
	if err != nil || len(all) != 2 {
		t.Fatalf("ReadGlobalMessages(0) = %+v, err=%v, want 2 messages", all, err)
	}

	onlySecond, err := q.ReadGlobalMessages(first.Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlySecond) != 1 || onlySecond[0].ID != second.ID {
		t.Fatalf("ReadGlobalMessages(since=first) = %+v, want only second", onlySecond)
	}
}

func TestCleanOldMessages(t *testing.T) {
	q, paths := newTestQueue(t)
	dir := paths.MessagesDir()

	old := &Envelope{ID: "old", Type: SyncState, Timestamp: time.Now().Add(-time.Hour).UnixMilli(), Source: "coordinator", Payload: MustEncode(map[string]string{})}
	fresh := &Envelope{ID: "fresh", Type: SyncState, Timestamp: time.Now().UnixMilli(), Source: "coordinator", Payload: MustEncode(map[string]string{})}
	if err := writeEnvelope(dir, old); err != nil {
		t.Fatal(err)
	}
	if err := writeEnvelope(dir, fresh); err != nil {
		t.Fatal(err)
	}

	if err := q.CleanOldMessages(time.Minute); err != nil {
		t.Fatal(err)
	}

	remaining, err := q.ReadGlobalMessages(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].ID != "fresh" {
		t.Fatalf("CleanOldMessages left %+v, want only the fresh message", remaining)
	}
}

func TestEnvelopeCopyKeepsID(t *testing.T) {
	env := New(TaskComplete, "a1", "coordinator", TaskCompletePayload{TaskID: "t1"})
	env2 := *env
	if env.ID != env2.ID {
		t.Fatal("copy should retain the same id")
	}
}
