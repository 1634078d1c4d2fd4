package message

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/re-cinq/fleetline/internal/config"
	"github.com/re-cinq/fleetline/internal/fileutil"
)

// Queue is the file-backed message queue described in spec.md §4.3 (C3):
// one file per message, a directory per agent inbox/outbox, and a shared
// global board. It is the coordinator's other serialization point besides
// the state store.
type Queue struct {
	paths *config.Paths
}

// NewQueue builds a Queue rooted at paths.
func NewQueue(paths *config.Paths) *Queue {
	return &Queue{paths: paths}
}

// SendToAgent writes msg into agentID's inbox, creating the directory on
// demand.
func (q *Queue) SendToAgent(agentID string, msg *Envelope) error {
	dir := q.paths.AgentInboxDir(agentID)
	if err := fileutil.EnsureDir(dir); err != nil {
		return err
	}
	return writeEnvelope(dir, msg)
}

// WriteOutbox writes msg into agentID's outbox, creating the directory on
// demand. Used by the agent runtime side (C7); the coordinator only reads
// outboxes.
func (q *Queue) WriteOutbox(agentID string, msg *Envelope) error {
	dir := q.paths.AgentOutboxDir(agentID)
	if err := fileutil.EnsureDir(dir); err != nil {
		return err
	}
	return writeEnvelope(dir, msg)
}

// Broadcast fans msg out to every currently-present agent subdirectory
// except excludeAgent.
func (q *Queue) Broadcast(msg *Envelope, excludeAgent string) error {
	entries, err := os.ReadDir(q.paths.AgentsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == excludeAgent {
			continue
		}
		if err := q.SendToAgent(e.Name(), msg); err != nil {
			return err
		}
	}
	return nil
}

// PostGlobal writes msg to the shared board.
func (q *Queue) PostGlobal(msg *Envelope) error {
	dir := q.paths.MessagesDir()
	if err := fileutil.EnsureDir(dir); err != nil {
		return err
	}
	return writeEnvelope(dir, msg)
}

// ReadInbox returns every message currently in agentID's inbox, oldest
// first, optionally unlinking each file after a successful parse.
// Delivery is at-least-once: a reader that crashes between reading and
// unlinking redelivers the message, so handlers must dedupe by id
// (spec.md §4.3, §9).
func (q *Queue) ReadInbox(agentID string, deleteAfterRead bool) ([]*Envelope, error) {
	return readDir(q.paths.AgentInboxDir(agentID), deleteAfterRead)
}

// ReadOutbox is the coordinator-side symmetric counterpart of ReadInbox.
func (q *Queue) ReadOutbox(agentID string, deleteAfterRead bool) ([]*Envelope, error) {
	return readDir(q.paths.AgentOutboxDir(agentID), deleteAfterRead)
}

// ReadGlobalMessages returns board envelopes with timestamp > since.
// Read errors are ignored (not even logged): the file may legitimately be
// mid-write by a concurrent poster (spec.md §4.3).
func (q *Queue) ReadGlobalMessages(since int64) ([]*Envelope, error) {
	entries, err := os.ReadDir(q.paths.MessagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sortEntries(entries)

	var out []*Envelope
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(q.paths.MessagesDir(), e.Name()))
		if err != nil {
			continue // mid-write or already swept; ignore silently
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Timestamp > since {
			out = append(out, &env)
		}
	}
	return out, nil
}

// CleanOldMessages deletes every envelope (inbox, outbox, and global
// board) older than maxAge.
func (q *Queue) CleanOldMessages(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	var dirs []string
	dirs = append(dirs, q.paths.MessagesDir())
	if agentEntries, err := os.ReadDir(q.paths.AgentsDir()); err == nil {
		for _, a := range agentEntries {
			if !a.IsDir() {
				continue
			}
			dirs = append(dirs, q.paths.AgentInboxDir(a.Name()), q.paths.AgentOutboxDir(a.Name()))
		}
	}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			ts, ok := parseFilenameTimestamp(e.Name())
			if !ok || ts >= cutoff {
				continue
			}
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

// writeEnvelope marshals env and writes it as a single file named by its
// timestamp-prefixed Filename, so a lexicographic directory listing
// yields chronological order within one producer.
func writeEnvelope(dir string, env *Envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, env.Filename()), append(data, '\n'), 0o644)
}

// readDir reads and parses every .json message file in dir in
// chronological order. Corrupt or partially-written files are skipped and
// logged, never fatal (spec.md §4.3 contract).
func readDir(dir string, deleteAfterRead bool) ([]*Envelope, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sortEntries(entries)

	var out []*Envelope
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			fileutil.LogError("reading message %s: %s", path, err)
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			fileutil.LogError("skipping malformed message %s: %s", path, err)
			continue
		}
		out = append(out, &env)
		if deleteAfterRead {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				fileutil.LogError("removing delivered message %s: %s", path, err)
			}
		}
	}
	return out, nil
}

func sortEntries(entries []os.DirEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
}

// parseFilenameTimestamp extracts the leading "<ts>-" prefix from a
// message filename.
func parseFilenameTimestamp(name string) (int64, bool) {
	idx := strings.Index(name, "-")
	if idx <= 0 {
		return 0, false
	}
	ts, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
