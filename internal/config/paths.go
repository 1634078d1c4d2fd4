package config

import (
	"os"
	"path/filepath"
)

// coordinatorDirName is the on-disk directory name from spec.md §6.1 — a
// stable compatibility surface, not a branding choice.
const coordinatorDirName = ".agent-coordinator"

// rootMarkers are the files/directories whose presence identifies a
// candidate project root while walking upward from a starting directory.
var rootMarkers = []string{
	".git",
	"go.mod",
	"package.json",
	coordinatorDirName,
}

// Paths resolves every on-disk location the coordinator reads or writes,
// rooted at a single project directory (spec.md §4.1, §6.1).
type Paths struct {
	Root           string
	CoordinatorDir string
}

// NewPaths derives a Paths from an already-resolved project root.
func NewPaths(root string) *Paths {
	return &Paths{
		Root:           root,
		CoordinatorDir: filepath.Join(root, coordinatorDirName),
	}
}

// FindProjectRoot walks upward from dir looking for the first ancestor
// containing any of rootMarkers. Returns dir itself if no ancestor
// qualifies (the caller is then expected to initialize a fresh
// coordinator directory there).
func FindProjectRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	cur := abs
	for {
		for _, marker := range rootMarkers {
			if _, err := os.Stat(filepath.Join(cur, marker)); err == nil {
				return cur, nil
			}
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		cur = parent
	}
}

func (p *Paths) StateFile() string      { return filepath.Join(p.CoordinatorDir, "state.json") }
func (p *Paths) StateLockFile() string  { return p.StateFile() + ".lock" }
func (p *Paths) StateTempFile() string  { return p.StateFile() + ".tmp" }
func (p *Paths) ConfigFile() string     { return filepath.Join(p.CoordinatorDir, "config.json") }
func (p *Paths) GitignoreFile() string  { return filepath.Join(p.CoordinatorDir, ".gitignore") }
func (p *Paths) TasksDir() string       { return filepath.Join(p.CoordinatorDir, "tasks") }
func (p *Paths) LocksDir() string       { return filepath.Join(p.CoordinatorDir, "locks") }
func (p *Paths) LocksActiveFile() string {
	return filepath.Join(p.LocksDir(), "active.json")
}
func (p *Paths) AgentsDir() string { return filepath.Join(p.CoordinatorDir, "agents") }
func (p *Paths) AgentDir(agentID string) string {
	return filepath.Join(p.AgentsDir(), agentID)
}
func (p *Paths) AgentInboxDir(agentID string) string {
	return filepath.Join(p.AgentDir(agentID), "inbox")
}
func (p *Paths) AgentOutboxDir(agentID string) string {
	return filepath.Join(p.AgentDir(agentID), "outbox")
}
func (p *Paths) MessagesDir() string { return filepath.Join(p.CoordinatorDir, "messages") }

// gitignoreContents is written once on initialization so the coordinator's
// working state never gets committed to the project's own history.
const gitignoreContents = "state.json\nstate.json.lock\nstate.json.tmp\nconfig.json\nagents/\nmessages/\nlocks/\ntasks/\n"

// EnsureLayout creates every directory in the on-disk layout and writes the
// coordinator's own .gitignore if it is not already present.
func (p *Paths) EnsureLayout() error {
	dirs := []string{
		p.CoordinatorDir,
		p.TasksDir(),
		p.LocksDir(),
		p.AgentsDir(),
		p.MessagesDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	if _, err := os.Stat(p.GitignoreFile()); os.IsNotExist(err) {
		return os.WriteFile(p.GitignoreFile(), []byte(gitignoreContents), 0o644)
	}
	return nil
}

// EnsureAgentDirs creates the inbox/outbox directories for an agent. It
// is called when an agent registers; the message queue separately creates
// an inbox or outbox on demand when it writes a message there (spec.md
// §4.3).
func (p *Paths) EnsureAgentDirs(agentID string) error {
	if err := os.MkdirAll(p.AgentInboxDir(agentID), 0o755); err != nil {
		return err
	}
	return os.MkdirAll(p.AgentOutboxDir(agentID), 0o755)
}
