package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectFile is the optional human-authored project config (by default
// "fleetline.yaml" at the project root), the YAML counterpart of the
// coordinator's own config.json. It exists so an operator can write
// friendly durations ("30s") instead of raw millisecond counts; `fleetline
// init` translates it into config.json via ToConfig. This mirrors the
// teacher daemon's own line.yaml, whose Settings.PollInterval used the
// same string-duration pattern.
type ProjectFile struct {
	MaxAgents          int      `yaml:"max_agents"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout   Duration `yaml:"heartbeat_timeout"`
	LockTimeout        Duration `yaml:"lock_timeout"`
	TaskTimeout        Duration `yaml:"task_timeout"`
	AutoAssign         *bool    `yaml:"auto_assign,omitempty"`
	GitIntegration     *bool    `yaml:"git_integration,omitempty"`
	BranchPrefix       string   `yaml:"branch_prefix,omitempty"`
	LockExemptPatterns []string `yaml:"lock_exempt_patterns,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like
// "10s" or "5m", following the teacher's config.Duration exactly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// LoadProjectFile reads and parses a YAML project file. A missing file is
// not an error: an empty ProjectFile (every field defaults to its zero
// value) is returned so ToConfig still layers cleanly onto Defaults().
func LoadProjectFile(path string) (*ProjectFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &ProjectFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var pf ProjectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &pf, nil
}

// ToConfig overlays the non-zero fields of pf onto Defaults(), producing
// the Config that `fleetline init` writes out as config.json.
func (pf *ProjectFile) ToConfig() *Config {
	cfg := Defaults()
	if pf.MaxAgents != 0 {
		cfg.MaxAgents = pf.MaxAgents
	}
	if pf.HeartbeatInterval != 0 {
		cfg.HeartbeatInterval = int(pf.HeartbeatInterval.Duration() / time.Millisecond)
	}
	if pf.HeartbeatTimeout != 0 {
		cfg.HeartbeatTimeout = int(pf.HeartbeatTimeout.Duration() / time.Millisecond)
	}
	if pf.LockTimeout != 0 {
		cfg.LockTimeout = int(pf.LockTimeout.Duration() / time.Millisecond)
	}
	if pf.TaskTimeout != 0 {
		cfg.TaskTimeout = int(pf.TaskTimeout.Duration() / time.Millisecond)
	}
	if pf.AutoAssign != nil {
		cfg.AutoAssign = *pf.AutoAssign
	}
	if pf.GitIntegration != nil {
		cfg.GitIntegration = *pf.GitIntegration
	}
	if pf.BranchPrefix != "" {
		cfg.BranchPrefix = pf.BranchPrefix
	}
	if len(pf.LockExemptPatterns) > 0 {
		cfg.LockExemptPatterns = pf.LockExemptPatterns
	}
	return cfg
}
