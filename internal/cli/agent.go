package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/re-cinq/fleetline/internal/agent"
	"github.com/re-cinq/fleetline/internal/config"
	"github.com/re-cinq/fleetline/internal/git"
	"github.com/re-cinq/fleetline/internal/ptyrun"
	"github.com/re-cinq/fleetline/internal/state"
)

var (
	agentID    string
	agentName  string
	agentExec  string
)

func init() {
	agentRegisterCmd.Flags().StringVar(&agentID, "id", "", "Agent id (generated if omitted)")
	agentRegisterCmd.Flags().StringVar(&agentName, "name", "", "Human-readable agent name")

	agentRunCmd.Flags().StringVar(&agentID, "id", "", "Agent id (generated if omitted)")
	agentRunCmd.Flags().StringVar(&agentName, "name", "", "Human-readable agent name")
	agentRunCmd.Flags().StringVar(&agentExec, "exec", "", "Command to run under a pty for each accepted task, piped the task title and description on stdin")

	agentCmd.AddCommand(agentRegisterCmd)
	agentCmd.AddCommand(agentRunCmd)
	rootCmd.AddCommand(agentCmd)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run this process as one worker in the fleet",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this agent with the coordinator and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, info, _, err := buildRuntime()
		if err != nil {
			return err
		}
		_, err = r.Register(info.Name, info.WorkingDirectory, info.Capabilities)
		if err != nil {
			return err
		}
		fmt.Printf("registered agent %s\n", r.ID())
		return nil
	},
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Register, then heartbeat and accept tasks until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, info, cfg, err := buildRuntime()
		if err != nil {
			return err
		}
		if _, err := r.Register(info.Name, info.WorkingDirectory, info.Capabilities); err != nil {
			return err
		}

		r.Start(taskCallback(info.WorkingDirectory, cfg))
		defer r.Stop()

		fmt.Printf("agent %s running, press Ctrl-C to stop\n", r.ID())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nstopping")
		return nil
	},
}

// buildRuntime resolves the project root and config, then constructs an
// agent.Runtime plus the AgentInfo seed it should register with.
func buildRuntime() (*agent.Runtime, *state.AgentInfo, *config.Config, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, nil, nil, err
	}
	paths := config.NewPaths(root)
	if err := paths.EnsureLayout(); err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return nil, nil, nil, err
	}

	id := agentID
	if id == "" {
		id = "agent-" + uuid.NewString()
	}
	name := agentName
	if name == "" {
		name = id
	}

	r := agent.New(paths, cfg, id)
	info := &state.AgentInfo{
		ID:               id,
		Name:             name,
		WorkingDirectory: root,
	}
	return r, info, cfg, nil
}

// taskCallback builds the auto-accept callback for `agent run`. With
// --exec set, each task is handed to the named command under a pty
// (internal/ptyrun); the downstream process itself is out of scope for
// the coordinator core (spec.md §1). Without --exec, tasks succeed
// immediately — a demo callback for exercising the broker end to end.
// When cfg.GitIntegration is on and the task carries a branch (derived
// by the broker per spec.md §4.1), internal/git prepares that branch
// before the command runs and commits whatever it left behind after.
func taskCallback(workDir string, cfg *config.Config) agent.Callback {
	repo := git.NewRepo(workDir)
	run := func(t *state.Task) (*state.TaskResult, error) {
		if agentExec == "" {
			return &state.TaskResult{Success: true, Summary: "completed (no --exec configured)"}, nil
		}
		parts := strings.Fields(agentExec)
		var out strings.Builder
		stdin := t.Title + "\n" + t.Description
		if err := ptyrun.Run(parts[0], parts[1:], workDir, stdin, &out); err != nil {
			return nil, err
		}
		return &state.TaskResult{Success: true, Summary: out.String()}, nil
	}

	return func(t *state.Task) (*state.TaskResult, error) {
		if cfg.GitIntegration && t.Branch != nil {
			base := "HEAD"
			if t.BaseBranch != nil {
				base = *t.BaseBranch
			}
			if err := repo.EnsureTaskBranch(t.ID, *t.Branch, base); err != nil {
				return nil, err
			}
		}

		result, err := run(t)
		if err != nil {
			return nil, err
		}

		if cfg.GitIntegration && t.Branch != nil {
			if _, err := repo.CommitTaskResult(t.ID, t.Title); err != nil {
				return nil, err
			}
		}
		return result, nil
	}
}
