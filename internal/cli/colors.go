package cli

import "github.com/re-cinq/fleetline/internal/state"

// ANSI escape codes for terminal colors.
const (
	ansiGreen  = "\033[32m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiDim    = "\033[2m"
	ansiReset  = "\033[0m"
)

// agentDisplay returns the symbol and color for an agent's status.
func agentDisplay(status state.AgentStatus) (symbol, color string) {
	switch status {
	case state.AgentIdle:
		return "·", ansiDim
	case state.AgentWorking:
		return "⟳", ansiYellow
	case state.AgentOffline:
		return "✗", ansiRed
	default:
		return "◯", ansiReset
	}
}

// taskDisplay returns the symbol and color for a task's status.
func taskDisplay(status state.TaskStatus) (symbol, color string) {
	switch status {
	case state.TaskPending:
		return "◯", ansiYellow
	case state.TaskAssigned:
		return "◎", ansiCyan
	case state.TaskInProgress:
		return "⟳", ansiYellow
	case state.TaskCompleted:
		return "✓", ansiGreen
	case state.TaskFailed:
		return "✗", ansiRed
	case state.TaskCancelled:
		return "⊘", ansiDim
	default:
		return "◯", ansiReset
	}
}
