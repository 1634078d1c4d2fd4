package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/re-cinq/fleetline/internal/broker"
	"github.com/re-cinq/fleetline/internal/state"
)

var (
	statusFollow   bool
	statusInterval float64
)

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Live-update status (like watch)")
	statusCmd.Flags().Float64VarP(&statusInterval, "interval", "n", 2.0, "Seconds between updates (with --follow)")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent and task status",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		if statusFollow {
			return followStatus(b)
		}
		return renderStatus(os.Stdout, b)
	},
}

func followStatus(b *broker.Broker) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	interval := time.Duration(statusInterval * float64(time.Second))
	for {
		fmt.Print("\033[H\033[2J")
		fmt.Printf("Every %.1fs: fleetline status\n\n", statusInterval)
		if err := renderStatus(os.Stdout, b); err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", err)
		}

		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case <-time.After(interval):
		}
	}
}

func renderStatus(w io.Writer, b *broker.Broker) error {
	st, err := b.GetState()
	if err != nil {
		return err
	}
	useColor := term.IsTerminal(int(os.Stdout.Fd()))

	fmt.Fprintln(w, "Agents")
	fmt.Fprintln(w, "──────────────────────────────────────")
	for _, id := range st.AgentOrder {
		a := st.Agents[id]
		if a == nil {
			continue
		}
		symbol, color := agentDisplay(a.Status)
		seen := humanize.Time(time.UnixMilli(a.LastHeartbeat))
		task := "idle"
		if a.CurrentTask != nil {
			task = *a.CurrentTask
		}
		printLine(w, useColor, symbol, color, "%-20s  %-8s  heartbeat %s  task=%s", a.Name, a.Status, seen, task)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Tasks")
	fmt.Fprintln(w, "──────────────────────────────────────")
	for _, id := range sortedTaskIDs(st) {
		t := st.Tasks[id]
		symbol, color := taskDisplay(t.Status)
		assignee := "-"
		if t.AssignedAgent != nil {
			assignee = *t.AssignedAgent
		}
		printLine(w, useColor, symbol, color, "%-20s  %-12s  priority=%-8s  agent=%s", t.Title, t.Status, t.Priority, assignee)
	}
	return nil
}

func printLine(w io.Writer, useColor bool, symbol, color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if useColor {
		fmt.Fprintf(w, "  %s%s%s  %s\n", color, symbol, ansiReset, msg)
		return
	}
	fmt.Fprintf(w, "  %s  %s\n", symbol, msg)
}

func sortedTaskIDs(st *state.ServerState) []string {
	ids := make([]string, 0, len(st.Tasks))
	for id := range st.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
