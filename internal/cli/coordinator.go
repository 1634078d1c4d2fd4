package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/re-cinq/fleetline/internal/broker"
)

func init() {
	coordinatorCmd.AddCommand(coordinatorStartCmd)
	coordinatorCmd.AddCommand(coordinatorOnceCmd)
	rootCmd.AddCommand(coordinatorCmd)
}

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run the single coordinator process for this project",
}

var coordinatorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the coordinator's tick loop and block until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		logEvents(b)

		b.StartWatching()
		defer b.StopWatching()

		fmt.Println("coordinator watching, press Ctrl-C to stop")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nstopping")
		return nil
	},
}

var coordinatorOnceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single coordinator tick and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		logEvents(b)
		b.Tick()
		return nil
	},
}

// logEvents wires a plain stderr-printing observer into b, the simplest
// possible external collaborator for broker.OnEvent (spec.md §4.6).
func logEvents(b *broker.Broker) {
	b.OnEvent(func(ev broker.Event) {
		if ev.Err != nil {
			fmt.Fprintf(os.Stderr, "fleetline: %s agent=%s task=%s: %s\n", ev.Kind, ev.AgentID, ev.TaskID, ev.Err)
			return
		}
		fmt.Fprintf(os.Stderr, "fleetline: %s agent=%s task=%s %s\n", ev.Kind, ev.AgentID, ev.TaskID, ev.Message)
	})
}
