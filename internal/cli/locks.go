package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(locksCmd)
}

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List currently held file locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		locks := b.GetLocks()
		if len(locks) == 0 {
			fmt.Println("no locks held")
			return nil
		}
		for _, l := range locks {
			fmt.Fprintf(os.Stdout, "%-8s  %-20s  agent=%-20s  task=%s\n", l.Type, l.Path, l.AgentID, l.TaskID)
		}
		return nil
	},
}
