package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/re-cinq/fleetline/internal/broker"
	"github.com/re-cinq/fleetline/internal/state"
)

var (
	taskTitle       string
	taskDescription string
	taskPriority    string
	taskFiles       string
	taskDirs        string
	taskDependsOn   string
	taskTags        string
	taskMaxAttempts int
)

func init() {
	taskCreateCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskCreateCmd.Flags().StringVar(&taskDescription, "description", "", "Task description")
	taskCreateCmd.Flags().StringVar(&taskPriority, "priority", "normal", "critical|high|normal|low")
	taskCreateCmd.Flags().StringVar(&taskFiles, "files", "", "Comma-separated target file paths")
	taskCreateCmd.Flags().StringVar(&taskDirs, "dirs", "", "Comma-separated target directories")
	taskCreateCmd.Flags().StringVar(&taskDependsOn, "depends-on", "", "Comma-separated ids of tasks that must complete first")
	taskCreateCmd.Flags().StringVar(&taskTags, "tags", "", "Comma-separated tags")
	taskCreateCmd.Flags().IntVar(&taskMaxAttempts, "max-attempts", 0, "Override the default max attempts (0 = default)")
	_ = taskCreateCmd.MarkFlagRequired("title")

	tasksCmd.AddCommand(taskCreateCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksPendingCmd)
	rootCmd.AddCommand(tasksCmd)
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Create and inspect tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pending task",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		t, err := b.CreateTask(broker.TaskInput{
			Title:             taskTitle,
			Description:       taskDescription,
			Priority:          state.Priority(taskPriority),
			TargetFiles:       splitCSV(taskFiles),
			TargetDirectories: splitCSV(taskDirs),
			DependsOn:         splitCSV(taskDependsOn),
			Tags:              splitCSV(taskTags),
			MaxAttempts:       taskMaxAttempts,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created task %s (%s)\n", t.ID, t.Status)
		return nil
	},
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known task",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		tasks, err := b.GetTasks()
		if err != nil {
			return err
		}
		printTasks(tasks)
		return nil
	},
}

var tasksPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending tasks in priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker()
		if err != nil {
			return err
		}
		tasks, err := b.GetPendingTasks()
		if err != nil {
			return err
		}
		printTasks(tasks)
		return nil
	},
}

func printTasks(tasks []*state.Task) {
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}
	for _, t := range tasks {
		assignee := "-"
		if t.AssignedAgent != nil {
			assignee = *t.AssignedAgent
		}
		fmt.Printf("%-14s  %-12s  %-8s  attempts=%d/%-2d  agent=%-14s  %s\n",
			t.ID, t.Status, t.Priority, t.Attempts, t.MaxAttempts, assignee, t.Title)
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
