package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/re-cinq/fleetline/internal/config"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the coordinator directory for this project",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := resolveRoot()
		if err != nil {
			return err
		}
		paths := config.NewPaths(root)
		if err := paths.EnsureLayout(); err != nil {
			return err
		}

		projectFile, err := config.LoadProjectFile(root + "/fleetline.yaml")
		if err != nil {
			return err
		}
		cfg := projectFile.ToConfig()
		if err := config.Save(cfg, paths.ConfigFile()); err != nil {
			return err
		}

		fmt.Printf("initialized %s\n", paths.CoordinatorDir)
		return nil
	},
}
