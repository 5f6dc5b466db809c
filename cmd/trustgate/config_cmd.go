package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/trustgate/internal/config"
)

var (
	configGlobalPath  = config.GlobalPath
	configProjectPath = config.ProjectPath
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, path, err := configPaths(cmd)
			if err != nil {
				return err
			}
			if global, _ := cmd.Flags().GetBool("global"); global {
				if path, err = configGlobalPath(); err != nil {
					return err
				}
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("global", false, "write the per-user config instead of the project config")
	initCmd.Flags().Bool("force", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}
