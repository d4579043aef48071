package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	app := &appContext{}

	rootCmd := &cobra.Command{
		Use:           "memorial",
		Short:         "Memorial video render service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newServeCommand(app))
	rootCmd.AddCommand(newWorkerCommand(app))
	rootCmd.AddCommand(newMigrateCommand(app))
	rootCmd.AddCommand(newEnqueueCommand(app))
	rootCmd.AddCommand(newQueueCommand(app))
	rootCmd.AddCommand(newSweepCommand(app))

	return rootCmd
}
