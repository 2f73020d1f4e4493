package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// rootCmd assembles the command tree around a.
func rootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:     "apilink",
		Short:   "apilink - declarative API collections from the command line",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),

		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default $"+configEnv+")")
	root.PersistentFlags().StringArrayVar(&a.collections, "collection", nil, "collection file path or URL, repeatable")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level: debug, info, warn or error")

	root.AddCommand(
		newQueryCmd(a),
		newItemCmd(a),
		newMetaCmd(a),
		newSendCmd(a),
		newRequestCmd(a),
		newOperationsCmd(a),
		newSubscribeCmd(a),
		newPublishCmd(a),
		newServeCmd(a),
		newImportOpenAPICmd(a),
		newHistoryCmd(a),
		newDBCmd(a),
	)

	return root
}
