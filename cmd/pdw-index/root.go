package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewRootCmd(version string, a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pdw-index",
		Short: "Per-user vector index cache for the personal data wallet",
		Long: `pdw-index keeps one HNSW index per user in memory, batches writes
and persists them as immutable snapshots to blob storage.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if a == nil || cmd.Name() == "version" {
				return nil
			}
			return a.init(cmd)
		},
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	if a != nil {
		addPersistentFlags(rootCmd, a)
		addSubcommands(rootCmd, a)
	}
	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command, a *app) {
	cmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./pdw-index.yaml)")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose output")
}

func addSubcommands(root *cobra.Command, a *app) {
	root.AddCommand(
		NewServeCmd(a),
		NewFlushCmd(a),
		NewInspectCmd(a),
		NewValidateCmd(a),
		NewVersionCmd(),
	)
}

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), cmd.Root().Version)
		},
	}
}
