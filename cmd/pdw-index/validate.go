package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/config"
)

func NewValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and report issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			issues := config.Validate(a.cfg)
			out := cmd.OutOrStdout()
			for _, issue := range issues {
				fmt.Fprintln(out, issue.String())
			}
			if config.HasErrors(issues) {
				return fmt.Errorf("configuration has %d issue(s)", len(issues))
			}
			fmt.Fprintln(out, "configuration is valid")
			return nil
		},
	}
}
