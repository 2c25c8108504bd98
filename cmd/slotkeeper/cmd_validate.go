package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"slotkeeper/internal/app"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := app.LoadConfig(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		specs, err := app.MapTargets(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d targets)\n", cfgPath, len(specs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
