package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"slotkeeper/internal/app"
)

var slotCmd = &cobra.Command{
	Use:   "slot",
	Short: "Print the current slot and when the next tick would fire",
	RunE:  runSlot,
}

func init() {
	rootCmd.AddCommand(slotCmd)
}

func runSlot(cmd *cobra.Command, _ []string) error {
	cfg, err := app.LoadConfig(cmd.Context(), cfgPath)
	if err != nil {
		return err
	}
	clock, err := app.MapClock(cfg)
	if err != nil {
		return err
	}
	sc, _, err := app.MapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	s, err := clock.Current()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "now:         %s\n", s.Value.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(out, "slot:        %s (%d of %d)\n", clock.Format(s.Snap), int(s.Snap), clock.Len())
	fmt.Fprintf(out, "valid:       %t\n", s.Valid)
	fmt.Fprintf(out, "next:        %s at %s\n", clock.Format(s.NextSnap), s.NextAt.Format("15:04:05"))
	fmt.Fprintf(out, "sleep units: %d\n", clock.SleepUnits(s))
	fmt.Fprintf(out, "delay:       %s\n", clock.Delay(s, s.Value, sc.Settle))
	return nil
}
