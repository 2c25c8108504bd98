package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"slotkeeper/internal/app"
	"slotkeeper/internal/slot"
)

var (
	tickExpected string
	tickDrain    time.Duration
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one tick now and print its report",
	Long: `Run a single tick against the configured store and targets.

Targets really are started and stopped. The follow-up tick is printed but
not armed.

Examples:
  # Tick for the slot the clock is in
  slotkeeper tick

  # Pretend the tick was armed for Monday 09:00 (reports drift if it is not)
  slotkeeper tick --expected "Mon 09:00"
`,
	RunE: runTick,
}

func init() {
	tickCmd.Flags().StringVar(&tickExpected, "expected", "", "slot key the tick was armed for (default: current slot)")
	tickCmd.Flags().DurationVar(&tickDrain, "drain", 5*time.Second, "time allowed to deliver operator notifications")
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, _ []string) error {
	var expected *slot.Key
	if tickExpected != "" {
		cfg, err := app.LoadConfig(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		clock, err := app.MapClock(cfg)
		if err != nil {
			return err
		}
		k, err := clock.ParseKey(tickExpected)
		if err != nil {
			return err
		}
		expected = &k
	}

	res, tickErr := app.TickOnce(cmd.Context(), cfgPath, version, expected, tickDrain)
	if res == nil {
		return tickErr
	}
	out := struct {
		Report any      `json:"report"`
		Armed  []string `json:"would_arm"`
	}{Report: res.Report.View(res.Clock)}
	for _, inv := range res.Rearm {
		out.Armed = append(out.Armed, fmt.Sprintf("%s in %s", res.Clock.Format(inv.Key), inv.After))
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	return tickErr
}
