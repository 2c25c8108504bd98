package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"slotkeeper/internal/app"
	"slotkeeper/internal/slot"
	"slotkeeper/internal/storage"
	"slotkeeper/internal/task"
	logx "slotkeeper/pkg/logx"
)

var (
	addAt     string
	addCron   string
	addAction string
	addTarget string
	addID     string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and edit the recurring task table",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks ordered by slot",
	Args:  cobra.NoArgs,
	RunE:  runTasksList,
}

var tasksAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a task at one slot or at every slot a cron expression fires",
	Long: `Add a recurring task.

Examples:
  # Start api every Monday at 09:00 on a weekly clock
  slotkeeper tasks add --at "Mon 09:00" --action start --target api

  # Stop api at 18:00 on weekdays; one task per slot, ids nightly@<slot>
  slotkeeper tasks add --cron "0 18 * * 1-5" --action stop --target api --id nightly
`,
	Args: cobra.NoArgs,
	RunE: runTasksAdd,
}

var tasksRmCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksRm,
}

func init() {
	f := tasksAddCmd.Flags()
	f.StringVar(&addAt, "at", "", "slot key, e.g. \"Mon 09:00\"")
	f.StringVar(&addCron, "cron", "", "5-field cron expression expanded onto the slot grid")
	f.StringVar(&addAction, "action", "", "start or stop")
	f.StringVar(&addTarget, "target", "", "target id")
	f.StringVar(&addID, "id", "", "task id (default: random uuid)")
	_ = tasksAddCmd.MarkFlagRequired("action")
	_ = tasksAddCmd.MarkFlagRequired("target")
	tasksAddCmd.MarkFlagsMutuallyExclusive("at", "cron")
	tasksAddCmd.MarkFlagsOneRequired("at", "cron")

	tasksCmd.AddCommand(tasksListCmd, tasksAddCmd, tasksRmCmd)
	rootCmd.AddCommand(tasksCmd)
}

func openStore(cmd *cobra.Command) (storage.Store, slot.Clock, error) {
	cfg, err := app.LoadConfig(cmd.Context(), cfgPath)
	if err != nil {
		return nil, slot.Clock{}, err
	}
	return app.OpenStore(cfg, logx.NewConsole(cfg.Logging.Level))
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	st, clock, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ts, err := st.ListTasks(cmd.Context())
	if err != nil {
		return err
	}
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Snap != ts[j].Snap {
			return ts[i].Snap < ts[j].Snap
		}
		return ts[i].ID < ts[j].ID
	})
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSLOT\tACTION\tTARGET")
	for _, t := range ts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, clock.Format(t.Snap), t.Action, t.TargetID)
	}
	return w.Flush()
}

func runTasksAdd(cmd *cobra.Command, _ []string) error {
	act := task.ParseAction(addAction)
	if act.Kind == task.ActionUnrecognized {
		return fmt.Errorf("--action must be start or stop, got %q", addAction)
	}
	if strings.TrimSpace(addTarget) == "" {
		return errors.New("--target is required")
	}

	st, clock, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	id := addID
	if id == "" {
		id = uuid.NewString()
	}

	out := cmd.OutOrStdout()
	var tasks []task.Task
	if addCron != "" {
		keys, err := clock.ExpandCron(addCron)
		if err != nil {
			return err
		}
		if cw, ok := st.(storage.CronTaskWriter); ok {
			if err := cw.PutCronTask(cmd.Context(), id, addCron, act, addTarget); err != nil {
				return fmt.Errorf("put task %s: %w", id, err)
			}
			fmt.Fprintf(out, "added %s: %s %s on %q (%d slots)\n", id, act, addTarget, addCron, len(keys))
			return nil
		}
		for _, k := range keys {
			tasks = append(tasks, task.Task{ID: fmt.Sprintf("%s@%d", id, int(k)), Snap: k, Action: act, TargetID: addTarget})
		}
	} else {
		k, err := clock.ParseKey(addAt)
		if err != nil {
			return err
		}
		tasks = append(tasks, task.Task{ID: id, Snap: k, Action: act, TargetID: addTarget})
	}

	for _, t := range tasks {
		if err := st.PutTask(cmd.Context(), t); err != nil {
			return fmt.Errorf("put task %s: %w", t.ID, err)
		}
		fmt.Fprintf(out, "added %s: %s %s at %s\n", t.ID, t.Action, t.TargetID, clock.Format(t.Snap))
	}
	return nil
}

func runTasksRm(cmd *cobra.Command, args []string) error {
	st, _, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteTask(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("task %q not found", args[0])
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
	return nil
}
