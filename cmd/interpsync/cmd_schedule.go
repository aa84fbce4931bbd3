package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/interpsync/internal/scheduler"
	"github.com/user/interpsync/internal/state"
	"github.com/user/interpsync/internal/types"
)

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleRemoveCmd, scheduleEnableCmd, scheduleDisableCmd)

	scheduleAddCmd.Flags().String("name", "", "schedule name (required)")
	scheduleAddCmd.Flags().String("owner", "", "owner whose status is set (required)")
	scheduleAddCmd.Flags().String("status", "", "status to set: available, busy, paused, unavailable (required)")
	scheduleAddCmd.Flags().String("cron", "", "cron expression, e.g. \"0 9 * * 1-5\" (required)")
	_ = scheduleAddCmd.MarkFlagRequired("name")
	_ = scheduleAddCmd.MarkFlagRequired("owner")
	_ = scheduleAddCmd.MarkFlagRequired("status")
	_ = scheduleAddCmd.MarkFlagRequired("cron")
}

func scheduleStore() *state.ScheduleStore {
	cfg := loadConfig()
	return state.NewScheduleStore(filepath.Join(cfg.DataDir, "schedules.json"))
}

// reloadDaemon asks a running daemon to pick up schedule edits. A daemon
// that is not running picks them up on start.
func reloadDaemon() {
	if err := newDaemonClient().post("/api/schedules/reload", nil, nil); err != nil {
		fmt.Fprintln(os.Stderr, "Note: daemon not reloaded:", err)
	}
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage status schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a status schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		owner, _ := cmd.Flags().GetString("owner")
		status, _ := cmd.Flags().GetString("status")
		expr, _ := cmd.Flags().GetString("cron")

		if err := scheduler.Validate(expr); err != nil {
			return err
		}
		sc := &state.Schedule{
			Name:    name,
			OwnerID: types.OwnerID(owner),
			Status:  types.StatusValue(status),
			Cron:    expr,
			Enabled: true,
		}
		if err := scheduleStore().Add(sc); err != nil {
			return fmt.Errorf("add schedule: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Schedule %q added.\n", name)
		reloadDaemon()
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := scheduleStore().List()
		if err != nil {
			return fmt.Errorf("list schedules: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No schedules configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tOWNER\tSTATUS\tCRON\tENABLED")
		for _, sc := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", sc.Name, sc.OwnerID, sc.Status, sc.Cron, sc.Enabled)
		}
		return w.Flush()
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := scheduleStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove schedule: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Schedule %q removed.\n", args[0])
		reloadDaemon()
		return nil
	},
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(args[0], true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(args[0], false)
	},
}

func setScheduleEnabled(name string, enabled bool) error {
	if err := scheduleStore().SetEnabled(name, enabled); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	word := "disabled"
	if enabled {
		word = "enabled"
	}
	fmt.Fprintf(os.Stdout, "Schedule %q %s.\n", name, word)
	reloadDaemon()
	return nil
}
