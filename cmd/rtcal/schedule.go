package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/charlie0129/rtcal/pkg/client"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"sch", "sched"},
		Short:   "Show or skip the scheduled batch sweep",
		Long: `Show or skip the scheduled batch sweep.

The schedule is a cron expression set with 'batchSchedule' in the config
file. Every run renders the new images of 'batchInbox' into 'batchOutbox'.`,
		GroupID: gDaemon,
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newClient().GetSchedule()
			if err != nil {
				return err
			}
			printSchedule(cmd, st)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled sweep",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := newClient().SkipSchedule()
			if err != nil {
				return err
			}
			cmd.Println("Next scheduled sweep skipped.")
			printSchedule(cmd, st)
			return nil
		},
	})

	return cmd
}

func printSchedule(cmd *cobra.Command, st *client.ScheduleStatus) {
	if st.Expr == "" {
		cmd.Println("Batch sweep is not scheduled.")
		return
	}
	cmd.Printf("Schedule: %s\n", st.Expr)
	if !st.NextRun.IsZero() {
		cmd.Printf("Next run: %s\n", st.NextRun.Local().Format(time.DateTime))
	}
	if st.InProgress {
		cmd.Println("A sweep is in progress.")
	}
}
