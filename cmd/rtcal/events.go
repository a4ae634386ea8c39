package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func NewEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "events",
		Short:   "Follow the event stream of the rtcal daemon",
		Long:    "Print calibration and batch events of the daemon as they happen, until interrupted.",
		GroupID: gDaemon,
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient()
			if _, err := c.GetVersion(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			for ev := range c.SubscribeEvents(ctx) {
				fmt.Printf("%s %s %s\n", time.Now().Format(time.TimeOnly), color.CyanString(ev.Name), string(ev.Data))
			}
			return nil
		},
	}
}
