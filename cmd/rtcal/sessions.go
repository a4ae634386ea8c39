package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/rtcal/pkg/calibration"
)

func NewSessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session", "sess"},
		Short:   "Manage calibration sessions on the rtcal daemon",
		GroupID: gDaemon,
		Args:    exactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSessionsList()
		},
	}

	cmd.AddCommand(
		newSessionsStartCommand(),
		newSessionsGetCommand(),
		newSessionsListCommand(),
		newSessionsCancelCommand(),
	)

	return cmd
}

func newSessionsStartCommand() *cobra.Command {
	flags := &calibrationFlags{}
	wait := false

	cmd := &cobra.Command{
		Use:   "start <input> <output> <x> <y> <minL>",
		Short: "Start a calibration session",
		Long: `Start a calibration session on the daemon.

Paths are resolved by the daemon. The arguments are those of 'rtcal calibrate'.`,
		Args: exactArgs(5),
		RunE: func(_ *cobra.Command, args []string) error {
			req, err := flags.request(args)
			if err != nil {
				return err
			}

			c := newClient()
			checkDaemonVersion(c)
			info, err := c.StartSession(req)
			if err != nil {
				return err
			}
			if !wait {
				fmt.Println(info.Session)
				return nil
			}

			info, err = c.GetSession(info.Session, true)
			if err != nil {
				return err
			}
			printSession(info)
			return sessionError(info)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the session to finish")

	return cmd
}

func newSessionsGetCommand() *cobra.Command {
	wait := false

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a calibration session",
		Args:  exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			info, err := newClient().GetSession(args[0], wait)
			if err != nil {
				return err
			}
			printSession(info)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the session to finish")

	return cmd
}

func newSessionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List calibration sessions",
		Args:  exactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSessionsList()
		},
	}
}

func newSessionsCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Abort a running calibration session",
		Args:  exactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			info, err := newClient().CancelSession(args[0])
			if err != nil {
				return err
			}
			printSession(info)
			return nil
		},
	}
}

func runSessionsList() error {
	list, err := newClient().ListSessions()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No calibration sessions.")
		return nil
	}
	for _, info := range list {
		state := color.YellowString("running")
		if info.Done {
			state = string(info.Phase)
		}
		fmt.Printf("%s  %-10s  %s  %s\n", info.Session, state, info.StartedAt.Local().Format(time.DateTime), info.Input)
	}
	return nil
}

// sessionError turns a failed remote session into an error for the exit code.
func sessionError(info *calibration.SessionInfo) error {
	switch {
	case info.Error == "":
		return nil
	case info.Outcome != nil && info.Outcome.Phase == calibration.PhaseDiverged:
		return fmt.Errorf("%w: session %s", calibration.ErrDivergentSearch, info.Session)
	default:
		return fmt.Errorf("session %s failed: %s", info.Session, info.Error)
	}
}
