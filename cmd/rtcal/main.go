package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/charlie0129/rtcal/pkg/batch"
	"github.com/charlie0129/rtcal/pkg/calibration"
	"github.com/charlie0129/rtcal/pkg/client"
	"github.com/charlie0129/rtcal/pkg/engine"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/rtcal.sock"
	configPath     = "/etc/rtcal.json"
)

var (
	gLocal        = "Local:"
	gDaemon       = "Daemon:"
	commandGroups = []string{
		gLocal,
		gDaemon,
	}
)

// Exit codes.
const (
	exitOK          = 0
	exitUsage       = 1
	exitUnsupported = 2
	exitProcessing  = 3
	exitNoProfile   = 4
)

// errUsage marks errors caused by bad arguments or flags.
var errUsage = errors.New("usage error")

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, engine.ErrUnsupportedInput):
		return exitUnsupported
	case errors.Is(err, engine.ErrProfileNotFound):
		return exitNoProfile
	case errors.Is(err, calibration.ErrDivergentSearch),
		errors.Is(err, calibration.ErrNoSampleData),
		errors.Is(err, engine.ErrRenderFailure),
		errors.Is(err, engine.ErrPersist),
		errors.Is(err, batch.ErrFilesFailed):
		return exitProcessing
	default:
		return exitUsage
	}
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: rtcal daemon is not running")
		fmt.Fprintln(os.Stderr, "Start it with 'rtcal daemon' or point --daemon-socket at a running one.")
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or start the daemon with '--always-allow-non-root-access'")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(exitCode(err))
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rtcal",
		Short: "rtcal calibrates white balance and exposure of photos",
		Long: `rtcal calibrates white balance and exposure of photos.

It picks the white balance from a neutral spot, then searches the exposure
compensation until the spot reaches a target lightness. Images can also be
rendered in batches with stacked processing profiles, either locally or
through the rtcal daemon.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger()
		},
	}

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return usageError(err)
	})

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "rtcal daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewVersionCommand(),
		NewCalibrateCommand(),
		NewBatchCommand(),
		NewDaemonCommand(),
		NewSessionsCommand(),
		NewEventsCommand(),
		NewScheduleCommand(),
	)

	return cmd
}
