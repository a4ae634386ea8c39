package main

import (
	"fmt"
	"strconv"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/rtcal/pkg/client"
	"github.com/charlie0129/rtcal/pkg/config"
	"github.com/charlie0129/rtcal/pkg/version"
)

func usageError(err error) error {
	return fmt.Errorf("%w: %v", errUsage, err)
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

func minimumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

func parseIntArg(arg string, valueName string) (int, error) {
	value, err := strconv.Atoi(arg)
	if err != nil {
		return 0, usageError(fmt.Errorf("invalid %s: %v", valueName, err))
	}
	return value, nil
}

func parseFloatArg(arg string, valueName string) (float64, error) {
	value, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, usageError(fmt.Errorf("invalid %s: %v", valueName, err))
	}
	return value, nil
}

// loadConfig reads the config file. A missing file yields the defaults.
func loadConfig() (*config.File, error) {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to load config %s", configPath)
	}
	return conf, nil
}

func newClient() *client.Client {
	return client.NewClient(unixSocketPath)
}

// checkDaemonVersion warns when the daemon runs another build than this
// client.
func checkDaemonVersion(c *client.Client) {
	daemonVersion, err := c.GetVersion()
	if err != nil {
		logrus.WithError(err).Debug("failed to get daemon version")
		return
	}
	if daemonVersion != version.Version {
		logrus.WithFields(logrus.Fields{
			"clientVersion": version.Version,
			"daemonVersion": daemonVersion,
		}).Warn("Version mismatch between client and daemon. rtcal may not work as expected.")
	}
}
