package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/rtcal/pkg/calibration"
	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/engine/local"
	"github.com/charlie0129/rtcal/pkg/events"
	"github.com/charlie0129/rtcal/pkg/profiles"
)

// calibrationFlags are shared by `calibrate` and `sessions start`.
type calibrationFlags struct {
	maxIterations int
	band          float64
	sync          bool
	format        string
	quality       int
	bits          int
	noResize      bool
}

func (f *calibrationFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&f.maxIterations, "max-iterations", 0, "Give up the exposure search after this many renders (default from config)")
	fs.Float64Var(&f.band, "band", 0, "Width of the accepted lightness band above minL (default from config)")
	fs.BoolVar(&f.sync, "sync", false, "Render synchronously instead of on the engine queue")
	fs.StringVar(&f.format, "format", "", "Output format: jpg, png or tif (default from config)")
	fs.IntVar(&f.quality, "quality", 0, "JPEG quality 1-100 (default from config)")
	fs.IntVar(&f.bits, "bits", 0, "Bits per channel: 8 or 16")
	fs.BoolVar(&f.noResize, "no-resize", false, "Save the final render at full size")
}

// request builds a calibration request from `<in> <out> <x> <y> <minL>`.
func (f *calibrationFlags) request(args []string) (calibration.Request, error) {
	x, err := parseIntArg(args[2], "x")
	if err != nil {
		return calibration.Request{}, err
	}
	y, err := parseIntArg(args[3], "y")
	if err != nil {
		return calibration.Request{}, err
	}
	minL, err := parseFloatArg(args[4], "minL")
	if err != nil {
		return calibration.Request{}, err
	}

	req := calibration.Request{
		Input:         args[0],
		Output:        args[1],
		X:             x,
		Y:             y,
		MinL:          minL,
		MaxIterations: f.maxIterations,
		BandWidth:     f.band,
		Sync:          f.sync,
		Format:        f.format,
		Quality:       f.quality,
		Bits:          f.bits,
		NoResize:      f.noResize,
	}
	if err := req.Validate(); err != nil {
		return calibration.Request{}, usageError(err)
	}
	return req, nil
}

func NewCalibrateCommand() *cobra.Command {
	flags := &calibrationFlags{}

	cmd := &cobra.Command{
		Use:     "calibrate <input> <output> <x> <y> <minL>",
		Aliases: []string{"cal"},
		Short:   "Calibrate white balance and exposure of one image",
		Long: `Calibrate white balance and exposure of one image.

The white balance is taken from a neutral spot at (x, y) in source pixel
coordinates. The exposure compensation is then adjusted until the lightness
L* of the same spot lies between minL and minL plus the band. The final image
is written to <output> and its parameters next to it.`,
		Example: `  rtcal calibrate card.jpg card-out.jpg 1024 768 50
  rtcal calibrate --format tif --bits 16 IMG_0001.png out.tif 300 200 62.5`,
		GroupID: gLocal,
		Args:    exactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			outcome, err := runCalibration(ctx, req)
			if outcome != nil {
				printOutcome(outcome)
			}
			return err
		},
	}
	flags.register(cmd)

	return cmd
}

// runCalibration calibrates one image with the local engine.
func runCalibration(ctx context.Context, req calibration.Request) (*calibration.Outcome, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logrus.WithField("input", req.Input)

	eng := local.New(local.WithLogger(log))
	defer func() {
		if err := eng.Close(); err != nil {
			log.WithError(err).Warn("failed to close render engine")
		}
	}()

	img, err := eng.Load(req.Input, engine.IsRawExtension(filepath.Ext(req.Input)))
	if err != nil {
		return nil, err
	}
	defer img.Release()

	store := profiles.NewStoreFromConfig(conf, log)
	initial, err := store.InitialParameters(img.Metadata(), conf.DefaultRawProfile(), conf.DefaultImageProfile())
	if err != nil {
		return nil, err
	}

	hub := events.NewEventHub()
	defer hub.Close()
	logSamples(hub, log)

	opts := calibration.OptionsFromConfig(conf)
	req.Apply(&opts)
	opts.Hub = hub
	opts.Logger = log

	return calibration.New(eng, img, initial, opts).Run(ctx)
}

// logSamples logs every exposure sample until hub is closed.
func logSamples(hub *events.EventHub, log logrus.FieldLogger) {
	ch := hub.Subscribe()
	go func() {
		for ev := range ch {
			if ev.Name != events.CalibrationSample {
				continue
			}
			var s events.CalibrationSampleEvent
			if err := json.Unmarshal(ev.Data, &s); err != nil {
				continue
			}
			log.WithFields(logrus.Fields{
				"iteration": s.Iteration,
				"lightness": fmt.Sprintf("%.2f", s.Lightness),
				"exposure":  fmt.Sprintf("%.2f", s.Exposure),
			}).Info("sampled")
		}
	}()
}

func printOutcome(o *calibration.Outcome) {
	bold := func(format string, a ...interface{}) string { return color.New(color.Bold).Sprintf(format, a...) }
	phase := color.New(color.Bold, color.FgGreen).Sprint(o.Phase)
	if o.Phase != calibration.PhaseConverged {
		phase = color.New(color.Bold, color.FgRed).Sprint(o.Phase)
	}
	fmt.Fprintf(os.Stderr, "Result: %s after %s renders\n", phase, bold("%d", o.Iterations))
	fmt.Fprintf(os.Stderr, "Lightness: %s\n", bold("%.2f", o.Lightness))
	fmt.Fprintf(os.Stderr, "Exposure: %s EV\n", bold("%+.2f", o.Exposure))
	fmt.Fprintf(os.Stderr, "White balance: %s K, tint %s\n", bold("%.0f", o.Temperature), bold("%.3f", o.Tint))
	if o.Output != "" {
		fmt.Fprintf(os.Stderr, "Saved: %s\n", o.Output)
	}
	if o.ParamsPath != "" {
		fmt.Fprintf(os.Stderr, "Parameters: %s\n", o.ParamsPath)
	}
}

func printSession(info *calibration.SessionInfo) {
	bold := func(format string, a ...interface{}) string { return color.New(color.Bold).Sprintf(format, a...) }
	fmt.Printf("Session: %s\n", bold(info.Session))
	fmt.Printf("Input: %s\n", info.Input)
	fmt.Printf("Phase: %s\n", bold(string(info.Phase)))
	if !info.StartedAt.IsZero() {
		fmt.Printf("Started: %s (%s ago)\n", info.StartedAt.Format(time.RFC3339), time.Since(info.StartedAt).Round(time.Second))
	}
	fmt.Printf("Iterations: %d  Lightness: %.2f (target %.2f)  Exposure: %+.2f EV\n",
		info.Iterations, info.Lightness, info.TargetL, info.Exposure)
	if info.Message != "" {
		fmt.Printf("Message: %s\n", info.Message)
	}
	if info.Error != "" {
		fmt.Printf("Error: %s\n", color.RedString(info.Error))
	}
	if info.Outcome != nil && info.Outcome.Output != "" {
		fmt.Printf("Saved: %s\n", info.Outcome.Output)
	}
}
