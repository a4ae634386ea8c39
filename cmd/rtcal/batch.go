package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/rtcal/pkg/batch"
	"github.com/charlie0129/rtcal/pkg/engine/local"
)

type batchFlags struct {
	output          string
	profiles        []string
	useDefault      bool
	overwrite       bool
	sidecar         bool
	sidecarRequired bool
	sidecarPosition int
	copyParams      bool
	format          string
	bits            int
	quality         int
	subsampling     int
	allExtensions   bool
	remote          bool
}

// request builds the batch request. Without --sidecar-pos the sidecar is
// merged after all profiles.
func (f *batchFlags) request(cmd *cobra.Command, inputs []string) (batch.Request, error) {
	if f.sidecar && f.sidecarRequired {
		return batch.Request{}, usageError(fmt.Errorf("-s and -S are mutually exclusive"))
	}

	req := batch.Request{
		Inputs:          inputs,
		Output:          f.output,
		Profiles:        f.profiles,
		UseDefault:      f.useDefault,
		Overwrite:       f.overwrite,
		SidecarPosition: len(f.profiles),
		CopyParams:      f.copyParams,
		Format:          f.format,
		Bits:            f.bits,
		Quality:         f.quality,
		Subsampling:     f.subsampling,
		AllExtensions:   f.allExtensions,
	}
	switch {
	case f.sidecarRequired:
		req.Sidecar = batch.SidecarRequired
	case f.sidecar:
		req.Sidecar = batch.SidecarOptional
	}
	if cmd.Flags().Changed("sidecar-pos") {
		if f.sidecarPosition < 0 {
			return batch.Request{}, usageError(fmt.Errorf("invalid sidecar position %d", f.sidecarPosition))
		}
		req.SidecarPosition = f.sidecarPosition
	}
	return req, nil
}

func NewBatchCommand() *cobra.Command {
	flags := &batchFlags{}

	cmd := &cobra.Command{
		Use:   "batch [flags] <inputs...>",
		Short: "Render many images with processing profiles",
		Long: `Render many images with processing profiles.

Inputs are files or directories. Directories are not walked recursively and
only files with a configured extension are picked up unless --all-ext is set.

Profiles given with -p are applied in order on top of the built-in defaults,
after the default profile when -d is set. With -s the parameter file next to
each input is merged too, at --sidecar-pos among the -p profiles.

The dimensions of every rendered file are printed to stdout as JSON lines.`,
		Example: `  rtcal batch -o out/ -p neutral.pp3 -s photos/
  rtcal batch -d -f tif -b 16 -Y -o out/ IMG_0001.png IMG_0002.png
  rtcal batch -o /dev/null photos/ (only print dimensions)`,
		GroupID: gLocal,
		Args:    minimumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(cmd, args)
			if err != nil {
				return err
			}

			var report *batch.Report
			if flags.remote {
				c := newClient()
				checkDaemonVersion(c)
				report, err = c.RunBatch(req)
				if err == nil {
					printDimensions(report)
				}
			} else {
				report, err = runBatch(cmd, req)
			}
			if err != nil {
				return err
			}

			printReport(report)
			return report.Err()
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.output, "output", "o", "", "Output file, directory (trailing /) or /dev/null. Empty writes next to the input")
	f.StringArrayVarP(&flags.profiles, "profile", "p", nil, "Processing profile to apply, repeatable")
	f.BoolVarP(&flags.useDefault, "default", "d", false, "Apply the configured default raw or image profile first")
	f.BoolVarP(&flags.overwrite, "overwrite", "Y", false, "Overwrite existing outputs")
	f.BoolVarP(&flags.sidecar, "sidecar", "s", false, "Merge the parameter file of each input when it exists")
	f.BoolVarP(&flags.sidecarRequired, "sidecar-required", "S", false, "Like -s, but skip inputs without a parameter file")
	f.IntVar(&flags.sidecarPosition, "sidecar-pos", 0, "Number of -p profiles applied before the sidecar (default all)")
	f.BoolVar(&flags.copyParams, "copy-params", false, "Write the final parameters next to every output")
	f.StringVarP(&flags.format, "format", "f", "", "Output format: jpg, png or tif (default from config)")
	f.IntVarP(&flags.bits, "bits", "b", 0, "Bits per channel: 8 or 16 (default 16 for tif, 8 otherwise)")
	f.IntVarP(&flags.quality, "quality", "q", 0, "JPEG quality 1-100 (default from config)")
	f.IntVar(&flags.subsampling, "subsampling", 0, "JPEG chroma subsampling 1-3 (default from config)")
	f.BoolVar(&flags.allExtensions, "all-ext", false, "Pick up every file of input directories")
	f.BoolVar(&flags.remote, "remote", false, "Run the batch on the rtcal daemon")

	return cmd
}

func runBatch(cmd *cobra.Command, req batch.Request) (*batch.Report, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts, err := req.Options()
	if err != nil {
		return nil, usageError(err)
	}
	opts.Dimensions = os.Stdout
	opts.Logger = logrus.WithField("task", "batch")

	eng := local.New(local.WithLogger(opts.Logger))
	defer func() {
		if err := eng.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close render engine")
		}
	}()

	r, err := batch.New(eng, nil, opts, conf)
	if err != nil {
		return nil, usageError(err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return r.Run(ctx)
}

func printReport(r *batch.Report) {
	bold := func(format string, a ...interface{}) string { return color.New(color.Bold).Sprintf(format, a...) }
	failed := bold("%d", len(r.Errors))
	if len(r.Errors) > 0 {
		failed = color.New(color.Bold, color.FgRed).Sprintf("%d", len(r.Errors))
	}
	fmt.Fprintf(os.Stderr, "Processed: %s  Skipped: %s  Failed: %s\n", bold("%d", r.Processed), bold("%d", r.Skipped), failed)
	for _, e := range r.Errors {
		fmt.Fprintf(os.Stderr, "  - %s\n", e.Error())
	}
}

// printDimensions prints the dimensions of a remote run the way a local run
// streams them.
func printDimensions(r *batch.Report) {
	for _, res := range r.Results {
		b, _ := json.Marshal(res.Dimensions)
		fmt.Println(string(b))
	}
}
