// Package batch renders many images non-interactively.
//
// A Runner resolves the processing profiles of every input, renders it
// synchronously and writes the result next to the input, into an output
// directory or to an explicit path. Failures are counted per file and do not
// stop the run; only a missing profile aborts before any file is touched.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rtcal/pkg/config"
	"github.com/charlie0129/rtcal/pkg/engine"
	"github.com/charlie0129/rtcal/pkg/events"
	"github.com/charlie0129/rtcal/pkg/params"
	"github.com/charlie0129/rtcal/pkg/profiles"
)

// ErrFilesFailed is returned by Report.Err when at least one file failed.
var ErrFilesFailed = errors.New("some files failed")

// SidecarMode selects how per-image parameter files are used.
type SidecarMode int

const (
	SidecarNone SidecarMode = iota
	// SidecarOptional merges <input><ext> when it exists.
	SidecarOptional
	// SidecarRequired fails inputs that have no sidecar.
	SidecarRequired
)

func (m SidecarMode) String() string {
	switch m {
	case SidecarOptional:
		return "optional"
	case SidecarRequired:
		return "required"
	default:
		return "none"
	}
}

// Options configures a batch run.
type Options struct {
	// Inputs are files or directories. Directories are not walked
	// recursively.
	Inputs []string
	// Output is empty, a directory, a file path or /dev/null.
	Output string
	// Profiles are applied in order after the default profile.
	Profiles []string
	// UseDefault applies the configured raw or image default profile first.
	UseDefault bool
	Overwrite  bool

	Sidecar SidecarMode
	// SidecarPosition is the index in Profiles before which the sidecar is
	// merged. Values past the end merge it last.
	SidecarPosition int
	// CopyParams writes the final parameters next to every output.
	CopyParams bool

	// Format is jpg, png or tif. Empty uses the configured format.
	Format string
	// Bits is 8 or 16. Zero picks 16 for tif and 8 otherwise.
	Bits        int
	Quality     int
	Subsampling int
	// AllExtensions picks up every file of an input directory instead of
	// the configured parsed extensions only.
	AllExtensions bool

	// Dimensions receives one JSON object per rendered file.
	Dimensions io.Writer
	Hub        *events.EventHub
	Logger     logrus.FieldLogger
}

// Dimensions of a rendered file. Values are encoded as strings.
type Dimensions struct {
	RawWidth  int `json:"rawWidth,string"`
	RawHeight int `json:"rawHeight,string"`
	Width     int `json:"width,string"`
	Height    int `json:"height,string"`
}

// FileResult describes a successfully processed input.
type FileResult struct {
	Input      string     `json:"input"`
	Output     string     `json:"output"`
	Dimensions Dimensions `json:"dimensions"`
}

// FileError describes a failed input.
type FileError struct {
	Input string `json:"input"`
	Err   error  `json:"-"`
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Input, e.Err)
}

func (e FileError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Input string `json:"input"`
		Error string `json:"error"`
	}{e.Input, e.Err.Error()})
}

func (e *FileError) UnmarshalJSON(b []byte) error {
	var v struct {
		Input string `json:"input"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	e.Input = v.Input
	e.Err = errors.New(v.Error)
	return nil
}

// Report summarizes a run.
type Report struct {
	Processed int          `json:"processed"`
	Skipped   int          `json:"skipped"`
	Errors    []FileError  `json:"errors"`
	Results   []FileResult `json:"results"`
}

// Err returns nil when every file was processed or skipped.
func (r *Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return pkgerrors.Wrapf(ErrFilesFailed, "%d of %d files failed", len(r.Errors), r.Processed+len(r.Errors))
}

// Runner executes a batch run.
type Runner struct {
	eng   engine.Engine
	store *profiles.Store
	cfg   config.Config
	opts  Options
	log   logrus.FieldLogger
	names outputNamer
	exts  map[string]bool
}

// New validates opts and creates a runner. A nil store uses the configured
// profile directory.
func New(eng engine.Engine, store *profiles.Store, opts Options, cfg config.Config) (*Runner, error) {
	if eng == nil {
		return nil, pkgerrors.New("engine is nil")
	}
	if cfg == nil {
		return nil, pkgerrors.New("config is nil")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if store == nil {
		store = profiles.NewStoreFromConfig(cfg, opts.Logger)
	}

	opts.Format = strings.ToLower(strings.TrimPrefix(opts.Format, "."))
	if opts.Format == "" {
		opts.Format = cfg.OutputFormat()
	}
	switch opts.Format {
	case "jpeg":
		opts.Format = engine.FormatJPEG
	case "tiff":
		opts.Format = engine.FormatTIFF
	case engine.FormatJPEG, engine.FormatPNG, engine.FormatTIFF:
	default:
		return nil, pkgerrors.Errorf("unsupported output format %q, must be jpg, png or tif", opts.Format)
	}

	if opts.Bits == 0 {
		opts.Bits = 8
		if opts.Format == engine.FormatTIFF {
			opts.Bits = 16
		}
	}
	if opts.Bits != 8 && opts.Bits != 16 {
		return nil, pkgerrors.Errorf("unsupported bit depth %d, must be 8 or 16", opts.Bits)
	}
	if opts.Format == engine.FormatJPEG && opts.Bits != 8 {
		return nil, pkgerrors.New("jpg output only supports 8 bits")
	}
	if opts.Quality == 0 {
		opts.Quality = cfg.JPEGQuality()
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		return nil, pkgerrors.Errorf("invalid jpg quality %d, must be in [1, 100]", opts.Quality)
	}
	if opts.Subsampling == 0 {
		opts.Subsampling = cfg.JPEGSubsampling()
	}
	if opts.SidecarPosition < 0 {
		return nil, pkgerrors.Errorf("invalid sidecar position %d", opts.SidecarPosition)
	}

	exts := make(map[string]bool)
	for _, e := range cfg.ParsedExtensions() {
		exts[e] = true
	}

	return &Runner{
		eng:   eng,
		store: store,
		cfg:   cfg,
		opts:  opts,
		log:   opts.Logger,
		names: newOutputNamer(opts.Output, opts.Format),
		exts:  exts,
	}, nil
}

// Options returns the options after defaults were applied.
func (r *Runner) Options() Options {
	return r.opts
}

// Run processes every input. The returned error is non-nil only when the run
// could not start, or ctx was canceled; per file failures are in the report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	explicit, err := r.loadProfiles()
	if err != nil {
		return nil, err
	}

	report := &Report{}
	inputs := r.collect(report)
	if len(inputs) == 0 {
		r.log.Warn("no input files")
	}

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return report, pkgerrors.Wrap(err, "batch canceled")
		}
		r.process(in, explicit, report)
	}

	r.opts.Hub.Publish(events.BatchDone, events.BatchDoneEvent{
		Processed: report.Processed,
		Skipped:   report.Skipped,
		Errors:    len(report.Errors),
	})
	r.log.WithFields(logrus.Fields{
		"processed": report.Processed,
		"skipped":   report.Skipped,
		"errors":    len(report.Errors),
	}).Info("batch finished")

	return report, nil
}

// loadProfiles loads the explicit profiles and checks the defaults.
func (r *Runner) loadProfiles() ([]*params.PartialProfile, error) {
	if r.opts.UseDefault {
		for _, name := range []string{r.cfg.DefaultRawProfile(), r.cfg.DefaultImageProfile()} {
			if err := r.store.Check(name); err != nil {
				return nil, pkgerrors.Wrap(err, "default profile")
			}
		}
	}

	var out []*params.PartialProfile
	for _, name := range r.opts.Profiles {
		pp, err := r.store.Load(name)
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, nil
}

// collect expands the inputs into the list of files to process.
func (r *Runner) collect(report *Report) []string {
	var files []string
	for _, arg := range r.opts.Inputs {
		fi, err := os.Stat(arg)
		if err != nil {
			r.log.WithError(err).WithField("input", arg).Warn("input does not exist, skipped")
			continue
		}
		if !fi.IsDir() {
			files = append(files, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			r.log.WithError(err).WithField("input", arg).Warn("failed to read directory, skipped")
			continue
		}
		for _, e := range entries {
			path := filepath.Join(arg, e.Name())
			if e.IsDir() || !r.retained(path) {
				continue
			}
			if r.opts.Sidecar == SidecarRequired && !exists(r.sidecarPath(path)) {
				r.log.WithField("input", path).Info("no sidecar file, skipped")
				r.skip(report, path, "")
				continue
			}
			files = append(files, path)
		}
	}
	return files
}

func (r *Runner) retained(path string) bool {
	if r.opts.AllExtensions {
		return true
	}
	return r.exts[extension(path)]
}

func (r *Runner) sidecarPath(input string) string {
	return input + r.cfg.ParamExtension()
}

// process renders one input and records the outcome in report.
func (r *Runner) process(input string, explicit []*params.PartialProfile, report *Report) {
	log := r.log.WithField("input", input)
	output := r.names.Name(input)

	if input == output {
		log.Warn("output would overwrite the input, skipped")
		r.skip(report, input, output)
		return
	}
	if !r.names.Discard() && !r.opts.Overwrite && exists(output) {
		log.WithField("output", output).Warn("output already exists, skipped; enable overwrite to replace it")
		r.skip(report, input, output)
		return
	}

	res, err := r.render(input, output, explicit, log)
	if err != nil {
		log.WithError(err).Error("failed to process")
		report.Errors = append(report.Errors, FileError{Input: input, Err: err})
		r.opts.Hub.Publish(events.BatchFile, events.BatchFileEvent{
			Input:  input,
			Output: output,
			Status: "failed",
			Error:  err.Error(),
		})
		return
	}

	report.Processed++
	report.Results = append(report.Results, *res)
	r.opts.Hub.Publish(events.BatchFile, events.BatchFileEvent{
		Input:  input,
		Output: output,
		Status: "processed",
	})
}

func (r *Runner) render(input, output string, explicit []*params.PartialProfile, log logrus.FieldLogger) (*FileResult, error) {
	isRaw := engine.IsRawExtension(filepath.Ext(input))
	img, err := r.eng.Load(input, isRaw)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to load")
	}
	defer img.Release()
	md := img.Metadata()

	p, err := r.parameters(input, md, explicit, log)
	if err != nil {
		return nil, err
	}

	job, err := r.eng.NewJob(engine.JobSpec{Image: img, Params: p})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create job")
	}
	res, err := r.eng.RenderSync(job)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to render")
	}
	defer res.Release()

	fr := &FileResult{
		Input:  input,
		Output: output,
		Dimensions: Dimensions{
			RawWidth:  md.Width,
			RawHeight: md.Height,
			Width:     res.Size.X,
			Height:    res.Size.Y,
		},
	}
	if r.opts.Dimensions != nil {
		b, _ := json.Marshal(fr.Dimensions)
		_, _ = fmt.Fprintln(r.opts.Dimensions, string(b))
	}

	if r.names.Discard() {
		return fr, nil
	}

	err = r.eng.SaveResult(res, output, engine.SaveOptions{
		Format:      r.opts.Format,
		Quality:     r.opts.Quality,
		Subsampling: r.opts.Subsampling,
		Bits:        r.opts.Bits,
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to save %s", output)
	}
	log.WithField("output", output).Info("saved")

	if r.opts.CopyParams {
		path := output + r.cfg.ParamExtension()
		if err := r.eng.SaveParameters(p, path); err != nil {
			log.WithError(err).WithField("path", path).Warn("failed to copy parameters")
		}
	}
	return fr, nil
}

// parameters builds the parameters of one input: default profile, then the
// explicit profiles with the sidecar merged at its position.
func (r *Runner) parameters(input string, md engine.Metadata, explicit []*params.PartialProfile, log logrus.FieldLogger) (*params.RenderParameters, error) {
	var chain []*params.PartialProfile
	if r.opts.UseDefault {
		name := r.cfg.DefaultImageProfile()
		if md.Raw {
			name = r.cfg.DefaultRawProfile()
		}
		pps, err := r.store.Resolve(name, md)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "default profile")
		}
		chain = append(chain, pps...)
	}

	if r.opts.Sidecar == SidecarNone {
		chain = append(chain, explicit...)
		return params.Merge(params.Defaults(), chain...)
	}

	pos := min(r.opts.SidecarPosition, len(explicit))
	chain = append(chain, explicit[:pos]...)

	path := r.sidecarPath(input)
	sidecar, err := params.LoadPartial(path)
	switch {
	case err == nil:
		log.WithField("sidecar", path).Debug("merging sidecar")
		chain = append(chain, sidecar)
	case r.opts.Sidecar == SidecarRequired:
		return nil, pkgerrors.Wrap(err, "sidecar required")
	default:
		log.WithField("sidecar", path).Debug("no sidecar")
	}

	chain = append(chain, explicit[pos:]...)
	return params.Merge(params.Defaults(), chain...)
}

func (r *Runner) skip(report *Report, input, output string) {
	report.Skipped++
	r.opts.Hub.Publish(events.BatchFile, events.BatchFileEvent{
		Input:  input,
		Output: output,
		Status: "skipped",
	})
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func extension(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
