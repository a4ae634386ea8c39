package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/charlie0129/rtcal/pkg/utils/ptr"
)

const (
	// ProfileInternal selects the built-in parameters.
	ProfileInternal = "Internal"
	// ProfileDynamic selects the profile by evaluating dynamic rules.
	ProfileDynamic = "Dynamic"
)

var (
	defaultFileConfig = &RawFileConfig{
		ProfilesDir:         ptr.To(""),
		DefaultRawProfile:   ptr.To(ProfileDynamic),
		DefaultImageProfile: ptr.To(ProfileInternal),
		ParamExtension:      ptr.To(".pp3"),
		ParsedExtensions: []string{
			"jpg", "jpeg", "png", "tif", "tiff", "bmp", "gif",
			"cr2", "cr3", "nef", "arw", "dng", "raf", "orf", "rw2", "pef", "srw",
		},
		OutputFormat:    ptr.To("jpg"),
		JPEGQuality:     ptr.To(92),
		JPEGSubsampling: ptr.To(3),

		// The exposure search has no natural end when the response is flat
		// or oscillating.
		MaxIterations:    ptr.To(50),
		BandWidth:        ptr.To(0.5),
		InitialIncrement: ptr.To(0.05),
		SpotWindow:       ptr.To(8),
		SampleWindow:     ptr.To(8),
		CropWindow:       ptr.To(100),
		FinalResize:      ptr.To(true),
		FinalWidth:       ptr.To(1920),
		FinalHeight:      ptr.To(1080),
		AsyncRender:      ptr.To(true),

		AllowNonRootAccess: ptr.To(false),
		BatchSchedule:      ptr.To(""),
		BatchInbox:         ptr.To(""),
		BatchOutbox:        ptr.To(""),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

type RawFileConfig struct {
	ProfilesDir         *string  `json:"profilesDir,omitempty"`
	DefaultRawProfile   *string  `json:"defaultRawProfile,omitempty"`
	DefaultImageProfile *string  `json:"defaultImageProfile,omitempty"`
	ParamExtension      *string  `json:"paramExtension,omitempty"`
	ParsedExtensions    []string `json:"parsedExtensions,omitempty"`
	OutputFormat        *string  `json:"outputFormat,omitempty"`
	JPEGQuality         *int     `json:"jpegQuality,omitempty"`
	JPEGSubsampling     *int     `json:"jpegSubsampling,omitempty"`

	MaxIterations    *int     `json:"maxIterations,omitempty"`
	BandWidth        *float64 `json:"bandWidth,omitempty"`
	InitialIncrement *float64 `json:"initialIncrement,omitempty"`
	SpotWindow       *int     `json:"spotWindow,omitempty"`
	SampleWindow     *int     `json:"sampleWindow,omitempty"`
	CropWindow       *int     `json:"cropWindow,omitempty"`
	FinalResize      *bool    `json:"finalResize,omitempty"`
	FinalWidth       *int     `json:"finalWidth,omitempty"`
	FinalHeight      *int     `json:"finalHeight,omitempty"`
	AsyncRender      *bool    `json:"asyncRender,omitempty"`

	AllowNonRootAccess *bool   `json:"allowNonRootAccess,omitempty"`
	BatchSchedule      *string `json:"batchSchedule,omitempty"`
	BatchInbox         *string `json:"batchInbox,omitempty"`
	BatchOutbox        *string `json:"batchOutbox,omitempty"`
}

func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		ProfilesDir:         ptr.To(c.ProfilesDir()),
		DefaultRawProfile:   ptr.To(c.DefaultRawProfile()),
		DefaultImageProfile: ptr.To(c.DefaultImageProfile()),
		ParamExtension:      ptr.To(c.ParamExtension()),
		ParsedExtensions:    c.ParsedExtensions(),
		OutputFormat:        ptr.To(c.OutputFormat()),
		JPEGQuality:         ptr.To(c.JPEGQuality()),
		JPEGSubsampling:     ptr.To(c.JPEGSubsampling()),
		MaxIterations:       ptr.To(c.MaxIterations()),
		BandWidth:           ptr.To(c.BandWidth()),
		InitialIncrement:    ptr.To(c.InitialIncrement()),
		SpotWindow:          ptr.To(c.SpotWindow()),
		SampleWindow:        ptr.To(c.SampleWindow()),
		CropWindow:          ptr.To(c.CropWindow()),
		FinalResize:         ptr.To(c.FinalResize()),
		FinalWidth:          ptr.To(c.FinalWidth()),
		FinalHeight:         ptr.To(c.FinalHeight()),
		AsyncRender:         ptr.To(c.AsyncRender()),
		AllowNonRootAccess:  ptr.To(c.AllowNonRootAccess()),
		BatchSchedule:       ptr.To(c.BatchSchedule()),
		BatchInbox:          ptr.To(c.BatchInbox()),
		BatchOutbox:         ptr.To(c.BatchOutbox()),
	}

	return rawConfig, nil
}

// get reads a field under the read lock, falling back to the default.
func get[T any](f *File, field func(c *RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return ptr.Deref(field(f.c), *field(defaultFileConfig))
}

// ProfilesDir defaults to a "profiles" directory next to the config file.
func (f *File) ProfilesDir() string {
	dir := get(f, func(c *RawFileConfig) *string { return c.ProfilesDir })
	if dir == "" {
		return filepath.Join(filepath.Dir(f.filepath), "profiles")
	}
	return dir
}

func (f *File) DefaultRawProfile() string {
	return get(f, func(c *RawFileConfig) *string { return c.DefaultRawProfile })
}

func (f *File) DefaultImageProfile() string {
	return get(f, func(c *RawFileConfig) *string { return c.DefaultImageProfile })
}

func (f *File) ParamExtension() string {
	ext := get(f, func(c *RawFileConfig) *string { return c.ParamExtension })
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// ParsedExtensions returns the lower case extensions, without dots, that
// batch runs pick up from directories.
func (f *File) ParsedExtensions() []string {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	exts := f.c.ParsedExtensions
	if len(exts) == 0 {
		exts = defaultFileConfig.ParsedExtensions
	}
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		out = append(out, strings.ToLower(strings.TrimPrefix(e, ".")))
	}
	return out
}

func (f *File) OutputFormat() string {
	return get(f, func(c *RawFileConfig) *string { return c.OutputFormat })
}

func (f *File) JPEGQuality() int {
	return get(f, func(c *RawFileConfig) *int { return c.JPEGQuality })
}

func (f *File) JPEGSubsampling() int {
	return get(f, func(c *RawFileConfig) *int { return c.JPEGSubsampling })
}

func (f *File) MaxIterations() int {
	return get(f, func(c *RawFileConfig) *int { return c.MaxIterations })
}

func (f *File) BandWidth() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.BandWidth })
}

func (f *File) InitialIncrement() float64 {
	return get(f, func(c *RawFileConfig) *float64 { return c.InitialIncrement })
}

func (f *File) SpotWindow() int {
	return get(f, func(c *RawFileConfig) *int { return c.SpotWindow })
}

func (f *File) SampleWindow() int {
	return get(f, func(c *RawFileConfig) *int { return c.SampleWindow })
}

func (f *File) CropWindow() int {
	return get(f, func(c *RawFileConfig) *int { return c.CropWindow })
}

func (f *File) FinalResize() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.FinalResize })
}

func (f *File) FinalWidth() int {
	return get(f, func(c *RawFileConfig) *int { return c.FinalWidth })
}

func (f *File) FinalHeight() int {
	return get(f, func(c *RawFileConfig) *int { return c.FinalHeight })
}

func (f *File) AsyncRender() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.AsyncRender })
}

func (f *File) AllowNonRootAccess() bool {
	return get(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

func (f *File) BatchSchedule() string {
	return get(f, func(c *RawFileConfig) *string { return c.BatchSchedule })
}

func (f *File) BatchInbox() string {
	return get(f, func(c *RawFileConfig) *string { return c.BatchInbox })
}

func (f *File) BatchOutbox() string {
	return get(f, func(c *RawFileConfig) *string { return c.BatchOutbox })
}

func (f *File) SetProfilesDir(dir string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.ProfilesDir = &dir
}

func (f *File) SetMaxIterations(i int) {
	if f.c == nil {
		panic("config is nil")
	}

	if i < 1 {
		panic("max iterations must be at least 1")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.MaxIterations = &i
}

func (f *File) SetBandWidth(w float64) {
	if f.c == nil {
		panic("config is nil")
	}

	if w <= 0 {
		panic("band width must be positive")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.BandWidth = &w
}

func (f *File) SetAsyncRender(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AsyncRender = &b
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

func (f *File) SetBatchSchedule(schedule, inbox, outbox string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.BatchSchedule = &schedule
	f.c.BatchInbox = &inbox
	f.c.BatchOutbox = &outbox
}

// Path returns the file backing the configuration.
func (f *File) Path() string {
	return f.filepath
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	// Since we want to tell if the file is empty, using json.Decoder will
	// not work.
	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	err = json.Unmarshal(b, &conf)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	if err := os.MkdirAll(filepath.Dir(f.filepath), 0755); err != nil {
		return pkgerrors.Wrapf(err, "failed to create directory for %s", f.filepath)
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	enc := json.NewEncoder(fp)
	enc.SetIndent("", "  ")
	err = enc.Encode(f.c)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"profilesDir":         f.ProfilesDir(),
		"defaultRawProfile":   f.DefaultRawProfile(),
		"defaultImageProfile": f.DefaultImageProfile(),
		"paramExtension":      f.ParamExtension(),
		"outputFormat":        f.OutputFormat(),
		"jpegQuality":         f.JPEGQuality(),
		"maxIterations":       f.MaxIterations(),
		"bandWidth":           f.BandWidth(),
		"asyncRender":         f.AsyncRender(),
		"allowNonRootAccess":  f.AllowNonRootAccess(),
		"batchSchedule":       f.BatchSchedule(),
	}
}
