package config

type Config interface {
	ProfilesDir() string
	DefaultRawProfile() string
	DefaultImageProfile() string
	ParamExtension() string
	ParsedExtensions() []string
	OutputFormat() string
	JPEGQuality() int
	JPEGSubsampling() int

	MaxIterations() int
	BandWidth() float64
	InitialIncrement() float64
	SpotWindow() int
	SampleWindow() int
	CropWindow() int
	FinalResize() bool
	FinalWidth() int
	FinalHeight() int
	AsyncRender() bool

	AllowNonRootAccess() bool
	BatchSchedule() string
	BatchInbox() string
	BatchOutbox() string

	SetProfilesDir(string)
	SetMaxIterations(int)
	SetBandWidth(float64)
	SetAsyncRender(bool)
	SetAllowNonRootAccess(bool)
	SetBatchSchedule(schedule, inbox, outbox string)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}
