package calibration

import (
	"time"

	"github.com/charlie0129/rtcal/pkg/params"
)

// Phase defines phases for calibration.
type Phase string

const (
	PhaseIdle                   Phase = "Idle"
	PhaseEstimatingWhiteBalance Phase = "EstimatingWhiteBalance"
	PhaseSearchingExposure      Phase = "SearchingExposure"
	PhaseConverged              Phase = "Converged"
	PhaseDiverged               Phase = "Diverged"
	PhaseFailed                 Phase = "Failed"
)

// Terminal reports whether no more renders follow the phase.
func (p Phase) Terminal() bool {
	return p == PhaseConverged || p == PhaseDiverged || p == PhaseFailed
}

// State holds the scratch values of a running calibration.
type State struct {
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"startedAt"`
	// PrevL is only meaningful when PrevDefined is set.
	PrevL       float64 `json:"prevL"`
	PrevDefined bool    `json:"prevDefined"`
	L           float64 `json:"l"`
	Exposure    float64 `json:"exposure"`
	// Increment is the signed base step of the last update: positive while
	// the sample is below MinL, negative otherwise.
	Increment   float64 `json:"increment"`
	LastStep    float64 `json:"lastStep"`
	Iterations  int     `json:"iterations"`
	Temperature float64 `json:"temperature"`
	Tint        float64 `json:"tint"`
	LastError   string  `json:"lastError,omitempty"`
}

// Status is a synthesized view model exposed via the daemon HTTP API.
type Status struct {
	Session     string    `json:"session"`
	Input       string    `json:"input"`
	Output      string    `json:"output"`
	Phase       Phase     `json:"phase"`
	StartedAt   time.Time `json:"startedAt"`
	Iterations  int       `json:"iterations"`
	Lightness   float64   `json:"lightness"`
	TargetL     float64   `json:"targetL"`
	Exposure    float64   `json:"exposure"`
	Temperature float64   `json:"temperature"`
	Tint        float64   `json:"tint"`
	Progress    float64   `json:"progress"`
	Message     string    `json:"message,omitempty"`
}

// Outcome is the result of a finished calibration.
type Outcome struct {
	Phase       Phase                    `json:"phase"`
	Iterations  int                      `json:"iterations"`
	Lightness   float64                  `json:"lightness"`
	Exposure    float64                  `json:"exposure"`
	Temperature float64                  `json:"temperature"`
	Tint        float64                  `json:"tint"`
	Output      string                   `json:"output,omitempty"`
	ParamsPath  string                   `json:"paramsPath,omitempty"`
	Params      *params.RenderParameters `json:"params,omitempty"`
}
