package events

import "encoding/json"

// Event names.
const (
	CalibrationPhase    = "calibration.phase"
	CalibrationSample   = "calibration.sample"
	CalibrationProgress = "calibration.progress"
	BatchFile           = "batch.file"
	BatchDone           = "batch.done"
	BatchUpcoming       = "batch.upcoming"
	BatchFailed         = "batch.failed"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// CalibrationPhaseEvent is the payload of calibration.phase.
type CalibrationPhaseEvent struct {
	Session string `json:"session,omitempty"`
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// CalibrationSampleEvent is the payload of calibration.sample. It is sent
// for every measured render during the exposure search.
type CalibrationSampleEvent struct {
	Session   string  `json:"session,omitempty"`
	Version   uint64  `json:"version"`
	Iteration int     `json:"iteration"`
	Lightness float64 `json:"lightness"`
	Exposure  float64 `json:"exposure"`
	Count     int     `json:"count"`
	Ts        int64   `json:"ts"`
}

// CalibrationProgressEvent is the payload of calibration.progress.
type CalibrationProgressEvent struct {
	Session  string  `json:"session,omitempty"`
	Version  uint64  `json:"version"`
	Fraction float64 `json:"fraction"`
}

// BatchFileEvent is the payload of batch.file.
type BatchFileEvent struct {
	Input  string `json:"input"`
	Output string `json:"output,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BatchDoneEvent is the payload of batch.done.
type BatchDoneEvent struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// BatchUpcomingEvent is the payload of batch.upcoming, sent shortly before a
// scheduled sweep.
type BatchUpcomingEvent struct {
	RunAt int64  `json:"runAt"`
	Inbox string `json:"inbox"`
}

// BatchFailedEvent is the payload of batch.failed.
type BatchFailedEvent struct {
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
