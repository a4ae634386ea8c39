package calibration

var (
	ErrDivergentSearch = &calibrationError{"exposure search did not converge"}
	ErrNoSampleData    = &calibrationError{"sampled region has no pixels in the rendered buffer"}
	ErrAlreadyStarted  = &calibrationError{"calibration already started"}
)

type calibrationError struct{ msg string }

func (e *calibrationError) Error() string { return e.msg }
