package job

import "errors"

var (
	// ErrNotReady is returned when a job exists but has not finished yet.
	ErrNotReady = errors.New("job not ready")
	// ErrBusy is returned when the background queue cannot take more work.
	ErrBusy = errors.New("conversion queue is full")
)

// Stages of a conversion that can fail.
const (
	StageConvert = "convert"
	StageStore   = "store"
	StageFetch   = "fetch"
)

// ConversionError is a failed conversion. For async jobs the same text is
// recorded as the job's error detail.
type ConversionError struct {
	JobID  string
	Tool   string
	Stage  string
	Detail string
	Err    error
}

func (e *ConversionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Stage == "" {
		return e.Detail
	}
	return e.Stage + ": " + e.Detail
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *ConversionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
