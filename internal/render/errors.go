package render

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyContent is returned before any backend call when a job has no HTML.
	ErrEmptyContent = errors.New("render: empty content")

	// ErrInvalidJob is returned when a job is missing dimensions, format or output.
	ErrInvalidJob = errors.New("render: invalid job")

	// ErrBackendLaunch means the rendering engine is not running. No job can
	// proceed, so callers treat it as fatal to the run.
	ErrBackendLaunch = errors.New("render: backend launch failed")

	// ErrNavigation is returned when a page cannot be opened, loaded or measured.
	ErrNavigation = errors.New("render: navigation failed")

	// ErrTimeoutDegraded is returned by Session.Load when the page did not
	// settle in time. Capture continues with a best-effort measurement.
	ErrTimeoutDegraded = errors.New("render: page did not settle before timeout")

	// ErrCaptureEncode is returned when the screenshot fails or does not
	// decode as the requested format.
	ErrCaptureEncode = errors.New("render: capture or encode failed")

	// ErrFileSystem is returned on read, write or stat failures.
	ErrFileSystem = errors.New("render: file system error")
)

// Error carries the failure kind, the source being rendered and the cause.
// errors.Is matches both the kind sentinel and the cause.
type Error struct {
	Kind   error
	Source string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Source)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Source, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Fatal reports whether err should stop the whole run rather than one job.
func Fatal(err error) bool {
	return errors.Is(err, ErrBackendLaunch)
}
