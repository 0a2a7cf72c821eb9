package capture

import (
	"errors"
	"fmt"
)

// Permission and precondition failures are fatal to the current step and
// never reach the network. Capture failures are retryable by capturing again.
var (
	ErrCameraDenied       = errors.New("camera permission denied")
	ErrCameraUndetermined = errors.New("camera permission not determined")
	ErrLocationDenied     = errors.New("location permission denied")
	ErrNoFrame            = errors.New("no captured frame to submit")
	ErrNoFix              = errors.New("location fix required before submission")
	ErrMissingAnchor      = errors.New("registration anchor id missing")
	ErrCaptureInFlight    = errors.New("capture already in flight")
	ErrUploadInFlight     = errors.New("upload already in flight")
	ErrSessionClosed      = errors.New("capture session is closed")
)

// CaptureError reports a hardware or OS level camera failure. The session is
// left in its prior state and no partial evidence is retained.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("photo capture failed: %v", e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// InvalidTransition reports a registration step attempted out of order.
type InvalidTransition struct {
	From Phase
	Op   string
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("%s not allowed in phase %s", e.Op, e.From)
}
