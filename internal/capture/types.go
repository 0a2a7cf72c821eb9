package capture

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"
)

// Purpose selects which backend endpoint a session submits to.
type Purpose string

const (
	PurposeAttendance    Purpose = "attendance"
	PurposeGeoAttendance Purpose = "geo_attendance"
	PurposeRegistration  Purpose = "registration"
)

// Permission is the device permission state for a capability.
type Permission string

const (
	PermissionUndetermined Permission = "undetermined"
	PermissionGranted      Permission = "granted"
	PermissionDenied       Permission = "denied"
)

// Image is a transient reference to a single captured JPEG frame. It is owned
// by the session that produced it and released when the session ends.
type Image struct {
	URI     string
	Data    []byte
	TakenAt time.Time
}

// Reader opens the frame content. In-memory data wins over the URI so fakes
// and spool captures share one path.
func (im Image) Reader() (io.ReadCloser, error) {
	if im.Data != nil {
		return io.NopCloser(bytes.NewReader(im.Data)), nil
	}
	return os.Open(im.URI)
}

// Empty reports whether the image references no frame at all.
func (im Image) Empty() bool {
	return im.URI == "" && im.Data == nil
}

// Fix is an ephemeral location fix plus the default geofence radius. It is
// acquired once per geo submission and never cached across sessions.
type Fix struct {
	Lat     float64
	Lng     float64
	RadiusM float64
	At      time.Time
}

// Camera abstracts the device camera so capture flows run against fakes.
type Camera interface {
	// RequestAccess asks for camera permission if not already granted and
	// returns the resulting state.
	RequestAccess(ctx context.Context) (Permission, error)
	// Capture produces a single still frame.
	Capture(ctx context.Context) (Image, error)
}

// Locator abstracts foreground location access.
type Locator interface {
	RequestAccess(ctx context.Context) (Permission, error)
	// Fix returns a high-accuracy coordinate fix.
	Fix(ctx context.Context) (Fix, error)
}

// OnboardStep names one of the three registration angles, in fixed order.
type OnboardStep string

const (
	StepFront OnboardStep = "front"
	StepLeft  OnboardStep = "left"
	StepRight OnboardStep = "right"
)

// next returns the step after s, or "" when s is the last one.
func (s OnboardStep) next() OnboardStep {
	switch s {
	case StepFront:
		return StepLeft
	case StepLeft:
		return StepRight
	}
	return ""
}

// Details carries the biographic fields sent with the front registration step.
type Details struct {
	FirstName string
	LastName  string
	Phone     string
}

// PunchSubmission is the evidence package for a single attendance punch.
type PunchSubmission struct {
	Purpose   Purpose
	Image     Image
	EventTime time.Time
	Fix       *Fix   // set only for geo_attendance
	Key       string // idempotency key, one per captured frame
}

// OnboardSubmission is the evidence package for one registration step.
// Details and Fix are set only on the front step; AnchorID only afterwards.
type OnboardSubmission struct {
	Step     OnboardStep
	Image    Image
	Details  *Details
	Fix      *Fix
	AnchorID string
	Key      string
}

// Receipt is the backend confirmation for an accepted punch.
type Receipt struct {
	Ref        string
	EmployeeID string
	Message    string
}

// OnboardReceipt is the backend confirmation for an accepted registration
// step. AnchorID is populated from the front-step response.
type OnboardReceipt struct {
	AnchorID string
}

// Submitter ships evidence packages to the backend. Implementations guarantee
// at most one network request per call and normalize backend errors.
type Submitter interface {
	SubmitPunch(ctx context.Context, s PunchSubmission) (Receipt, error)
	SubmitOnboard(ctx context.Context, s OnboardSubmission) (OnboardReceipt, error)
}

