package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a punch session.
type State string

const (
	StateActive    State = "active"
	StateComplete  State = "complete"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Config carries the capabilities a session drives. Now is optional and
// defaults to time.Now.
type Config struct {
	Camera    Camera
	Locator   Locator
	Submitter Submitter
	Now       func() time.Time
}

// Session drives a single attendance punch: permission, capture, optional
// location fix, and exactly one submission per captured frame. A session is
// transient and never persisted; it is safe for concurrent use but never runs
// two captures or two uploads at once.
type Session struct {
	id      string
	purpose Purpose
	camera  Camera
	locator Locator
	submit  Submitter
	now     func() time.Time

	mu          sync.Mutex
	state       State
	err         error
	cameraPerm  Permission
	frame       Image
	frameKey    string
	fix         *Fix
	capturing   bool
	uploading   bool
	cancelAsked bool
	receipt     *Receipt
}

// NewSession creates a punch session. Purpose must be PurposeAttendance or
// PurposeGeoAttendance; registration runs through Enrollment instead.
func NewSession(purpose Purpose, cfg Config) (*Session, error) {
	if purpose != PurposeAttendance && purpose != PurposeGeoAttendance {
		return nil, errors.New("capture: session purpose must be attendance or geo_attendance")
	}
	if cfg.Camera == nil || cfg.Submitter == nil {
		return nil, errors.New("capture: camera and submitter required")
	}
	if purpose == PurposeGeoAttendance && cfg.Locator == nil {
		return nil, errors.New("capture: locator required for geo_attendance")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		id:         uuid.NewString(),
		purpose:    purpose,
		camera:     cfg.Camera,
		locator:    cfg.Locator,
		submit:     cfg.Submitter,
		now:        now,
		state:      StateActive,
		cameraPerm: PermissionUndetermined,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Purpose returns the session purpose.
func (s *Session) Purpose() Purpose { return s.purpose }

// RequestCameraAccess asks for camera permission and records the result.
// Capture is blocked until the state is granted.
func (s *Session) RequestCameraAccess(ctx context.Context) (Permission, error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return PermissionUndetermined, ErrSessionClosed
	}
	s.mu.Unlock()

	perm, err := s.camera.RequestAccess(ctx)
	if err != nil {
		return PermissionUndetermined, err
	}

	s.mu.Lock()
	s.cameraPerm = perm
	s.mu.Unlock()
	return perm, nil
}

// CapturePhoto triggers one still capture. A second call while a capture is
// in flight reports ErrCaptureInFlight and touches nothing. A hardware
// failure leaves the prior frame, if any, in place.
func (s *Session) CapturePhoto(ctx context.Context) (Image, error) {
	s.mu.Lock()
	switch {
	case s.state != StateActive:
		s.mu.Unlock()
		return Image{}, ErrSessionClosed
	case s.capturing:
		s.mu.Unlock()
		return Image{}, ErrCaptureInFlight
	case s.cameraPerm == PermissionDenied:
		s.mu.Unlock()
		return Image{}, ErrCameraDenied
	case s.cameraPerm != PermissionGranted:
		s.mu.Unlock()
		return Image{}, ErrCameraUndetermined
	}
	s.capturing = true
	s.mu.Unlock()

	img, err := s.camera.Capture(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.capturing = false
	if s.cancelAsked {
		s.finishLocked(StateCancelled, nil)
		return Image{}, ErrSessionClosed
	}
	if err != nil {
		return Image{}, &CaptureError{Err: err}
	}
	if img.TakenAt.IsZero() {
		img.TakenAt = s.now().UTC()
	}
	s.frame = img
	s.frameKey = uuid.NewString()
	return img, nil
}

// AcquireLocation requests foreground location permission and a single
// high-accuracy fix. It applies only to geo_attendance sessions. Denial is
// terminal: the session fails and nothing will be submitted.
func (s *Session) AcquireLocation(ctx context.Context) (Fix, error) {
	if s.purpose != PurposeGeoAttendance {
		return Fix{}, errors.New("capture: location not used for this purpose")
	}
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return Fix{}, ErrSessionClosed
	}
	s.mu.Unlock()

	perm, err := s.locator.RequestAccess(ctx)
	if err != nil {
		return Fix{}, err
	}
	if perm != PermissionGranted {
		s.mu.Lock()
		s.finishLocked(StateFailed, ErrLocationDenied)
		s.mu.Unlock()
		return Fix{}, ErrLocationDenied
	}

	fix, err := s.locator.Fix(ctx)
	if err != nil {
		return Fix{}, err
	}
	if fix.At.IsZero() {
		fix.At = s.now().UTC()
	}

	s.mu.Lock()
	s.fix = &fix
	s.mu.Unlock()
	return fix, nil
}

// Submit packages the captured frame and ships it to the backend. Exactly one
// submission runs at a time; a transport or rejection error keeps the frame
// so the same image can be resubmitted without recapturing. Success completes
// the session.
func (s *Session) Submit(ctx context.Context) (Receipt, error) {
	s.mu.Lock()
	switch {
	case s.state != StateActive:
		s.mu.Unlock()
		return Receipt{}, ErrSessionClosed
	case s.uploading:
		s.mu.Unlock()
		return Receipt{}, ErrUploadInFlight
	case s.frame.Empty():
		s.mu.Unlock()
		return Receipt{}, ErrNoFrame
	case s.purpose == PurposeGeoAttendance && s.fix == nil:
		s.mu.Unlock()
		return Receipt{}, ErrNoFix
	}
	s.uploading = true
	sub := PunchSubmission{
		Purpose:   s.purpose,
		Image:     s.frame,
		EventTime: s.frame.TakenAt,
		Key:       s.frameKey,
	}
	if s.purpose == PurposeGeoAttendance {
		fix := *s.fix
		sub.Fix = &fix
	}
	s.mu.Unlock()

	// The in-flight request is shielded from cancellation so a partially
	// submitted multipart body is never orphaned; the client timeout still
	// bounds it.
	receipt, err := s.submit.SubmitPunch(context.WithoutCancel(ctx), sub)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploading = false
	if err != nil {
		if s.cancelAsked {
			s.finishLocked(StateCancelled, nil)
		}
		return Receipt{}, err
	}
	s.receipt = &receipt
	s.finishLocked(StateComplete, nil)
	return receipt, nil
}

// Cancel ends the session. A cancel raised mid-upload is deferred until the
// in-flight request resolves.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	if s.uploading || s.capturing {
		s.cancelAsked = true
		return
	}
	s.finishLocked(StateCancelled, nil)
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	ID        string
	Purpose   Purpose
	State     State
	Uploading bool
	Capturing bool
	HasFrame  bool
	Err       error
	Receipt   *Receipt
}

// Status reports the current session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:        s.id,
		Purpose:   s.purpose,
		State:     s.state,
		Uploading: s.uploading,
		Capturing: s.capturing,
		HasFrame:  !s.frame.Empty(),
		Err:       s.err,
	}
	if s.receipt != nil {
		r := *s.receipt
		st.Receipt = &r
	}
	return st
}

// finishLocked moves the session to a terminal state and releases the frame
// and fix. Callers must hold s.mu.
func (s *Session) finishLocked(state State, err error) {
	s.state = state
	s.err = err
	s.frame = Image{}
	s.frameKey = ""
	s.fix = nil
	s.cancelAsked = false
}
