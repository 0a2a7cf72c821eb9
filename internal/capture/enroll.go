package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the registration state machine position. Photo steps run in fixed
// order: front, then left, then right.
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseCollectingDetails Phase = "collecting_details"
	PhaseCapturingFront    Phase = "capturing_front"
	PhaseUploadingFront    Phase = "uploading_front"
	PhaseCapturingLeft     Phase = "capturing_left"
	PhaseUploadingLeft     Phase = "uploading_left"
	PhaseCapturingRight    Phase = "capturing_right"
	PhaseUploadingRight    Phase = "uploading_right"
	PhaseComplete          Phase = "complete"
	PhaseFailed            Phase = "failed"
	PhaseCancelled         Phase = "cancelled"
)

// Terminal reports whether the phase ends the enrollment.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseCancelled
}

func (p Phase) step() OnboardStep {
	switch p {
	case PhaseCapturingFront, PhaseUploadingFront:
		return StepFront
	case PhaseCapturingLeft, PhaseUploadingLeft:
		return StepLeft
	case PhaseCapturingRight, PhaseUploadingRight:
		return StepRight
	}
	return ""
}

func capturingPhase(step OnboardStep) Phase {
	switch step {
	case StepFront:
		return PhaseCapturingFront
	case StepLeft:
		return PhaseCapturingLeft
	case StepRight:
		return PhaseCapturingRight
	}
	return PhaseFailed
}

func uploadingPhase(step OnboardStep) Phase {
	switch step {
	case StepFront:
		return PhaseUploadingFront
	case StepLeft:
		return PhaseUploadingLeft
	case StepRight:
		return PhaseUploadingRight
	}
	return PhaseFailed
}

// Enrollment drives the three-angle registration flow. The anchor id assigned
// by the backend after the front step is retained for the life of the
// enrollment, including across upload retries.
type Enrollment struct {
	id      string
	camera  Camera
	locator Locator
	submit  Submitter
	now     func() time.Time

	mu          sync.Mutex
	phase       Phase
	err         error
	cameraPerm  Permission
	details     Details
	fence       *Fix
	anchor      string
	frame       Image
	frameKey    string
	capturing   bool
	uploading   bool
	cancelAsked bool
}

// NewEnrollment creates a registration flow in the Idle phase.
func NewEnrollment(cfg Config) (*Enrollment, error) {
	if cfg.Camera == nil || cfg.Submitter == nil || cfg.Locator == nil {
		return nil, errors.New("capture: camera, locator and submitter required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Enrollment{
		id:         uuid.NewString(),
		camera:     cfg.Camera,
		locator:    cfg.Locator,
		submit:     cfg.Submitter,
		now:        now,
		phase:      PhaseIdle,
		cameraPerm: PermissionUndetermined,
	}, nil
}

// ID returns the enrollment identifier.
func (e *Enrollment) ID() string { return e.id }

// Phase returns the current state machine position.
func (e *Enrollment) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// AnchorID returns the backend-assigned employee id, empty before the front
// step is accepted.
func (e *Enrollment) AnchorID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.anchor
}

// Begin opens the details-collection phase.
func (e *Enrollment) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseIdle {
		return &InvalidTransition{From: e.phase, Op: "begin"}
	}
	e.phase = PhaseCollectingDetails
	return nil
}

// SetDetails records the biographic fields and moves on to the front capture.
// Details survive upload retries for the life of the enrollment.
func (e *Enrollment) SetDetails(d Details) error {
	if d.FirstName == "" || d.LastName == "" || d.Phone == "" {
		return errors.New("capture: first name, last name and phone required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseCollectingDetails {
		return &InvalidTransition{From: e.phase, Op: "set details"}
	}
	e.details = d
	e.phase = PhaseCapturingFront
	return nil
}

// RequestCameraAccess asks for camera permission and records the result.
func (e *Enrollment) RequestCameraAccess(ctx context.Context) (Permission, error) {
	e.mu.Lock()
	if e.phase.Terminal() {
		e.mu.Unlock()
		return PermissionUndetermined, ErrSessionClosed
	}
	e.mu.Unlock()

	perm, err := e.camera.RequestAccess(ctx)
	if err != nil {
		return PermissionUndetermined, err
	}
	e.mu.Lock()
	e.cameraPerm = perm
	e.mu.Unlock()
	return perm, nil
}

// AcquireLocation obtains the geofence center sent with the front step. It
// may run while collecting details or before the front upload; denial fails
// the step, not the enrollment.
func (e *Enrollment) AcquireLocation(ctx context.Context) (Fix, error) {
	e.mu.Lock()
	if e.phase != PhaseCollectingDetails && e.phase != PhaseCapturingFront {
		defer e.mu.Unlock()
		return Fix{}, &InvalidTransition{From: e.phase, Op: "acquire location"}
	}
	e.mu.Unlock()

	perm, err := e.locator.RequestAccess(ctx)
	if err != nil {
		return Fix{}, err
	}
	if perm != PermissionGranted {
		return Fix{}, ErrLocationDenied
	}
	fix, err := e.locator.Fix(ctx)
	if err != nil {
		return Fix{}, err
	}
	if fix.At.IsZero() {
		fix.At = e.now().UTC()
	}
	e.mu.Lock()
	e.fence = &fix
	e.mu.Unlock()
	return fix, nil
}

// CapturePhoto captures the frame for the current step. Reentrant calls
// while a capture runs report ErrCaptureInFlight and touch nothing.
func (e *Enrollment) CapturePhoto(ctx context.Context) (Image, error) {
	e.mu.Lock()
	switch {
	case e.phase.Terminal():
		e.mu.Unlock()
		return Image{}, ErrSessionClosed
	case e.phase.step() == "" || e.uploading:
		op := "capture photo"
		from := e.phase
		e.mu.Unlock()
		return Image{}, &InvalidTransition{From: from, Op: op}
	case e.capturing:
		e.mu.Unlock()
		return Image{}, ErrCaptureInFlight
	case e.cameraPerm == PermissionDenied:
		e.mu.Unlock()
		return Image{}, ErrCameraDenied
	case e.cameraPerm != PermissionGranted:
		e.mu.Unlock()
		return Image{}, ErrCameraUndetermined
	}
	e.capturing = true
	e.mu.Unlock()

	img, err := e.camera.Capture(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.capturing = false
	if e.cancelAsked {
		e.finishLocked(PhaseCancelled, nil)
		return Image{}, ErrSessionClosed
	}
	if err != nil {
		return Image{}, &CaptureError{Err: err}
	}
	if img.TakenAt.IsZero() {
		img.TakenAt = e.now().UTC()
	}
	e.frame = img
	e.frameKey = uuid.NewString()
	return img, nil
}

// UploadStep submits the captured frame for the current step. Failure returns
// control to the same capturing phase with the frame and anchor retained, so
// the operator can resubmit the same photo or take a new one. Success on the
// right step completes the enrollment.
func (e *Enrollment) UploadStep(ctx context.Context) (OnboardReceipt, error) {
	e.mu.Lock()
	step := e.phase.step()
	switch {
	case e.phase.Terminal():
		e.mu.Unlock()
		return OnboardReceipt{}, ErrSessionClosed
	case e.uploading:
		e.mu.Unlock()
		return OnboardReceipt{}, ErrUploadInFlight
	case step == "" || e.capturing:
		from := e.phase
		e.mu.Unlock()
		return OnboardReceipt{}, &InvalidTransition{From: from, Op: "upload step"}
	case e.frame.Empty():
		e.mu.Unlock()
		return OnboardReceipt{}, ErrNoFrame
	}

	sub := OnboardSubmission{
		Step:  step,
		Image: e.frame,
		Key:   e.frameKey,
	}
	switch step {
	case StepFront:
		if e.fence == nil {
			e.mu.Unlock()
			return OnboardReceipt{}, ErrNoFix
		}
		d := e.details
		f := *e.fence
		sub.Details = &d
		sub.Fix = &f
	default:
		// Invariant: the anchor from the front step accompanies every later
		// step. Its absence is a programming error and must not reach the
		// backend.
		if e.anchor == "" {
			e.finishLocked(PhaseFailed, ErrMissingAnchor)
			e.mu.Unlock()
			return OnboardReceipt{}, ErrMissingAnchor
		}
		sub.AnchorID = e.anchor
	}
	e.uploading = true
	e.phase = uploadingPhase(step)
	e.mu.Unlock()

	receipt, err := e.submit.SubmitOnboard(context.WithoutCancel(ctx), sub)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.uploading = false
	if err != nil {
		if e.cancelAsked {
			e.finishLocked(PhaseCancelled, nil)
			return OnboardReceipt{}, err
		}
		e.phase = capturingPhase(step)
		return OnboardReceipt{}, err
	}
	if step == StepFront {
		if receipt.AnchorID == "" {
			// Without an anchor the later steps can never be associated.
			e.finishLocked(PhaseFailed, ErrMissingAnchor)
			return OnboardReceipt{}, ErrMissingAnchor
		}
		e.anchor = receipt.AnchorID
	}
	e.frame = Image{}
	e.frameKey = ""
	if e.cancelAsked {
		e.finishLocked(PhaseCancelled, nil)
		return receipt, nil
	}
	if next := step.next(); next != "" {
		e.phase = capturingPhase(next)
	} else {
		e.phase = PhaseComplete
	}
	return receipt, nil
}

// Cancel ends the enrollment. Mid-upload cancellation is deferred until the
// in-flight request resolves.
func (e *Enrollment) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase.Terminal() {
		return
	}
	if e.uploading || e.capturing {
		e.cancelAsked = true
		return
	}
	e.finishLocked(PhaseCancelled, nil)
}

// EnrollStatus is a point-in-time snapshot of the enrollment.
type EnrollStatus struct {
	ID       string
	Phase    Phase
	Step     OnboardStep
	AnchorID string
	HasFrame bool
	HasFence bool
	Err      error
}

// Status reports the current enrollment state.
func (e *Enrollment) Status() EnrollStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EnrollStatus{
		ID:       e.id,
		Phase:    e.phase,
		Step:     e.phase.step(),
		AnchorID: e.anchor,
		HasFrame: !e.frame.Empty(),
		HasFence: e.fence != nil,
		Err:      e.err,
	}
}

// finishLocked moves the enrollment to a terminal phase and releases the
// frame. Callers must hold e.mu.
func (e *Enrollment) finishLocked(phase Phase, err error) {
	e.phase = phase
	e.err = err
	e.frame = Image{}
	e.frameKey = ""
	e.cancelAsked = false
}
