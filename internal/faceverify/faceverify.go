// Package faceverify decides whether a camera frame belongs to the employee
// it was submitted for. Deployments without a recognition service run the
// scripted verifier; setting FACE_SERVICE_URL switches the hub to the HTTP
// client in this package.
package faceverify

import (
	"context"
	"sync"
)

// Result is one verification outcome.
type Result struct {
	Match      bool    `json:"match"`
	Similarity float64 `json:"similarity"`
}

// Verifier is consulted once per punch and once per onboarding photo.
type Verifier interface {
	// Verify compares a frame against the employee's enrolled gallery.
	Verify(ctx context.Context, employeeID string, frame []byte) (Result, error)
	// Enroll adds one onboarding frame to the employee's gallery.
	Enroll(ctx context.Context, employeeID, step string, frame []byte) error
}

// Scripted is a deterministic stand-in for a recognition service: it accepts
// every frame except each Nth one. rejectEvery 0 disables rejections.
type Scripted struct {
	rejectEvery int

	mu   sync.Mutex
	seen int
}

// NewScripted creates a scripted verifier.
func NewScripted(rejectEvery int) *Scripted {
	return &Scripted{rejectEvery: rejectEvery}
}

func (s *Scripted) Verify(ctx context.Context, employeeID string, frame []byte) (Result, error) {
	if s.rejectEvery <= 0 {
		return Result{Match: true, Similarity: 1}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen++
	if s.seen%s.rejectEvery == 0 {
		return Result{Match: false, Similarity: 0.31}, nil
	}
	return Result{Match: true, Similarity: 0.93}, nil
}

func (s *Scripted) Enroll(ctx context.Context, employeeID, step string, frame []byte) error {
	return nil
}
