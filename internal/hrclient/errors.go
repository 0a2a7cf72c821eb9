package hrclient

import "fmt"

// RejectionError is a semantic 400 from the backend: the punch or onboarding
// step was understood and refused (face mismatch, outside the geofence). The
// backend's detail text is surfaced to the user verbatim.
type RejectionError struct {
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return "request rejected"
	}
	return e.Detail
}

// TransportError is any non-semantic failure: timeout, unreachable host, or
// an unexpected status. Users see a generic message; the cause stays
// available for logs via Unwrap.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("attendance service unavailable (status %d)", e.Status)
	}
	return "attendance service unavailable"
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError marks a 401. The transport interceptor has already invalidated
// the local session by the time callers see this.
type AuthError struct{}

func (e *AuthError) Error() string { return "session expired, sign in again" }
