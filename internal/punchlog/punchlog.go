// Package punchlog is the hub's record of employees and their attendance
// punches: onboarding state, geofences, and the punch ledger itself.
package punchlog

import (
	"context"
	"time"
)

// Punch kinds.
const (
	KindPunch    = "punch"
	KindGeoPunch = "geo_punch"
)

// Photo steps recorded during onboarding, in capture order.
var OnboardSteps = []string{"front", "left", "right"}

// Geofence is the circular area an employee's geo punches must fall inside.
type Geofence struct {
	Lat     float64
	Lng     float64
	RadiusM float64
}

// Employee is a registered employee. Steps lists the onboarding photo angles
// received so far; Enrolled flips once all three are in.
type Employee struct {
	ID        string
	FirstName string
	LastName  string
	Phone     string
	Role      string
	PassHash  []byte
	Fence     *Geofence
	Steps     []string
	Enrolled  bool
	CreatedAt time.Time
}

// HasStep reports whether the given photo angle was already received.
func (e Employee) HasStep(step string) bool {
	for _, s := range e.Steps {
		if s == step {
			return true
		}
	}
	return false
}

// Punch is one attendance event. At is the capture time reported by the
// terminal, CreatedAt is when the hub recorded it.
type Punch struct {
	ID         string
	EmployeeID string
	Kind       string
	At         time.Time
	Lat        float64
	Lng        float64
	Key        string
	CreatedAt  time.Time
}

// Store persists employees and punches. Implementations are safe for
// concurrent use.
type Store interface {
	CreateEmployee(ctx context.Context, e Employee) (Employee, error)
	GetEmployee(ctx context.Context, id string) (*Employee, error)
	GetEmployeeByPhone(ctx context.Context, phone string) (*Employee, error)
	ListEmployees(ctx context.Context) ([]Employee, error)
	// MarkStep records a received photo angle and reports whether the
	// employee is now fully enrolled.
	MarkStep(ctx context.Context, id, step string) (bool, error)

	InsertPunch(ctx context.Context, p Punch) (Punch, error)
	PunchByKey(ctx context.Context, key string) (*Punch, error)
	RecentPunch(ctx context.Context, employeeID string, window time.Duration) (*Punch, error)
	ListPunches(ctx context.Context, employeeID string, from, to time.Time, limit int) ([]Punch, error)
}

// Rejection is a semantic refusal. Its detail is sent to the terminal
// verbatim, so it must be phrased for the person standing in front of it.
type Rejection struct {
	Detail string
}

func (r *Rejection) Error() string { return r.Detail }

var (
	ErrUnknownEmployee = &Rejection{Detail: "Unknown employee"}
	ErrNotOnboarded    = &Rejection{Detail: "Employee not onboarded"}
	ErrFaceMismatch    = &Rejection{Detail: "Face mismatch"}
	ErrOutsideFence    = &Rejection{Detail: "Outside geofence"}
	ErrNoFenceOnFile   = &Rejection{Detail: "No geofence on file"}
	ErrPhoneTaken      = &Rejection{Detail: "Phone already registered"}
)
