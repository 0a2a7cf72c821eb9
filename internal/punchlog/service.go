package punchlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/faceverify"
	"github.com/varunmsaji/payroll-mobile-sub000/internal/queue"
)

// ErrBadCredentials is returned for any login failure; callers must not
// reveal whether the phone or the password was wrong.
var ErrBadCredentials = errors.New("invalid credentials")

// PunchRequest is one attendance submission after the handler has unpacked
// it. EmployeeID comes from the bearer token, never from the request body.
type PunchRequest struct {
	EmployeeID string
	Kind       string
	EventTime  time.Time
	Lat        float64
	Lng        float64
	Key        string
	Frame      []byte
}

// OnboardRequest is one registration step. Biographic and fence fields are
// set on the front step; EmployeeID on the later ones.
type OnboardRequest struct {
	Step       string
	FirstName  string
	LastName   string
	Phone      string
	Lat        float64
	Lng        float64
	RadiusM    float64
	EmployeeID string
	Frame      []byte
}

// Service applies the attendance rules: enrollment checks, the face
// decision, geofence validation, idempotent replay, and deduplication.
type Service struct {
	store       Store
	events      queue.Queue
	faces       faceverify.Verifier
	dedupWindow time.Duration
}

// NewService creates a service. A nil verifier accepts every frame.
func NewService(store Store, events queue.Queue, faces faceverify.Verifier, dedupWindow time.Duration) *Service {
	if dedupWindow <= 0 {
		dedupWindow = 2 * time.Minute
	}
	return &Service{
		store:       store,
		events:      events,
		faces:       faces,
		dedupWindow: dedupWindow,
	}
}

// RecordPunch validates and records one punch. A replayed idempotency key
// returns the previously recorded punch; a second punch inside the dedup
// window returns the first one instead of writing a duplicate.
func (s *Service) RecordPunch(ctx context.Context, req PunchRequest) (Punch, error) {
	if req.Key != "" {
		if prior, err := s.store.PunchByKey(ctx, req.Key); err != nil {
			return Punch{}, err
		} else if prior != nil {
			return *prior, nil
		}
	}

	emp, err := s.store.GetEmployee(ctx, req.EmployeeID)
	if err != nil {
		return Punch{}, err
	}
	if emp == nil {
		return Punch{}, ErrUnknownEmployee
	}
	if !emp.Enrolled {
		return Punch{}, ErrNotOnboarded
	}
	if s.faces != nil {
		res, err := s.faces.Verify(ctx, emp.ID, req.Frame)
		if err != nil {
			return Punch{}, fmt.Errorf("face verification: %w", err)
		}
		if !res.Match {
			return Punch{}, ErrFaceMismatch
		}
	}
	if req.Kind == KindGeoPunch {
		if emp.Fence == nil {
			return Punch{}, ErrNoFenceOnFile
		}
		if distanceM(req.Lat, req.Lng, emp.Fence.Lat, emp.Fence.Lng) > emp.Fence.RadiusM {
			return Punch{}, ErrOutsideFence
		}
	}

	if recent, err := s.store.RecentPunch(ctx, req.EmployeeID, s.dedupWindow); err != nil {
		return Punch{}, err
	} else if recent != nil {
		return *recent, nil
	}

	at := req.EventTime
	if at.IsZero() {
		at = time.Now().UTC()
	}
	punch, err := s.store.InsertPunch(ctx, Punch{
		EmployeeID: req.EmployeeID,
		Kind:       req.Kind,
		At:         at,
		Lat:        req.Lat,
		Lng:        req.Lng,
		Key:        req.Key,
	})
	if err != nil {
		return Punch{}, err
	}
	s.publish(ctx, queue.TypePunchRecorded, PunchEvent{
		PunchID:    punch.ID,
		EmployeeID: punch.EmployeeID,
		Kind:       punch.Kind,
		At:         punch.At,
	})
	return punch, nil
}

// Onboard processes one registration step. The front step creates the
// employee and returns its assigned id; later steps must carry that id.
func (s *Service) Onboard(ctx context.Context, req OnboardRequest) (Employee, error) {
	switch req.Step {
	case "front":
		if req.FirstName == "" || req.LastName == "" || req.Phone == "" {
			return Employee{}, &Rejection{Detail: "Missing employee details"}
		}
		emp, err := s.store.CreateEmployee(ctx, Employee{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Phone:     req.Phone,
			Role:      "employee",
			Fence:     &Geofence{Lat: req.Lat, Lng: req.Lng, RadiusM: req.RadiusM},
		})
		if err != nil {
			return Employee{}, err
		}
		if err := s.enrollFace(ctx, emp.ID, req.Step, req.Frame); err != nil {
			return Employee{}, err
		}
		if _, err := s.store.MarkStep(ctx, emp.ID, "front"); err != nil {
			return Employee{}, err
		}
		return emp, nil
	case "left", "right":
		emp, err := s.store.GetEmployee(ctx, req.EmployeeID)
		if err != nil {
			return Employee{}, err
		}
		if emp == nil {
			return Employee{}, ErrUnknownEmployee
		}
		if err := s.enrollFace(ctx, emp.ID, req.Step, req.Frame); err != nil {
			return Employee{}, err
		}
		done, err := s.store.MarkStep(ctx, emp.ID, req.Step)
		if err != nil {
			return Employee{}, err
		}
		if done {
			emp.Enrolled = true
			s.publish(ctx, queue.TypeEmployeeEnrolled, EnrollEvent{
				EmployeeID: emp.ID,
				Phone:      emp.Phone,
			})
		}
		return *emp, nil
	default:
		return Employee{}, &Rejection{Detail: "Unknown photo step"}
	}
}

// Authenticate checks phone and password for login.
func (s *Service) Authenticate(ctx context.Context, phone, password string) (Employee, error) {
	emp, err := s.store.GetEmployeeByPhone(ctx, phone)
	if err != nil {
		return Employee{}, err
	}
	if emp == nil || len(emp.PassHash) == 0 {
		return Employee{}, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword(emp.PassHash, []byte(password)) != nil {
		return Employee{}, ErrBadCredentials
	}
	return *emp, nil
}

// SeedOperator ensures a login-capable account exists, for bootstrapping dev
// and test environments. Seeding an already-present phone is a no-op.
func (s *Service) SeedOperator(ctx context.Context, first, last, phone, password, role string, fence *Geofence) (Employee, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Employee{}, err
	}
	emp, err := s.store.CreateEmployee(ctx, Employee{
		FirstName: first,
		LastName:  last,
		Phone:     phone,
		Role:      role,
		PassHash:  hash,
		Fence:     fence,
	})
	var rej *Rejection
	if errors.As(err, &rej) {
		existing, lookupErr := s.store.GetEmployeeByPhone(ctx, phone)
		if lookupErr != nil {
			return Employee{}, lookupErr
		}
		if existing != nil {
			return *existing, nil
		}
		return Employee{}, err
	}
	if err != nil {
		return Employee{}, err
	}
	// Seeded operators punch without walking the photo flow.
	for _, step := range OnboardSteps {
		if _, err := s.store.MarkStep(ctx, emp.ID, step); err != nil {
			return Employee{}, err
		}
	}
	emp.Enrolled = true
	return emp, nil
}

// History lists punches for one employee, newest first.
func (s *Service) History(ctx context.Context, employeeID string, from, to time.Time, limit int) ([]Punch, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListPunches(ctx, employeeID, from, to, limit)
}

// Employees lists the directory.
func (s *Service) Employees(ctx context.Context) ([]Employee, error) {
	return s.store.ListEmployees(ctx)
}

// Employee returns one directory entry, nil when absent.
func (s *Service) Employee(ctx context.Context, id string) (*Employee, error) {
	return s.store.GetEmployee(ctx, id)
}

// enrollFace registers one onboarding frame with the verifier. It runs
// before MarkStep; a failed gallery write does not advance the walk.
func (s *Service) enrollFace(ctx context.Context, employeeID, step string, frame []byte) error {
	if s.faces == nil {
		return nil
	}
	if err := s.faces.Enroll(ctx, employeeID, step, frame); err != nil {
		return fmt.Errorf("face enrollment: %w", err)
	}
	return nil
}

// PunchEvent is the queue payload emitted for every recorded punch.
type PunchEvent struct {
	PunchID    string    `json:"punch_id"`
	EmployeeID string    `json:"employee_id"`
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
}

// EnrollEvent is the queue payload emitted when an employee completes all
// onboarding steps.
type EnrollEvent struct {
	EmployeeID string `json:"employee_id"`
	Phone      string `json:"phone"`
}

func (s *Service) publish(ctx context.Context, typ string, payload any) {
	if s.events == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("punchlog: encode %s event: %v", typ, err)
		return
	}
	if err := s.events.Publish(ctx, queue.Message{Type: typ, Body: body}); err != nil {
		log.Printf("punchlog: publish %s event: %v", typ, err)
	}
}

const earthRadiusM = 6371000

// distanceM is the great-circle distance between two coordinates in meters.
func distanceM(lat1, lng1, lat2, lng2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}
