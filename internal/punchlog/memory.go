package punchlog

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. It is the dev and test backend;
// production runs Postgres.
type MemoryStore struct {
	mu        sync.Mutex
	nextID    int
	employees map[string]*Employee
	punches   []Punch
	byKey     map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:    1,
		employees: make(map[string]*Employee),
		byKey:     make(map[string]int),
	}
}

func (m *MemoryStore) CreateEmployee(ctx context.Context, e Employee) (Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.employees {
		if existing.Phone == e.Phone {
			return Employee{}, ErrPhoneTaken
		}
	}
	e.ID = strconv.Itoa(m.nextID)
	m.nextID++
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := e
	m.employees[e.ID] = &cp
	return e, nil
}

func (m *MemoryStore) GetEmployee(ctx context.Context, id string) (*Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.employees[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetEmployeeByPhone(ctx context.Context, phone string) (*Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.employees {
		if e.Phone == phone {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListEmployees(ctx context.Context) ([]Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Employee, 0, len(m.employees))
	for _, e := range m.employees {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) MarkStep(ctx context.Context, id, step string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.employees[id]
	if !ok {
		return false, ErrUnknownEmployee
	}
	if !e.HasStep(step) {
		e.Steps = append(e.Steps, step)
	}
	e.Enrolled = len(e.Steps) >= len(OnboardSteps)
	return e.Enrolled, nil
}

func (m *MemoryStore) InsertPunch(ctx context.Context, p Punch) (Punch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.punches = append(m.punches, p)
	if p.Key != "" {
		m.byKey[p.Key] = len(m.punches) - 1
	}
	return p, nil
}

func (m *MemoryStore) PunchByKey(ctx context.Context, key string) (*Punch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	cp := m.punches[i]
	return &cp, nil
}

func (m *MemoryStore) RecentPunch(ctx context.Context, employeeID string, window time.Duration) (*Punch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-window)
	var newest *Punch
	for i := range m.punches {
		p := &m.punches[i]
		if p.EmployeeID != employeeID || p.At.Before(cutoff) {
			continue
		}
		if newest == nil || p.At.After(newest.At) {
			newest = p
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (m *MemoryStore) ListPunches(ctx context.Context, employeeID string, from, to time.Time, limit int) ([]Punch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []Punch
	for _, p := range m.punches {
		if employeeID != "" && p.EmployeeID != employeeID {
			continue
		}
		if !from.IsZero() && p.At.Before(from) {
			continue
		}
		if !to.IsZero() && p.At.After(to) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
