package punchlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PostgresStore persists the punch log in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS employees (
			id BIGSERIAL PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			phone TEXT NOT NULL UNIQUE,
			role TEXT NOT NULL DEFAULT 'employee',
			pass_hash BYTEA,
			fence_lat DOUBLE PRECISION,
			fence_lng DOUBLE PRECISION,
			fence_radius_m DOUBLE PRECISION,
			step_front BOOLEAN NOT NULL DEFAULT FALSE,
			step_left BOOLEAN NOT NULL DEFAULT FALSE,
			step_right BOOLEAN NOT NULL DEFAULT FALSE,
			enrolled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS punches (
			id UUID PRIMARY KEY,
			employee_id BIGINT NOT NULL REFERENCES employees(id),
			kind TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			lat DOUBLE PRECISION NOT NULL DEFAULT 0,
			lng DOUBLE PRECISION NOT NULL DEFAULT 0,
			idem_key TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS punches_employee_at ON punches (employee_id, at DESC);
	`)
	return err
}

func (s *PostgresStore) CreateEmployee(ctx context.Context, e Employee) (Employee, error) {
	var fenceLat, fenceLng, fenceRadius sql.NullFloat64
	if e.Fence != nil {
		fenceLat = sql.NullFloat64{Float64: e.Fence.Lat, Valid: true}
		fenceLng = sql.NullFloat64{Float64: e.Fence.Lng, Valid: true}
		fenceRadius = sql.NullFloat64{Float64: e.Fence.RadiusM, Valid: true}
	}
	role := e.Role
	if role == "" {
		role = "employee"
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO employees (first_name, last_name, phone, role, pass_hash, fence_lat, fence_lng, fence_radius_m)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (phone) DO NOTHING
		RETURNING id, created_at
	`, e.FirstName, e.LastName, e.Phone, role, e.PassHash, fenceLat, fenceLng, fenceRadius)
	var id int64
	if err := row.Scan(&id, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Employee{}, ErrPhoneTaken
		}
		return Employee{}, err
	}
	e.ID = strconv.FormatInt(id, 10)
	e.Role = role
	return e, nil
}

func (s *PostgresStore) GetEmployee(ctx context.Context, id string) (*Employee, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, nil
	}
	return s.scanEmployee(s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, phone, role, pass_hash,
		       fence_lat, fence_lng, fence_radius_m,
		       step_front, step_left, step_right, enrolled, created_at
		FROM employees WHERE id = $1
	`, n))
}

func (s *PostgresStore) GetEmployeeByPhone(ctx context.Context, phone string) (*Employee, error) {
	return s.scanEmployee(s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, phone, role, pass_hash,
		       fence_lat, fence_lng, fence_radius_m,
		       step_front, step_left, step_right, enrolled, created_at
		FROM employees WHERE phone = $1
	`, phone))
}

func (s *PostgresStore) scanEmployee(row *sql.Row) (*Employee, error) {
	var id int64
	var e Employee
	var fLat, fLng, fRad sql.NullFloat64
	var stFront, stLeft, stRight bool
	err := row.Scan(&id, &e.FirstName, &e.LastName, &e.Phone, &e.Role, &e.PassHash,
		&fLat, &fLng, &fRad, &stFront, &stLeft, &stRight, &e.Enrolled, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.ID = strconv.FormatInt(id, 10)
	if fLat.Valid {
		e.Fence = &Geofence{Lat: fLat.Float64, Lng: fLng.Float64, RadiusM: fRad.Float64}
	}
	for i, got := range []bool{stFront, stLeft, stRight} {
		if got {
			e.Steps = append(e.Steps, OnboardSteps[i])
		}
	}
	return &e, nil
}

func (s *PostgresStore) ListEmployees(ctx context.Context) ([]Employee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, phone, role, enrolled, created_at
		FROM employees ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Employee
	for rows.Next() {
		var id int64
		var e Employee
		if err := rows.Scan(&id, &e.FirstName, &e.LastName, &e.Phone, &e.Role, &e.Enrolled, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = strconv.FormatInt(id, 10)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkStep(ctx context.Context, id, step string) (bool, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, ErrUnknownEmployee
	}
	var col string
	switch step {
	case "front":
		col = "step_front"
	case "left":
		col = "step_left"
	case "right":
		col = "step_right"
	default:
		return false, fmt.Errorf("unknown photo step %q", step)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE employees SET `+col+` = TRUE
		WHERE id = $1
		RETURNING step_front, step_left, step_right
	`, n)
	var front, left, right bool
	if err := row.Scan(&front, &left, &right); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrUnknownEmployee
		}
		return false, err
	}
	done := front && left && right
	if done {
		if _, err := s.db.ExecContext(ctx, `UPDATE employees SET enrolled = TRUE WHERE id = $1`, n); err != nil {
			return false, err
		}
	}
	return done, nil
}

func (s *PostgresStore) InsertPunch(ctx context.Context, p Punch) (Punch, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	n, err := strconv.ParseInt(p.EmployeeID, 10, 64)
	if err != nil {
		return Punch{}, ErrUnknownEmployee
	}
	var key sql.NullString
	if p.Key != "" {
		key = sql.NullString{String: p.Key, Valid: true}
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO punches (id, employee_id, kind, at, lat, lng, idem_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, p.ID, n, p.Kind, p.At, p.Lat, p.Lng, key)
	if err := row.Scan(&p.CreatedAt); err != nil {
		return Punch{}, err
	}
	return p, nil
}

func (s *PostgresStore) PunchByKey(ctx context.Context, key string) (*Punch, error) {
	return s.scanPunch(s.db.QueryRowContext(ctx, `
		SELECT id, employee_id, kind, at, lat, lng, idem_key, created_at
		FROM punches WHERE idem_key = $1
	`, key))
}

func (s *PostgresStore) RecentPunch(ctx context.Context, employeeID string, window time.Duration) (*Punch, error) {
	n, err := strconv.ParseInt(employeeID, 10, 64)
	if err != nil {
		return nil, nil
	}
	return s.scanPunch(s.db.QueryRowContext(ctx, `
		SELECT id, employee_id, kind, at, lat, lng, idem_key, created_at
		FROM punches
		WHERE employee_id = $1 AND at >= NOW() - ($2 * interval '1 second')
		ORDER BY at DESC
		LIMIT 1
	`, n, window.Seconds()))
}

func (s *PostgresStore) scanPunch(row *sql.Row) (*Punch, error) {
	var p Punch
	var n int64
	var key sql.NullString
	err := row.Scan(&p.ID, &n, &p.Kind, &p.At, &p.Lat, &p.Lng, &key, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.EmployeeID = strconv.FormatInt(n, 10)
	p.Key = key.String
	return &p, nil
}

func (s *PostgresStore) ListPunches(ctx context.Context, employeeID string, from, to time.Time, limit int) ([]Punch, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, employee_id, kind, at, lat, lng, idem_key, created_at FROM punches`
	var args []any
	var clauses []string
	if employeeID != "" {
		n, err := strconv.ParseInt(employeeID, 10, 64)
		if err != nil {
			return nil, nil
		}
		clauses = append(clauses, "employee_id = $"+strconv.Itoa(len(args)+1))
		args = append(args, n)
	}
	if !from.IsZero() {
		clauses = append(clauses, "at >= $"+strconv.Itoa(len(args)+1))
		args = append(args, from)
	}
	if !to.IsZero() {
		clauses = append(clauses, "at <= $"+strconv.Itoa(len(args)+1))
		args = append(args, to)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY at DESC LIMIT $" + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Punch
	for rows.Next() {
		var p Punch
		var n int64
		var key sql.NullString
		if err := rows.Scan(&p.ID, &n, &p.Kind, &p.At, &p.Lat, &p.Lng, &key, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.EmployeeID = strconv.FormatInt(n, 10)
		p.Key = key.String
		out = append(out, p)
	}
	return out, rows.Err()
}
