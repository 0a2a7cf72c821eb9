package hrclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// TokenPair is the credential set returned by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Employee is a directory entry.
type Employee struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Role      string `json:"role"`
}

// PunchRecord is one attendance event as the backend stores it.
type PunchRecord struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employee_id"`
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
	Lat        float64   `json:"lat,omitempty"`
	Lng        float64   `json:"lng,omitempty"`
}

// Payslip is one pay period summary.
type Payslip struct {
	Period   string  `json:"period"`
	Gross    float64 `json:"gross"`
	Net      float64 `json:"net"`
	IssuedAt string  `json:"issued_at"`
}

// LeaveBalance is the remaining allowance for one leave kind.
type LeaveBalance struct {
	Kind      string  `json:"kind"`
	Available float64 `json:"available"`
	Used      float64 `json:"used"`
}

// Shift is one scheduled work window.
type Shift struct {
	Date     string `json:"date"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location"`
}

// Login exchanges credentials for a token pair. The request is
// unauthenticated; the transport attaches no bearer when the source has no
// token yet.
func (c *Client) Login(ctx context.Context, phone, password string) (TokenPair, error) {
	var out TokenPair
	err := c.postJSON(ctx, "/auth/login", map[string]string{
		"phone":    phone,
		"password": password,
	}, &out)
	return out, err
}

// Refresh trades a refresh token for a fresh pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var out TokenPair
	err := c.postJSON(ctx, "/auth/refresh", map[string]string{
		"refresh_token": refreshToken,
	}, &out)
	return out, err
}

// RegisterTerminal announces a kiosk to the backend and returns terminal
// credentials. The call is unauthenticated.
func (c *Client) RegisterTerminal(ctx context.Context, terminalID string) (TokenPair, error) {
	var out TokenPair
	err := c.postJSON(ctx, "/v1/terminals/register", map[string]string{
		"terminal_id": terminalID,
	}, &out)
	return out, err
}

// Me returns the profile behind the current token.
func (c *Client) Me(ctx context.Context) (Employee, error) {
	var out Employee
	err := c.getJSON(ctx, "/me", nil, &out)
	return out, err
}

// ListEmployees returns the directory visible to the caller.
func (c *Client) ListEmployees(ctx context.Context) ([]Employee, error) {
	var out struct {
		Employees []Employee `json:"employees"`
	}
	if err := c.getJSON(ctx, "/employees", nil, &out); err != nil {
		return nil, err
	}
	return out.Employees, nil
}

// AttendanceHistory returns punches between from and to, newest first.
func (c *Client) AttendanceHistory(ctx context.Context, from, to time.Time) ([]PunchRecord, error) {
	q := url.Values{}
	if !from.IsZero() {
		q.Set("from", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		q.Set("to", to.UTC().Format(time.RFC3339))
	}
	var out struct {
		Punches []PunchRecord `json:"punches"`
	}
	if err := c.getJSON(ctx, "/attendance/history", q, &out); err != nil {
		return nil, err
	}
	return out.Punches, nil
}

// Payslips returns issued payslips, newest first.
func (c *Client) Payslips(ctx context.Context) ([]Payslip, error) {
	var out struct {
		Payslips []Payslip `json:"payslips"`
	}
	if err := c.getJSON(ctx, "/payslips", nil, &out); err != nil {
		return nil, err
	}
	return out.Payslips, nil
}

// LeaveBalances returns the caller's remaining leave per kind.
func (c *Client) LeaveBalances(ctx context.Context) ([]LeaveBalance, error) {
	var out struct {
		Balances []LeaveBalance `json:"balances"`
	}
	if err := c.getJSON(ctx, "/leave/balances", nil, &out); err != nil {
		return nil, err
	}
	return out.Balances, nil
}

// ShiftSchedule returns upcoming shifts for the caller.
func (c *Client) ShiftSchedule(ctx context.Context) ([]Shift, error) {
	var out struct {
		Shifts []Shift `json:"shifts"`
	}
	if err := c.getJSON(ctx, "/shifts", nil, &out); err != nil {
		return nil, err
	}
	return out.Shifts, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, q url.Values, out interface{}) error {
	u := c.BaseURL + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
