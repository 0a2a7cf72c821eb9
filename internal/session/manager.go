package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/hrclient"
)

// ErrNotSignedIn is reported when no usable credentials exist; the caller
// must route the operator through login.
var ErrNotSignedIn = errors.New("session: not signed in")

// RefreshFunc trades a refresh token for a fresh pair. It is typically
// hrclient.Client.Refresh on an unauthenticated client.
type RefreshFunc func(ctx context.Context, refreshToken string) (hrclient.TokenPair, error)

// Manager hands out access tokens for outgoing requests. It refreshes ahead
// of expiry, persists every change through the store, and on invalidation
// wipes the credentials and fires onExpired exactly once so the UI can drop
// to the login screen.
type Manager struct {
	store     *Store
	refresh   RefreshFunc
	onExpired func()
	skew      time.Duration
	now       func() time.Time

	mu      sync.Mutex
	creds   Credentials
	loaded  bool
	expired bool
}

// NewManager creates a manager over the store. refresh and onExpired may be
// nil; without a refresh func an aging token is used until the backend
// rejects it.
func NewManager(store *Store, refresh RefreshFunc, onExpired func()) *Manager {
	return &Manager{
		store:     store,
		refresh:   refresh,
		onExpired: onExpired,
		skew:      30 * time.Second,
		now:       time.Now,
	}
}

// SetPair installs the credentials returned by login or refresh and persists
// them.
func (m *Manager) SetPair(pair hrclient.TokenPair, employeeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = Credentials{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		EmployeeID:   employeeID,
		SavedAt:      m.now().UTC(),
	}
	m.loaded = true
	m.expired = false
	return m.store.Save(m.creds)
}

// EmployeeID returns the signed-in operator's id, empty when signed out.
func (m *Manager) EmployeeID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked()
	return m.creds.EmployeeID
}

// Token returns a bearer token for the next request, refreshing first when
// the current one is within the expiry skew. Refreshes are serialized; a
// failed refresh with a definitive auth error invalidates the session.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked()

	if m.creds.Empty() {
		return "", ErrNotSignedIn
	}
	if !expiresWithin(m.creds.AccessToken, m.skew, m.now()) {
		return m.creds.AccessToken, nil
	}
	if m.refresh == nil || m.creds.RefreshToken == "" {
		return m.creds.AccessToken, nil
	}

	pair, err := m.refresh(ctx, m.creds.RefreshToken)
	if err != nil {
		var ae *hrclient.AuthError
		if errors.As(err, &ae) {
			m.invalidateLocked()
			return "", err
		}
		// Transient refresh failure: let the old token ride, the backend
		// will answer 401 if it is truly dead.
		return m.creds.AccessToken, nil
	}
	m.creds.AccessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		m.creds.RefreshToken = pair.RefreshToken
	}
	m.creds.SavedAt = m.now().UTC()
	if err := m.store.Save(m.creds); err != nil {
		log.Printf("session: persist refreshed credentials: %v", err)
	}
	return m.creds.AccessToken, nil
}

// Invalidate wipes the credentials after the backend answered 401. Repeated
// calls are no-ops until a new pair is installed.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadLocked()
	m.invalidateLocked()
}

func (m *Manager) invalidateLocked() {
	if m.expired {
		return
	}
	m.expired = true
	m.creds = Credentials{}
	if err := m.store.Clear(); err != nil {
		log.Printf("session: %v", err)
	}
	if m.onExpired != nil {
		m.onExpired()
	}
}

func (m *Manager) loadLocked() {
	if m.loaded {
		return
	}
	m.loaded = true
	creds, err := m.store.Load()
	if err != nil {
		log.Printf("session: %v", err)
		return
	}
	m.creds = creds
}

// expiresWithin reports whether the token's exp claim falls inside now+skew.
// Opaque or claimless tokens are used as-is until the backend rejects them.
func expiresWithin(raw string, skew time.Duration, now time.Time) bool {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return now.Add(skew).After(exp.Time)
}
