// Package session keeps the signed-in operator's credentials on disk and
// hands out access tokens, refreshing them before they lapse.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Credentials is the persisted token set for the signed-in operator.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	EmployeeID   string    `json:"employee_id,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// Empty reports whether no operator is signed in.
func (c Credentials) Empty() bool { return c.AccessToken == "" }

// Store persists credentials as a mode 0600 JSON file.
type Store struct {
	path string
}

// NewStore creates a store rooted at path. The parent directory is created on
// first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the stored credentials. A missing file is not an error; it just
// means nobody is signed in.
func (s *Store) Load() (Credentials, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Credentials{}, nil
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("session: read credentials: %w", err)
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credentials{}, fmt.Errorf("session: decode credentials: %w", err)
	}
	return c, nil
}

// Save writes the credentials atomically, replacing any previous set.
func (s *Store) Save(c Credentials) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("session: create state dir: %w", err)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("session: encode credentials: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("session: write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("session: replace credentials: %w", err)
	}
	return nil
}

// Clear removes the stored credentials. Clearing an empty store is a no-op.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: clear credentials: %w", err)
	}
	return nil
}
