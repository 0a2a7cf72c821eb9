package session

import (
	"context"
	"sync"

	"github.com/varunmsaji/payroll-mobile-sub000/internal/hrclient"
)

// TerminalSource supplies kiosk credentials by registering the terminal with
// the backend on first use. The token is cached until invalidated; a 401
// simply triggers a fresh registration on the next request.
type TerminalSource struct {
	client     *hrclient.Client
	terminalID string

	mu    sync.Mutex
	token string
}

// NewTerminalSource creates a source that registers terminalID through the
// given unauthenticated client.
func NewTerminalSource(client *hrclient.Client, terminalID string) *TerminalSource {
	return &TerminalSource{client: client, terminalID: terminalID}
}

// Token returns the cached terminal token, registering first when none is
// held.
func (t *TerminalSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" {
		return t.token, nil
	}
	pair, err := t.client.RegisterTerminal(ctx, t.terminalID)
	if err != nil {
		return "", err
	}
	t.token = pair.AccessToken
	return t.token, nil
}

// Invalidate drops the cached token so the next request re-registers.
func (t *TerminalSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
}
