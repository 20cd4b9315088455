// Package csrf issues and verifies the tokens attached to every mutating
// call against the remote store. The manager side holds a session-bound
// opaque token with a rotation interval; the relay side verifies an
// HMAC-derived token statelessly, so no server-side session storage is
// needed.
package csrf

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/eventcall/relay/internal/session"
)

// ErrOriginRejected is returned when a mutating call originates from an
// origin missing from the configured allow-list.
var ErrOriginRejected = errors.New("csrf: origin not allowed")

// Manager hands out the session CSRF token, minting a fresh one lazily
// when none exists or the rotation interval has elapsed.
type Manager struct {
	state          *session.State
	interval       time.Duration
	allowedOrigins map[string]bool
	now            func() time.Time
}

func NewManager(state *session.State, rotationInterval time.Duration, allowedOrigins []string) *Manager {
	if state == nil {
		state = session.NewState()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return &Manager{
		state:          state,
		interval:       rotationInterval,
		allowedOrigins: allowed,
		now:            time.Now,
	}
}

// Token returns the current session token, rotating first when the token
// is absent or older than the rotation interval.
func (m *Manager) Token() string {
	token, issuedAt := m.state.CSRFToken()
	if token == "" || m.now().Sub(issuedAt) >= m.interval {
		return m.Rotate()
	}
	return token
}

// Rotate forces a new token and timestamp.
func (m *Manager) Rotate() string {
	token := randomToken()
	m.state.SetCSRFToken(token, m.now())
	return token
}

// OriginAllowed reports whether the given page origin appears in the
// configured allow-list. An empty allow-list rejects every origin.
func (m *Manager) OriginAllowed(origin string) bool {
	return m.allowedOrigins[origin]
}

func randomToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}
