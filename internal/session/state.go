// Package session holds the per-browser-session mutable state that the
// credential rotator and CSRF manager share: the token rotation index and
// the currently issued CSRF token. The state is an explicit value injected
// into collaborators rather than ambient process globals, so two sessions
// never observe each other's rotation progress.
package session

import (
	"sync"
	"time"
)

type State struct {
	mu           sync.Mutex
	tokenIndex   int
	csrfToken    string
	csrfIssuedAt time.Time
}

func NewState() *State {
	return &State{}
}

func (s *State) TokenIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenIndex
}

func (s *State) SetTokenIndex(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 {
		index = 0
	}
	s.tokenIndex = index
}

// CSRFToken returns the current token and the time it was issued. The token
// is empty when none has been issued for this session yet.
func (s *State) CSRFToken() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.csrfToken, s.csrfIssuedAt
}

func (s *State) SetCSRFToken(token string, issuedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrfToken = token
	s.csrfIssuedAt = issuedAt
}

// Reset clears all session-scoped state, returning the session to its
// initial lifecycle point.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenIndex = 0
	s.csrfToken = ""
	s.csrfIssuedAt = time.Time{}
}
