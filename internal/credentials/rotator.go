// Package credentials supplies GitHub API tokens to the gateway and rotates
// through the configured set when a token's rate-limit quota is exhausted.
package credentials

import (
	"errors"

	"github.com/eventcall/relay/internal/session"
)

// ErrNoCredential is returned when neither a rotation set nor a fallback
// token is configured.
var ErrNoCredential = errors.New("credentials: no token available")

// Rotator selects the active token from an ordered set. Rotation is
// reactive: the gateway calls Advance when a response reports zero
// remaining quota. Progress is kept in session-scoped state.
type Rotator struct {
	tokens   []string
	fallback string
	state    *session.State
}

func NewRotator(tokens []string, fallback string, state *session.State) *Rotator {
	if state == nil {
		state = session.NewState()
	}
	return &Rotator{tokens: tokens, fallback: fallback, state: state}
}

// Current returns the active token: the indexed member of the rotation set
// when one is configured, otherwise the static fallback.
func (r *Rotator) Current() (string, error) {
	if len(r.tokens) > 0 {
		return r.tokens[r.state.TokenIndex()%len(r.tokens)], nil
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", ErrNoCredential
}

// Advance moves to the next token in the rotation set and reports whether
// a different token became active. With zero or one token configured there
// is nothing to rotate to, so the index stays put.
func (r *Rotator) Advance() bool {
	if len(r.tokens) < 2 {
		return false
	}
	r.state.SetTokenIndex((r.state.TokenIndex() + 1) % len(r.tokens))
	return true
}
