package csrf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenExpired  = errors.New("csrf: token expired")
	ErrTokenMismatch = errors.New("csrf: token mismatch")
)

// Challenge is what the relay hands to a browser client: an opaque client
// id plus the token derived from it and its expiry. The relay keeps no
// record of issued challenges; verification re-derives the token.
type Challenge struct {
	ClientID string `json:"clientId"`
	Token    string `json:"token"`
	Expires  int64  `json:"expires"`
}

// Issue mints a challenge valid for ttl from now.
func Issue(secret string, ttl time.Duration) Challenge {
	clientID := uuid.NewString()
	expires := time.Now().Add(ttl).Unix()
	return Challenge{
		ClientID: clientID,
		Token:    Derive(secret, clientID, expires),
		Expires:  expires,
	}
}

// Derive computes the expected token for a client id and expiry:
// HMAC-SHA256 over "clientID:expires" keyed by the shared secret.
func Derive(secret, clientID string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%d", clientID, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a client-supplied token against the derivation in constant
// time, and rejects expired challenges.
func Verify(secret, clientID, token string, expires int64, now time.Time) error {
	if expires <= now.Unix() {
		return ErrTokenExpired
	}
	expected := Derive(secret, clientID, expires)
	if !hmac.Equal([]byte(token), []byte(expected)) {
		return ErrTokenMismatch
	}
	return nil
}
