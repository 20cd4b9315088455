package session

import (
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const (
	sessionName        = "eventcall_session"
	keyTokenIndex      = "token_index"
	keyCSRFToken       = "csrf_token"
	keyCSRFIssuedAtUTC = "csrf_issued_at"
)

// Store binds a State to an incoming browser session so rotation progress
// and the issued CSRF token survive across requests within one session.
type Store struct {
	cookies *sessions.CookieStore
}

func NewStore(secret string, secureCookie bool) *Store {
	cs := sessions.NewCookieStore([]byte(secret))
	cs.Options.HttpOnly = true
	cs.Options.Secure = secureCookie
	cs.Options.SameSite = http.SameSiteLaxMode
	return &Store{cookies: cs}
}

// Get restores the session state carried by the request cookie. A request
// without a cookie, or with an undecodable one, yields a fresh state.
func (st *Store) Get(r *http.Request) *State {
	state := NewState()
	session, err := st.cookies.Get(r, sessionName)
	if err != nil {
		return state
	}
	if index, ok := session.Values[keyTokenIndex].(int); ok {
		state.SetTokenIndex(index)
	}
	token, _ := session.Values[keyCSRFToken].(string)
	issuedUnix, _ := session.Values[keyCSRFIssuedAtUTC].(int64)
	if token != "" && issuedUnix > 0 {
		state.SetCSRFToken(token, time.Unix(issuedUnix, 0).UTC())
	}
	return state
}

// Save writes the state back onto the response cookie.
func (st *Store) Save(r *http.Request, w http.ResponseWriter, state *State) error {
	session, err := st.cookies.Get(r, sessionName)
	if err != nil {
		session, err = st.cookies.New(r, sessionName)
		if err != nil {
			return err
		}
	}
	token, issuedAt := state.CSRFToken()
	session.Values[keyTokenIndex] = state.TokenIndex()
	session.Values[keyCSRFToken] = token
	if issuedAt.IsZero() {
		session.Values[keyCSRFIssuedAtUTC] = int64(0)
	} else {
		session.Values[keyCSRFIssuedAtUTC] = issuedAt.UTC().Unix()
	}
	return session.Save(r, w)
}
