package routes

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eventcall/relay/internal/cache"
	"github.com/eventcall/relay/internal/csrf"
	"github.com/eventcall/relay/internal/domain"
	"github.com/eventcall/relay/internal/session"
	"github.com/eventcall/relay/internal/submission"
)

const (
	headerCSRFClient  = "x-csrf-client"
	headerCSRFToken   = "x-csrf-token"
	headerCSRFExpires = "x-csrf-expires"
)

// RelayRoutes exposes the browser-facing API: CSRF challenges, the
// dispatch proxy, and the event/RSVP endpoints driving the orchestrator.
type RelayRoutes struct {
	secret       string
	challengeTTL time.Duration
	sessions     *session.Store
	orchestrator *submission.Orchestrator
	mirror       *cache.Mirror
	log          *slog.Logger
}

func NewRelayRoutes(secret string, challengeTTL time.Duration, sessions *session.Store, orchestrator *submission.Orchestrator, mirror *cache.Mirror, log *slog.Logger) *RelayRoutes {
	if log == nil {
		log = slog.Default()
	}
	return &RelayRoutes{
		secret:       secret,
		challengeTTL: challengeTTL,
		sessions:     sessions,
		orchestrator: orchestrator,
		mirror:       mirror,
		log:          log,
	}
}

// RegisterRoutes registers the relay endpoints.
func (r *RelayRoutes) RegisterRoutes(s *echo.Echo) {
	s.GET("/health", r.handleHealth)
	s.GET("/api/csrf", r.handleCSRF)
	s.POST("/api/dispatch", r.handleDispatch)
	s.POST("/api/rsvp", r.handleSubmitRSVP)
	s.POST("/api/events", r.handleCreateEvent)
	s.GET("/api/events", r.handleListEvents)
	s.GET("/api/events/:id", r.handleGetEvent)
	s.GET("/api/events/:id/rsvps", r.handleListRSVPs)
}

func (r *RelayRoutes) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// handleCSRF mints a stateless challenge. The issued client id is also
// remembered in the browser session, so later mismatches can be flagged
// without the relay keeping a token table.
func (r *RelayRoutes) handleCSRF(c echo.Context) error {
	challenge := csrf.Issue(r.secret, r.challengeTTL)

	if r.sessions != nil {
		state := r.sessions.Get(c.Request())
		state.SetCSRFToken(challenge.ClientID, time.Now())
		if err := r.sessions.Save(c.Request(), c.Response(), state); err != nil {
			r.log.Warn("failed to persist session challenge binding", "error", err)
		}
	}
	return c.JSON(http.StatusOK, challenge)
}

// verifyCSRF checks the challenge headers. It returns (ok, present):
// present is false when no headers were sent at all.
func (r *RelayRoutes) verifyCSRF(c echo.Context) (bool, bool) {
	clientID := c.Request().Header.Get(headerCSRFClient)
	token := c.Request().Header.Get(headerCSRFToken)
	expiresRaw := c.Request().Header.Get(headerCSRFExpires)
	if clientID == "" && token == "" && expiresRaw == "" {
		return false, false
	}

	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return false, true
	}
	if err := csrf.Verify(r.secret, clientID, token, expires, time.Now()); err != nil {
		r.log.Warn("csrf verification failed", "security_event", true, "error", err)
		return false, true
	}

	if r.sessions != nil {
		boundID, _ := r.sessions.Get(c.Request()).CSRFToken()
		if boundID != "" && boundID != clientID {
			r.log.Warn("csrf client id not bound to this session", "security_event", true)
		}
	}
	return true, true
}

type dispatchRequest struct {
	EventType     string          `json:"event_type"`
	ClientPayload json.RawMessage `json:"client_payload"`
}

func (r *RelayRoutes) handleDispatch(c echo.Context) error {
	ok, _ := r.verifyCSRF(c)
	if !ok {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "invalid csrf token"})
	}

	var req dispatchRequest
	if err := c.Bind(&req); err != nil || req.EventType == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event_type is required"})
	}

	if err := r.orchestrator.Dispatch(c.Request().Context(), req.EventType, req.ClientPayload); err != nil {
		r.log.Error("dispatch proxy failed", "event_type", req.EventType, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "dispatch failed"})
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"ok": true})
}

func (r *RelayRoutes) handleSubmitRSVP(c echo.Context) error {
	if ok, present := r.verifyCSRF(c); present && !ok {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "invalid csrf token"})
	} else if !present {
		// A missing token is logged as a security event but does not
		// block the submission.
		r.log.Warn("rsvp submitted without csrf token", "security_event", true)
	}

	var rsvp domain.RSVP
	if err := c.Bind(&rsvp); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed rsvp payload"})
	}
	if rsvp.UserAgent == "" {
		rsvp.UserAgent = c.Request().UserAgent()
	}

	outcome, err := r.orchestrator.SubmitRSVP(c.Request().Context(), rsvp)
	if err != nil {
		if domain.IsValidationError(err) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		r.log.Error("rsvp delivery failed", "event_id", rsvp.EventID, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "rsvp delivery failed"})
	}
	return c.JSON(http.StatusOK, outcome)
}

func (r *RelayRoutes) handleCreateEvent(c echo.Context) error {
	if ok, present := r.verifyCSRF(c); present && !ok {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "invalid csrf token"})
	}

	var event domain.Event
	if err := c.Bind(&event); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed event payload"})
	}

	outcome, err := r.orchestrator.CreateEvent(c.Request().Context(), event)
	if err != nil {
		if domain.IsValidationError(err) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		r.log.Error("event delivery failed", "event_id", event.ID, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "event delivery failed"})
	}
	return c.JSON(http.StatusOK, outcome)
}

// handleListEvents serves the event list network-first through the cache
// mirror: a stale list is better than an error when the remote store is
// unreachable.
func (r *RelayRoutes) handleListEvents(c echo.Context) error {
	fetch := func(ctx context.Context) ([]byte, error) {
		events, err := r.orchestrator.ListEvents(ctx)
		if err != nil {
			return nil, err
		}
		if events == nil {
			events = []domain.Event{}
		}
		return json.Marshal(events)
	}

	var body []byte
	var err error
	if r.mirror != nil {
		body, err = r.mirror.NetworkFirst(c.Request().Context(), "relay:events", fetch)
	} else {
		body, err = fetch(c.Request().Context())
	}
	if err != nil {
		r.log.Error("failed to list events", "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to list events"})
	}
	return c.JSONBlob(http.StatusOK, body)
}

func (r *RelayRoutes) handleGetEvent(c echo.Context) error {
	event, err := r.orchestrator.GetEvent(c.Request().Context(), c.Param("id"))
	if err != nil {
		r.log.Error("failed to load event", "event_id", c.Param("id"), "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to load event"})
	}
	if event == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "event not found"})
	}
	return c.JSON(http.StatusOK, event)
}

// handleListRSVPs reads through the gateway directly: listing right after
// a submission must not be answered from the mirror.
func (r *RelayRoutes) handleListRSVPs(c echo.Context) error {
	rsvps, err := r.orchestrator.ListRSVPs(c.Request().Context(), c.Param("id"))
	if err != nil {
		r.log.Error("failed to list rsvps", "event_id", c.Param("id"), "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to list rsvps"})
	}
	if rsvps == nil {
		rsvps = []domain.RSVP{}
	}
	return c.JSON(http.StatusOK, rsvps)
}
