package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/eventcall/relay/internal/csrf"
	"github.com/eventcall/relay/internal/domain"
	"github.com/eventcall/relay/internal/github"
	"github.com/eventcall/relay/internal/session"
	"github.com/eventcall/relay/internal/submission"
)

type stubGateway struct {
	dispatchErr error
	issueErr    error
	dispatches  []string
	issues      int
	files       map[string][]byte
}

func newStubGateway() *stubGateway {
	return &stubGateway{files: map[string][]byte{}}
}

func (g *stubGateway) DispatchWorkflow(ctx context.Context, eventType string, payload any) error {
	g.dispatches = append(g.dispatches, eventType)
	return g.dispatchErr
}

func (g *stubGateway) CreateIssue(ctx context.Context, title, body string, labels []string) (int, error) {
	g.issues++
	return g.issues, g.issueErr
}

func (g *stubGateway) ReadContent(ctx context.Context, repo github.Repo, path string) (*github.FileRecord, error) {
	content, ok := g.files[path]
	if !ok {
		return nil, nil
	}
	return &github.FileRecord{Content: content, SHA: "sha"}, nil
}

func (g *stubGateway) WriteContent(ctx context.Context, repo github.Repo, path string, content []byte, desc string) error {
	g.files[path] = content
	return nil
}

func (g *stubGateway) ReadDir(ctx context.Context, repo github.Repo, path string) ([]github.DirEntry, error) {
	return nil, nil
}

const testSecret = "relay-test-secret"

func testServer(gw submission.Gateway) *echo.Echo {
	e := echo.New()
	orchestrator := submission.NewOrchestrator(gw, nil, "relay-test/1.0", nil)
	routes := NewRelayRoutes(testSecret, time.Hour, session.NewStore(testSecret, false), orchestrator, nil, nil)
	routes.RegisterRoutes(e)
	return e
}

func csrfHeaders(t *testing.T) http.Header {
	t.Helper()
	challenge := csrf.Issue(testSecret, time.Hour)
	header := http.Header{}
	header.Set(headerCSRFClient, challenge.ClientID)
	header.Set(headerCSRFToken, challenge.Token)
	header.Set(headerCSRFExpires, strconv.FormatInt(challenge.Expires, 10))
	return header
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	e := testServer(newStubGateway())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]bool
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if !body["ok"] {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}
}

func TestCSRFChallengeVerifies(t *testing.T) {
	t.Parallel()

	e := testServer(newStubGateway())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/csrf", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var challenge csrf.Challenge
	if err := json.Unmarshal(rec.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if challenge.ClientID == "" || challenge.Token == "" {
		t.Fatalf("incomplete challenge %+v", challenge)
	}
	if err := csrf.Verify(testSecret, challenge.ClientID, challenge.Token, challenge.Expires, time.Now()); err != nil {
		t.Fatalf("issued challenge does not verify: %v", err)
	}
	if len(rec.Result().Cookies()) == 0 {
		t.Fatal("expected session cookie binding the challenge")
	}
}

func TestDispatchRejectsMissingCSRF(t *testing.T) {
	t.Parallel()

	gw := newStubGateway()
	e := testServer(gw)
	req := httptest.NewRequest(http.MethodPost, "/api/dispatch", strings.NewReader(`{"event_type":"submit_rsvp"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if len(gw.dispatches) != 0 {
		t.Fatalf("expected no dispatch, got %v", gw.dispatches)
	}
}

func TestDispatchRejectsBadToken(t *testing.T) {
	t.Parallel()

	e := testServer(newStubGateway())
	req := httptest.NewRequest(http.MethodPost, "/api/dispatch", strings.NewReader(`{"event_type":"submit_rsvp"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for key, values := range csrfHeaders(t) {
		req.Header[key] = values
	}
	req.Header.Set(headerCSRFToken, "forged")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestDispatchRejectsExpiredChallenge(t *testing.T) {
	t.Parallel()

	e := testServer(newStubGateway())
	expired := time.Now().Add(-time.Minute).Unix()
	clientID := "client-1"
	req := httptest.NewRequest(http.MethodPost, "/api/dispatch", strings.NewReader(`{"event_type":"submit_rsvp"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(headerCSRFClient, clientID)
	req.Header.Set(headerCSRFToken, csrf.Derive(testSecret, clientID, expired))
	req.Header.Set(headerCSRFExpires, strconv.FormatInt(expired, 10))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestDispatchProxiesValidRequest(t *testing.T) {
	t.Parallel()

	gw := newStubGateway()
	e := testServer(gw)
	req := httptest.NewRequest(http.MethodPost, "/api/dispatch", strings.NewReader(`{"event_type":"submit_rsvp","client_payload":{"eventId":"evt-1"}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for key, values := range csrfHeaders(t) {
		req.Header[key] = values
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(gw.dispatches) != 1 || gw.dispatches[0] != "submit_rsvp" {
		t.Fatalf("unexpected dispatches %v", gw.dispatches)
	}
}

func TestSubmitRSVPWithoutCSRFIsAcceptedButLogged(t *testing.T) {
	t.Parallel()

	gw := newStubGateway()
	e := testServer(gw)
	req := httptest.NewRequest(http.MethodPost, "/api/rsvp",
		strings.NewReader(`{"eventId":"evt-1","name":"Ada","email":"ada@example.com","attending":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var outcome submission.Outcome
	_ = json.Unmarshal(rec.Body.Bytes(), &outcome)
	if !outcome.Success || outcome.Method != submission.MethodDispatch {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestSubmitRSVPIsReadableAfterSubmission(t *testing.T) {
	t.Parallel()

	gw := newStubGateway()
	e := testServer(gw)

	submit := func(body string) {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/api/rsvp", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	submit(`{"eventId":"evt-1","name":"Ada","email":"ada@example.com","attending":true,"guestCount":1}`)
	submit(`{"eventId":"evt-1","name":"Ada","email":"ada@example.com","attending":true,"guestCount":2}`)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/evt-1/rsvps", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rsvps []domain.RSVP
	if err := json.Unmarshal(rec.Body.Bytes(), &rsvps); err != nil {
		t.Fatalf("decode rsvps: %v", err)
	}
	if len(rsvps) != 1 {
		t.Fatalf("expected one record per email, got %d", len(rsvps))
	}
	if rsvps[0].Email != "ada@example.com" || rsvps[0].GuestCount != 2 {
		t.Fatalf("expected latest submission, got %+v", rsvps[0])
	}
}

func TestSubmitRSVPValidationFailure(t *testing.T) {
	t.Parallel()

	gw := newStubGateway()
	e := testServer(gw)
	req := httptest.NewRequest(http.MethodPost, "/api/rsvp",
		strings.NewReader(`{"eventId":"evt-1","name":"Ada","email":"not-an-email"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(gw.dispatches) != 0 {
		t.Fatalf("validation must fail before any delivery, got %v", gw.dispatches)
	}
}

func TestSubmitRSVPFallsBackToIssue(t *testing.T) {
	t.Parallel()

	gw := newStubGateway()
	gw.dispatchErr = errors.New("dispatch down")
	e := testServer(gw)
	req := httptest.NewRequest(http.MethodPost, "/api/rsvp",
		strings.NewReader(`{"eventId":"evt-1","name":"Ada","email":"ada@example.com"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var outcome submission.Outcome
	_ = json.Unmarshal(rec.Body.Bytes(), &outcome)
	if outcome.Method != submission.MethodIssue {
		t.Fatalf("expected issue fallback, got %+v", outcome)
	}
	if gw.issues != 1 {
		t.Fatalf("expected one issue, got %d", gw.issues)
	}
}

func TestSubmitRSVPAllTransportsDown(t *testing.T) {
	t.Parallel()

	gw := newStubGateway()
	gw.dispatchErr = errors.New("dispatch down")
	gw.issueErr = errors.New("issues down")
	e := testServer(gw)
	req := httptest.NewRequest(http.MethodPost, "/api/rsvp",
		strings.NewReader(`{"eventId":"evt-1","name":"Ada","email":"ada@example.com"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestCreateEventPropagatesDispatchFailure(t *testing.T) {
	t.Parallel()

	gw := newStubGateway()
	gw.dispatchErr = errors.New("dispatch down")
	e := testServer(gw)
	req := httptest.NewRequest(http.MethodPost, "/api/events",
		strings.NewReader(`{"id":"evt-1","title":"Town Hall","date":"2026-04-01"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 with no fallback, got %d", rec.Code)
	}
	if gw.issues != 0 {
		t.Fatalf("event creation must not open issues, got %d", gw.issues)
	}
}

func TestCreatedEventIsReadable(t *testing.T) {
	t.Parallel()

	gw := newStubGateway()
	e := testServer(gw)
	req := httptest.NewRequest(http.MethodPost, "/api/events",
		strings.NewReader(`{"id":"evt-9","title":"Town Hall","date":"2026-04-01"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/evt-9", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected stored event to be served, got %d", rec.Code)
	}
	var event domain.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.ID != "evt-9" || event.Status != "active" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestGetEventNotFound(t *testing.T) {
	t.Parallel()

	e := testServer(newStubGateway())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListRSVPsReturnsStoredRecords(t *testing.T) {
	t.Parallel()

	gw := newStubGateway()
	gw.files["rsvps/evt-1.json"] = []byte(`[{"eventId":"evt-1","name":"Ada","email":"ada@example.com","attending":true}]`)
	e := testServer(gw)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events/evt-1/rsvps", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ada@example.com") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestListEventsEmpty(t *testing.T) {
	t.Parallel()

	e := testServer(newStubGateway())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}
