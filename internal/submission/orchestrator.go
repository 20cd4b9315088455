// Package submission is the use-case layer: it validates and normalizes
// incoming RSVPs and events, then walks an ordered list of delivery
// strategies until one lands. RSVP submission falls back from workflow
// dispatch to issue creation; event creation intentionally has no
// fallback (the two paths have different audit trails and the original
// product never defined one for events).
package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eventcall/relay/internal/csrf"
	"github.com/eventcall/relay/internal/domain"
	"github.com/eventcall/relay/internal/github"
)

const (
	MethodDispatch = "github_dispatch"
	MethodIssue    = "github_issue"
)

// Gateway is the slice of the GitHub gateway the orchestrator depends on.
type Gateway interface {
	DispatchWorkflow(ctx context.Context, eventType string, payload any) error
	CreateIssue(ctx context.Context, title, body string, labels []string) (int, error)
	ReadContent(ctx context.Context, repo github.Repo, path string) (*github.FileRecord, error)
	WriteContent(ctx context.Context, repo github.Repo, path string, content []byte, desc string) error
	ReadDir(ctx context.Context, repo github.Repo, path string) ([]github.DirEntry, error)
}

// StrategyResult records one delivery attempt.
type StrategyResult struct {
	Method string
	Err    error
}

// Outcome is the structured result of a submission. Success via the Nth
// strategy and total failure are distinguishable: Attempts holds every
// strategy tried in order.
type Outcome struct {
	Success  bool             `json:"success"`
	Method   string           `json:"method,omitempty"`
	RSVPID   string           `json:"rsvpId,omitempty"`
	EventID  string           `json:"eventId,omitempty"`
	Attempts []StrategyResult `json:"-"`
}

type Orchestrator struct {
	gw        Gateway
	csrf      *csrf.Manager
	userAgent string
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
}

func NewOrchestrator(gw Gateway, csrfManager *csrf.Manager, userAgent string, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		gw:        gw,
		csrf:      csrfManager,
		userAgent: userAgent,
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

type strategy struct {
	method  string
	deliver func(ctx context.Context) error
}

// SubmitRSVP validates, normalizes, and delivers an RSVP. No network call
// happens before validation passes. A missing CSRF capability is logged
// as a security event but does not block the submission. A delivered RSVP
// is also upserted into the stored per-event response list, so the
// one-record-per-email invariant holds even when the issue fallback
// carried the submission and no automation ran.
func (o *Orchestrator) SubmitRSVP(ctx context.Context, rsvp domain.RSVP) (Outcome, error) {
	if err := domain.ValidateRSVP(rsvp); err != nil {
		return Outcome{}, err
	}
	if o.csrf == nil {
		o.log.Warn("submitting without CSRF token", "security_event", true, "event_id", rsvp.EventID)
	}

	rsvp = domain.NormalizeRSVP(rsvp, o.now(), o.userAgent)
	if rsvp.RSVPID == "" {
		rsvp.RSVPID = o.newID()
	}
	if rsvp.CheckinToken == "" {
		rsvp.CheckinToken = o.newID()
	}
	if rsvp.EditToken == "" {
		rsvp.EditToken = o.newID()
	}
	if rsvp.ValidationHash == "" {
		rsvp.ValidationHash = validationHash(rsvp)
	}

	strategies := []strategy{
		{method: MethodDispatch, deliver: func(ctx context.Context) error {
			return o.gw.DispatchWorkflow(ctx, "submit_rsvp", rsvp)
		}},
		{method: MethodIssue, deliver: func(ctx context.Context) error {
			title := fmt.Sprintf("New RSVP: %s for %s", rsvp.Name, rsvp.EventID)
			_, err := o.gw.CreateIssue(ctx, title, rsvpIssueBody(rsvp), []string{"rsvp"})
			return err
		}},
	}

	outcome := o.deliver(ctx, strategies)
	outcome.RSVPID = rsvp.RSVPID
	outcome.EventID = rsvp.EventID
	if !outcome.Success {
		return outcome, fmt.Errorf("rsvp delivery failed: %w", joinAttemptErrors(outcome.Attempts))
	}
	if err := o.StoreRSVP(ctx, rsvp); err != nil {
		o.log.Warn("failed to persist rsvp record", "event_id", rsvp.EventID, "rsvp_id", rsvp.RSVPID, "error", err)
	}
	return outcome, nil
}

// CreateEvent validates and dispatches an event creation. Dispatch
// failure propagates directly: there is no fallback transport for events.
// A delivered event is also written to the event store so it is readable
// immediately, before any automation commits its own copy.
func (o *Orchestrator) CreateEvent(ctx context.Context, event domain.Event) (Outcome, error) {
	if err := domain.ValidateEvent(event); err != nil {
		return Outcome{}, err
	}
	if event.Created == "" {
		event.Created = o.now().UTC().Format(time.RFC3339)
	}
	if event.Status == "" {
		event.Status = "active"
	}

	strategies := []strategy{
		{method: MethodDispatch, deliver: func(ctx context.Context) error {
			return o.gw.DispatchWorkflow(ctx, "create_event", event)
		}},
	}

	outcome := o.deliver(ctx, strategies)
	outcome.EventID = event.ID
	if !outcome.Success {
		return outcome, fmt.Errorf("event delivery failed: %w", joinAttemptErrors(outcome.Attempts))
	}
	if err := o.SaveEvent(ctx, event); err != nil {
		o.log.Warn("failed to persist event record", "event_id", event.ID, "error", err)
	}
	return outcome, nil
}

func (o *Orchestrator) deliver(ctx context.Context, strategies []strategy) Outcome {
	outcome := Outcome{}
	for _, s := range strategies {
		err := s.deliver(ctx)
		outcome.Attempts = append(outcome.Attempts, StrategyResult{Method: s.method, Err: err})
		if err == nil {
			outcome.Success = true
			outcome.Method = s.method
			return outcome
		}
		o.log.Warn("delivery strategy failed", "method", s.method, "error", err)
	}
	return outcome
}

// Dispatch forwards a raw dispatch request unchanged. The relay's proxy
// endpoint uses it after validating the CSRF challenge.
func (o *Orchestrator) Dispatch(ctx context.Context, eventType string, payload any) error {
	if eventType == "" {
		return &domain.ValidationError{Field: "event_type", Reason: "is required"}
	}
	return o.gw.DispatchWorkflow(ctx, eventType, payload)
}

// StoreRSVP upserts an RSVP into the per-event response list. Email is
// the unique key: an existing entry for the same address is replaced, so
// resubmitting never produces a duplicate record.
func (o *Orchestrator) StoreRSVP(ctx context.Context, rsvp domain.RSVP) error {
	rsvps, err := o.ListRSVPs(ctx, rsvp.EventID)
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range rsvps {
		if strings.EqualFold(existing.Email, rsvp.Email) {
			rsvps[i] = rsvp
			replaced = true
			break
		}
	}
	if !replaced {
		rsvps = append(rsvps, rsvp)
	}

	encoded, err := json.MarshalIndent(rsvps, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rsvp list: %w", err)
	}
	return o.gw.WriteContent(ctx, github.RepoData, rsvpPath(rsvp.EventID), encoded, "RSVPs for "+rsvp.EventID)
}

// ListRSVPs returns the stored responses for an event, empty when none
// have been recorded yet.
func (o *Orchestrator) ListRSVPs(ctx context.Context, eventID string) ([]domain.RSVP, error) {
	record, err := o.gw.ReadContent(ctx, github.RepoData, rsvpPath(eventID))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	var rsvps []domain.RSVP
	if err := json.Unmarshal(record.Content, &rsvps); err != nil {
		return nil, fmt.Errorf("decode rsvp list for %s: %w", eventID, err)
	}
	return rsvps, nil
}

// SaveEvent writes an event record directly to the data repository. This
// is the persistence path the dispatch workflow lands on; the relay also
// uses it when automation is unavailable.
func (o *Orchestrator) SaveEvent(ctx context.Context, event domain.Event) error {
	if err := domain.ValidateEvent(event); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return o.gw.WriteContent(ctx, github.RepoData, eventPath(event.ID), encoded, "event "+event.ID)
}

// GetEvent reads one event, nil when it does not exist.
func (o *Orchestrator) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	record, err := o.gw.ReadContent(ctx, github.RepoData, eventPath(id))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	var event domain.Event
	if err := json.Unmarshal(record.Content, &event); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	return &event, nil
}

// ListEvents enumerates the events directory and loads each record.
func (o *Orchestrator) ListEvents(ctx context.Context) ([]domain.Event, error) {
	entries, err := o.gw.ReadDir(ctx, github.RepoData, "events")
	if err != nil {
		return nil, err
	}
	var events []domain.Event
	for _, entry := range entries {
		if entry.Type != "file" || !strings.HasSuffix(entry.Name, ".json") {
			continue
		}
		record, err := o.gw.ReadContent(ctx, github.RepoData, entry.Path)
		if err != nil {
			return nil, err
		}
		if record == nil {
			continue
		}
		var event domain.Event
		if err := json.Unmarshal(record.Content, &event); err != nil {
			o.log.Warn("skipping undecodable event record", "path", entry.Path, "error", err)
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func rsvpPath(eventID string) string {
	return "rsvps/" + eventID + ".json"
}

func eventPath(id string) string {
	return "events/" + id + ".json"
}

// rsvpIssueBody renders the fallback issue: readable for a human triaging
// it, with a fenced JSON block the workflow can re-parse.
func rsvpIssueBody(rsvp domain.RSVP) string {
	attending := "no"
	if rsvp.Attending {
		attending = "yes"
	}
	raw, _ := json.MarshalIndent(rsvp, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "RSVP submitted while the dispatch pipeline was unavailable.\n\n")
	fmt.Fprintf(&b, "- Event: %s\n", rsvp.EventID)
	fmt.Fprintf(&b, "- Name: %s\n", rsvp.Name)
	fmt.Fprintf(&b, "- Email: %s\n", rsvp.Email)
	fmt.Fprintf(&b, "- Attending: %s\n", attending)
	fmt.Fprintf(&b, "- Guests: %d\n", rsvp.GuestCount)
	fmt.Fprintf(&b, "- Submitted: %s\n\n", rsvp.Timestamp)
	fmt.Fprintf(&b, "```json\n%s\n```\n", raw)
	return b.String()
}

func validationHash(rsvp domain.RSVP) string {
	sum := sha256.Sum256([]byte(rsvp.EventID + ":" + rsvp.Email + ":" + rsvp.Timestamp))
	return hex.EncodeToString(sum[:])
}

func joinAttemptErrors(attempts []StrategyResult) error {
	errs := make([]error, 0, len(attempts))
	for _, attempt := range attempts {
		if attempt.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", attempt.Method, attempt.Err))
		}
	}
	return errors.Join(errs...)
}
