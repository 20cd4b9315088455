package domain

import (
	"testing"
	"time"
)

func TestValidateRSVPRequiredFields(t *testing.T) {
	t.Parallel()

	valid := RSVP{EventID: "evt-1", Name: "Ada", Email: "ada@example.com"}
	if err := ValidateRSVP(valid); err != nil {
		t.Fatalf("expected valid rsvp, got %v", err)
	}

	cases := []struct {
		name string
		rsvp RSVP
	}{
		{"missing event id", RSVP{Name: "Ada", Email: "ada@example.com"}},
		{"missing name", RSVP{EventID: "evt-1", Email: "ada@example.com"}},
		{"missing email", RSVP{EventID: "evt-1", Name: "Ada"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateRSVP(tc.rsvp)
			if !IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestValidateRSVPEmailPattern(t *testing.T) {
	t.Parallel()

	bad := []string{"plain", "no@tld", "spaces in@example.com", "@example.com", "a@b@c.com "}
	for _, email := range bad {
		if err := ValidateRSVP(RSVP{EventID: "e", Name: "n", Email: email}); !IsValidationError(err) {
			t.Fatalf("expected %q to be rejected", email)
		}
	}
	good := []string{"ada@example.com", "first.last+tag@sub.example.co.uk"}
	for _, email := range good {
		if err := ValidateRSVP(RSVP{EventID: "e", Name: "n", Email: email}); err != nil {
			t.Fatalf("expected %q to be accepted, got %v", email, err)
		}
	}
}

func TestNormalizeRSVP(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	r := NormalizeRSVP(RSVP{
		EventID:    " evt-1 ",
		Name:       " Ada Lovelace ",
		Email:      " Ada@Example.COM ",
		GuestCount: -2,
	}, now, "relay/1.0")

	if r.Email != "ada@example.com" {
		t.Fatalf("expected lower-cased email, got %q", r.Email)
	}
	if r.EventID != "evt-1" || r.Name != "Ada Lovelace" {
		t.Fatalf("expected trimmed fields, got %q / %q", r.EventID, r.Name)
	}
	if r.GuestCount != 0 {
		t.Fatalf("expected clamped guest count, got %d", r.GuestCount)
	}
	if r.Timestamp != "2026-03-14T09:00:00Z" {
		t.Fatalf("unexpected timestamp %q", r.Timestamp)
	}
	if r.UserAgent != "relay/1.0" {
		t.Fatalf("unexpected user agent %q", r.UserAgent)
	}
}

func TestNormalizeRSVPKeepsExplicitStamps(t *testing.T) {
	t.Parallel()

	r := NormalizeRSVP(RSVP{
		EventID:   "evt-1",
		Email:     "ada@example.com",
		Timestamp: "2026-01-01T00:00:00Z",
		UserAgent: "custom",
	}, time.Now(), "relay/1.0")

	if r.Timestamp != "2026-01-01T00:00:00Z" || r.UserAgent != "custom" {
		t.Fatalf("expected explicit stamps preserved, got %q / %q", r.Timestamp, r.UserAgent)
	}
}

func TestValidateEvent(t *testing.T) {
	t.Parallel()

	if err := ValidateEvent(Event{ID: "evt-1", Title: "Town Hall", Date: "2026-04-01"}); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	if err := ValidateEvent(Event{Title: "Town Hall", Date: "2026-04-01"}); !IsValidationError(err) {
		t.Fatalf("expected validation error for missing id, got %v", err)
	}
}
