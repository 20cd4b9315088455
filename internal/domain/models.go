// Package domain defines the event and RSVP entities stored in the
// GitHub-backed store, plus their validation and normalization rules.
package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ValidationError marks input rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Recurrence describes an optional repeating schedule for an event.
type Recurrence struct {
	Frequency string `json:"frequency"` // daily, weekly, monthly
	Interval  int    `json:"interval,omitempty"`
	Until     string `json:"until,omitempty"`
}

// Event is owned by a manager account. Events are created via dispatch,
// updated by re-dispatching the same id, and only ever removed by an
// explicit content delete.
type Event struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	Date               string      `json:"date"`
	Time               string      `json:"time,omitempty"`
	Location           string      `json:"location,omitempty"`
	AskReason          bool        `json:"askReason,omitempty"`
	AllowGuests        bool        `json:"allowGuests,omitempty"`
	RequiresMealChoice bool        `json:"requiresMealChoice,omitempty"`
	CreatedBy          string      `json:"createdBy,omitempty"`
	Created            string      `json:"created,omitempty"`
	Status             string      `json:"status,omitempty"`
	Recurrence         *Recurrence `json:"recurrence,omitempty"`
}

// RSVP is a guest response to an event. Email is the unique key per
// event: a second submission with the same email replaces the first.
type RSVP struct {
	EventID        string            `json:"eventId"`
	RSVPID         string            `json:"rsvpId,omitempty"`
	Name           string            `json:"name"`
	Email          string            `json:"email"`
	Attending      bool              `json:"attending"`
	GuestCount     int               `json:"guestCount,omitempty"`
	Dietary        string            `json:"dietary,omitempty"`
	Military       string            `json:"military,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	MealChoice     string            `json:"mealChoice,omitempty"`
	Custom         map[string]string `json:"custom,omitempty"`
	ValidationHash string            `json:"validationHash,omitempty"`
	CheckinToken   string            `json:"checkinToken,omitempty"`
	EditToken      string            `json:"editToken,omitempty"`
	Timestamp      string            `json:"timestamp,omitempty"`
	UserAgent      string            `json:"userAgent,omitempty"`
}

// ValidateRSVP checks the required fields and the email shape. It must be
// called before any network side effect.
func ValidateRSVP(r RSVP) error {
	if strings.TrimSpace(r.EventID) == "" {
		return &ValidationError{Field: "eventId", Reason: "is required"}
	}
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	email := strings.TrimSpace(r.Email)
	if email == "" {
		return &ValidationError{Field: "email", Reason: "is required"}
	}
	if !emailPattern.MatchString(email) {
		return &ValidationError{Field: "email", Reason: "is malformed"}
	}
	return nil
}

// ValidateEvent checks the fields required to create an event.
func ValidateEvent(e Event) error {
	if strings.TrimSpace(e.ID) == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(e.Title) == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	if strings.TrimSpace(e.Date) == "" {
		return &ValidationError{Field: "date", Reason: "is required"}
	}
	return nil
}

// NormalizeRSVP trims and lower-cases identifying fields, clamps the
// guest count, and stamps timestamp/user agent when absent.
func NormalizeRSVP(r RSVP, now time.Time, userAgent string) RSVP {
	r.EventID = strings.TrimSpace(r.EventID)
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.Dietary = strings.TrimSpace(r.Dietary)
	r.Reason = strings.TrimSpace(r.Reason)
	if r.GuestCount < 0 {
		r.GuestCount = 0
	}
	if r.Timestamp == "" {
		r.Timestamp = now.UTC().Format(time.RFC3339)
	}
	if r.UserAgent == "" {
		r.UserAgent = userAgent
	}
	return r
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
