// Package calendar defines the calendar backend contract consumed by the
// reconciliation engine and implements it against the Google Calendar v3
// REST API.
package calendar

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_backend.go -package=mocks mail2cal/internal/calendar Backend

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when the event does not exist (or no
	// longer exists) in the calendar.
	ErrNotFound = errors.New("event not found")
)

// EventTime is one boundary of an event. Exactly one of Date (all-day) or
// DateTime (timed) is set; a single event must never mix the two between
// start and end.
type EventTime struct {
	Date     string `json:"date,omitempty"`     // YYYY-MM-DD
	DateTime string `json:"dateTime,omitempty"` // RFC 3339
	TimeZone string `json:"timeZone,omitempty"`
}

// Event is the calendar event body exchanged with the backend.
type Event struct {
	ID          string     `json:"id,omitempty"`
	Summary     string     `json:"summary"`
	Description string     `json:"description,omitempty"`
	Location    string     `json:"location,omitempty"`
	Start       *EventTime `json:"start,omitempty"`
	End         *EventTime `json:"end,omitempty"`
	Recurrence  []string   `json:"recurrence,omitempty"`
	Created     string     `json:"created,omitempty"`

	ExtendedProperties *ExtendedProperties `json:"extendedProperties,omitempty"`
}

// ExtendedProperties carries the private metadata attached to events this
// system owns.
type ExtendedProperties struct {
	Private map[string]string `json:"private,omitempty"`
}

// AllDay reports whether the event uses the all-day (date-only)
// representation.
func (e *Event) AllDay() bool {
	return e.Start != nil && e.Start.Date != ""
}

// StartDay returns the event's start day as YYYY-MM-DD, or "".
func (e *Event) StartDay() string {
	if e.Start == nil {
		return ""
	}
	if e.Start.Date != "" {
		return e.Start.Date
	}
	if len(e.Start.DateTime) >= 10 {
		return e.Start.DateTime[:10]
	}
	return ""
}

// Backend is the calendar CRUD contract. Delete treats an already-gone
// event (404/410) as success.
type Backend interface {
	Insert(ctx context.Context, calendarID string, event *Event) (string, error)
	Update(ctx context.Context, calendarID, eventID string, event *Event) error
	Get(ctx context.Context, calendarID, eventID string) (*Event, error)
	Delete(ctx context.Context, calendarID, eventID string) error
	List(ctx context.Context, calendarID string, timeMin, timeMax string) ([]*Event, error)
}
