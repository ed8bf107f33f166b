package model

import (
	"strings"
	"time"
)

// Provenance identifies the source item (an email or a local file) that an
// event candidate was extracted from.
type Provenance struct {
	SourceID string `json:"source_id"`
	Subject  string `json:"subject"`
	Sender   string `json:"sender"`
	Date     string `json:"date"`
}

// EventCandidate is a structured event extracted from a source item, before
// reconciliation against the calendars. Optional fields are pointers or zero
// values; AllDay decides whether StartTime's clock component is meaningful.
type EventCandidate struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	AllDay      bool       `json:"all_day"`
	Location    string     `json:"location,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Recurring   bool       `json:"recurring"`
	Notes       string     `json:"notes,omitempty"`

	Source Provenance `json:"source"`
}

// StartDay returns the candidate's start day as YYYY-MM-DD, or "" when no
// start time is known.
func (e EventCandidate) StartDay() string {
	if e.StartTime == nil {
		return ""
	}
	return e.StartTime.Format("2006-01-02")
}

// StartRFC3339 returns the start time in RFC 3339, or "" when unset. Used
// for signatures and ledger links, so the format must stay stable.
func (e EventCandidate) StartRFC3339() string {
	if e.StartTime == nil {
		return ""
	}
	return e.StartTime.Format(time.RFC3339)
}

// EmailAddress extracts the lowercased address from a sender string, either
// a bare address or the "Display Name <addr@host>" form. Returns "" when no
// address is present.
func EmailAddress(sender string) string {
	s := strings.ToLower(strings.TrimSpace(sender))
	if !strings.Contains(s, "@") {
		return ""
	}
	if open := strings.LastIndex(s, "<"); open >= 0 {
		s = strings.TrimSuffix(strings.TrimSpace(s[open+1:]), ">")
	}
	if !strings.Contains(s, "@") {
		return ""
	}
	return s
}
