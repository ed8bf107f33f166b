package calendar

import (
	"time"

	"mail2cal/internal/model"
)

const timeZone = "America/Santiago"

// Duration guards for timed events. Extractions sometimes misread a table
// of weekly activities as one huge block; anything over eight hours is
// treated as such a misread and capped.
const (
	defaultDuration = 1 * time.Hour
	maxDuration     = 8 * time.Hour
	cappedDuration  = 2 * time.Hour
)

// weeklyRecurrenceRule bounds recurring events to twelve weekly occurrences
// so a misclassified event cannot blanket the whole year.
const weeklyRecurrenceRule = "RRULE:FREQ=WEEKLY;COUNT=12"

// BuildBody converts an extracted candidate into a calendar event body.
// All-day events are always a single day; timed events get a default
// duration when the end is missing. Start and end always share one
// representation (date or dateTime), never a mix.
func BuildBody(ev model.EventCandidate, now time.Time) *Event {
	body := &Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
	}

	switch {
	case ev.AllDay || ev.StartTime == nil:
		day := now
		if ev.StartTime != nil {
			day = *ev.StartTime
		}
		start := day.Format("2006-01-02")
		end := day.AddDate(0, 0, 1).Format("2006-01-02")
		body.Start = &EventTime{Date: start}
		body.End = &EventTime{Date: end}

	default:
		start := *ev.StartTime
		end := start.Add(defaultDuration)
		if ev.EndTime != nil {
			end = *ev.EndTime
		}
		if end.Sub(start) > maxDuration {
			end = start.Add(cappedDuration)
		}
		body.Start = &EventTime{DateTime: start.Format(time.RFC3339), TimeZone: timeZone}
		body.End = &EventTime{DateTime: end.Format(time.RFC3339), TimeZone: timeZone}
	}

	if ev.Recurring {
		body.Recurrence = []string{weeklyRecurrenceRule}
	}

	body.ExtendedProperties = &ExtendedProperties{Private: map[string]string{
		"mail2cal_source_item_id": ev.Source.SourceID,
		"mail2cal_event_type":     ev.EventType,
		"mail2cal_priority":       ev.Priority,
		"mail2cal_created_at":     now.Format(time.RFC3339),
	}}
	return body
}
