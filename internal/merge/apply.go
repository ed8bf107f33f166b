package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mail2cal/internal/calendar"
	"mail2cal/internal/ledger"
	"mail2cal/internal/model"
)

// ShouldAutoMerge gates unattended merging: the score must clear 0.9 AND
// both provenances must carry the same extractable sender address. A
// near-identical event from two different teachers is more likely a
// coincidence than the same teacher re-describing their own event.
func ShouldAutoMerge(d Decision, newProv, existingProv model.Provenance) bool {
	if d.SimilarityScore <= autoMergeScore {
		return false
	}
	newAddr := model.EmailAddress(newProv.Sender)
	existingAddr := model.EmailAddress(existingProv.Sender)
	return newAddr != "" && newAddr == existingAddr
}

// ApplyMerge folds the new event into the existing calendar event and
// updates the ledger link in place. The existing event's date/time
// representation (all-day vs timed) is always preserved: a calendar write
// mixing date and dateTime is invalid. Returns the merged event id, or an
// error with no ledger mutation when the backend write fails.
func (c *Coordinator) ApplyMerge(ctx context.Context, newEvent model.EventCandidate, cand Candidate, d Decision) (string, error) {
	eventID := cand.Link.CalendarEventID

	calendarID, existing, err := c.locateEvent(ctx, eventID)
	if err != nil {
		return "", fmt.Errorf("existing event %s not reachable: %w", eventID, err)
	}

	merged := &calendar.Event{
		Summary:     mergeTitles(newEvent.Title, existing.Summary, d.Strategy.KeepTitle),
		Description: mergeDescriptions(newEvent, existing.Description, cand, d.Strategy.KeepDescription),
		Location:    firstNonEmpty(newEvent.Location, existing.Location),
	}
	merged.Start, merged.End = mergedTimes(newEvent, existing, d.Strategy.PreferredTime)

	merged.ExtendedProperties = &calendar.ExtendedProperties{Private: map[string]string{
		"mail2cal_updated_at":  c.now().Format(time.RFC3339),
		"mail2cal_merged_from": fmt.Sprintf("sources:%s,%s", cand.Source.SourceID, newEvent.Source.SourceID),
	}}

	if err := c.backend.Update(ctx, calendarID, eventID, merged); err != nil {
		return "", fmt.Errorf("merge update failed: %w", err)
	}

	sig := mergedSignature(merged, cand.Link)
	c.ledger.UpdateLink(cand.Source.SourceID, eventID, merged.Summary, sig)

	c.logger.Info("merged duplicate event",
		"event_id", eventID, "calendar_id", calendarID,
		"score", d.SimilarityScore, "title", prefix(merged.Summary, 60))
	return eventID, nil
}

// locateEvent probes the configured calendars for the event id; the owning
// calendar is not recorded in the ledger.
func (c *Coordinator) locateEvent(ctx context.Context, eventID string) (string, *calendar.Event, error) {
	for _, calendarID := range c.calendarIDs {
		ev, err := c.backend.Get(ctx, calendarID, eventID)
		if err == nil {
			return calendarID, ev, nil
		}
		if !errors.Is(err, calendar.ErrNotFound) {
			return "", nil, err
		}
	}
	return "", nil, calendar.ErrNotFound
}

func mergeTitles(newTitle, existingTitle, strategy string) string {
	switch strategy {
	case "event1":
		return newTitle
	case "event2":
		return existingTitle
	case "combine":
		// The longer title is assumed to be the more descriptive one.
		if len(newTitle) > len(existingTitle) {
			return newTitle
		}
		return existingTitle
	default:
		return existingTitle
	}
}

func mergeDescriptions(newEvent model.EventCandidate, existingDesc string, cand Candidate, strategy string) string {
	switch strategy {
	case "event1":
		return newEvent.Description
	case "event2":
		return existingDesc
	}

	// combine (and the default): existing text first, the new text when it
	// adds anything, then a provenance trailer naming both sources.
	var parts []string
	if existingDesc != "" {
		parts = append(parts, existingDesc)
	}
	if newEvent.Description != "" && !strings.Contains(strings.ToLower(existingDesc), strings.ToLower(newEvent.Description)) {
		parts = append(parts, "--- Información adicional ---\n"+newEvent.Description)
	}
	parts = append(parts,
		"--- Fuentes combinadas ---",
		"Fuente original: "+cand.Source.Subject,
		"Fuente adicional: "+newEvent.Source.Subject,
	)
	return strings.Join(parts, "\n")
}

// mergedTimes picks the merged start/end in the existing event's
// representation. When the preferred time is the new event's but the
// representations differ, the new event's instant is re-rendered in the
// existing format rather than mixing date and dateTime.
func mergedTimes(newEvent model.EventCandidate, existing *calendar.Event, preferred string) (*calendar.EventTime, *calendar.EventTime) {
	useNew := (preferred == "event1" || preferred == "most_specific") && newEvent.StartTime != nil
	if !useNew {
		return existing.Start, existing.End
	}

	if existing.AllDay() {
		day := newEvent.StartTime.Format("2006-01-02")
		next := newEvent.StartTime.AddDate(0, 0, 1).Format("2006-01-02")
		return &calendar.EventTime{Date: day}, &calendar.EventTime{Date: next}
	}

	start := *newEvent.StartTime
	end := start.Add(defaultMergeDuration)
	if newEvent.EndTime != nil {
		end = *newEvent.EndTime
	}
	tz := ""
	if existing.Start != nil {
		tz = existing.Start.TimeZone
	}
	return &calendar.EventTime{DateTime: start.Format(time.RFC3339), TimeZone: tz},
		&calendar.EventTime{DateTime: end.Format(time.RFC3339), TimeZone: tz}
}

const defaultMergeDuration = 1 * time.Hour

// mergedSignature recomputes the stored link signature for the merged body
// so reprocessing the same sources recognizes the merge result.
func mergedSignature(merged *calendar.Event, link ledger.EventLink) string {
	var start *time.Time
	if t, ok := parseLinkStart(link.StartTime); ok {
		start = &t
	}
	return ledger.Signature(model.EventCandidate{
		Title:       merged.Summary,
		Description: merged.Description,
		StartTime:   start,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
