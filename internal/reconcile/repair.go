package reconcile

import (
	"context"
	"time"

	"mail2cal/internal/cache"
)

// Repair rebuilds the cache from the true backend state and reports shared
// events present in only one calendar. Read-only with respect to the
// calendars; fixing the gaps is the operator's call.
func (o *Orchestrator) Repair(ctx context.Context) []cache.RepairRecord {
	o.cache.Refresh(ctx, o.calendars.IDs(), o.listForCache)
	return o.cache.FindMissingCounterparts(o.calendars.IDs())
}

// listForCache adapts the calendar backend's listing to the cache's
// refresh projection.
func (o *Orchestrator) listForCache(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]cache.ListedEvent, error) {
	events, err := o.backend.List(ctx, calendarID, timeMin.Format(time.RFC3339), timeMax.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}

	listed := make([]cache.ListedEvent, 0, len(events))
	for _, ev := range events {
		listed = append(listed, cache.ListedEvent{
			ID:      ev.ID,
			Title:   ev.Summary,
			Date:    ev.StartDay(),
			Created: ev.Created,
		})
	}
	return listed, nil
}
