// Package reconcile drives source items end to end: change detection,
// extraction, duplicate vetoes, AI-assisted merging, calendar writes and
// ledger recording, plus orphan cleanup after every run.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mail2cal/internal/cache"
	"mail2cal/internal/calendar"
	"mail2cal/internal/config"
	"mail2cal/internal/ledger"
	"mail2cal/internal/merge"
	"mail2cal/internal/model"
	"mail2cal/internal/source"
)

// Extractor turns one source item into candidate events. Failures yield an
// empty slice, never an error.
type Extractor interface {
	Extract(ctx context.Context, item source.Item) []model.EventCandidate
}

// Merger is the slice of the merge coordinator the orchestrator needs.
type Merger interface {
	FindCandidates(newEvent model.EventCandidate) []merge.Candidate
	ScoreCandidates(ctx context.Context, newEvent model.EventCandidate, candidates []merge.Candidate) []merge.Decision
	ApplyMerge(ctx context.Context, newEvent model.EventCandidate, cand merge.Candidate, d merge.Decision) (string, error)
}

// Stats are the run-summary counters. They are the only failure surface a
// run exposes; per-item problems never abort the run.
type Stats struct {
	Processed int
	Created   int
	Updated   int
	Deleted   int
	Skipped   int
	Errors    int
}

// Orchestrator owns all write access to the cache and ledger for a run.
// Strictly sequential: one source item is fully reconciled before the next.
type Orchestrator struct {
	provider  source.Provider
	extractor Extractor
	merger    Merger
	backend   calendar.Backend
	cache     *cache.Cache
	ledger    *ledger.Ledger
	calendars *config.Calendars
	logger    *slog.Logger
	now       func() time.Time
}

func NewOrchestrator(
	provider source.Provider,
	extractor Extractor,
	merger Merger,
	backend calendar.Backend,
	eventCache *cache.Cache,
	sourceLedger *ledger.Ledger,
	calendars *config.Calendars,
) *Orchestrator {
	return &Orchestrator{
		provider:  provider,
		extractor: extractor,
		merger:    merger,
		backend:   backend,
		cache:     eventCache,
		ledger:    sourceLedger,
		calendars: calendars,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// Run fetches the current source window and reconciles every item. Only a
// provider failure aborts the run; everything downstream degrades into the
// counters.
func (o *Orchestrator) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	items, err := o.provider.Fetch(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetching source items: %w", err)
	}
	o.logger.InfoContext(ctx, "starting reconciliation run", "items", len(items))

	currentIDs := make(map[string]struct{}, len(items))
	for _, item := range items {
		currentIDs[item.ID] = struct{}{}
		o.processItem(ctx, item, &stats)
	}

	o.cleanupOrphaned(ctx, currentIDs, &stats)

	o.logger.InfoContext(ctx, "reconciliation run finished",
		"processed", stats.Processed, "created", stats.Created, "updated", stats.Updated,
		"deleted", stats.Deleted, "skipped", stats.Skipped, "errors", stats.Errors)
	return stats, nil
}

func (o *Orchestrator) processItem(ctx context.Context, item source.Item, stats *Stats) {
	log := o.logger.With("source_id", item.ID)

	if o.calendars.IgnoresSubject(item.Subject) {
		log.InfoContext(ctx, "skipping ignored subject", "subject", item.Subject)
		stats.Skipped++
		return
	}

	hash := item.ContentHash()
	if !o.ledger.HasChanged(item.ID, hash) && o.eventsStillExist(ctx, item.ID) {
		log.DebugContext(ctx, "source unchanged and events present, skipping")
		stats.Skipped++
		return
	}

	events := o.extractor.Extract(ctx, item)
	if len(events) == 0 {
		// Record the hash so the item is skipped until its content changes.
		o.ledger.RecordProcessing(item.Provenance(), hash, nil, nil)
		stats.Processed++
		return
	}

	// Score the whole new-event set before acting on any of it: bigger
	// batches, fewer AI calls.
	decisions := make([]scoredEvent, len(events))
	for i, ev := range events {
		cands := o.merger.FindCandidates(ev)
		if len(cands) == 0 {
			continue
		}
		ds := o.merger.ScoreCandidates(ctx, ev, cands)
		decisions[i] = bestDecision(cands, ds)
	}

	// Signature fallback over the whole set too, for events the scorer does
	// not confidently place.
	sigMatches := o.ledger.FindSignatureMatches(events)

	var recordedEvents []model.EventCandidate
	var recordedIDs []string
	for i, ev := range events {
		id, outcome := o.reconcileEvent(ctx, ev, decisions[i], sigMatches, item, stats)
		if id != "" {
			recordedEvents = append(recordedEvents, ev)
			recordedIDs = append(recordedIDs, id)
		}
		log.DebugContext(ctx, "event reconciled", "title", ev.Title, "outcome", outcome, "event_id", id)
	}

	o.ledger.RecordProcessing(item.Provenance(), hash, recordedEvents, recordedIDs)
	stats.Processed++
}

type scoredEvent struct {
	candidate merge.Candidate
	decision  merge.Decision
	scored    bool
}

// bestDecision keeps the highest-scoring candidate pairing for one event.
func bestDecision(cands []merge.Candidate, ds []merge.Decision) scoredEvent {
	best := scoredEvent{}
	for i := range ds {
		if i >= len(cands) {
			break
		}
		if !best.scored || ds[i].SimilarityScore > best.decision.SimilarityScore {
			best = scoredEvent{candidate: cands[i], decision: ds[i], scored: true}
		}
	}
	return best
}

// reconcileEvent runs one candidate through merge, cache and signature
// vetoes, creating a fresh calendar event only when nothing else claims it.
// Returns the calendar event id to record (or "") and an outcome label.
func (o *Orchestrator) reconcileEvent(ctx context.Context, ev model.EventCandidate, scored scoredEvent, sigMatches map[string]string, item source.Item, stats *Stats) (string, string) {
	if scored.scored && scored.decision.Action() == merge.ActionMerge {
		if merge.ShouldAutoMerge(scored.decision, ev.Source, scored.candidate.Source) {
			id, err := o.merger.ApplyMerge(ctx, ev, scored.candidate, scored.decision)
			if err != nil {
				o.logger.WarnContext(ctx, "merge failed, creating separately",
					"title", ev.Title, "error", err)
			} else {
				stats.Updated++
				return id, "merged"
			}
		} else {
			// Confident duplicate, but senders differ: keep the existing
			// event and do not create a competing copy.
			o.logger.InfoContext(ctx, "duplicate from different sender, linking without merge",
				"title", ev.Title, "score", scored.decision.SimilarityScore)
			stats.Skipped++
			return scored.candidate.Link.CalendarEventID, "linked"
		}
	}
	if scored.scored && scored.decision.Action() == merge.ActionReview {
		o.logger.InfoContext(ctx, "ambiguous similarity, creating separately for review",
			"title", ev.Title, "score", scored.decision.SimilarityScore,
			"existing_event_id", scored.candidate.Link.CalendarEventID)
	}

	// A signature match can point at this item's own previous link, so the
	// matched event must still be alive; otherwise fall through and recreate.
	if id, ok := sigMatches[ledger.Signature(ev)]; ok && o.eventExists(ctx, id) {
		stats.Skipped++
		return id, "signature-match"
	}

	return o.createEvent(ctx, ev, item, stats)
}

// createEvent inserts the event into each target calendar the cache does not
// veto. The first successful insert's id is recorded in the ledger.
func (o *Orchestrator) createEvent(ctx context.Context, ev model.EventCandidate, item source.Item, stats *Stats) (string, string) {
	day := ev.StartDay()
	body := calendar.BuildBody(ev, o.now())

	var firstID string
	inserted := 0
	for _, calendarID := range o.calendars.TargetsFor(item.Sender) {
		if o.cache.IsDuplicate(ev.Title, day, calendarID) {
			continue
		}
		id, err := o.backend.Insert(ctx, calendarID, body)
		if err != nil {
			o.logger.WarnContext(ctx, "calendar insert failed",
				"calendar_id", calendarID, "title", ev.Title, "error", err)
			stats.Errors++
			continue
		}
		o.cache.Add(ev.Title, day, calendarID, id, item.ID)
		if firstID == "" {
			firstID = id
		}
		inserted++
	}

	if inserted == 0 {
		// every target calendar either vetoed or failed
		stats.Skipped++
		return "", "suppressed"
	}
	stats.Created++
	return firstID, "created"
}

// eventsStillExist verifies that every calendar event a mapping produced is
// still reachable in some configured calendar. Vanished events force
// reprocessing even when the content hash is unchanged.
func (o *Orchestrator) eventsStillExist(ctx context.Context, sourceID string) bool {
	m := o.ledger.Mapping(sourceID)
	if m == nil {
		return false
	}
	for _, link := range m.Events {
		if !o.eventExists(ctx, link.CalendarEventID) {
			o.logger.InfoContext(ctx, "previously created event vanished, reprocessing",
				"source_id", sourceID, "event_id", link.CalendarEventID)
			return false
		}
	}
	return true
}

func (o *Orchestrator) eventExists(ctx context.Context, eventID string) bool {
	for _, calendarID := range o.calendars.IDs() {
		if _, err := o.backend.Get(ctx, calendarID, eventID); err == nil {
			return true
		}
	}
	return false
}

// cleanupOrphaned removes mappings whose source vanished from the window and
// deletes their events from every configured calendar; the owning calendar
// is not always known. Already-gone events count as deleted.
func (o *Orchestrator) cleanupOrphaned(ctx context.Context, currentIDs map[string]struct{}, stats *Stats) {
	for _, eventID := range o.ledger.CleanupOrphaned(currentIDs) {
		failed := false
		for _, calendarID := range o.calendars.IDs() {
			if err := o.backend.Delete(ctx, calendarID, eventID); err != nil && !errors.Is(err, calendar.ErrNotFound) {
				o.logger.WarnContext(ctx, "orphan delete failed",
					"calendar_id", calendarID, "event_id", eventID, "error", err)
				stats.Errors++
				failed = true
			}
		}
		o.cache.Remove(eventID)
		if !failed {
			stats.Deleted++
		}
	}
}
