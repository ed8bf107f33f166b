// Package cache maintains an index of materialized calendar events used for
// fast same-calendar, same-day duplicate rejection before any calendar
// write. The index is persisted as a whole-file JSON document and rewritten
// after every mutation.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mail2cal/internal/similarity"
)

// Duplicate-detection thresholds for same-calendar, same-day comparison.
const (
	titleSimilarityThreshold = 0.85
	keywordOverlapThreshold  = 2
)

// Cache refresh look-back / look-ahead window.
const (
	refreshLookBack  = 90 * 24 * time.Hour
	refreshLookAhead = 180 * 24 * time.Hour
)

// CachedEvent is one materialized calendar event. NormalizedTitle and
// Keywords are derived from Title at insert time.
type CachedEvent struct {
	Title           string              `json:"title"`
	NormalizedTitle string              `json:"normalized_title"`
	Keywords        map[string]struct{} `json:"-"`
	KeywordList     []string            `json:"keywords"`
	Date            string              `json:"date"`
	CalendarID      string              `json:"calendar_id"`
	EventID         string              `json:"event_id"`
	SourceItemID    string              `json:"source_item_id,omitempty"`
	CreatedAt       string              `json:"created_at"`
}

// ListedEvent is the minimal projection of a backend calendar event needed
// to rebuild the cache during Refresh.
type ListedEvent struct {
	ID      string
	Title   string
	Date    string // YYYY-MM-DD start day
	Created string
}

// ListFunc lists backend events for one calendar inside a time window.
type ListFunc func(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]ListedEvent, error)

// RepairRecord describes an event present in exactly one calendar that
// should, per the shared-event phrase list, exist in the others as well.
type RepairRecord struct {
	Title         string
	Date          string
	PresentIn     string
	MissingFrom   string
	SourceEventID string
}

// Stats summarizes cache contents.
type Stats struct {
	TotalEvents  int
	PerCalendar  map[string]int
	FutureEvents int
}

// Cache is the event index. It is not safe for concurrent use; the
// orchestrator is the single writer.
type Cache struct {
	path   string
	events map[string]*CachedEvent // keyed by calendar id + event id
	logger *slog.Logger
	now    func() time.Time
}

// sharedEventPhrases lists school-wide activities that legitimately appear
// in every calendar. Used for repair reporting only, never for suppression.
var sharedEventPhrases = []string{
	"dia de la familia", "family day",
	"after school", "academias", "talleres",
	"juegos recreativos", "recreational games",
	"juegos de rincones", "corner games",
	"juegos de motricidad", "motor skills",
	"actividad fisica", "physical activity",
	"semana de las ciencias", "science week",
	"reunion de apoderados", "parent meeting",
	"vacunacion", "vaccination",
	"evaluacion", "evaluation",
	"entrega de fotografia", "photo delivery",
	"campana de", "campaign",
}

// Load opens the cache at path. A missing or corrupt file yields an empty
// cache, never an error: the cache is rebuildable state.
func Load(path string) *Cache {
	c := &Cache{
		path:   path,
		events: make(map[string]*CachedEvent),
		logger: slog.Default(),
		now:    time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}

	var stored map[string]*CachedEvent
	if err := json.Unmarshal(data, &stored); err != nil {
		c.logger.Warn("event cache unreadable, starting empty", "path", path, "error", err)
		return c
	}

	// Keys are rederived from the entry fields so documents written before
	// the calendar id became part of the key still load.
	for _, ev := range stored {
		ev.Keywords = make(map[string]struct{}, len(ev.KeywordList))
		for _, w := range ev.KeywordList {
			ev.Keywords[w] = struct{}{}
		}
		c.events[eventKey(ev.CalendarID, ev.EventID)] = ev
	}
	return c
}

// eventKey builds the map key for one (calendar, event) pair. The same
// backend event id may appear in several calendars; keying by event id alone
// would keep only one of them.
func eventKey(calendarID, eventID string) string {
	return calendarID + "|" + eventID
}

// IsDuplicate reports whether an event with this title already exists in the
// given calendar on the given day. Entries in other calendars are never
// compared: the same logical event may legitimately live in every calendar.
func (c *Cache) IsDuplicate(title, date, calendarID string) bool {
	normalized := similarity.NormalizeTitle(title)
	keywords := similarity.ExtractKeywords(title)

	for _, existing := range c.events {
		if existing.CalendarID != calendarID || existing.Date != date {
			continue
		}
		if existing.NormalizedTitle == normalized {
			return true
		}
		if similarity.KeywordOverlap(keywords, existing.Keywords) >= keywordOverlapThreshold {
			return true
		}
		if similarity.WordSimilarity(normalized, existing.NormalizedTitle) >= titleSimilarityThreshold {
			return true
		}
		if similarity.MatchesKnownEventPattern(title, existing.Title) {
			return true
		}
	}
	return false
}

// Add inserts an event unless IsDuplicate vetoes it. Returns false without
// mutation on a duplicate. This is the single gate in front of calendar
// inserts for cache-known data.
func (c *Cache) Add(title, date, calendarID, eventID, sourceItemID string) bool {
	if c.IsDuplicate(title, date, calendarID) {
		return false
	}

	c.events[eventKey(calendarID, eventID)] = newCachedEvent(title, date, calendarID, eventID, sourceItemID, c.now().Format(time.RFC3339))
	c.save()
	return true
}

// ShouldExistInBothCalendars reports whether the title names a school-wide
// activity expected in every calendar. Reporting input only; it must never
// gate writes (conflating it with IsDuplicate caused over-deletion before).
func (c *Cache) ShouldExistInBothCalendars(title string) bool {
	lower := strings.ToLower(title)
	for _, phrase := range sharedEventPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// FindMissingCounterparts groups cached events by (date, normalized title)
// and emits one repair record per calendar a shared event is absent from.
// Out-of-band recovery tooling only.
func (c *Cache) FindMissingCounterparts(calendarIDs []string) []RepairRecord {
	known := make(map[string]struct{}, len(calendarIDs))
	for _, id := range calendarIDs {
		known[id] = struct{}{}
	}

	type group struct {
		events []*CachedEvent
	}
	groups := make(map[string]*group)
	var order []string

	for _, ev := range c.events {
		if _, ok := known[ev.CalendarID]; !ok {
			continue
		}
		key := ev.Date + "|" + ev.NormalizedTitle
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.events = append(g.events, ev)
	}
	sort.Strings(order)

	var records []RepairRecord
	for _, key := range order {
		g := groups[key]
		if len(g.events) != 1 {
			continue
		}
		ev := g.events[0]
		if !c.ShouldExistInBothCalendars(ev.Title) {
			continue
		}
		for _, calID := range calendarIDs {
			if calID == ev.CalendarID {
				continue
			}
			records = append(records, RepairRecord{
				Title:         ev.Title,
				Date:          ev.Date,
				PresentIn:     ev.CalendarID,
				MissingFrom:   calID,
				SourceEventID: ev.EventID,
			})
		}
	}
	return records
}

// Refresh clears the cache and rebuilds it from the true backend state via
// the supplied lister, within a fixed -90/+180 day window. Inserts bypass
// IsDuplicate: the backend is authoritative during refresh. A failing
// calendar is logged and skipped, never fatal for the rest.
func (c *Cache) Refresh(ctx context.Context, calendarIDs []string, list ListFunc) {
	c.events = make(map[string]*CachedEvent)

	now := c.now()
	timeMin := now.Add(-refreshLookBack)
	timeMax := now.Add(refreshLookAhead)

	for _, calID := range calendarIDs {
		listed, err := list(ctx, calID, timeMin, timeMax)
		if err != nil {
			c.logger.Warn("cache refresh failed for calendar, continuing", "calendar_id", calID, "error", err)
			continue
		}
		for _, ev := range listed {
			if ev.Title == "" || ev.Date == "" {
				continue
			}
			created := ev.Created
			if created == "" {
				created = now.Format(time.RFC3339)
			}
			c.events[eventKey(calID, ev.ID)] = newCachedEvent(ev.Title, ev.Date, calID, ev.ID, "", created)
		}
		c.logger.Info("cached events from calendar", "calendar_id", calID, "count", len(listed))
	}

	c.save()
}

// Remove drops an event from the index in every calendar it appears in,
// persisting the change. Used when an orphaned event is deleted from the
// backend.
func (c *Cache) Remove(eventID string) {
	removed := false
	for key, ev := range c.events {
		if ev.EventID == eventID {
			delete(c.events, key)
			removed = true
		}
	}
	if removed {
		c.save()
	}
}

// Stats reports cache contents.
func (c *Cache) Stats() Stats {
	s := Stats{PerCalendar: make(map[string]int)}
	today := c.now().Format("2006-01-02")
	for _, ev := range c.events {
		s.TotalEvents++
		s.PerCalendar[ev.CalendarID]++
		if ev.Date >= today {
			s.FutureEvents++
		}
	}
	return s
}

// Len returns the number of cached events.
func (c *Cache) Len() int { return len(c.events) }

func newCachedEvent(title, date, calendarID, eventID, sourceItemID, createdAt string) *CachedEvent {
	keywords := similarity.ExtractKeywords(title)
	list := make([]string, 0, len(keywords))
	for w := range keywords {
		list = append(list, w)
	}
	sort.Strings(list)

	return &CachedEvent{
		Title:           title,
		NormalizedTitle: similarity.NormalizeTitle(title),
		Keywords:        keywords,
		KeywordList:     list,
		Date:            date,
		CalendarID:      calendarID,
		EventID:         eventID,
		SourceItemID:    sourceItemID,
		CreatedAt:       createdAt,
	}
}

// save rewrites the whole JSON document atomically (temp file + rename).
// Persistence failures are logged, not raised: the cache can always be
// rebuilt with Refresh.
func (c *Cache) save() {
	data, err := json.MarshalIndent(c.events, "", "  ")
	if err != nil {
		c.logger.Warn("could not encode event cache", "error", err)
		return
	}

	tmp := c.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		c.logger.Warn("could not create cache directory", "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		c.logger.Warn("could not write event cache", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.logger.Warn("could not replace event cache", "path", c.path, "error", err)
	}
}
