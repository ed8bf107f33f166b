// Package ledger is the durable mapping from source items (emails, files)
// to the calendar events they produced. It detects changed or reprocessed
// sources by content hash and finds cross-source duplicate candidates by
// title/time signature. Persisted as a whole-file JSON document rewritten
// after every mutation.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mail2cal/internal/model"
	"mail2cal/internal/similarity"
)

// Title-similarity thresholds for eventsSimilar. Same-day matches are judged
// far more leniently: school events rarely recur with identical titles on
// different days, but frequently recur paraphrased on the same day.
const (
	sameDayThreshold   = 0.4
	crossDayThreshold  = 0.85
	signatureDescBytes = 100
)

// uniquePerDayKeywords name event kinds that occur at most once per day; two
// same-day titles sharing one of these terms describe the same event.
var uniquePerDayKeywords = []string{
	"feriado", "holiday", "vacacion", "suspension", "no hay clases",
	"dia de la familia", "reunion apoderados", "entrevista", "evaluacion",
	"semana de", "actividad laboratorio", "visita al", "celebracion de",
}

// EventLink records one calendar event produced from a source item.
type EventLink struct {
	CalendarEventID string `json:"calendar_event_id"`
	Signature       string `json:"signature"`
	Title           string `json:"title"`
	StartTime       string `json:"start_time,omitempty"` // RFC 3339, or "" when unknown
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at,omitempty"`
	MergeCount      int    `json:"merge_count,omitempty"`
}

// SourceMapping is one processed source item and everything it produced.
// Events and Signatures are kept in sync by construction.
type SourceMapping struct {
	SourceID    string      `json:"source_id"`
	ContentHash string      `json:"content_hash"`
	Subject     string      `json:"subject"`
	Sender      string      `json:"sender"`
	Date        string      `json:"date"`
	ProcessedAt string      `json:"processed_at"`
	Events      []EventLink `json:"events"`
	Signatures  []string    `json:"signatures"`
}

// Stats summarizes ledger contents.
type Stats struct {
	TotalSources       int
	TotalEvents        int
	EventsThisPeriod   int
	AvgEventsPerSource float64
}

// Ledger is the source-to-event tracking store. Single-writer; not safe for
// concurrent use.
type Ledger struct {
	path     string
	mappings map[string]*SourceMapping
	order    []string // source ids, oldest processing first
	logger   *slog.Logger
	now      func() time.Time
}

// Load opens the ledger at path. Missing or corrupt storage yields an empty
// ledger: history is lost, new processing is never blocked.
func Load(path string) *Ledger {
	l := &Ledger{
		path:     path,
		mappings: make(map[string]*SourceMapping),
		logger:   slog.Default(),
		now:      time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return l
	}
	var stored map[string]*SourceMapping
	if err := json.Unmarshal(data, &stored); err != nil {
		l.logger.Warn("source ledger unreadable, starting empty", "path", path, "error", err)
		return l
	}

	l.mappings = stored
	for id := range stored {
		l.order = append(l.order, id)
	}
	// First-wins candidate matching needs a stable scan order. JSON maps
	// carry none, so order by processing time, then id.
	sort.Slice(l.order, func(i, j int) bool {
		a, b := l.mappings[l.order[i]], l.mappings[l.order[j]]
		if a.ProcessedAt != b.ProcessedAt {
			return a.ProcessedAt < b.ProcessedAt
		}
		return a.SourceID < b.SourceID
	})
	return l
}

// ContentHash hashes the parts of a source item that matter for change
// detection: subject, body and date.
func ContentHash(subject, body, date string) string {
	sum := sha256.Sum256([]byte(subject + body + date))
	return hex.EncodeToString(sum[:])
}

// Signature hashes the identity of an extracted event: title, start time
// and the first 100 bytes of the description. It detects exact re-submission
// of the same event data across reprocessing runs, not fuzzy matches.
func Signature(ev model.EventCandidate) string {
	desc := ev.Description
	if len(desc) > signatureDescBytes {
		desc = desc[:signatureDescBytes]
	}
	sum := sha256.Sum256([]byte(ev.Title + ev.StartRFC3339() + desc))
	return hex.EncodeToString(sum[:])
}

// HasChanged reports whether the source item is new or its content hash
// differs from the stored one.
func (l *Ledger) HasChanged(sourceID, currentHash string) bool {
	m, ok := l.mappings[sourceID]
	if !ok {
		return true
	}
	return m.ContentHash != currentHash
}

// Mapping returns the stored mapping for a source item, or nil.
func (l *Ledger) Mapping(sourceID string) *SourceMapping {
	return l.mappings[sourceID]
}

// RecordProcessing creates or overwrites the mapping for a source item,
// zipping events with the calendar ids they produced. A shorter id list
// (some writes failed) records only as many links as ids provided.
func (l *Ledger) RecordProcessing(prov model.Provenance, contentHash string, events []model.EventCandidate, calendarEventIDs []string) {
	now := l.now().Format(time.RFC3339)

	m := &SourceMapping{
		SourceID:    prov.SourceID,
		ContentHash: contentHash,
		Subject:     prov.Subject,
		Sender:      prov.Sender,
		Date:        prov.Date,
		ProcessedAt: now,
	}

	n := len(events)
	if len(calendarEventIDs) < n {
		n = len(calendarEventIDs)
	}
	for i := 0; i < n; i++ {
		sig := Signature(events[i])
		m.Events = append(m.Events, EventLink{
			CalendarEventID: calendarEventIDs[i],
			Signature:       sig,
			Title:           events[i].Title,
			StartTime:       events[i].StartRFC3339(),
			CreatedAt:       now,
		})
		m.Signatures = append(m.Signatures, sig)
	}

	if _, existed := l.mappings[prov.SourceID]; !existed {
		l.order = append(l.order, prov.SourceID)
	}
	l.mappings[prov.SourceID] = m
	l.save()
}

// FindSignatureMatches maps each new event's signature to an existing
// calendar event id when one matches, by exact signature first and by the
// date/title heuristic second. Mappings are scanned oldest first; the first
// match per event wins.
func (l *Ledger) FindSignatureMatches(newEvents []model.EventCandidate) map[string]string {
	matches := make(map[string]string)

	for _, ev := range newEvents {
		sig := Signature(ev)
		if _, done := matches[sig]; done {
			continue
		}

	scan:
		for _, sourceID := range l.order {
			m, ok := l.mappings[sourceID]
			if !ok {
				continue
			}
			for _, link := range m.Events {
				if sig == link.Signature || eventsSimilar(ev, link) {
					matches[sig] = link.CalendarEventID
					break scan
				}
			}
		}
	}
	return matches
}

// eventsSimilar decides whether a new event and a recorded link describe the
// same event. Same-day matches use the lenient 0.4 threshold, cross-day the
// strict 0.85 one.
func eventsSimilar(ev model.EventCandidate, link EventLink) bool {
	newTitle := strings.ToLower(strings.TrimSpace(ev.Title))
	storedTitle := strings.ToLower(strings.TrimSpace(link.Title))
	if newTitle == "" || storedTitle == "" {
		return false
	}

	dateMatch := false
	if ev.StartTime != nil && link.StartTime != "" && len(link.StartTime) >= 10 {
		dateMatch = ev.StartDay() == link.StartTime[:10]
	}

	if dateMatch {
		for _, kw := range uniquePerDayKeywords {
			if strings.Contains(newTitle, kw) && strings.Contains(storedTitle, kw) {
				return true
			}
		}
		if newTitle == storedTitle {
			return true
		}
	}

	sim := similarity.WordSimilarity(newTitle, storedTitle)
	if dateMatch {
		return sim > sameDayThreshold
	}
	return sim > crossDayThreshold
}

// UpdateLink rewrites the recorded link for a merged calendar event in
// place: new summary, new signature, updated timestamp, bumped merge count.
// MergeCount counts merges applied after creation, so a freshly created
// link holds 0 and its first merge sets 1.
func (l *Ledger) UpdateLink(sourceID, calendarEventID, title, signature string) {
	m, ok := l.mappings[sourceID]
	if !ok {
		return
	}
	for i := range m.Events {
		if m.Events[i].CalendarEventID != calendarEventID {
			continue
		}
		m.Events[i].Title = title
		if i < len(m.Signatures) {
			m.Signatures[i] = signature
		}
		m.Events[i].Signature = signature
		m.Events[i].UpdatedAt = l.now().Format(time.RFC3339)
		m.Events[i].MergeCount++
		l.save()
		return
	}
}

// MarkForDeletion removes the given mappings and returns every calendar
// event id they held. The caller owns the actual backend deletion.
func (l *Ledger) MarkForDeletion(sourceIDs []string) []string {
	var eventIDs []string
	removed := false

	for _, id := range sourceIDs {
		m, ok := l.mappings[id]
		if !ok {
			continue
		}
		for _, link := range m.Events {
			eventIDs = append(eventIDs, link.CalendarEventID)
		}
		delete(l.mappings, id)
		removed = true
	}

	if removed {
		kept := l.order[:0]
		for _, id := range l.order {
			if _, ok := l.mappings[id]; ok {
				kept = append(kept, id)
			}
		}
		l.order = kept
		l.save()
	}
	return eventIDs
}

// CleanupOrphaned removes mappings whose source item no longer appears in
// the current fetch window and returns their calendar event ids.
func (l *Ledger) CleanupOrphaned(currentSourceIDs map[string]struct{}) []string {
	var orphaned []string
	for _, id := range l.order {
		if _, ok := currentSourceIDs[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}
	if len(orphaned) == 0 {
		return nil
	}
	l.logger.Info("cleaning up orphaned source mappings", "count", len(orphaned))
	return l.MarkForDeletion(orphaned)
}

// Stats reports ledger totals. EventsThisPeriod counts links created since
// the first day of the current month.
func (l *Ledger) Stats() Stats {
	s := Stats{TotalSources: len(l.mappings)}

	monthStart := time.Date(l.now().Year(), l.now().Month(), 1, 0, 0, 0, 0, l.now().Location()).Format(time.RFC3339)
	for _, m := range l.mappings {
		s.TotalEvents += len(m.Events)
		for _, link := range m.Events {
			if link.CreatedAt >= monthStart {
				s.EventsThisPeriod++
			}
		}
	}
	if s.TotalSources > 0 {
		s.AvgEventsPerSource = float64(s.TotalEvents) / float64(s.TotalSources)
	}
	return s
}

// Walk visits mappings oldest-processed first.
func (l *Ledger) Walk(fn func(m *SourceMapping)) {
	for _, id := range l.order {
		if m, ok := l.mappings[id]; ok {
			fn(m)
		}
	}
}

func (l *Ledger) save() {
	data, err := json.MarshalIndent(l.mappings, "", "  ")
	if err != nil {
		l.logger.Warn("could not encode source ledger", "error", err)
		return
	}
	tmp := l.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.logger.Warn("could not create ledger directory", "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.logger.Warn("could not write source ledger", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, l.path); err != nil {
		l.logger.Warn("could not replace source ledger", "path", l.path, "error", err)
	}
}
