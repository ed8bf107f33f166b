// Package extract turns the free text of a source item into structured
// event candidates using the AI client. Extraction is best effort: any
// failure yields zero candidates, never an error into the reconciliation
// core.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mail2cal/internal/ai"
	"mail2cal/internal/model"
	"mail2cal/internal/source"
)

const extractionSystemPrompt = "You extract school calendar events from Spanish-language school " +
	"communications (emails, newsletters, circulars). Only extract concrete, dated events. " +
	"Always respond with valid JSON only."

// CompletionClient is the slice of the AI client the extractor needs.
type CompletionClient interface {
	Complete(ctx context.Context, operation, system, prompt string) (string, error)
}

// Extractor drives one AI extraction call per source item.
type Extractor struct {
	client CompletionClient
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time
}

// NewExtractor builds an extractor interpreting extracted clock times in the
// given zone name. An unknown zone falls back to UTC.
func NewExtractor(client CompletionClient, timezone string) *Extractor {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		slog.Warn("unknown timezone for extraction, using UTC", "timezone", timezone, "error", err)
		loc = time.UTC
	}
	return &Extractor{client: client, loc: loc, logger: slog.Default(), now: time.Now}
}

// extractedEvent is the response schema for one event.
type extractedEvent struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`     // YYYY-MM-DD
	Time        string `json:"time"`     // HH:MM, empty for all-day
	EndTime     string `json:"end_time"` // HH:MM, optional
	AllDay      bool   `json:"all_day"`
	Location    string `json:"location"`
	EventType   string `json:"event_type"`
	Priority    string `json:"priority"`
	Recurring   bool   `json:"recurring"`
	Notes       string `json:"notes"`
}

type extractionResponse struct {
	Events []extractedEvent `json:"events"`
}

// Extract asks the model for the events in one source item. AI failures and
// unparseable responses are logged and yield an empty slice.
func (e *Extractor) Extract(ctx context.Context, item source.Item) []model.EventCandidate {
	raw, err := e.client.Complete(ctx, "event_extraction", extractionSystemPrompt, e.buildPrompt(item))
	if err != nil {
		e.logger.Warn("event extraction call failed", "source_id", item.ID, "error", err)
		return nil
	}

	payload, err := ai.ExtractJSON(raw)
	if err != nil {
		e.logger.Warn("extraction response carried no JSON", "source_id", item.ID)
		return nil
	}
	var resp extractionResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		e.logger.Warn("extraction response unparseable", "source_id", item.ID, "error", err)
		return nil
	}

	prov := item.Provenance()
	var candidates []model.EventCandidate
	for _, ev := range resp.Events {
		cand, ok := e.toCandidate(ev, prov)
		if !ok {
			e.logger.Warn("dropping extracted event without usable date",
				"source_id", item.ID, "title", ev.Title, "date", ev.Date)
			continue
		}
		candidates = append(candidates, cand)
	}
	e.logger.Info("extracted events", "source_id", item.ID, "count", len(candidates))
	return candidates
}

func (e *Extractor) toCandidate(ev extractedEvent, prov model.Provenance) (model.EventCandidate, bool) {
	if strings.TrimSpace(ev.Title) == "" {
		return model.EventCandidate{}, false
	}
	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(ev.Date), e.loc)
	if err != nil {
		return model.EventCandidate{}, false
	}

	cand := model.EventCandidate{
		Title:       strings.TrimSpace(ev.Title),
		Description: strings.TrimSpace(ev.Description),
		AllDay:      true,
		Location:    strings.TrimSpace(ev.Location),
		EventType:   ev.EventType,
		Priority:    ev.Priority,
		Recurring:   ev.Recurring,
		Notes:       strings.TrimSpace(ev.Notes),
		Source:      prov,
	}

	start := day
	if t, ok := parseClock(ev.Time); ok && !ev.AllDay {
		start = time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, e.loc)
		cand.AllDay = false
		if end, ok := parseClock(ev.EndTime); ok {
			endAt := time.Date(day.Year(), day.Month(), day.Day(), end.Hour(), end.Minute(), 0, 0, e.loc)
			if endAt.After(start) {
				cand.EndTime = &endAt
			}
		}
	}
	cand.StartTime = &start
	return cand, true
}

func parseClock(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (e *Extractor) buildPrompt(item source.Item) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Today is %s.\n\n", e.now().In(e.loc).Format("Monday, 2 January 2006"))
	fmt.Fprintf(&b, "Subject: %s\n", item.Subject)
	fmt.Fprintf(&b, "From: %s\n", item.Sender)
	if item.Date != "" {
		fmt.Fprintf(&b, "Sent: %s\n", item.Date)
	}
	b.WriteString("\nContent:\n")
	b.WriteString(item.Body)

	b.WriteString(`

Extract every concrete calendar event. Resolve relative dates ("este viernes",
"próxima semana") against the send date. Dates without a year belong to the
current school year.

Respond with JSON only:
{
  "events": [
    {
      "title": "short event title",
      "description": "relevant details from the text",
      "date": "YYYY-MM-DD",
      "time": "HH:MM or empty for all-day",
      "end_time": "HH:MM or empty",
      "all_day": true,
      "location": "",
      "event_type": "reunion|celebracion|feriado|actividad|otro",
      "priority": "alta|media|baja",
      "recurring": false,
      "notes": ""
    }
  ]
}
An announcement with no datable event yields {"events": []}.`)

	return b.String()
}
