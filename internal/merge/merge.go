// Package merge reconciles newly extracted events against events previously
// recorded from other sources. It finds time-windowed candidates in the
// ledger, scores them in batches with AI assistance, and applies merges to
// the calendar backend.
package merge

import (
	"context"
	"log/slog"
	"time"

	"mail2cal/internal/calendar"
	"mail2cal/internal/ledger"
	"mail2cal/internal/model"
)

// Candidate search looks a fixed two weeks forward from "now", independent
// of the new event's own date. This bounds AI cost; events further out are
// reconciled once they enter the window. Intentional, not a bug.
const candidateWindow = 14 * 24 * time.Hour

// Scoring batches are capped to bound both prompt size and per-call cost.
const batchSize = 5

// Decision thresholds.
const (
	mergeThreshold  = 0.85
	reviewThreshold = 0.7
	autoMergeScore  = 0.9
)

// Action is the outcome class for one scored candidate.
type Action int

const (
	ActionCreate Action = iota // below review threshold: create a fresh event
	ActionReview               // ambiguous: create separately, flag for review
	ActionMerge                // confident duplicate: merge into the existing event
)

func (a Action) String() string {
	switch a {
	case ActionReview:
		return "review"
	case ActionMerge:
		return "merge"
	default:
		return "create"
	}
}

// Strategy says how to combine the two event bodies when merging.
type Strategy struct {
	KeepTitle       string `json:"keep_title"`       // "event1" | "event2" | "combine"
	KeepDescription string `json:"keep_description"` // "event1" | "event2" | "combine"
	CombineNotes    bool   `json:"combine_notes"`
	PreferredTime   string `json:"preferred_time"` // "event1" | "event2" | "most_specific"
}

// Decision is the scored outcome for one candidate pairing.
type Decision struct {
	SimilarityScore float64  `json:"similarity_score"`
	IsDuplicate     bool     `json:"is_duplicate"`
	Reasoning       string   `json:"reasoning,omitempty"`
	Strategy        Strategy `json:"merge_strategy"`
}

// Action classifies the decision against the tiered thresholds.
func (d Decision) Action() Action {
	switch {
	case d.SimilarityScore > mergeThreshold:
		return ActionMerge
	case d.SimilarityScore >= reviewThreshold:
		return ActionReview
	default:
		return ActionCreate
	}
}

// neutralDecision is the typed give-up value: scoring degraded, caller
// proceeds as if no duplicate was found.
func neutralDecision() Decision { return Decision{} }

// Candidate pairs a previously recorded event with the provenance of the
// source that produced it. Ephemeral; never persisted.
type Candidate struct {
	Link   ledger.EventLink
	Source model.Provenance
}

// CompletionClient is the slice of the AI client the coordinator needs.
type CompletionClient interface {
	Complete(ctx context.Context, operation, system, prompt string) (string, error)
}

// Coordinator drives candidate search, scoring and merge application.
type Coordinator struct {
	ledger      *ledger.Ledger
	client      CompletionClient
	backend     calendar.Backend
	calendarIDs []string
	loc         *time.Location
	logger      *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

// NewCoordinator wires the coordinator. calendarIDs lists every calendar a
// merged event may live in; the owning calendar of an existing event is
// discovered by probing. loc is the timezone whose calendar day anchors the
// candidate window; nil falls back to UTC.
func NewCoordinator(l *ledger.Ledger, client CompletionClient, backend calendar.Backend, calendarIDs []string, loc *time.Location) *Coordinator {
	if loc == nil {
		loc = time.UTC
	}
	return &Coordinator{
		ledger:      l,
		client:      client,
		backend:     backend,
		calendarIDs: calendarIDs,
		loc:         loc,
		logger:      slog.Default(),
		now:         time.Now,
		sleep:       time.Sleep,
	}
}

// FindCandidates scans all ledger links whose recorded start time falls in
// [today, today+14d], where "today" is the current calendar day in the
// configured timezone. Malformed stored dates are skipped, not fatal.
func (c *Coordinator) FindCandidates(newEvent model.EventCandidate) []Candidate {
	if newEvent.StartTime == nil {
		return nil
	}

	now := c.now().In(c.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc)
	windowEnd := today.Add(candidateWindow)

	var candidates []Candidate
	c.ledger.Walk(func(m *ledger.SourceMapping) {
		for _, link := range m.Events {
			start, ok := parseLinkStart(link.StartTime)
			if !ok {
				continue
			}
			if start.Before(today) || start.After(windowEnd) {
				continue
			}
			candidates = append(candidates, Candidate{
				Link: link,
				Source: model.Provenance{
					SourceID: m.SourceID,
					Subject:  m.Subject,
					Sender:   m.Sender,
					Date:     m.Date,
				},
			})
		}
	})
	return candidates
}

// ScoreCandidates scores every candidate against the new event, batched at
// five per AI call. The returned slice is aligned with candidates; a batch
// whose call or parse irrecoverably fails yields neutral decisions, never
// an error.
func (c *Coordinator) ScoreCandidates(ctx context.Context, newEvent model.EventCandidate, candidates []Candidate) []Decision {
	decisions := make([]Decision, 0, len(candidates))
	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		decisions = append(decisions, c.scoreBatch(ctx, newEvent, candidates[start:end])...)
	}
	return decisions
}

func parseLinkStart(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if len(s) >= 10 {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
