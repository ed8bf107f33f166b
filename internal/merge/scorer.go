package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mail2cal/internal/model"
)

// Malformed output is not a server fault: re-ask with a short flat delay
// instead of exponential backoff (transient API failures back off inside
// the client).
const (
	maxParseRetries = 10
	parseRetryDelay = 1 * time.Second
)

const scoringSystemPrompt = "You compare school calendar events and decide whether they describe " +
	"the same real-world event. Always respond with valid JSON only."

// scoreBatch issues one AI comparison call for up to five candidates. Every
// failure mode degrades to neutral decisions for the whole batch; scoring
// never raises into the caller.
func (c *Coordinator) scoreBatch(ctx context.Context, newEvent model.EventCandidate, batch []Candidate) []Decision {
	prompt := buildComparisonPrompt(newEvent, batch)

	for attempt := 0; attempt < maxParseRetries; attempt++ {
		if attempt > 0 {
			c.sleep(parseRetryDelay)
		}

		raw, err := c.client.Complete(ctx, "merge_scoring", scoringSystemPrompt, prompt)
		if err != nil {
			c.logger.Warn("merge scoring call failed, degrading to neutral", "error", err, "batch_size", len(batch))
			return neutralBatch(len(batch))
		}

		decisions, err := parseDecisions(raw, len(batch))
		if err == nil {
			return decisions
		}
		c.logger.Warn("merge scoring response unparseable, re-asking",
			"attempt", attempt+1, "error", err, "response_prefix", prefix(raw, 120))
	}

	c.logger.Warn("merge scoring gave no parseable response, degrading to neutral", "batch_size", len(batch))
	return neutralBatch(len(batch))
}

func neutralBatch(n int) []Decision {
	decisions := make([]Decision, n)
	for i := range decisions {
		decisions[i] = neutralDecision()
	}
	return decisions
}

// buildComparisonPrompt lays out the new event and each candidate with its
// provenance, and pins the exact response schema.
func buildComparisonPrompt(newEvent model.EventCandidate, batch []Candidate) string {
	var b strings.Builder

	b.WriteString("Determine, for each existing event below, whether the NEW event describes the same real-world school event.\n\n")
	b.WriteString("NEW EVENT:\n")
	fmt.Fprintf(&b, "Title: %s\n", orNone(newEvent.Title))
	fmt.Fprintf(&b, "Date/Time: %s\n", orNone(newEvent.StartRFC3339()))
	fmt.Fprintf(&b, "Description: %s\n", orNone(prefix(newEvent.Description, 400)))
	fmt.Fprintf(&b, "Source: %q from %s\n", newEvent.Source.Subject, newEvent.Source.Sender)

	for i, cand := range batch {
		fmt.Fprintf(&b, "\nEXISTING EVENT %d:\n", i+1)
		fmt.Fprintf(&b, "Title: %s\n", orNone(cand.Link.Title))
		fmt.Fprintf(&b, "Date/Time: %s\n", orNone(cand.Link.StartTime))
		fmt.Fprintf(&b, "Source: %q from %s\n", cand.Source.Subject, cand.Source.Sender)
	}

	b.WriteString(`
Consider whether they share the same activity, date and context, and whether
one side carries more complete information.

Respond with JSON only, one result per existing event, in order:
{
  "results": [
    {
      "candidate": 1,
      "is_duplicate": true,
      "similarity_score": 0.0,
      "reasoning": "short explanation",
      "merge_strategy": {
        "keep_title": "event1|event2|combine",
        "keep_description": "event1|event2|combine",
        "combine_notes": true,
        "preferred_time": "event1|event2|most_specific"
      }
    }
  ]
}
similarity_score is between 0.0 and 1.0. "event1" means the NEW event, "event2" the existing one.`)

	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
