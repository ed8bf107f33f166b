package merge

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"mail2cal/internal/ai"
)

// scoringResponse is the expected response schema for one scoring batch.
type scoringResponse struct {
	Results []scoringResult `json:"results"`
}

type scoringResult struct {
	Candidate       int      `json:"candidate"`
	IsDuplicate     bool     `json:"is_duplicate"`
	SimilarityScore float64  `json:"similarity_score"`
	Reasoning       string   `json:"reasoning"`
	MergeStrategy   Strategy `json:"merge_strategy"`
}

// Narrow rescue for responses that defeat structural extraction: pick the
// is_duplicate/similarity_score pairs out of the text positionally.
var rescuePairRe = regexp.MustCompile(
	`"is_duplicate"\s*:\s*(true|false)\s*,\s*"similarity_score"\s*:\s*([0-9]*\.?[0-9]+)`)

// parseDecisions turns a raw scoring response into exactly n decisions,
// aligned with batch order. Missing results are filled with neutral
// decisions; surplus results are dropped. An error means nothing usable
// was recovered and the caller should re-ask.
func parseDecisions(raw string, n int) ([]Decision, error) {
	payload, err := ai.ExtractJSON(raw)
	if err != nil {
		return rescueDecisions(raw, n)
	}

	var resp scoringResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		// A bare array of results is close enough.
		var results []scoringResult
		if err2 := json.Unmarshal([]byte(payload), &results); err2 != nil {
			return rescueDecisions(raw, n)
		}
		resp.Results = results
	}
	if len(resp.Results) == 0 {
		return rescueDecisions(raw, n)
	}

	decisions := neutralBatch(n)
	for i, r := range resp.Results {
		idx := r.Candidate - 1 // schema is 1-based
		if idx < 0 || idx >= n {
			idx = i
		}
		if idx >= n {
			continue
		}
		decisions[idx] = Decision{
			SimilarityScore: clampScore(r.SimilarityScore),
			IsDuplicate:     r.IsDuplicate,
			Reasoning:       r.Reasoning,
			Strategy:        r.MergeStrategy,
		}
	}
	return decisions, nil
}

// rescueDecisions is the last-ditch regex pass over the raw text.
func rescueDecisions(raw string, n int) ([]Decision, error) {
	pairs := rescuePairRe.FindAllStringSubmatch(raw, -1)
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no parseable scoring results in response")
	}

	decisions := neutralBatch(n)
	for i, m := range pairs {
		if i >= n {
			break
		}
		score, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		decisions[i] = Decision{
			SimilarityScore: clampScore(score),
			IsDuplicate:     m[1] == "true",
		}
	}
	return decisions, nil
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
