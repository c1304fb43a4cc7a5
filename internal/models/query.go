package models

import "fmt"

// RetrieveQuery is a text retrieval request. Pointer fields distinguish
// "unset" from an explicit false/zero so configured defaults can apply.
type RetrieveQuery struct {
	Query               string   `json:"query"`
	TopK                int      `json:"top_k,omitempty"`
	MMREnabled          *bool    `json:"mmr_enabled,omitempty"`
	Lambda              *float64 `json:"lambda,omitempty"`
	CandidateMultiplier int      `json:"candidate_multiplier,omitempty"`
}

// Validate ensures the query has valid fields and sets defaults.
// Returns an error if the query is empty or lambda is out of range; otherwise caps top_k at 100.
func (q *RetrieveQuery) Validate() error {
	if q.Query == "" {
		return fmt.Errorf("query cannot be empty")
	}
	if q.TopK <= 0 {
		q.TopK = 5
	}
	if q.TopK > 100 {
		q.TopK = 100
	}
	if q.CandidateMultiplier <= 0 {
		q.CandidateMultiplier = 5
	}
	if q.Lambda != nil && (*q.Lambda < 0 || *q.Lambda > 1) {
		return fmt.Errorf("lambda must be within [0, 1], got %g", *q.Lambda)
	}
	return nil
}
