package models

// Hit is a single retrieved passage. Score is the raw index similarity,
// never the MMR objective value.
type Hit struct {
	SlotID int64                  `json:"slot_id"`
	Score  float64                `json:"score"`
	Text   string                 `json:"text"`
	Meta   map[string]interface{} `json:"meta"`
}

// RetrieveResponse is the response for a retrieve request.
type RetrieveResponse struct {
	Hits      []Hit  `json:"hits"`
	Total     int    `json:"total"`
	QueryTime int64  `json:"query_time_ms"`
	Query     string `json:"query"`
	MMR       bool   `json:"mmr"`
}
