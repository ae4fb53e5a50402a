// Package search fronts the moderation queue with a full-text index so
// moderators can find reports by their body or type. Meilisearch is the
// primary backend; Postgres full-text search covers its outages.
package search

import "time"

// ReportRecord is the indexed shape of a report. All ids are already in
// their client-facing encoded form.
type ReportRecord struct {
	ID         string    `json:"id"`
	ReportType string    `json:"reportType"`
	ItemType   string    `json:"itemType"`
	ItemID     string    `json:"itemId"`
	Reporter   string    `json:"reporter"`
	Body       string    `json:"body"`
	Closed     bool      `json:"closed"`
	Created    time.Time `json:"created"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	ReportType string `json:"report_type"`
	ItemType   string `json:"item_type"`
	ItemID     string `json:"item_id"`
	Reporter   string `json:"reporter"`
	Snippet    string `json:"snippet"`
	Closed     bool   `json:"closed"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}
