package search

// Result is a single matching line.
type Result struct {
	LineID     int64  `json:"lineId"`
	SessionID  string `json:"sessionId"`
	LineNumber int    `json:"lineNumber"`
	Section    string `json:"section,omitempty"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request. SessionID narrows it to one session.
type Query struct {
	Text      string
	SessionID string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// LineRecord is what we index for a line. ID is the line id as a string,
// since that is the index's primary key.
type LineRecord struct {
	ID         string `json:"id"`
	LineID     int64  `json:"lineId"`
	SessionID  string `json:"sessionId"`
	LineNumber int    `json:"lineNumber"`
	Section    string `json:"section"`
	Content    string `json:"content"`
}
