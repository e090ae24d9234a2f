package search

// PostRecord is the data indexed for one canonical post.
type PostRecord struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	AuthorID     string `json:"authorId"`
	Origin       string `json:"origin"`
	ParsedStatus string `json:"parsedStatus"`
	CreatedAtMs  int64  `json:"createdAtMs"`
}

// Query describes a feed search request.
type Query struct {
	Text         string
	FilterAuthor string
	FilterOrigin string
	Limit        int
	Offset       int
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Snippet  string `json:"snippet"`
	AuthorID string `json:"authorId"`
	Origin   string `json:"origin"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over canonical posts.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
