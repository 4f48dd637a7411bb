package retrieval

// Response is what every conversational caller receives: a well-formed
// answer plus the sources backing it. Fallback marks answers built from
// matches that never cleared the similarity threshold.
type Response struct {
	Answer   string
	Sources  []SourceRef
	Fallback bool
}

// SourceRef attributes an answer to one indexed page. Similarity is the best
// score among the page's surfaced passages.
type SourceRef struct {
	URL        string
	Title      string
	Similarity float64
	Snippet    string
}
