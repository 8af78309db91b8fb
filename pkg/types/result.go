package types

// Confidence buckets a similarity score
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// SearchResult represents a single search hit with relevance information
type SearchResult struct {
	ChunkID int64
	Rank    int // Position in result set (1-based)

	Score      float64
	Confidence Confidence

	Name      string
	Kind      ChunkKind
	FilePath  string
	Language  string
	StartLine int
	EndLine   int
	Content   string
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.ChunkID == 0 {
		return ErrInvalidChunkID
	}
	if sr.Rank < 1 {
		return ErrInvalidRank
	}
	if sr.FilePath == "" {
		return ErrMissingFileInfo
	}
	if sr.Content == "" {
		return ErrEmptyContent
	}
	return nil
}

// Citation points an answer back at the source it was grounded on
type Citation struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
	Language  string  `json:"language,omitempty"`
}

// Answer is a grounded response to a question about the repository
type Answer struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}
