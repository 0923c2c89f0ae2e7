package models

import "time"

// Chunk is a contiguous, line-bounded slice of one source file.
type Chunk struct {
	Path      string `json:"path"`
	Language  string `json:"language"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Content   string `json:"content"`
}

// IndexEntry pairs a chunk's embedding with the metadata needed to answer
// queries without going back to the source.
type IndexEntry struct {
	RepoID      string    `json:"repo_id"`
	Ord         int       `json:"ord"`
	Path        string    `json:"path"`
	Language    string    `json:"language"`
	StartLine   int       `json:"start_line"`
	EndLine     int       `json:"end_line"`
	Content     string    `json:"content,omitempty"`
	ContentHash string    `json:"content_hash"`
	Vector      []float32 `json:"vector"`
}

type Match struct {
	Entry IndexEntry `json:"entry"`
	Score float64    `json:"score"`
}

// QueryResult is the wire shape returned by /api/v1/query.
type QueryResult struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Score     float64 `json:"score"`
}

// IndexedRepository summarises a repository held by a persistent index backend.
type IndexedRepository struct {
	ID         string    `json:"id"`
	ChunkCount int       `json:"chunk_count"`
	IndexedAt  time.Time `json:"indexed_at"`
}
