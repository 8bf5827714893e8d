// Package retrieval recalls vectorized worldbook entries by embedding
// similarity to the recent conversation.
package retrieval

import (
	"time"

	"github.com/kalambet/qrf/internal/storage"
)

// VectorStore holds one embedding per worldbook entry and searches them
// by cosine similarity. Vectors are tagged with the model that produced
// them; vectors of different models are never compared.
type VectorStore interface {
	// Upsert stores records, replacing any earlier vector of the same entry.
	Upsert(records []Record) error

	// Search returns the topK records of books most similar to vector.
	Search(model string, books []string, vector []float32, topK int) ([]ScoredRecord, error)

	// Digests returns the content digest each indexed entry of books was
	// embedded from.
	Digests(model string, books []string) (map[storage.LoreRef]string, error)

	// Count returns the number of vectors stored for book.
	Count(book string) (int, error)
}

// Record is the stored vector of one entry.
type Record struct {
	storage.LoreRef
	Model     string
	Digest    string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredRecord is a Record with a similarity score attached. Search leaves
// Embedding empty.
type ScoredRecord struct {
	Record
	Score float32
}
