package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/qrf/internal/storage"
)

const (
	// DefaultMinScore is the cosine similarity a vector must reach to be
	// recalled.
	DefaultMinScore float32 = 0.5
	// maxQueryRunes bounds the query text; the tail is kept since the
	// newest turns matter most.
	maxQueryRunes = 2000
)

// Retriever combines embedding and vector search to recall vectorized
// worldbook entries, and keeps their vectors current.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
	topK     int
	minScore float32
}

// NewRetriever creates a Retriever that recalls at most topK entries per
// query.
func NewRetriever(embedder *Embedder, store VectorStore, topK int) *Retriever {
	return &Retriever{embedder: embedder, store: store, topK: topK, minScore: DefaultMinScore}
}

// Recall embeds text and returns the entries of books whose vectors are
// similar enough, best first.
func (r *Retriever) Recall(ctx context.Context, books []string, text string) ([]storage.LoreRef, error) {
	text = tail(strings.TrimSpace(text), maxQueryRunes)
	if len(books) == 0 || text == "" || r.topK <= 0 {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	scored, err := r.store.Search(r.embedder.Model(), books, vec, r.topK)
	if err != nil {
		return nil, err
	}

	var refs []storage.LoreRef
	for _, s := range scored {
		if s.Score >= r.minScore {
			refs = append(refs, s.LoreRef)
		}
	}
	return refs, nil
}

// Index embeds the enabled vectorized entries whose content changed since
// they were last embedded with the current model. It returns the number of
// entries embedded.
func (r *Retriever) Index(ctx context.Context, entries []storage.LoreEntry) (int, error) {
	var books []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if !seen[e.Book] {
			seen[e.Book] = true
			books = append(books, e.Book)
		}
	}
	model := r.embedder.Model()
	digests, err := r.store.Digests(model, books)
	if err != nil {
		return 0, err
	}

	var pending []Record
	var texts []string
	for _, e := range entries {
		if !e.Vectorized || !e.Enabled || strings.TrimSpace(e.Content) == "" {
			continue
		}
		ref := storage.LoreRef{Book: e.Book, UID: e.UID}
		d := digest(e.Content)
		if digests[ref] == d {
			continue
		}
		pending = append(pending, Record{LoreRef: ref, Model: model, Digest: d})
		texts = append(texts, e.Content)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	vecs, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	for i := range pending {
		pending[i].Embedding = vecs[i]
	}
	if err := r.store.Upsert(pending); err != nil {
		return 0, fmt.Errorf("storing vectors: %w", err)
	}
	slog.Debug("worldbook vectors indexed", "books", books, "model", model, "entries", len(pending))
	return len(pending), nil
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func tail(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[len(r)-limit:])
}
