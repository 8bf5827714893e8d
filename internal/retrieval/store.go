package retrieval

import (
	"cmp"
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/qrf/internal/storage"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps entry vectors in the lore_vectors table and searches
// them by brute-force cosine similarity. Worldbooks are small enough that
// a full scan per query is fine.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB. The lore_vectors table must
// already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Upsert(records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO lore_vectors (book, uid, model, digest, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(book, uid) DO UPDATE SET
			model = excluded.model, digest = excluded.digest,
			embedding = excluded.embedding, created_at = excluded.created_at`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(r.Book, r.UID, r.Model, r.Digest, encodeFloat32s(r.Embedding), createdAt.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("upserting vector %s/%d: %w", r.Book, r.UID, err)
		}
	}
	return tx.Commit()
}

// Search scans every vector of books stored under model and keeps the
// topK best in a min-heap.
func (s *SQLiteStore) Search(model string, books []string, vector []float32, topK int) ([]ScoredRecord, error) {
	if len(books) == 0 || topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT book, uid, digest, embedding FROM lore_vectors
		WHERE model = ? AND book IN (?`+strings.Repeat(",?", len(books)-1)+`)`,
		bookArgs(model, books)...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &scoredHeap{}
	var buf []float32
	for rows.Next() {
		var r Record
		var blob []byte
		if err := rows.Scan(&r.Book, &r.UID, &r.Digest, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s/%d: %w", r.Book, r.UID, err)
		}
		r.Model = model

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, ScoredRecord{Record: r, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = ScoredRecord{Record: r, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	results := []ScoredRecord(*h)
	slices.SortFunc(results, func(a, b ScoredRecord) int {
		return cmp.Or(cmp.Compare(b.Score, a.Score), strings.Compare(a.Book, b.Book), cmp.Compare(a.UID, b.UID))
	})
	return results, nil
}

func (s *SQLiteStore) Digests(model string, books []string) (map[storage.LoreRef]string, error) {
	out := make(map[storage.LoreRef]string)
	if len(books) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(`
		SELECT book, uid, digest FROM lore_vectors
		WHERE model = ? AND book IN (?`+strings.Repeat(",?", len(books)-1)+`)`,
		bookArgs(model, books)...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying digests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ref storage.LoreRef
		var digest string
		if err := rows.Scan(&ref.Book, &ref.UID, &digest); err != nil {
			return nil, fmt.Errorf("scanning digest: %w", err)
		}
		out[ref] = digest
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(book string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM lore_vectors WHERE book = ?`, book).Scan(&count)
	return count, err
}

func bookArgs(model string, books []string) []any {
	args := make([]any, 0, len(books)+1)
	args = append(args, model)
	for _, b := range books {
		args = append(args, b)
	}
	return args
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, growing it when
// needed. A length that is not a multiple of 4 means a corrupt row.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). Vectors of different length
// score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// scoredHeap is a min-heap of ScoredRecord ordered by Score.
type scoredHeap []ScoredRecord

func (h scoredHeap) Len() int           { return len(h) }
func (h scoredHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x any)        { *h = append(*h, x.(ScoredRecord)) }
func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
