package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/qrf/internal/storage"
	"github.com/kalambet/qrf/internal/worldbook"
)

// Job types handled by Worker.
const (
	JobTypeLoreImport = "lore_import"
	JobTypeLoreIndex  = "lore_index"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// LoreWriter stores parsed entries and book bindings.
// Implemented by storage.Store.
type LoreWriter interface {
	SaveLoreEntries(entries []storage.LoreEntry) ([]storage.LoreEntry, error)
	LoreEntries(books ...string) ([]storage.LoreEntry, error)
	CharacterBooks(characterID string) ([]string, error)
	SetCharacterBooks(characterID string, books []string) error
}

// Indexer embeds vectorized entries for semantic recall.
// Implemented by retrieval.Retriever.
type Indexer interface {
	Index(ctx context.Context, entries []storage.LoreEntry) (int, error)
}

// ImportPayload is the payload of a lore_import job. Exactly one of Data
// and Path is set.
type ImportPayload struct {
	Book        string           `json:"book"`
	Format      worldbook.Format `json:"format,omitempty"`
	Title       string           `json:"title,omitempty"`
	Data        []byte           `json:"data,omitempty"`
	Path        string           `json:"path,omitempty"`
	CharacterID string           `json:"character_id,omitempty"`
}

func (p ImportPayload) validate() error {
	if p.Book == "" {
		return errors.New("book is required")
	}
	if (len(p.Data) == 0) == (p.Path == "") {
		return errors.New("exactly one of data and path is required")
	}
	if p.Format != "" {
		if _, err := worldbook.ParseFormat(string(p.Format)); err != nil {
			return err
		}
	}
	return nil
}

// IndexPayload is the payload of a lore_index job.
type IndexPayload struct {
	Books []string `json:"books"`
}

// EnqueueImport validates p and queues it, returning the job id.
func EnqueueImport(store JobStore, p ImportPayload) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	return enqueue(store, JobTypeLoreImport, p)
}

// EnqueueIndex queues a vector refresh of books, returning the job id.
func EnqueueIndex(store JobStore, books ...string) (string, error) {
	if len(books) == 0 {
		return "", errors.New("at least one book is required")
	}
	return enqueue(store, JobTypeLoreIndex, IndexPayload{Books: books})
}

func enqueue(store JobStore, jobType string, p any) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshalling payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		PayloadJSON: string(payload),
	}
	if err := store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", jobType, err)
	}
	return job.ID, nil
}

// Worker processes worldbook jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	lore     LoreWriter
	indexer  Indexer
	poll     time.Duration
	logger   *slog.Logger
	readFile func(string) ([]byte, error)
}

// Option configures a Worker.
type Option func(*Worker)

// WithIndexer enables vector indexing. Without it lore_index jobs complete
// without doing anything.
func WithIndexer(ix Indexer) Option {
	return func(w *Worker) { w.indexer = ix }
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, lore LoreWriter, pollInterval time.Duration, opts ...Option) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	w := &Worker{
		store:    store,
		lore:     lore,
		poll:     pollInterval,
		logger:   slog.Default(),
		readFile: os.ReadFile,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeLoreImport, JobTypeLoreIndex})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case JobTypeLoreImport:
		return w.importLore(ctx, job)
	case JobTypeLoreIndex:
		return w.indexLore(ctx, job)
	}
	return fmt.Errorf("unknown job type %q", job.Type)
}

func (w *Worker) importLore(ctx context.Context, job *storage.Job) error {
	var p ImportPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if err := p.validate(); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	data, name := p.Data, p.Title
	if p.Path != "" {
		b, err := w.readFile(p.Path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p.Path, err)
		}
		data = b
		if name == "" {
			name = filepath.Base(p.Path)
		}
	}

	format := p.Format
	if format == "" {
		format = worldbook.DetectFormat(name, data)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := worldbook.Parse(p.Book, format, titleOf(name), data)
	if err != nil {
		return fmt.Errorf("parsing %s document: %w", format, err)
	}
	saved, err := w.lore.SaveLoreEntries(entries)
	if err != nil {
		return fmt.Errorf("saving entries: %w", err)
	}

	if p.CharacterID != "" {
		books, err := w.lore.CharacterBooks(p.CharacterID)
		if err != nil {
			return fmt.Errorf("loading character books: %w", err)
		}
		if !slices.Contains(books, p.Book) {
			if err := w.lore.SetCharacterBooks(p.CharacterID, append(books, p.Book)); err != nil {
				return fmt.Errorf("binding book: %w", err)
			}
		}
	}

	w.logger.Info("worldbook imported", "job_id", job.ID, "book", p.Book, "format", format, "entries", len(saved))

	if w.indexer != nil && slices.ContainsFunc(saved, func(e storage.LoreEntry) bool { return e.Vectorized }) {
		if id, err := EnqueueIndex(w.store, p.Book); err != nil {
			w.logger.Warn("queueing vector index failed", "book", p.Book, "error", err)
		} else {
			w.logger.Debug("vector index queued", "job_id", id, "book", p.Book)
		}
	}
	return nil
}

func (w *Worker) indexLore(ctx context.Context, job *storage.Job) error {
	var p IndexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if w.indexer == nil {
		w.logger.Info("vector recall disabled, skipping index", "job_id", job.ID, "books", p.Books)
		return nil
	}

	entries, err := w.lore.LoreEntries(p.Books...)
	if err != nil {
		return fmt.Errorf("loading entries: %w", err)
	}
	n, err := w.indexer.Index(ctx, entries)
	if err != nil {
		return fmt.Errorf("indexing: %w", err)
	}
	w.logger.Info("worldbook vectors refreshed", "job_id", job.ID, "books", p.Books, "embedded", n)
	return nil
}

// titleOf strips the extension from a file name.
func titleOf(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
