package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/qrf/internal/storage"
	"github.com/kalambet/qrf/internal/worldbook"
)

// flakyLore fails the first failures saves, then delegates to the store.
type flakyLore struct {
	*storage.Store
	failures int32
	calls    atomic.Int32
}

func (f *flakyLore) SaveLoreEntries(entries []storage.LoreEntry) ([]storage.LoreEntry, error) {
	if n := f.calls.Add(1); n <= f.failures {
		return nil, fmt.Errorf("transient error %d", n)
	}
	return f.Store.SaveLoreEntries(entries)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, p ImportPayload) string {
	t.Helper()
	id, err := EnqueueImport(store, p)
	if err != nil {
		t.Fatalf("EnqueueImport: %v", err)
	}
	return id
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, id string) (string, int) {
	t.Helper()
	j, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j.Status, j.Attempts
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, ImportPayload{
		Book:        "north",
		Format:      worldbook.FormatJSON,
		Data:        []byte(`{"entries": {"0": {"uid": 0, "key": ["snow"], "content": "Snow everywhere."}}}`),
		CharacterID: "alice",
	})

	w := NewWorker(store, store, 0)
	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if status, _ := jobStatus(t, store, id); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
	entries, err := store.LoreEntries("north")
	if err != nil {
		t.Fatalf("LoreEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "Snow everywhere." {
		t.Errorf("entries = %+v", entries)
	}
	books, _ := store.CharacterBooks("alice")
	if len(books) != 1 || books[0] != "north" {
		t.Errorf("character books = %v, want [north]", books)
	}
}

func TestWorker_ReadsFileAndDetectsFormat(t *testing.T) {
	store := openTestStore(t)
	path := filepath.Join(t.TempDir(), "harbor.md")
	if err := os.WriteFile(path, []byte("Ships come and go."), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	enqueueTestJob(t, store, ImportPayload{Book: "south", Path: path})

	w := NewWorker(store, store, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	entries, _ := store.LoreEntries("south")
	if len(entries) != 1 || entries[0].Comment != "harbor" || entries[0].Content != "Ships come and go." {
		t.Errorf("entries = %+v", entries)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, ImportPayload{Book: "b", Format: worldbook.FormatText, Data: []byte("retry content")})

	w := NewWorker(store, &flakyLore{Store: store, failures: 2}, 0)
	ctx := context.Background()

	// 1st attempt fails
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1: didWork=%v err=%v", didWork, err)
	}
	if status, attempts := jobStatus(t, store, id); status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	// Reset backoff so job is claimable
	resetRunAfter(t, store, id)

	// 2nd attempt fails
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2: didWork=%v err=%v", didWork, err)
	}
	if _, attempts := jobStatus(t, store, id); attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts)
	}

	resetRunAfter(t, store, id)

	// 3rd attempt succeeds
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3: didWork=%v err=%v", didWork, err)
	}
	if status, _ := jobStatus(t, store, id); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTestJob(t, store, ImportPayload{Book: "b", Path: "/nonexistent/lore.txt"})

	w := NewWorker(store, store, 0)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, id)
		}
	}

	if status, _ := jobStatus(t, store, id); status != "failed" {
		t.Errorf("final status = %q, want %q", status, "failed")
	}
}

func TestEnqueueImport_Validation(t *testing.T) {
	store := openTestStore(t)

	tests := []struct {
		name string
		p    ImportPayload
	}{
		{"no book", ImportPayload{Data: []byte("x")}},
		{"no content", ImportPayload{Book: "b"}},
		{"both sources", ImportPayload{Book: "b", Data: []byte("x"), Path: "/tmp/x"}},
		{"bad format", ImportPayload{Book: "b", Data: []byte("x"), Format: "docx"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EnqueueImport(store, tt.p); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, store, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorker_ConcurrentEnqueue(t *testing.T) {
	store := openTestStore(t)

	const goroutines = 5
	const jobsPerGoroutine = 10
	const total = goroutines * jobsPerGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < jobsPerGoroutine; j++ {
				p := ImportPayload{
					Book:   fmt.Sprintf("book-%d", g),
					Format: worldbook.FormatText,
					Data:   []byte(fmt.Sprintf("content %d-%d", g, j)),
				}
				if _, err := EnqueueImport(store, p); err != nil {
					t.Errorf("EnqueueImport %d-%d: %v", g, j, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	w := NewWorker(store, store, 0)
	ctx := context.Background()
	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if didWork {
			processed++
		}
	}

	for g := 0; g < goroutines; g++ {
		entries, err := store.LoreEntries(fmt.Sprintf("book-%d", g))
		if err != nil {
			t.Fatalf("LoreEntries: %v", err)
		}
		if len(entries) != jobsPerGoroutine {
			t.Errorf("book-%d has %d entries, want %d", g, len(entries), jobsPerGoroutine)
		}
		seen := map[int]bool{}
		for _, e := range entries {
			if seen[e.UID] {
				t.Errorf("duplicate uid %d in book-%d", e.UID, g)
			}
			seen[e.UID] = true
		}
	}
}

// recordingIndexer records the entries it was asked to index.
type recordingIndexer struct {
	mu      sync.Mutex
	entries []storage.LoreEntry
	err     error
}

func (r *recordingIndexer) Index(_ context.Context, entries []storage.LoreEntry) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.entries = append(r.entries, entries...)
	return len(entries), nil
}

func TestWorker_ImportQueuesIndexForVectorizedEntries(t *testing.T) {
	store := openTestStore(t)
	ix := &recordingIndexer{}
	enqueueTestJob(t, store, ImportPayload{
		Book:   "sea",
		Format: worldbook.FormatJSON,
		Data:   []byte(`{"entries": [{"uid": 0, "content": "Harbors freeze.", "vectorized": true}]}`),
	})

	w := NewWorker(store, store, 0, WithIndexer(ix))
	for i := 0; i < 2; i++ {
		didWork, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d found no job", i)
		}
	}

	if len(ix.entries) != 1 || ix.entries[0].Book != "sea" || !ix.entries[0].Vectorized {
		t.Errorf("indexed = %+v, want the sea entry", ix.entries)
	}
	if didWork, _ := w.RunOnce(context.Background()); didWork {
		t.Error("expected the queue to be empty")
	}
}

func TestWorker_ImportWithoutVectorizedQueuesNothing(t *testing.T) {
	store := openTestStore(t)
	enqueueTestJob(t, store, ImportPayload{Book: "plain", Format: worldbook.FormatText, Data: []byte("Just text.")})

	w := NewWorker(store, store, 0, WithIndexer(&recordingIndexer{}))
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if didWork, _ := w.RunOnce(context.Background()); didWork {
		t.Error("a lore_index job was queued for a book without vectorized entries")
	}
}

func TestWorker_IndexJob(t *testing.T) {
	tests := []struct {
		name       string
		indexer    *recordingIndexer
		wantStatus string
	}{
		{"indexes", &recordingIndexer{}, "completed"},
		{"index error retries", &recordingIndexer{err: fmt.Errorf("model not found")}, "pending"},
		{"no indexer", nil, "completed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := openTestStore(t)
			if _, err := store.SaveLoreEntries([]storage.LoreEntry{{Book: "sea", UID: -1, Content: "x", Vectorized: true, Enabled: true}}); err != nil {
				t.Fatal(err)
			}
			id, err := EnqueueIndex(store, "sea")
			if err != nil {
				t.Fatalf("EnqueueIndex: %v", err)
			}

			var opts []Option
			if tt.indexer != nil {
				opts = append(opts, WithIndexer(tt.indexer))
			}
			w := NewWorker(store, store, 0, opts...)
			if _, err := w.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce: %v", err)
			}

			if status, _ := jobStatus(t, store, id); status != tt.wantStatus {
				t.Errorf("status = %q, want %q", status, tt.wantStatus)
			}
			if tt.indexer != nil && tt.indexer.err == nil && len(tt.indexer.entries) != 1 {
				t.Errorf("indexed %d entries, want 1", len(tt.indexer.entries))
			}
		})
	}
}

func TestEnqueueIndex_NoBooks(t *testing.T) {
	if _, err := EnqueueIndex(openTestStore(t)); err == nil {
		t.Fatal("expected error without books")
	}
}
