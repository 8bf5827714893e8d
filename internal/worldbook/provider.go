// Package worldbook selects the world-knowledge entries bound to $1.
package worldbook

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/kalambet/qrf/internal/settings"
	"github.com/kalambet/qrf/internal/storage"
)

const entrySeparator = "\n\n"

// EntryStore defines the storage operations the Provider needs.
// Implemented by storage.Store.
type EntryStore interface {
	LoreEntries(books ...string) ([]storage.LoreEntry, error)
	CharacterBooks(characterID string) ([]string, error)
}

// Recaller finds vectorized entries of books close in meaning to text.
// Implemented by retrieval.Retriever.
type Recaller interface {
	Recall(ctx context.Context, books []string, text string) ([]storage.LoreRef, error)
}

// Query describes one lookup.
type Query struct {
	CharacterID string
	// Source is settings.SourceCharacter or settings.SourceManual.
	Source        string
	SelectedBooks []string
	Disabled      settings.DisabledEntries
	// CharLimit caps the result in characters. Zero means no cap.
	CharLimit int
	// Scan is the text keyed entries are matched against, usually the user
	// message and the recent turns.
	Scan []string
}

// QueryFor builds a Query from effective API settings.
func QueryFor(characterID string, api settings.APISettings, scan ...string) Query {
	return Query{
		CharacterID:   characterID,
		Source:        api.WorldbookSource,
		SelectedBooks: api.SelectedWorldbooks,
		Disabled:      api.DisabledWorldbookEntries,
		CharLimit:     api.WorldbookCharLimit,
		Scan:          scan,
	}
}

// Provider assembles worldbook text from stored entries.
type Provider struct {
	store  EntryStore
	recall Recaller
}

// Option configures a Provider.
type Option func(*Provider)

// WithRecaller lets vectorized entries fire by similarity to the scan
// text.
func WithRecaller(r Recaller) Option {
	return func(p *Provider) { p.recall = r }
}

func NewProvider(store EntryStore, opts ...Option) *Provider {
	p := &Provider{store: store}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Content returns the active entries of the query's books joined by blank
// lines, or "" when nothing is active.
func (p *Provider) Content(ctx context.Context, q Query) (string, error) {
	books, err := p.books(q)
	if err != nil {
		return "", err
	}
	if len(books) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	entries, err := p.store.LoreEntries(books...)
	if err != nil {
		return "", fmt.Errorf("loading worldbook entries: %w", err)
	}

	var candidates []storage.LoreEntry
	for _, e := range entries {
		if !e.Enabled || q.Disabled.Disabled(e.Book, e.UID) {
			continue
		}
		if strings.TrimSpace(e.Content) == "" {
			continue
		}
		candidates = append(candidates, e)
	}

	raw := strings.Join(q.Scan, "\n")
	recalled := p.recalled(ctx, books, candidates, raw)
	scan := strings.ToLower(raw)
	var active []storage.LoreEntry
	for _, e := range candidates {
		if activated(e, scan, recalled) {
			active = append(active, e)
		}
	}
	slices.SortStableFunc(active, func(a, b storage.LoreEntry) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), strings.Compare(a.Comment, b.Comment))
	})

	parts := make([]string, len(active))
	for i, e := range active {
		parts[i] = strings.TrimSpace(e.Content)
	}
	return truncate(strings.Join(parts, entrySeparator), q.CharLimit), nil
}

func (p *Provider) books(q Query) ([]string, error) {
	if q.Source == settings.SourceManual {
		return q.SelectedBooks, nil
	}
	if q.CharacterID == "" {
		return nil, nil
	}
	books, err := p.store.CharacterBooks(q.CharacterID)
	if err != nil {
		return nil, fmt.Errorf("loading character books: %w", err)
	}
	return books, nil
}

// recalled returns the vectorized candidates similar to scan. It returns
// nil when recall is off or failed, so vectorized entries fall back to
// their keys.
func (p *Provider) recalled(ctx context.Context, books []string, candidates []storage.LoreEntry, scan string) map[storage.LoreRef]bool {
	if p.recall == nil || !slices.ContainsFunc(candidates, func(e storage.LoreEntry) bool { return e.Vectorized && !e.Constant }) {
		return nil
	}
	refs, err := p.recall.Recall(ctx, books, scan)
	if err != nil {
		slog.Warn("worldbook: vector recall failed", "books", books, "error", err)
		return nil
	}
	out := make(map[storage.LoreRef]bool, len(refs))
	for _, r := range refs {
		out[r] = true
	}
	return out
}

// activated reports whether e fires for the lowercased scan text. Constant
// entries always fire. Keyless entries always fire too, except vectorized
// ones while recall is on: those fire only when recalled.
func activated(e storage.LoreEntry, scan string, recalled map[storage.LoreRef]bool) bool {
	if e.Constant {
		return true
	}
	if e.Vectorized && recalled != nil {
		if recalled[storage.LoreRef{Book: e.Book, UID: e.UID}] {
			return true
		}
	} else if len(e.Keys) == 0 {
		return true
	}
	for _, k := range e.Keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(scan, k) {
			return true
		}
	}
	return false
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
