package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// --- Worldbook ---

// SaveLoreEntries upserts entries by (book, uid). Entries with a negative
// UID get the next free uid of their book. The stored entries are returned.
func (s *Store) SaveLoreEntries(entries []LoreEntry) ([]LoreEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning lore transaction: %w", err)
	}
	defer tx.Rollback()

	nextUID := make(map[string]int)
	out := make([]LoreEntry, 0, len(entries))
	for _, e := range entries {
		if e.UID < 0 {
			n, ok := nextUID[e.Book]
			if !ok {
				if err := tx.QueryRow(`SELECT COALESCE(MAX(uid) + 1, 0) FROM lore_entries WHERE book = ?`, e.Book).Scan(&n); err != nil {
					return nil, fmt.Errorf("finding next uid for %q: %w", e.Book, err)
				}
			}
			e.UID = n
			nextUID[e.Book] = n + 1
		} else if n, ok := nextUID[e.Book]; ok && e.UID >= n {
			nextUID[e.Book] = e.UID + 1
		}
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		keys := e.Keys
		if keys == nil {
			keys = []string{}
		}
		keysJSON, err := json.Marshal(keys)
		if err != nil {
			return nil, err
		}
		created := timestamp()
		// On conflict the existing row keeps its id; RETURNING reports it.
		if err := tx.QueryRow(`
			INSERT INTO lore_entries (id, book, uid, comment, content, keys, constant, vectorized, enabled, position, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(book, uid) DO UPDATE SET
				comment = excluded.comment, content = excluded.content, keys = excluded.keys,
				constant = excluded.constant, vectorized = excluded.vectorized,
				enabled = excluded.enabled, position = excluded.position
			RETURNING id`,
			e.ID, e.Book, e.UID, e.Comment, e.Content, string(keysJSON),
			boolInt(e.Constant), boolInt(e.Vectorized), boolInt(e.Enabled), e.Order, created,
		).Scan(&e.ID); err != nil {
			return nil, fmt.Errorf("saving lore entry %s/%d: %w", e.Book, e.UID, err)
		}
		e.Keys = keys
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoreEntries returns the entries of the given books ordered by book and
// uid. No books means no entries.
func (s *Store) LoreEntries(books ...string) ([]LoreEntry, error) {
	if len(books) == 0 {
		return nil, nil
	}
	args := make([]any, len(books))
	for i, b := range books {
		args[i] = b
	}
	rows, err := s.db.Query(`
		SELECT id, book, uid, comment, content, keys, constant, vectorized, enabled, position, created_at
		FROM lore_entries WHERE book IN (?`+strings.Repeat(",?", len(books)-1)+`)
		ORDER BY book ASC, uid ASC`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LoreEntry
	for rows.Next() {
		var e LoreEntry
		var keys, createdAt string
		if err := rows.Scan(&e.ID, &e.Book, &e.UID, &e.Comment, &e.Content, &keys,
			&e.Constant, &e.Vectorized, &e.Enabled, &e.Order, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(keys), &e.Keys); err != nil {
			return nil, fmt.Errorf("decoding keys of %s/%d: %w", e.Book, e.UID, err)
		}
		e.CreatedAt = parseTime(createdAt)
		results = append(results, e)
	}
	return results, rows.Err()
}

// ListBooks returns the names of all books that have entries.
func (s *Store) ListBooks() ([]string, error) {
	return s.queryStrings(`SELECT DISTINCT book FROM lore_entries ORDER BY book ASC`)
}

// CharacterBooks returns the books bound to characterID.
func (s *Store) CharacterBooks(characterID string) ([]string, error) {
	return s.queryStrings(`SELECT book FROM character_books WHERE character_id = ? ORDER BY book ASC`, characterID)
}

// SetCharacterBooks replaces the books bound to characterID.
func (s *Store) SetCharacterBooks(characterID string, books []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM character_books WHERE character_id = ?`, characterID); err != nil {
		return err
	}
	for _, b := range books {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO character_books (character_id, book) VALUES (?, ?)`, characterID, b); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) queryStrings(query string, args ...any) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
