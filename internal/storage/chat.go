package storage

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// --- Messages ---

// AppendMessage adds a message at the end of chatID and returns it.
func (s *Store) AppendMessage(chatID, text string, isUser bool) (Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(idx) + 1, 0) FROM messages WHERE chat_id = ?`, chatID).Scan(&next); err != nil {
		return Message{}, fmt.Errorf("finding next message index: %w", err)
	}

	m := Message{
		ID:     uuid.New().String(),
		ChatID: chatID,
		Index:  next,
		Text:   text,
		IsUser: isUser,
	}
	created := timestamp()
	if _, err := tx.Exec(`
		INSERT INTO messages (id, chat_id, idx, text, is_user, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, chatID, next, text, boolInt(isUser), created,
	); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	m.CreatedAt = parseTime(created)
	return m, nil
}

// Messages returns the messages of chatID in order.
func (s *Store) Messages(chatID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, chat_id, idx, text, is_user, processed, plot, created_at
		FROM messages WHERE chat_id = ? ORDER BY idx ASC`, chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Index, &m.Text, &m.IsUser, &m.Processed, &m.Plot, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *Store) SetMessageText(chatID string, index int, text string) error {
	return s.updateMessage(`UPDATE messages SET text = ? WHERE chat_id = ? AND idx = ?`, text, chatID, index)
}

func (s *Store) SetProcessed(chatID string, index int, processed bool) error {
	return s.updateMessage(`UPDATE messages SET processed = ? WHERE chat_id = ? AND idx = ?`, boolInt(processed), chatID, index)
}

func (s *Store) SetPlot(chatID string, index int, plot string) error {
	return s.updateMessage(`UPDATE messages SET plot = ? WHERE chat_id = ? AND idx = ?`, plot, chatID, index)
}

func (s *Store) updateMessage(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Drafts ---

// GetDraft returns the pending input text of chatID, "" when there is none.
func (s *Store) GetDraft(chatID string) (string, error) {
	var text string
	err := s.db.QueryRow(`SELECT text FROM drafts WHERE chat_id = ?`, chatID).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return text, err
}

func (s *Store) SetDraft(chatID, text string) error {
	_, err := s.db.Exec(`
		INSERT INTO drafts (chat_id, text, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
		chatID, text, timestamp(),
	)
	return err
}
