package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Message is one chat message as the host sees it, plus the planner's
// bookkeeping.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	IsUser    bool      `json:"is_user"`
	Processed bool      `json:"processed"`
	Plot      string    `json:"plot,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LoreEntry is one worldbook entry. A UID below zero asks SaveLoreEntries
// to assign the next free uid in the book.
type LoreEntry struct {
	ID       string   `json:"id"`
	Book     string   `json:"book"`
	UID      int      `json:"uid"`
	Comment  string   `json:"comment"`
	Content  string   `json:"content"`
	Keys     []string `json:"keys"`
	Constant bool     `json:"constant"`
	// Vectorized entries can also fire by semantic similarity to the scan
	// text.
	Vectorized bool      `json:"vectorized"`
	Enabled    bool      `json:"enabled"`
	Order      int       `json:"order"`
	CreatedAt  time.Time `json:"created_at"`
}

// LoreRef identifies an entry by book and uid.
type LoreRef struct {
	Book string
	UID  int
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
