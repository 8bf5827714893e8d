package worldbook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	pdf "github.com/ledongthuc/pdf"

	"github.com/kalambet/qrf/internal/history"
	"github.com/kalambet/qrf/internal/storage"
)

// Format is the encoding of an imported worldbook document.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// DefaultOrder is the insertion order given to entries that carry none.
const DefaultOrder = 100

const maxTitleRunes = 40

var ErrUnsupportedFormat = errors.New("unsupported worldbook format")

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatText, FormatHTML, FormatPDF:
		return f, nil
	case "txt", "md", "markdown":
		return FormatText, nil
	case "htm":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// DetectFormat guesses a format from a file name, falling back to the
// leading bytes of data.
func DetectFormat(name string, data []byte) Format {
	if f, err := ParseFormat(strings.TrimPrefix(filepath.Ext(name), ".")); err == nil {
		return f
	}
	head := bytes.TrimSpace(data[:min(len(data), 512)])
	switch {
	case bytes.HasPrefix(head, []byte("%PDF-")):
		return FormatPDF
	case bytes.HasPrefix(head, []byte("{")), bytes.HasPrefix(head, []byte("[")):
		return FormatJSON
	case bytes.HasPrefix(head, []byte("<")):
		return FormatHTML
	}
	return FormatText
}

// Parse converts a document into entries of book. Lorebook JSON keeps its
// uids; entries from other formats get UID -1 so the store assigns one.
func Parse(book string, format Format, title string, data []byte) ([]storage.LoreEntry, error) {
	switch format {
	case FormatJSON:
		return parseLorebook(book, data)
	case FormatText:
		return document(book, title, string(data)), nil
	case FormatHTML:
		return document(book, title, history.StripMarkup(string(data))), nil
	case FormatPDF:
		text, err := extractPDF(data)
		if err != nil {
			return nil, err
		}
		return document(book, title, text), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// lorebookEntry is one entry of a chat-host lorebook export.
type lorebookEntry struct {
	UID        *int     `json:"uid"`
	Key        []string `json:"key"`
	Keys       []string `json:"keys"`
	Comment    string   `json:"comment"`
	Content    string   `json:"content"`
	Constant   bool     `json:"constant"`
	Vectorized bool     `json:"vectorized"`
	Disable    bool     `json:"disable"`
	Enabled    *bool    `json:"enabled"`
	Order      *int     `json:"order"`
}

func parseLorebook(book string, data []byte) ([]storage.LoreEntry, error) {
	var doc struct {
		Entries json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding lorebook: %w", err)
	}

	var list []lorebookEntry
	switch trimmed := bytes.TrimSpace(doc.Entries); {
	case len(trimmed) == 0:
		return nil, errors.New("lorebook has no entries")
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("decoding lorebook entries: %w", err)
		}
	default:
		var byKey map[string]lorebookEntry
		if err := json.Unmarshal(trimmed, &byKey); err != nil {
			return nil, fmt.Errorf("decoding lorebook entries: %w", err)
		}
		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			list = append(list, byKey[k])
		}
	}

	out := make([]storage.LoreEntry, 0, len(list))
	for _, e := range list {
		le := storage.LoreEntry{
			Book:       book,
			UID:        -1,
			Comment:    e.Comment,
			Content:    e.Content,
			Keys:       append(e.Key, e.Keys...),
			Constant:   e.Constant,
			Vectorized: e.Vectorized,
			Enabled:    !e.Disable,
			Order:      DefaultOrder,
		}
		if e.UID != nil {
			le.UID = *e.UID
		}
		if e.Enabled != nil {
			le.Enabled = *e.Enabled && !e.Disable
		}
		if e.Order != nil {
			le.Order = *e.Order
		}
		out = append(out, le)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// document turns free text into one keyless entry per section. Sections
// are separated by markdown headings; a document without headings is a
// single entry titled title.
func document(book, title, text string) []storage.LoreEntry {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []storage.LoreEntry
	add := func(comment string, body []string) {
		content := strings.TrimSpace(strings.Join(body, "\n"))
		if content == "" {
			return
		}
		if comment == "" {
			comment = firstLine(content)
		}
		out = append(out, storage.LoreEntry{
			Book:    book,
			UID:     -1,
			Comment: comment,
			Content: content,
			Enabled: true,
			Order:   DefaultOrder + len(out),
		})
	}

	comment := title
	var body []string
	for _, line := range strings.Split(text, "\n") {
		if h, ok := heading(line); ok {
			add(comment, body)
			comment, body = h, nil
			continue
		}
		body = append(body, line)
	}
	add(comment, body)
	return out
}

func heading(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "#") {
		return "", false
	}
	h := strings.TrimSpace(strings.TrimLeft(t, "#"))
	return h, h != ""
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) > maxTitleRunes {
		line = string([]rune(line)[:maxTitleRunes])
	}
	return line
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	return string(b), nil
}
