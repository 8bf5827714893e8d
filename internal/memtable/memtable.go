// Package memtable flattens memory-table exports into prompt text.
//
// A memory-table export is a JSON object of sheets keyed by id. Each sheet
// has a name and a content grid whose first row holds the headers and whose
// first column is ignored.
package memtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Fixed texts substituted when no table data can be produced.
const (
	NoData      = "当前无任何可用的表格数据。"
	Unavailable = "依赖的“记忆增强”插件未加载或版本不兼容。"
	LoadError   = `{"error": "加载表格数据时发生错误"}`
)

const (
	header  = "以下是当前角色聊天记录中，由st-memory-enhancement插件保存的全部表格数据：\n"
	trailer = "\n--- 表格数据结束 ---\n"
)

// Sheet is one named table.
type Sheet struct {
	ID      string  `json:"-"`
	Name    string  `json:"name"`
	Content [][]any `json:"content"`
}

// Tables is an export in its original key order.
type Tables []Sheet

// UnmarshalJSON decodes the export object keeping sheet order. Non-object
// input decodes to no sheets.
func (t *Tables) UnmarshalJSON(data []byte) error {
	*t = nil
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("sheet %q: %w", key, err)
		}
		var s Sheet
		if err := json.Unmarshal(raw, &s); err != nil {
			// Entries that are not sheets are skipped like empty ones.
			continue
		}
		s.ID = key
		*t = append(*t, s)
	}
	_, err = dec.Token()
	return err
}

// Format renders tables as the text block bound to $5.
func Format(t Tables) string {
	if len(t) == 0 {
		return NoData
	}

	var b strings.Builder
	b.WriteString(header)
	for _, s := range t {
		if s.Name == "" || len(s.Content) <= 1 {
			continue
		}
		fmt.Fprintf(&b, "\n## 表格: %s\n", s.Name)

		headers := tail(s.Content[0])
		for i, row := range s.Content[1:] {
			cells := tail(row)
			var rb strings.Builder
			for j, h := range headers {
				if j >= len(cells) {
					break
				}
				v, ok := cellText(cells[j])
				if !ok {
					continue
				}
				fmt.Fprintf(&rb, "  - %s: %s\n", plain(h), v)
			}
			if rb.Len() > 0 {
				fmt.Fprintf(&b, "\n### %s - 第 %d 条记录\n%s", s.Name, i+1, rb.String())
			}
		}
	}
	b.WriteString(trailer)
	return b.String()
}

func tail(row []any) []any {
	if len(row) == 0 {
		return nil
	}
	return row[1:]
}

// cellText reports the display text of v and whether it is non-blank.
func cellText(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	s := plain(v)
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func plain(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// Exporter supplies the current memory tables.
type Exporter interface {
	Export(ctx context.Context) (Tables, error)
}

// Collect returns the formatted tables from e. A nil exporter yields
// Unavailable; an error or panic during export yields LoadError. It never
// fails.
func Collect(ctx context.Context, e Exporter) (text string) {
	if e == nil {
		return Unavailable
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("memory table export panicked", "panic", r)
			text = LoadError
		}
	}()

	t, err := e.Export(ctx)
	if err != nil {
		slog.Warn("memory table export failed", "error", err)
		return LoadError
	}
	return Format(t)
}

// RawExporter decodes a JSON export supplied by the host with a request.
type RawExporter json.RawMessage

func (r RawExporter) Export(context.Context) (Tables, error) {
	var t Tables
	if err := json.Unmarshal(r, &t); err != nil {
		return nil, fmt.Errorf("decoding memory tables: %w", err)
	}
	return t, nil
}

// FromRaw returns an Exporter for raw, or nil when the host sent nothing.
func FromRaw(raw json.RawMessage) Exporter {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	return RawExporter(raw)
}
