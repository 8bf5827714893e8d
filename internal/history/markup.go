package history

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// StripMarkup returns the text content of an HTML fragment with entities
// decoded. Text without markup passes through unchanged.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return b.String()
			}
			return s
		case html.TextToken:
			b.Write(z.Text())
		}
	}
}
