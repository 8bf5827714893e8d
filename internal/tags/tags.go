// Package tags finds named bracket tags such as <plot>...</plot> in model
// output and user input. Tag names are literal text, never patterns.
package tags

import (
	"regexp"
	"strings"
	"sync"
)

var (
	cacheMu sync.Mutex
	cache   = make(map[string]*regexp.Regexp)
)

// matcher returns the compiled expression for tagName. Matching is
// case-insensitive, non-greedy and spans newlines. Submatch 1 is the inner
// content.
func matcher(tagName string) *regexp.Regexp {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if re, ok := cache[tagName]; ok {
		return re
	}
	quoted := regexp.QuoteMeta(tagName)
	re := regexp.MustCompile(`(?is)<` + quoted + `>(.*?)</` + quoted + `>`)
	cache[tagName] = re
	return re
}

// ExtractAll returns the inner contents of every <tagName>...</tagName> in
// text, left to right. The result is never nil.
func ExtractAll(text, tagName string) []string {
	out := []string{}
	if text == "" || tagName == "" {
		return out
	}
	for _, m := range matcher(tagName).FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// last returns the final full match (wrapper included) of tagName in text.
func last(text, tagName string) (string, bool) {
	matches := matcher(tagName).FindAllString(text, -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1], true
}

// PostProcess keeps the last full <tag>...</tag> block of each tag in
// tagList, in listed order, joined by a blank line. With an empty list, or
// when no listed tag occurs, response is returned unchanged.
func PostProcess(response, tagList string) string {
	names := ParseList(tagList)
	if len(names) == 0 {
		return response
	}

	var parts []string
	for _, name := range names {
		if block, ok := last(response, name); ok {
			parts = append(parts, block)
		}
	}
	if len(parts) == 0 {
		return response
	}
	return strings.Join(parts, "\n\n")
}

// ParseList splits a comma separated tag list, trimming entries and dropping
// empty ones.
func ParseList(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			names = append(names, p)
		}
	}
	return names
}
