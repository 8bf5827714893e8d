// Package history assembles the bounded conversation context handed to the
// planning model.
package history

import (
	"strings"

	"github.com/kalambet/qrf/internal/tags"
)

// Roles used in assembled context.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one rendered conversation entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message is a host chat message as seen by the assembler.
type Message struct {
	Text   string
	IsUser bool
}

const turnSeparator = " \n "

// Turns selects the last turnCount assistant messages from chat, appends
// userMessage as the final user turn (when non-empty) and, if extractTags
// names any tags, collapses all user turns into one turn built from the
// tagged fragments.
func Turns(chat []Message, turnCount int, extractTags, userMessage string) []Turn {
	var turns []Turn
	if turnCount > 0 {
		var assistant []Turn
		for _, m := range chat {
			if !m.IsUser {
				assistant = append(assistant, Turn{Role: RoleAssistant, Content: m.Text})
			}
		}
		if len(assistant) > turnCount {
			assistant = assistant[len(assistant)-turnCount:]
		}
		turns = append(turns, assistant...)
	}
	if userMessage != "" {
		turns = append(turns, Turn{Role: RoleUser, Content: userMessage})
	}
	return extractFromInput(turns, tags.ParseList(extractTags))
}

func extractFromInput(turns []Turn, names []string) []Turn {
	if len(names) == 0 {
		return turns
	}

	var fragments []string
	for _, t := range turns {
		if t.Role != RoleUser {
			continue
		}
		for _, name := range names {
			fragments = append(fragments, tags.ExtractAll(t.Content, name)...)
		}
	}
	if len(fragments) == 0 {
		return turns
	}

	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role != RoleUser {
			out = append(out, t)
		}
	}
	return append(out, Turn{Role: RoleUser, Content: strings.Join(fragments, "\n\n")})
}

// Render formats turns as role："content" lines with markup stripped.
func Render(turns []Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = t.Role + "：\"" + StripMarkup(t.Content) + "\""
	}
	return strings.Join(lines, turnSeparator)
}

// Assemble is Turns followed by Render.
func Assemble(chat []Message, turnCount int, extractTags, userMessage string) string {
	return Render(Turns(chat, turnCount, extractTags, userMessage))
}
