package composer

import (
	"encoding/json"
	"fmt"

	"github.com/kalambet/qrf/internal/proxy"
)

// RewriteLastUser replaces the text of the last user message in req with
// rewrite(text). All other message fields are preserved. Requests whose last
// user message has no plain-text content are returned unchanged with
// ok=false.
func RewriteLastUser(req proxy.ChatRequest, rewrite func(string) (string, bool)) (out proxy.ChatRequest, ok bool, err error) {
	msgs, err := parseMessages(req.Messages)
	if err != nil {
		return req, false, fmt.Errorf("parsing messages: %w", err)
	}

	idx := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if getRole(msgs[i]) == "user" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return req, false, nil
	}
	text := getContent(msgs[idx])
	if text == "" {
		return req, false, nil
	}

	replaced, changed := rewrite(text)
	if !changed {
		return req, false, nil
	}
	setContent(msgs[idx], replaced)

	marshalled, err := json.Marshal(msgs)
	if err != nil {
		return req, false, fmt.Errorf("marshalling messages: %w", err)
	}
	out = req
	out.Messages = marshalled
	return out, true, nil
}

// ToRaw encodes planning messages as an OpenAI-compatible messages array.
func ToRaw(msgs []Message) (json.RawMessage, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	return json.Marshal(msgs)
}

// rawMsg preserves all JSON fields on a message while allowing role/content access.
type rawMsg map[string]json.RawMessage

func parseMessages(data json.RawMessage) ([]rawMsg, error) {
	var msgs []rawMsg
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func getRole(m rawMsg) string {
	v, ok := m["role"]
	if !ok {
		return ""
	}
	var role string
	json.Unmarshal(v, &role)
	return role
}

func getContent(m rawMsg) string {
	v, ok := m["content"]
	if !ok {
		return ""
	}
	var content string
	json.Unmarshal(v, &content)
	return content
}

func setContent(m rawMsg, s string) {
	b, _ := json.Marshal(s)
	m["content"] = b
}
