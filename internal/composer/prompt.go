package composer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/qrf/internal/placeholder"
)

// Reserved segment ids.
const (
	FinalDirectiveID = "finalSystemDirective"
	SystemPromptID   = "systemPrompt"
	MainPromptID     = "mainPrompt"
)

// DefaultFinalDirective is used when no segment carries FinalDirectiveID.
const DefaultFinalDirective = "[SYSTEM_DIRECTIVE: You are a storyteller. The following <plot> block is your absolute script for this turn. You MUST follow the <directive> within it to generate the story.]"

// contextPreamble introduces the assembled history in the injected message.
const contextPreamble = "以下是前文的用户记录和故事发展，给你用作参考：\n "

const defaultRole = "system"

// SegmentID identifies a prompt segment. Presets written by older clients
// use numeric ids; both forms decode to the same string.
type SegmentID string

func (id *SegmentID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = SegmentID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("segment id must be a string or number: %w", err)
	}
	*id = SegmentID(n.String())
	return nil
}

// Segment is one entry of the ordered prompt list.
type Segment struct {
	ID        SegmentID `json:"id"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role,omitempty"`
	Content   string    `json:"content"`
	Deletable bool      `json:"deletable"`
}

// Message is one outbound message to the planning model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sequence is the result of BuildMessages.
type Sequence struct {
	Messages       []Message
	FinalDirective string
}

// Replacements carries the substitution inputs shared by every segment of
// a run.
type Replacements struct {
	WorldbookBlock string
	Values         placeholder.Map
}

// BuildMessages walks segments in order, substituting placeholders in each.
// The final directive segment is captured instead of sent (last one wins).
// When contextBlock is non-empty it is injected as a system message right
// before the system prompt segment; without that segment no context is
// injected.
func BuildMessages(segments []Segment, repl Replacements, contextBlock string) Sequence {
	seq := Sequence{FinalDirective: DefaultFinalDirective}
	for _, seg := range segments {
		content := placeholder.Substitute(seg.Content, repl.WorldbookBlock, repl.Values)

		if seg.ID == FinalDirectiveID {
			seq.FinalDirective = content
			continue
		}
		if seg.ID == SystemPromptID && contextBlock != "" {
			seq.Messages = append(seq.Messages, Message{
				Role:    defaultRole,
				Content: contextPreamble + contextBlock,
			})
		}

		role := seg.Role
		if role == "" {
			role = defaultRole
		}
		seq.Messages = append(seq.Messages, Message{Role: role, Content: content})
	}
	return seq
}

// FinalMessage joins the user's text, the final directive and the extracted
// planning output into the text spliced back into the host.
func FinalMessage(userMessage, finalDirective, extracted string) string {
	return userMessage + "\n\n" + finalDirective + "\n" + extracted
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateMessageTokens sums EstimateTokens over all message contents.
func EstimateMessageTokens(msgs []Message) int {
	var n int
	for _, m := range msgs {
		n += EstimateTokens(m.Content)
	}
	return n
}

// Outline renders message roles and sizes for debug logging.
func Outline(msgs []Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = fmt.Sprintf("%s(%d)", m.Role, EstimateTokens(m.Content))
	}
	return strings.Join(parts, " ")
}
