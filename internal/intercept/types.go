package intercept

import (
	"encoding/json"
	"strings"
)

// GenerationTypeRegenerate is the host generation type that is never
// intercepted.
const GenerationTypeRegenerate = "regenerate"

// GenerationParams is the mutable part of a "generation about to start"
// signal.
type GenerationParams struct {
	Prompt string `json:"prompt,omitempty"`
	// HandledByHook is set by the direct-call path once it has planned the
	// same request.
	HandledByHook bool `json:"_qrf_processed_by_hook,omitempty"`
}

// GenerationEvent is the host's "generation about to start" signal.
type GenerationEvent struct {
	ChatID      string           `json:"chat_id"`
	CharacterID string           `json:"character_id,omitempty"`
	Type        string           `json:"type,omitempty"`
	DryRun      bool             `json:"dry_run,omitempty"`
	Params      GenerationParams `json:"params"`
	// Tables is the memory-table export, when the host has one.
	Tables json.RawMessage `json:"memory_tables,omitempty"`
}

// Inject is one injected prompt of a direct generate call.
type Inject struct {
	ID       string `json:"id,omitempty"`
	Role     string `json:"role,omitempty"`
	Position string `json:"position,omitempty"`
	Depth    int    `json:"depth,omitempty"`
	Content  string `json:"content"`
}

// GenerateRequest is the argument of the host's own generate call, as
// passed to Intercept.
type GenerateRequest struct {
	ChatID        string          `json:"chat_id,omitempty"`
	CharacterID   string          `json:"character_id,omitempty"`
	Injects       []Inject        `json:"injects,omitempty"`
	UserInput     string          `json:"user_input,omitempty"`
	Prompt        string          `json:"prompt,omitempty"`
	ShouldStream  bool            `json:"should_stream,omitempty"`
	HandledByHook bool            `json:"_qrf_processed_by_hook,omitempty"`
	Tables        json.RawMessage `json:"memory_tables,omitempty"`
}

// source identifies the field a direct call's text came from.
type source int

const (
	sourceNone source = iota
	sourceInject
	sourceUserInput
	sourcePrompt
)

// message returns the text to plan and the field it came from. The first
// inject wins, then user input, then prompt.
func (r GenerateRequest) message() (string, source) {
	switch {
	case len(r.Injects) > 0 && r.Injects[0].Content != "":
		return r.Injects[0].Content, sourceInject
	case r.UserInput != "":
		return r.UserInput, sourceUserInput
	case r.Prompt != "":
		return r.Prompt, sourcePrompt
	}
	return "", sourceNone
}

// withMessage returns a copy of r with text written to field src.
func (r GenerateRequest) withMessage(src source, text string) GenerateRequest {
	switch src {
	case sourceInject:
		injects := append([]Inject(nil), r.Injects...)
		injects[0].Content = text
		r.Injects = injects
	case sourceUserInput:
		r.UserInput = text
	case sourcePrompt:
		r.Prompt = text
	}
	return r
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
