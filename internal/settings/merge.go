package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
)

type owner int

const (
	// shared keys take the character value when one is stored.
	shared owner = iota
	// character keys are only ever read from the character scope.
	character
	// preset keys come from the active preset when there is one.
	preset
)

var ownership = map[string]owner{
	"worldbookSource":          character,
	"selectedWorldbooks":       character,
	"disabledWorldbookEntries": character,

	"prompts":      preset,
	"rateMain":     preset,
	"ratePersonal": preset,
	"rateErotic":   preset,
	"rateCuckold":  preset,
}

// staleCharacterKeys are removed from a character when a preset is
// selected. The first three are flat prompt fields from older versions.
var staleCharacterKeys = []string{
	"mainPrompt",
	"systemPrompt",
	"finalSystemDirective",
	"prompts",
	"rateMain",
	"ratePersonal",
	"rateErotic",
	"rateCuckold",
}

// IsCharacterKey reports whether key is stored per character.
func IsCharacterKey(key string) bool {
	return ownership[key] == character
}

// Merge computes the settings a planning run sees for one character.
// local holds the character's stored keys and may be nil. active is the
// last used preset, if any.
func Merge(global APISettings, local map[string]json.RawMessage, active *Preset) APISettings {
	base, err := toFields(global)
	if err != nil {
		slog.Warn("encoding global settings for merge", "error", err)
		return global
	}
	defaults, _ := toFields(DefaultAPI())

	for key, own := range ownership {
		if own == character {
			base[key] = defaults[key]
		}
	}
	for key, v := range local {
		if _, known := defaults[key]; !known {
			continue
		}
		base[key] = v
	}

	out := global
	out.Prompts = cloneSegments(global.Prompts)
	out.SelectedWorldbooks = slices.Clone(global.SelectedWorldbooks)
	for key, v := range base {
		if err := decodeField(&out, key, v); err != nil {
			slog.Warn("ignoring malformed setting", "key", key, "error", err)
		}
	}

	if active != nil {
		out.Prompts = cloneSegments(active.Prompts)
		out.Rates = active.Rates
	}
	if len(out.Prompts) == 0 {
		if len(global.Prompts) > 0 {
			out.Prompts = cloneSegments(global.Prompts)
		} else {
			out.Prompts = DefaultPrompts()
		}
	}
	return out
}

func toFields(a APISettings) (map[string]json.RawMessage, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// decodeField decodes a single key into a, leaving a unchanged on error.
func decodeField(a *APISettings, key string, v json.RawMessage) error {
	b, err := json.Marshal(map[string]json.RawMessage{key: v})
	if err != nil {
		return err
	}
	probe := *a
	if err := json.Unmarshal(b, &probe); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	*a = probe
	return nil
}
