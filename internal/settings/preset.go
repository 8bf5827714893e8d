package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/qrf/internal/composer"
	"github.com/kalambet/qrf/internal/placeholder"
)

// ErrInvalidPresets is returned when an import payload is not a JSON array.
var ErrInvalidPresets = errors.New("preset payload must be a JSON array")

// Preset is a named bundle of prompts and planning parameters.
type Preset struct {
	Name    string             `json:"name"`
	Prompts []composer.Segment `json:"prompts"`
	placeholder.Rates
	ExtractTags          string `json:"extractTags"`
	ExtractTagsFromInput string `json:"extractTagsFromInput"`
	MinLength            int    `json:"minLength"`
	ContextTurnCount     int    `json:"contextTurnCount"`
}

// presetJSON is the lenient wire form. Older presets carry three flat
// prompt fields instead of a prompts array, and any field may be missing.
type presetJSON struct {
	Name                 string             `json:"name"`
	Prompts              []composer.Segment `json:"prompts"`
	MainPrompt           *string            `json:"mainPrompt"`
	SystemPrompt         *string            `json:"systemPrompt"`
	FinalSystemDirective *string            `json:"finalSystemDirective"`
	RateMain             *float64           `json:"rateMain"`
	RatePersonal         *float64           `json:"ratePersonal"`
	RateErotic           *float64           `json:"rateErotic"`
	RateCuckold          *float64           `json:"rateCuckold"`
	ExtractTags          string             `json:"extractTags"`
	ExtractTagsFromInput string             `json:"extractTagsFromInput"`
	MinLength            *int               `json:"minLength"`
	ContextTurnCount     *int               `json:"contextTurnCount"`
}

// UnmarshalJSON decodes both current and legacy presets. Missing rates
// default to 1.
func (p *Preset) UnmarshalJSON(data []byte) error {
	var w presetJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*p = Preset{
		Name:    w.Name,
		Prompts: w.Prompts,
		Rates: placeholder.Rates{
			Main:     orDefault(w.RateMain, 1),
			Personal: orDefault(w.RatePersonal, 1),
			Erotic:   orDefault(w.RateErotic, 1),
			Cuckold:  orDefault(w.RateCuckold, 1),
		},
		ExtractTags:          w.ExtractTags,
		ExtractTagsFromInput: w.ExtractTagsFromInput,
		MinLength:            orDefault(w.MinLength, Defaults().MinLength),
		ContextTurnCount:     orDefault(w.ContextTurnCount, DefaultAPI().ContextTurnCount),
	}
	if p.Prompts == nil {
		p.Prompts = legacyPrompts(map[composer.SegmentID]*string{
			composer.MainPromptID:     w.MainPrompt,
			composer.SystemPromptID:   w.SystemPrompt,
			composer.FinalDirectiveID: w.FinalSystemDirective,
		})
	}
	return nil
}

// legacyPrompts fills the default segments with the flat prompt fields of
// an old preset. A field that is present but empty clears the segment.
func legacyPrompts(flat map[composer.SegmentID]*string) []composer.Segment {
	segs := DefaultPrompts()
	for i := range segs {
		if v, ok := flat[segs[i].ID]; ok && v != nil {
			segs[i].Content = *v
		}
	}
	return segs
}

func orDefault[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

// ParsePresets decodes an import payload. Entries without a name, or that
// fail to decode, are skipped.
func ParsePresets(data []byte) ([]Preset, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPresets, err)
	}

	var out []Preset
	for i, r := range raw {
		var p Preset
		if err := json.Unmarshal(r, &p); err != nil {
			slog.Warn("skipping malformed preset", "index", i, "error", err)
			continue
		}
		if p.Name == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// apply copies the preset's planning values into api and reports the
// minimum length it carries.
func (p Preset) apply(api *APISettings) int {
	api.Prompts = cloneSegments(p.Prompts)
	api.Rates = p.Rates
	api.ExtractTags = p.ExtractTags
	api.ExtractTagsFromInput = p.ExtractTagsFromInput
	api.ContextTurnCount = p.ContextTurnCount
	return p.MinLength
}

func cloneSegments(s []composer.Segment) []composer.Segment {
	if s == nil {
		return nil
	}
	out := make([]composer.Segment, len(s))
	copy(out, s)
	return out
}
