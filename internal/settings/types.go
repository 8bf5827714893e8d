package settings

import (
	"bytes"
	"encoding/json"
	"slices"

	"github.com/kalambet/qrf/internal/composer"
	"github.com/kalambet/qrf/internal/placeholder"
)

// AllSelected is the stored form of "every entry enabled" for
// disabledWorldbookEntries.
const AllSelected = "__ALL_SELECTED__"

// Worldbook sources.
const (
	SourceCharacter = "character"
	SourceManual    = "manual"
)

// Settings is the global plugin configuration.
type Settings struct {
	Enabled        bool        `json:"enabled"`
	MinLength      int         `json:"minLength"`
	LastUsedPreset string      `json:"lastUsedPresetName"`
	API            APISettings `json:"apiSettings"`
}

// APISettings holds every option a planning run reads. Keys match the
// camelCase names used by the chat host's extension settings.
type APISettings struct {
	APIMode          string  `json:"apiMode"`
	APIURL           string  `json:"apiUrl"`
	APIKey           string  `json:"apiKey"`
	Model            string  `json:"model"`
	TavernProfile    string  `json:"tavernProfile"`
	MaxTokens        int     `json:"maxTokens"`
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"topP"`
	PresencePenalty  float64 `json:"presencePenalty"`
	FrequencyPenalty float64 `json:"frequencyPenalty"`

	ContextTurnCount     int    `json:"contextTurnCount"`
	ExtractTags          string `json:"extractTags"`
	ExtractTagsFromInput string `json:"extractTagsFromInput"`

	WorldbookEnabled         bool            `json:"worldbookEnabled"`
	WorldbookSource          string          `json:"worldbookSource"`
	WorldbookCharLimit       int             `json:"worldbookCharLimit"`
	SelectedWorldbooks       []string        `json:"selectedWorldbooks"`
	DisabledWorldbookEntries DisabledEntries `json:"disabledWorldbookEntries"`

	placeholder.Rates
	Prompts []composer.Segment `json:"prompts"`
}

// DisabledEntries records the worldbook entries a user switched off, by
// book name. All means nothing is switched off.
type DisabledEntries struct {
	All    bool
	ByBook map[string][]int
}

// Disabled reports whether entry uid of book is switched off.
func (d DisabledEntries) Disabled(book string, uid int) bool {
	if d.All {
		return false
	}
	return slices.Contains(d.ByBook[book], uid)
}

func (d DisabledEntries) MarshalJSON() ([]byte, error) {
	if d.All {
		return json.Marshal(AllSelected)
	}
	if d.ByBook == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.ByBook)
}

func (d *DisabledEntries) UnmarshalJSON(data []byte) error {
	*d = DisabledEntries{}
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		d.All = s == AllSelected
		return nil
	}
	return json.Unmarshal(data, &d.ByBook)
}

// Defaults returns the settings used before anything is saved.
func Defaults() Settings {
	return Settings{
		Enabled: true,
		API:     DefaultAPI(),
	}
}

// DefaultAPI returns the default API settings.
func DefaultAPI() APISettings {
	return APISettings{
		APIMode:              "custom",
		Model:                "gpt-4-turbo",
		MaxTokens:            20000,
		Temperature:          0.7,
		TopP:                 0.95,
		PresencePenalty:      1,
		FrequencyPenalty:     1,
		ContextTurnCount:     3,
		ExtractTagsFromInput: "正文",
		WorldbookEnabled:     true,
		WorldbookSource:      SourceCharacter,
		WorldbookCharLimit:   60000,
		SelectedWorldbooks:   []string{},
		Rates: placeholder.Rates{
			Main:     15,
			Personal: 10,
			Erotic:   0,
			Cuckold:  10,
		},
		Prompts: DefaultPrompts(),
	}
}

// DefaultPrompts returns a fresh copy of the built-in prompt segments.
func DefaultPrompts() []composer.Segment {
	return []composer.Segment{
		{
			ID:   composer.MainPromptID,
			Name: "主系统提示词",
			Role: "system",
			Content: "你是一名剧情规划师，负责为互动小说的下一轮规划剧情走向。" +
				"请保持角色性格与世界观的一致，不要替用户做决定。\n$1\n" +
				"节奏参考：主线 sulv1，角色个人线 sulv2，感情线 sulv3，冲突线 sulv4。\n" +
				"记忆表格：\n$5",
			Deletable: false,
		},
		{
			ID:   composer.SystemPromptID,
			Name: "规划任务指令",
			Role: "user",
			Content: "上一轮的剧情规划如下：\n$6\n\n" +
				"请根据前文与用户的最新输入，输出本轮规划，格式为 <plot><directive>本轮要点</directive></plot>。",
			Deletable: false,
		},
		{
			ID:        composer.FinalDirectiveID,
			Name:      "最终注入指令",
			Role:      "system",
			Content:   composer.DefaultFinalDirective,
			Deletable: false,
		},
	}
}
