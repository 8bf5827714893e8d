// Package pipeline runs one planning pass: it gathers the invocation
// context, builds the prompt sequence, calls the planning model and
// post-processes the answer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/qrf/internal/composer"
	"github.com/kalambet/qrf/internal/engine"
	"github.com/kalambet/qrf/internal/history"
	"github.com/kalambet/qrf/internal/invoke"
	"github.com/kalambet/qrf/internal/memtable"
	"github.com/kalambet/qrf/internal/notify"
	"github.com/kalambet/qrf/internal/placeholder"
	"github.com/kalambet/qrf/internal/proxy"
	"github.com/kalambet/qrf/internal/settings"
	"github.com/kalambet/qrf/internal/storage"
	"github.com/kalambet/qrf/internal/tags"
	"github.com/kalambet/qrf/internal/worldbook"
)

var (
	// ErrSkipped means the run did not happen because the plugin is
	// disabled or the planning backend is not configured. It is not a
	// failure.
	ErrSkipped = errors.New("planning skipped")
	// ErrEmptyResponse is returned when the planning model answered with
	// no text.
	ErrEmptyResponse = errors.New("planning model returned no text")
)

// ChatReader loads the messages of a chat in order.
// Implemented by storage.Store.
type ChatReader interface {
	Messages(chatID string) ([]storage.Message, error)
}

// SettingsSource resolves the settings in effect for a character.
// Implemented by settings.Manager.
type SettingsSource interface {
	Effective(characterID string) (settings.Settings, error)
}

// WorldbookSource supplies the world-knowledge text for a query.
// Implemented by worldbook.Provider.
type WorldbookSource interface {
	Content(ctx context.Context, q worldbook.Query) (string, error)
}

// Engine is the planning backend plus its configuration check.
// Implemented by engine.Router.
type Engine interface {
	engine.Engine
	Ready(s engine.Settings) error
}

// RunRequest is the input of one planning run.
type RunRequest struct {
	ChatID      string
	CharacterID string
	UserMessage string
	// Tables supplies the memory tables. Nil means the collaborator is
	// absent.
	Tables memtable.Exporter
}

// RunResult is the output of a successful run.
type RunResult struct {
	FullResponse string `json:"full_response"`
	// Extracted is FullResponse reduced to the configured tags, or the
	// whole response when none match.
	Extracted string `json:"extracted"`
	// FinalMessage is the text spliced back into the host.
	FinalMessage string        `json:"final_message"`
	Duration     time.Duration `json:"duration_ns"`
}

// Planner orchestrates a planning run.
type Planner struct {
	settings  SettingsSource
	chats     ChatReader
	worldbook WorldbookSource
	engine    Engine
	invoker   *invoke.Invoker
	sink      notify.Sink
}

// NewPlanner creates a Planner. worldbook may be nil, in which case no
// world knowledge is ever inserted.
func NewPlanner(
	settingsSrc SettingsSource,
	chats ChatReader,
	wb WorldbookSource,
	eng Engine,
	invoker *invoke.Invoker,
	sink notify.Sink,
) *Planner {
	return &Planner{
		settings:  settingsSrc,
		chats:     chats,
		worldbook: wb,
		engine:    eng,
		invoker:   invoker,
		sink:      sink,
	}
}

// Run performs one planning pass for req:
//  1. Resolve the effective settings and check the backend is configured
//  2. Gather history, worldbook text, memory tables and the prior plot
//  3. Build the prompt sequence and invoke under the retry policy
//  4. Reduce the answer to the configured tags and compose the final text
//
// It returns ErrSkipped (wrapped) when the run should silently not happen.
func (p *Planner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	start := time.Now()
	sink := notify.FromContext(ctx, p.sink)
	sink.Emit(ctx, notify.Event{Kind: notify.PluginTriggered, ChatID: req.ChatID})

	// 1. Settings.
	s, err := p.settings.Effective(req.CharacterID)
	if err != nil {
		return RunResult{}, fmt.Errorf("loading settings: %w", err)
	}
	if !s.Enabled {
		return RunResult{}, fmt.Errorf("%w: disabled", ErrSkipped)
	}
	es, err := EngineSettings(s.API)
	if err != nil {
		return RunResult{}, err
	}
	if err := p.engine.Ready(es); err != nil {
		if errors.Is(err, engine.ErrNotConfigured) {
			return RunResult{}, fmt.Errorf("%w: %v", ErrSkipped, err)
		}
		return RunResult{}, err
	}
	notify.Send(ctx, sink, notify.Info, "正在规划剧情...")

	// 2. Invocation context.
	var chat []storage.Message
	if req.ChatID != "" && p.chats != nil {
		chat, err = p.chats.Messages(req.ChatID)
		if err != nil {
			return RunResult{}, fmt.Errorf("loading chat: %w", err)
		}
	}
	turns := make([]history.Message, len(chat))
	for i, m := range chat {
		turns[i] = history.Message{Text: m.Text, IsUser: m.IsUser}
	}

	var wbText, tableText string
	g, gctx := errgroup.WithContext(ctx)
	if s.API.WorldbookEnabled && p.worldbook != nil {
		g.Go(func() error {
			q := worldbook.QueryFor(req.CharacterID, s.API, scanText(turns, s.API.ContextTurnCount, req.UserMessage)...)
			text, err := p.worldbook.Content(gctx, q)
			if err != nil {
				slog.Warn("planner: worldbook unavailable", "character_id", req.CharacterID, "error", err)
				return nil
			}
			wbText = text
			return nil
		})
	}
	g.Go(func() error {
		tableText = memtable.Collect(gctx, req.Tables)
		return nil
	})
	_ = g.Wait()

	repl := composer.Replacements{
		WorldbookBlock: placeholder.WorldbookBlock(s.API.WorldbookEnabled, wbText),
		Values:         placeholder.NewMap(s.API.Rates, tableText, PriorPlot(chat)),
	}
	block := history.Assemble(turns, s.API.ContextTurnCount, s.API.ExtractTagsFromInput, req.UserMessage)
	seq := composer.BuildMessages(s.API.Prompts, repl, block)

	slog.Debug("planning request",
		"chat_id", req.ChatID,
		"mode", es.Mode,
		"messages", composer.Outline(seq.Messages),
		"tokens", composer.EstimateMessageTokens(seq.Messages),
	)

	// 3. Invoke.
	text, err := p.invoker.Invoke(ctx, seq.Messages, es, s.MinLength)
	if err != nil {
		return RunResult{}, err
	}
	if text == "" {
		return RunResult{}, ErrEmptyResponse
	}

	// 4. Post-process.
	extracted := tags.PostProcess(text, s.API.ExtractTags)
	if names := tags.ParseList(s.API.ExtractTags); len(names) > 0 && extracted != text {
		notify.Send(ctx, sink, notify.Info, fmt.Sprintf("已成功摘取 [%s] 标签内容并注入。", strings.Join(names, ", ")))
	}
	if s.MinLength <= 0 {
		notify.Send(ctx, sink, notify.Success, "剧情规划大师已完成规划。")
	}
	res := RunResult{
		FullResponse: text,
		Extracted:    extracted,
		FinalMessage: composer.FinalMessage(req.UserMessage, seq.FinalDirective, extracted),
		Duration:     time.Since(start),
	}
	slog.Debug("planning complete", "chat_id", req.ChatID, "response_len", len(text), "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// EngineSettings converts API settings into the engine's call settings.
func EngineSettings(api settings.APISettings) (engine.Settings, error) {
	mode, err := engine.ParseMode(api.APIMode)
	if err != nil {
		return engine.Settings{}, err
	}
	return engine.Settings{
		Mode:        mode,
		URL:         api.APIURL,
		Key:         api.APIKey,
		Model:       api.Model,
		HostProfile: api.TavernProfile,
		Params: proxy.Params{
			MaxTokens:        api.MaxTokens,
			Temperature:      api.Temperature,
			TopP:             api.TopP,
			PresencePenalty:  api.PresencePenalty,
			FrequencyPenalty: api.FrequencyPenalty,
		},
	}, nil
}

// PriorPlot returns the plot attached to the newest message that has one.
func PriorPlot(chat []storage.Message) string {
	for i := len(chat) - 1; i >= 0; i-- {
		if chat[i].Plot != "" {
			return chat[i].Plot
		}
	}
	return ""
}

// scanText is the text keyed worldbook entries are matched against: the
// user message and the assistant turns that go into the context.
func scanText(chat []history.Message, turnCount int, userMessage string) []string {
	var out []string
	for _, t := range history.Turns(chat, turnCount, "", "") {
		out = append(out, t.Content)
	}
	if userMessage != "" {
		out = append(out, userMessage)
	}
	return out
}
