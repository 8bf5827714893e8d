// Package intercept decides when a user message is planned and splices
// the planned text back into the host.
package intercept

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kalambet/qrf/internal/invoke"
	"github.com/kalambet/qrf/internal/memtable"
	"github.com/kalambet/qrf/internal/notify"
	"github.com/kalambet/qrf/internal/pipeline"
	"github.com/kalambet/qrf/internal/settings"
	"github.com/kalambet/qrf/internal/storage"
)

// ChatStore is the host-owned chat state the controller reads and mutates.
// Implemented by storage.Store.
type ChatStore interface {
	Messages(chatID string) ([]storage.Message, error)
	SetMessageText(chatID string, index int, text string) error
	SetProcessed(chatID string, index int, processed bool) error
	SetPlot(chatID string, index int, plot string) error
	GetDraft(chatID string) (string, error)
	SetDraft(chatID, text string) error
}

// Runner performs one planning run.
// Implemented by pipeline.Planner.
type Runner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (pipeline.RunResult, error)
}

// SettingsStore is the settings access the controller needs.
// Implemented by settings.Manager.
type SettingsStore interface {
	Global() (settings.Settings, error)
	ApplyLastUsedPreset(characterID string) (bool, error)
}

// Controller is the single entry point for both interception paths.
type Controller struct {
	runner   Runner
	chats    ChatStore
	settings SettingsStore
	sink     notify.Sink
	slot     runSlot
	buffer   PlotBuffer
}

// NewController creates a Controller. sink may be nil.
func NewController(runner Runner, chats ChatStore, st SettingsStore, sink notify.Sink) *Controller {
	return &Controller{
		runner:   runner,
		chats:    chats,
		settings: st,
		sink:     sink,
		slot:     newRunSlot(),
	}
}

// Busy reports whether a run is in flight.
func (c *Controller) Busy() bool { return c.slot.busy() }

// Buffer exposes the plot buffer.
func (c *Controller) Buffer() *PlotBuffer { return &c.buffer }

func (c *Controller) enabled() bool {
	s, err := c.settings.Global()
	if err != nil {
		slog.Warn("intercept: loading settings failed", "error", err)
		return false
	}
	return s.Enabled
}

// OnGenerationStarted handles the "generation about to start" signal and
// returns the params to generate with. It first tries the newest chat
// message and falls back to the draft input.
func (c *Controller) OnGenerationStarted(ctx context.Context, ev GenerationEvent) GenerationParams {
	params := ev.Params
	if params.HandledByHook || ev.Type == GenerationTypeRegenerate || ev.DryRun {
		return params
	}
	if !c.enabled() {
		return params
	}
	if !c.slot.tryAcquire() {
		slog.Debug("intercept: run in flight, dropping generation event", "chat_id", ev.ChatID)
		return params
	}
	defer c.slot.release()

	if out, handled := c.fromLastMessage(ctx, ev); handled {
		return out
	}
	c.fromDraft(ctx, ev)
	return params
}

// fromLastMessage plans the newest chat message when it is an unprocessed
// user message. handled is false when the draft should be tried instead.
func (c *Controller) fromLastMessage(ctx context.Context, ev GenerationEvent) (GenerationParams, bool) {
	params := ev.Params
	msgs, err := c.chats.Messages(ev.ChatID)
	if err != nil {
		slog.Warn("intercept: loading chat failed", "chat_id", ev.ChatID, "error", err)
		return params, false
	}
	if len(msgs) == 0 {
		return params, false
	}
	last := msgs[len(msgs)-1]
	if !last.IsUser || last.Processed || blank(last.Text) {
		return params, false
	}

	if err := c.chats.SetProcessed(ev.ChatID, last.Index, true); err != nil {
		slog.Warn("intercept: marking message processed failed", "chat_id", ev.ChatID, "index", last.Index, "error", err)
	}

	res, ok := c.run(ctx, pipeline.RunRequest{
		ChatID:      ev.ChatID,
		CharacterID: ev.CharacterID,
		UserMessage: last.Text,
		Tables:      memtable.FromRaw(ev.Tables),
	})
	if !ok {
		if err := c.chats.SetProcessed(ev.ChatID, last.Index, false); err != nil {
			slog.Warn("intercept: clearing processed flag failed", "chat_id", ev.ChatID, "index", last.Index, "error", err)
		}
		return params, true
	}

	params.Prompt = res.FinalMessage
	if err := c.chats.SetMessageText(ev.ChatID, last.Index, res.FinalMessage); err != nil {
		c.persistFailed(ctx, "updating chat message", err)
	} else {
		notify.FromContext(ctx, c.sink).Emit(ctx, notify.Event{Kind: notify.MessageUpdated, ChatID: ev.ChatID, Index: last.Index})
	}

	draft, err := c.chats.GetDraft(ev.ChatID)
	if err == nil && draft == last.Text {
		err = c.chats.SetDraft(ev.ChatID, "")
	}
	if err != nil {
		c.persistFailed(ctx, "clearing draft", err)
	}
	return params, true
}

// fromDraft plans the text in the host's input box and writes the result
// back into it.
func (c *Controller) fromDraft(ctx context.Context, ev GenerationEvent) {
	draft, err := c.chats.GetDraft(ev.ChatID)
	if err != nil {
		slog.Warn("intercept: loading draft failed", "chat_id", ev.ChatID, "error", err)
		return
	}
	if blank(draft) {
		return
	}

	res, ok := c.run(ctx, pipeline.RunRequest{
		ChatID:      ev.ChatID,
		CharacterID: ev.CharacterID,
		UserMessage: draft,
		Tables:      memtable.FromRaw(ev.Tables),
	})
	if !ok {
		return
	}
	if err := c.chats.SetDraft(ev.ChatID, res.FinalMessage); err != nil {
		c.persistFailed(ctx, "writing draft", err)
	}
}

// Intercept is the direct-call path: the host passes its generate
// arguments and generates with whatever comes back. Streaming calls are
// passed through untouched.
func (c *Controller) Intercept(ctx context.Context, req GenerateRequest) GenerateRequest {
	if req.ShouldStream || !c.enabled() {
		return req
	}
	text, src := req.message()
	if src == sourceNone {
		return req
	}
	if c.alreadyPlanned(req.ChatID, text) {
		slog.Debug("intercept: message already planned by the event path", "chat_id", req.ChatID)
		return req
	}
	if !c.slot.tryAcquire() {
		slog.Debug("intercept: run in flight, passing direct call through", "chat_id", req.ChatID)
		return req
	}
	defer c.slot.release()

	res, ok := c.run(ctx, pipeline.RunRequest{
		ChatID:      req.ChatID,
		CharacterID: req.CharacterID,
		UserMessage: text,
		Tables:      memtable.FromRaw(req.Tables),
	})
	if !ok {
		return req
	}
	out := req.withMessage(src, res.FinalMessage)
	out.HandledByHook = true
	return out
}

// alreadyPlanned reports whether text is the newest message of chatID
// and the event path has already planned it. A host that signals
// generation-started and then sends the turn through the proxy would
// otherwise be planned twice.
func (c *Controller) alreadyPlanned(chatID, text string) bool {
	if chatID == "" {
		return false
	}
	msgs, err := c.chats.Messages(chatID)
	if err != nil {
		slog.Warn("intercept: loading chat failed", "chat_id", chatID, "error", err)
		return false
	}
	if len(msgs) == 0 {
		return false
	}
	last := msgs[len(msgs)-1]
	return last.IsUser && last.Processed && last.Text == text
}

// run executes the planner and converts every failure into a notice. On
// success the full response is buffered for OnGenerationEnded.
func (c *Controller) run(ctx context.Context, req pipeline.RunRequest) (res pipeline.RunResult, ok bool) {
	sink := notify.FromContext(ctx, c.sink)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("intercept: planning run panicked", "chat_id", req.ChatID, "panic", r)
			notify.Send(ctx, sink, notify.Error, "剧情规划大师在处理时发生错误。")
			res, ok = pipeline.RunResult{}, false
		}
	}()

	res, err := c.runner.Run(ctx, req)
	switch {
	case err == nil:
		c.buffer.Put(req.ChatID, res.FullResponse)
		return res, true
	case errors.Is(err, pipeline.ErrSkipped):
		slog.Debug("intercept: planning skipped", "chat_id", req.ChatID, "reason", err)
	case errors.Is(err, invoke.ErrRetriesExhausted):
		// The invoker has already reported this.
	default:
		slog.Error("intercept: planning failed", "chat_id", req.ChatID, "error", err)
		notify.Send(ctx, sink, notify.Error, "剧情规划大师在处理时发生错误。")
	}
	return pipeline.RunResult{}, false
}

// OnGenerationEnded attaches the buffered plot to the newest message of
// chatID when that message is an assistant reply. The buffer is emptied
// either way.
func (c *Controller) OnGenerationEnded(ctx context.Context, chatID string) {
	bufChat, plot, ok := c.buffer.Take()
	if !ok {
		return
	}
	if chatID == "" {
		chatID = bufChat
	}

	msgs, err := c.chats.Messages(chatID)
	if err != nil {
		slog.Warn("intercept: loading chat for plot failed", "chat_id", chatID, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.IsUser {
		return
	}
	if err := c.chats.SetPlot(chatID, last.Index, plot); err != nil {
		c.persistFailed(ctx, "saving plot", err)
		return
	}
	slog.Debug("intercept: plot attached", "chat_id", chatID, "index", last.Index)
}

// OnChatChanged re-applies the last used preset for the new character.
func (c *Controller) OnChatChanged(ctx context.Context, characterID string) {
	applied, err := c.settings.ApplyLastUsedPreset(characterID)
	if err != nil {
		c.persistFailed(ctx, "applying preset", err)
		return
	}
	if applied {
		slog.Debug("intercept: last used preset applied", "character_id", characterID)
	}
}

// persistFailed logs and surfaces a host write failure as a warning.
func (c *Controller) persistFailed(ctx context.Context, op string, err error) {
	slog.Warn("intercept: persistence failed", "op", op, "error", err)
	notify.Send(ctx, notify.FromContext(ctx, c.sink), notify.Warning, "保存数据失败: "+op)
}
