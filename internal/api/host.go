package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/qrf/internal/intercept"
	"github.com/kalambet/qrf/internal/notify"
	"github.com/kalambet/qrf/internal/storage"
)

// HostController is the interception surface the chat host drives.
// Implemented by intercept.Controller.
type HostController interface {
	Interceptor
	OnGenerationStarted(ctx context.Context, ev intercept.GenerationEvent) intercept.GenerationParams
	OnGenerationEnded(ctx context.Context, chatID string)
	OnChatChanged(ctx context.Context, characterID string)
}

// HostChats is the chat state the host endpoints expose.
// Implemented by storage.Store.
type HostChats interface {
	AppendMessage(chatID, text string, isUser bool) (storage.Message, error)
	Messages(chatID string) ([]storage.Message, error)
	GetDraft(chatID string) (string, error)
	SetDraft(chatID, text string) error
}

type HostDeps struct {
	Controller HostController
	Chats      HostChats
}

// hostFeedback carries the notices and events produced while handling a
// host request, for the host to display.
type hostFeedback struct {
	Notices []notify.Notice `json:"notices"`
	Events  []notify.Event  `json:"events"`
}

func feedback(rec *notify.Recorder) hostFeedback {
	fb := hostFeedback{Notices: rec.Notices(), Events: rec.Events()}
	if fb.Notices == nil {
		fb.Notices = []notify.Notice{}
	}
	if fb.Events == nil {
		fb.Events = []notify.Event{}
	}
	return fb
}

// NewHostHandler returns the endpoints a chat host calls at its extension
// points.
func NewHostHandler(deps HostDeps) http.Handler {
	r := chi.NewRouter()

	r.Post("/v1/intercept", handleIntercept(deps))
	r.Route("/v1/chats/{chatID}", func(r chi.Router) {
		r.Post("/events/generation-started", handleGenerationStarted(deps))
		r.Post("/events/generation-ended", handleGenerationEnded(deps))
		r.Post("/events/chat-changed", handleChatChanged(deps))
		r.Get("/messages", handleListMessages(deps))
		r.Post("/messages", handleAppendMessage(deps))
		r.Get("/draft", handleGetDraft(deps))
		r.Put("/draft", handlePutDraft(deps))
	})

	return r
}

func handleIntercept(deps HostDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req intercept.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		rec := &notify.Recorder{}
		out := deps.Controller.Intercept(notify.WithSink(r.Context(), rec), req)

		writeJSON(w, http.StatusOK, struct {
			Request intercept.GenerateRequest `json:"request"`
			hostFeedback
		}{out, feedback(rec)})
	}
}

func handleGenerationStarted(deps HostDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var ev intercept.GenerationEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		ev.ChatID = chi.URLParam(r, "chatID")

		rec := &notify.Recorder{}
		params := deps.Controller.OnGenerationStarted(notify.WithSink(r.Context(), rec), ev)

		writeJSON(w, http.StatusOK, struct {
			Params intercept.GenerationParams `json:"params"`
			hostFeedback
		}{params, feedback(rec)})
	}
}

func handleGenerationEnded(deps HostDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &notify.Recorder{}
		deps.Controller.OnGenerationEnded(notify.WithSink(r.Context(), rec), chi.URLParam(r, "chatID"))
		writeJSON(w, http.StatusOK, feedback(rec))
	}
}

func handleChatChanged(deps HostDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body struct {
			CharacterID string `json:"character_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		rec := &notify.Recorder{}
		deps.Controller.OnChatChanged(notify.WithSink(r.Context(), rec), body.CharacterID)
		writeJSON(w, http.StatusOK, feedback(rec))
	}
}

func handleListMessages(deps HostDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Chats.Messages(chi.URLParam(r, "chatID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}
		if msgs == nil {
			msgs = []storage.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleAppendMessage(deps HostDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body struct {
			Text   string `json:"text"`
			IsUser bool   `json:"is_user"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		m, err := deps.Chats.AppendMessage(chi.URLParam(r, "chatID"), body.Text, body.IsUser)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to append message: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

type draftBody struct {
	Text string `json:"text"`
}

func handleGetDraft(deps HostDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		text, err := deps.Chats.GetDraft(chi.URLParam(r, "chatID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get draft: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, draftBody{Text: text})
	}
}

func handlePutDraft(deps HostDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body draftBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.Chats.SetDraft(chi.URLParam(r, "chatID"), body.Text); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save draft: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
