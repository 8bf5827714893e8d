package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/qrf/internal/composer"
	"github.com/kalambet/qrf/internal/intercept"
	"github.com/kalambet/qrf/internal/proxy"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Headers a chat host sets on proxied requests to identify the chat.
const (
	HeaderChatID      = "X-QRF-Chat-ID"
	HeaderCharacterID = "X-QRF-Character-ID"
)

// Interceptor is the direct-call entry point.
// Implemented by intercept.Controller.
type Interceptor interface {
	Intercept(ctx context.Context, req intercept.GenerateRequest) intercept.GenerateRequest
}

// NewOpenAIHandler returns an http.Handler implementing the OpenAI-compatible
// REST API. When ic is non-nil, the last user message of non-streaming
// chat requests is planned before forwarding upstream. Passing nil
// disables interception (passthrough mode).
func NewOpenAIHandler(p *proxy.Client, ic Interceptor) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/v1/models", handleModels(p))
	r.Post("/v1/chat/completions", handleChatCompletions(p, ic))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(p *proxy.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := p.ListModels(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to list models: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(proxy.ModelList{
			Object: "list",
			Data:   models,
		})
	}
}

func handleChatCompletions(p *proxy.Client, ic Interceptor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req proxy.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if !hasMessages(req.Messages) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "messages is required and must not be empty")
			return
		}

		if ic != nil && !req.Stream {
			req = interceptChat(r, ic, req)
		}

		rc, err := p.Chat(r.Context(), req)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "upstream error: %v", err)
			return
		}
		defer rc.Close()

		if req.Stream {
			streamResponse(w, rc)
		} else {
			body, err := io.ReadAll(rc)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "reading upstream response: %v", err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(body)
		}
	}
}

// interceptChat runs the last user message through ic. Any failure leaves
// req as it was.
func interceptChat(r *http.Request, ic Interceptor, req proxy.ChatRequest) proxy.ChatRequest {
	out, ok, err := composer.RewriteLastUser(req, func(text string) (string, bool) {
		res := ic.Intercept(r.Context(), intercept.GenerateRequest{
			ChatID:      r.Header.Get(HeaderChatID),
			CharacterID: r.Header.Get(HeaderCharacterID),
			UserInput:   text,
		})
		return res.UserInput, res.HandledByHook
	})
	if err != nil {
		slog.Warn("proxy: cannot intercept request", "error", err)
		return req
	}
	if ok {
		slog.Debug("proxy: request planned", "chat_id", r.Header.Get(HeaderChatID))
	}
	return out
}

func streamResponse(w http.ResponseWriter, rc io.Reader) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	reader := bufio.NewReader(rc)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			w.Write(line)
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("upstream stream read error", "error", err)
				errPayload, marshalErr := json.Marshal(map[string]any{
					"error": map[string]any{
						"message": "upstream read error",
						"type":    "server_error",
					},
				})
				if marshalErr == nil {
					fmt.Fprintf(w, "data: %s\n\n", errPayload)
					flusher.Flush()
				} else {
					slog.Error("failed to marshal stream error payload", "error", marshalErr)
				}
			}
			break
		}
	}
}

func hasMessages(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return false
	}
	return len(arr) > 0
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
