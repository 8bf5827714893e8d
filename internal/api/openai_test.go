package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/qrf/internal/intercept"
	"github.com/kalambet/qrf/internal/proxy"
)

// mockUpstream returns an httptest.Server that mimics a subset of the OpenRouter API.
func mockUpstream(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *proxy.Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := proxy.NewClient("test-key", srv.URL)
	return srv, c
}

func TestHealth(t *testing.T) {
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	h := NewOpenAIHandler(c, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	sseData := "data: {\"id\":\"gen-1\",\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\ndata: [DONE]\n\n"

	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseData)
	})
	h := NewOpenAIHandler(c, nil)

	body := `{"model":"test","messages":[{"role":"user","content":"hi"}],"stream":true}`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	ct := rr.Header().Get("Content-Type")
	if ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}

	got := rr.Body.String()
	if !strings.Contains(got, `"choices"`) {
		t.Errorf("body does not contain expected SSE data: %q", got)
	}
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	respJSON := `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"Hello!"}}]}`

	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, respJSON)
	})
	h := NewOpenAIHandler(c, nil)

	body := `{"model":"test","messages":[{"role":"user","content":"hi"}],"stream":false}`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	ct := rr.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	if rr.Body.String() != respJSON {
		t.Errorf("body = %q, want %q", rr.Body.String(), respJSON)
	}
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	h := NewOpenAIHandler(c, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{invalid"))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestChatCompletions_MissingMessages(t *testing.T) {
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	h := NewOpenAIHandler(c, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"test","messages":[]}`))
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestModels(t *testing.T) {
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		list := proxy.ModelList{
			Object: "list",
			Data: []proxy.Model{
				{ID: "anthropic/claude-opus-4", Object: "model"},
				{ID: "openai/gpt-4o", Object: "model"},
			},
		}
		json.NewEncoder(w).Encode(list)
	})
	h := NewOpenAIHandler(c, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var list proxy.ModelList
	json.NewDecoder(rr.Body).Decode(&list)

	if len(list.Data) != 2 {
		t.Fatalf("got %d models, want 2", len(list.Data))
	}
	if list.Data[0].ID != "anthropic/claude-opus-4" {
		t.Errorf("models[0].ID = %q", list.Data[0].ID)
	}
}

type fakeInterceptor struct {
	got []intercept.GenerateRequest
}

func (f *fakeInterceptor) Intercept(_ context.Context, req intercept.GenerateRequest) intercept.GenerateRequest {
	f.got = append(f.got, req)
	req.UserInput = "planned: " + req.UserInput
	req.HandledByHook = true
	return req
}

func TestChatCompletions_Intercepted(t *testing.T) {
	var upstreamBody proxy.ChatRequest
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&upstreamBody)
		fmt.Fprint(w, `{"choices":[]}`)
	})
	ic := &fakeInterceptor{}
	h := NewOpenAIHandler(c, ic)

	body := `{"model":"test","messages":[{"role":"system","content":"s"},{"role":"user","content":"hi","name":"me"}],"temperature":0.2}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set(HeaderChatID, "chat-1")
	req.Header.Set(HeaderCharacterID, "alice")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if len(ic.got) != 1 || ic.got[0].ChatID != "chat-1" || ic.got[0].CharacterID != "alice" || ic.got[0].UserInput != "hi" {
		t.Fatalf("interceptor got %+v", ic.got)
	}

	var msgs []map[string]string
	json.Unmarshal(upstreamBody.Messages, &msgs)
	if msgs[1]["content"] != "planned: hi" || msgs[1]["name"] != "me" {
		t.Errorf("upstream messages = %v", msgs)
	}
	if string(upstreamBody.Extra["temperature"]) != "0.2" {
		t.Errorf("extra fields lost: %v", upstreamBody.Extra)
	}
}

func TestChatCompletions_StreamingNotIntercepted(t *testing.T) {
	_, c := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	ic := &fakeInterceptor{}
	h := NewOpenAIHandler(c, ic)

	body := `{"model":"test","messages":[{"role":"user","content":"hi"}],"stream":true}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))

	if len(ic.got) != 0 {
		t.Errorf("streaming request intercepted: %+v", ic.got)
	}
}
