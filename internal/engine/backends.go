package engine

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/kalambet/qrf/internal/composer"
	"github.com/kalambet/qrf/internal/ollama"
	"github.com/kalambet/qrf/internal/proxy"
)

// OpenAIBackend adapts proxy.Client to Backend.
type OpenAIBackend struct {
	client *proxy.Client
}

// NewOpenAIBackend wraps an OpenAI-compatible client.
func NewOpenAIBackend(c *proxy.Client) *OpenAIBackend {
	return &OpenAIBackend{client: c}
}

func (b *OpenAIBackend) Complete(ctx context.Context, model string, msgs []composer.Message, p proxy.Params) (string, error) {
	raw, err := composer.ToRaw(msgs)
	if err != nil {
		return "", fmt.Errorf("encoding messages: %w", err)
	}
	req := proxy.ChatRequest{Model: model, Messages: raw}.WithParams(p)
	return b.client.Complete(ctx, req)
}

// OllamaBackend adapts ollama.Client to Backend.
type OllamaBackend struct {
	client *ollama.Client
}

// NewOllamaBackend creates a backend for the Ollama server at baseURL.
func NewOllamaBackend(baseURL string) *OllamaBackend {
	return &OllamaBackend{client: ollama.New(baseURL)}
}

// Client exposes the underlying client for readiness checks.
func (b *OllamaBackend) Client() *ollama.Client { return b.client }

func (b *OllamaBackend) Complete(ctx context.Context, model string, msgs []composer.Message, p proxy.Params) (string, error) {
	out := make([]ollama.Message, len(msgs))
	for i, m := range msgs {
		out[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	return b.client.Chat(ctx, model, out, &ollama.Options{
		NumPredict:       p.MaxTokens,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
	})
}

// GoogleBackend calls the Gemini API through the genai SDK.
type GoogleBackend struct {
	client *genai.Client
}

// NewGoogleBackend creates a Gemini client. A non-empty baseURL overrides the
// API endpoint.
func NewGoogleBackend(ctx context.Context, apiKey, baseURL string) (*GoogleBackend, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(baseURL, "/") + "/"}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GoogleBackend{client: client}, nil
}

func (b *GoogleBackend) Complete(ctx context.Context, model string, msgs []composer.Message, p proxy.Params) (string, error) {
	contents, system := toGenAI(msgs)
	if len(contents) == 0 {
		// Gemini rejects requests without user content.
		contents = []*genai.Content{genai.NewContentFromText("", genai.RoleUser)}
	}

	cfg := generationConfig(p)
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := b.client.Models.GenerateContent(ctx, strings.TrimPrefix(model, "models/"), contents, cfg)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return "", nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String(), nil
}

// toGenAI maps system messages to the system instruction (joined by blank
// lines) and the rest to user/model contents in order.
func toGenAI(msgs []composer.Message) ([]*genai.Content, string) {
	var system []string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, strings.Join(system, "\n\n")
}

func generationConfig(p proxy.Params) *genai.GenerateContentConfig {
	f32 := func(v float64) *float32 {
		f := float32(v)
		return &f
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:      f32(p.Temperature),
		TopP:             f32(p.TopP),
		PresencePenalty:  f32(p.PresencePenalty),
		FrequencyPenalty: f32(p.FrequencyPenalty),
	}
	if p.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxTokens)
	}
	return cfg
}
