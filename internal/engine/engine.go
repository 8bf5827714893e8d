// Package engine routes planning requests to the configured model backend.
// It is a black box to the planner: one call, one answer, no retries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/kalambet/qrf/internal/composer"
	"github.com/kalambet/qrf/internal/proxy"
)

// Mode selects the backend used for a planning call.
type Mode string

const (
	// ModeCustom calls any OpenAI-compatible endpoint at Settings.URL.
	ModeCustom Mode = "custom"
	// ModeGoogle calls the Gemini API.
	ModeGoogle Mode = "google"
	// ModeOllama calls a local Ollama server.
	ModeOllama Mode = "ollama"
	// ModeTavern reuses the host's own backend (the configured upstream).
	ModeTavern Mode = "tavern"
)

var (
	// ErrNotConfigured means the selected mode lacks its endpoint or key.
	ErrNotConfigured = errors.New("planning backend not configured")
	// ErrUnknownMode is returned for a mode outside the closed set.
	ErrUnknownMode = errors.New("unknown api mode")
)

// Settings carries everything a single planning call needs.
type Settings struct {
	Mode        Mode
	URL         string
	Key         string
	Model       string
	HostProfile string
	Params      proxy.Params
}

// Backend performs one completion.
type Backend interface {
	Complete(ctx context.Context, model string, msgs []composer.Message, p proxy.Params) (string, error)
}

// Engine is what the planner invokes.
type Engine interface {
	Invoke(ctx context.Context, msgs []composer.Message, s Settings) (string, error)
}

// Router implements Engine by dispatching on Settings.Mode. Per-endpoint
// backends are created lazily and reused.
type Router struct {
	host      Backend
	hostModel string
	ollama    Backend

	newCustom func(url, key string) Backend
	newOllama func(url string) Backend
	newGoogle func(ctx context.Context, key, url string) (Backend, error)

	mu     sync.Mutex
	cached map[string]Backend
}

// RouterConfig wires the server-level backends.
type RouterConfig struct {
	// Host is the upstream backend used by ModeTavern.
	Host Backend
	// HostModel is used in ModeTavern when no host profile is selected.
	HostModel string
	// Ollama is the default local server used when Settings.URL is empty.
	Ollama Backend
}

// NewRouter creates a Router with the production backend constructors.
func NewRouter(cfg RouterConfig) *Router {
	return &Router{
		host:      cfg.Host,
		hostModel: cfg.HostModel,
		ollama:    cfg.Ollama,
		newCustom: func(url, key string) Backend { return NewOpenAIBackend(proxy.NewClient(key, url)) },
		newOllama: func(url string) Backend { return NewOllamaBackend(url) },
		newGoogle: func(ctx context.Context, key, url string) (Backend, error) { return NewGoogleBackend(ctx, key, url) },
		cached:    make(map[string]Backend),
	}
}

// ParseMode validates s against the closed set of modes. Empty means custom.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeCustom, nil
	case ModeCustom, ModeGoogle, ModeOllama, ModeTavern:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Ready reports ErrNotConfigured when s cannot produce a call.
func (r *Router) Ready(s Settings) error {
	switch s.Mode {
	case ModeTavern:
		if r.host == nil {
			return fmt.Errorf("%w: no upstream backend", ErrNotConfigured)
		}
	case ModeCustom, "":
		if s.URL == "" {
			return fmt.Errorf("%w: custom mode needs an api url", ErrNotConfigured)
		}
	case ModeGoogle:
		if s.Key == "" {
			return fmt.Errorf("%w: google mode needs an api key", ErrNotConfigured)
		}
	case ModeOllama:
		if s.URL == "" && r.ollama == nil {
			return fmt.Errorf("%w: no ollama server", ErrNotConfigured)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, s.Mode)
	}
	return nil
}

// Invoke sends msgs to the backend selected by s and returns its text.
func (r *Router) Invoke(ctx context.Context, msgs []composer.Message, s Settings) (string, error) {
	if err := r.Ready(s); err != nil {
		return "", err
	}
	b, model, err := r.backend(ctx, s)
	if err != nil {
		return "", err
	}
	text, err := b.Complete(ctx, model, msgs, s.Params)
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", s.Mode, err)
	}
	return text, nil
}

func (r *Router) backend(ctx context.Context, s Settings) (Backend, string, error) {
	switch s.Mode {
	case ModeTavern:
		model := s.HostProfile
		if model == "" {
			model = r.hostModel
		}
		return r.host, model, nil
	case ModeOllama:
		if s.URL == "" {
			return r.ollama, s.Model, nil
		}
		return r.cachedBackend("ollama|"+s.URL, func() (Backend, error) {
			return r.newOllama(s.URL), nil
		}), s.Model, nil
	case ModeGoogle:
		b, err := r.cachedBackendErr("google|"+s.URL+"|"+s.Key, func() (Backend, error) {
			return r.newGoogle(ctx, s.Key, s.URL)
		})
		return b, s.Model, err
	default:
		return r.cachedBackend("custom|"+proxy.NormalizeBaseURL(s.URL)+"|"+s.Key, func() (Backend, error) {
			return r.newCustom(s.URL, s.Key), nil
		}), s.Model, nil
	}
}

func (r *Router) cachedBackend(key string, create func() (Backend, error)) Backend {
	b, _ := r.cachedBackendErr(key, create)
	return b
}

func (r *Router) cachedBackendErr(key string, create func() (Backend, error)) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.cached[key]; ok {
		return b, nil
	}
	b, err := create()
	if err != nil {
		return nil, err
	}
	r.cached[key] = b
	return b, nil
}
