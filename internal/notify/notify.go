// Package notify carries the user-visible notices and host signals a
// planning run produces.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Level is the severity of a Notice.
type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Warning Level = "warning"
	Error   Level = "error"
)

// Title is the notice title shown by hosts.
const Title = "剧情规划大师"

// Notice is a transient user-visible message.
type Notice struct {
	Level Level  `json:"level"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// EventKind names a host-visible signal.
type EventKind string

const (
	// PluginTriggered is emitted once at the start of each planning run.
	PluginTriggered EventKind = "plugin-triggered"
	// MessageUpdated asks the host to re-render the chat message at Index.
	MessageUpdated EventKind = "message-updated"
)

// Event is a host-visible signal.
type Event struct {
	Kind   EventKind `json:"kind"`
	ChatID string    `json:"chat_id,omitempty"`
	Index  int       `json:"index,omitempty"`
}

// Sink receives notices and events.
type Sink interface {
	Notify(ctx context.Context, n Notice)
	Emit(ctx context.Context, e Event)
}

// LogSink writes notices and events to a slog.Logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s LogSink) Notify(ctx context.Context, n Notice) {
	level := slog.LevelInfo
	switch n.Level {
	case Warning:
		level = slog.LevelWarn
	case Error:
		level = slog.LevelError
	}
	s.logger().Log(ctx, level, "notice", "level", string(n.Level), "text", n.Text)
}

func (s LogSink) Emit(ctx context.Context, e Event) {
	s.logger().DebugContext(ctx, "event", "kind", string(e.Kind), "chat_id", e.ChatID, "index", e.Index)
}

// Recorder collects notices and events in memory. It is safe for concurrent
// use.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
	events  []Event
}

func (r *Recorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Notices returns a copy of the recorded notices.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Multi fans out to every sink.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notice) {
	for _, s := range m {
		s.Notify(ctx, n)
	}
}

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		s.Emit(ctx, e)
	}
}

type ctxKey struct{}

// WithSink attaches a request-scoped sink to ctx. Sinks attached this way
// receive everything sent through FromContext alongside the base sink.
func WithSink(ctx context.Context, s Sink) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns base combined with any sink attached to ctx.
func FromContext(ctx context.Context, base Sink) Sink {
	extra, _ := ctx.Value(ctxKey{}).(Sink)
	switch {
	case extra == nil && base == nil:
		return Multi(nil)
	case extra == nil:
		return base
	case base == nil:
		return extra
	default:
		return Multi{base, extra}
	}
}

// Send delivers a titled notice at level. A nil sink is ignored.
func Send(ctx context.Context, s Sink, level Level, text string) {
	if s == nil {
		return
	}
	s.Notify(ctx, Notice{Level: level, Title: Title, Text: text})
}
