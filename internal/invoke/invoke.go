// Package invoke calls the planning engine under the minimum-length retry
// policy.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/kalambet/qrf/internal/composer"
	"github.com/kalambet/qrf/internal/engine"
	"github.com/kalambet/qrf/internal/notify"
)

const (
	DefaultMaxRetries = 3
	DefaultBackoff    = time.Second
)

// ErrRetriesExhausted is returned when every attempt produced output shorter
// than the minimum length.
var ErrRetriesExhausted = errors.New("planning output too short after all retries")

// Invoker wraps an engine.Engine with the retry policy.
type Invoker struct {
	engine     engine.Engine
	sink       notify.Sink
	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithMaxRetries overrides the attempt bound. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(iv *Invoker) {
		if n >= 1 {
			iv.maxRetries = n
		}
	}
}

// WithBackoff overrides the fixed wait between short attempts.
func WithBackoff(d time.Duration) Option {
	return func(iv *Invoker) {
		if d >= 0 {
			iv.backoff = d
		}
	}
}

// New creates an Invoker. sink receives per-attempt progress and may be nil.
func New(e engine.Engine, sink notify.Sink, opts ...Option) *Invoker {
	iv := &Invoker{
		engine:     e,
		sink:       sink,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultBackoff,
		sleep:      sleepContext,
	}
	for _, o := range opts {
		o(iv)
	}
	return iv
}

// MaxRetries reports the attempt bound.
func (iv *Invoker) MaxRetries() int { return iv.maxRetries }

// Invoke runs the planning call. With minLength <= 0 it makes exactly one
// call and returns its result as is. Otherwise it makes up to MaxRetries
// attempts and returns the first output of at least minLength characters;
// an engine error ends the loop immediately.
func (iv *Invoker) Invoke(ctx context.Context, msgs []composer.Message, s engine.Settings, minLength int) (string, error) {
	sink := notify.FromContext(ctx, iv.sink)

	if minLength <= 0 {
		return iv.engine.Invoke(ctx, msgs, s)
	}

	for i := 1; i <= iv.maxRetries; i++ {
		notify.Send(ctx, sink, notify.Info, fmt.Sprintf("正在规划剧情... (尝试 %d/%d)", i, iv.maxRetries))

		text, err := iv.engine.Invoke(ctx, msgs, s)
		if err != nil {
			return "", err
		}
		n := utf8.RuneCountInString(text)
		if n >= minLength {
			notify.Send(ctx, sink, notify.Success, fmt.Sprintf("剧情规划成功 (第 %d 次尝试)。", i))
			return text, nil
		}

		slog.Debug("planning output too short", "attempt", i, "length", n, "min_length", minLength)
		if i < iv.maxRetries {
			notify.Send(ctx, sink, notify.Warning, "回复过短，准备重试...")
			if err := iv.sleep(ctx, iv.backoff); err != nil {
				return "", err
			}
		}
	}

	notify.Send(ctx, sink, notify.Error, fmt.Sprintf("重试 %d 次后回复依然过短，操作已取消。", iv.maxRetries))
	return "", ErrRetriesExhausted
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
