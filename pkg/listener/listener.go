// Package listener runs a handler for every value received on a channel.
package listener

import (
	"context"
	"log/slog"
	"sync"
)

// Job is a background worker with an explicit lifetime.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener consumes in on a single goroutine. A handler error is logged and
// the listener keeps going.
type Listener[T any] struct {
	name        string
	handler     func(ctx context.Context, input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	name string,
	in <-chan T,
	handler func(context.Context, T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp, ok := <-l.in:
				if !ok {
					return
				}
				if err := l.handler(ctx, inp); err != nil {
					slog.Error("listener failed to handle input", "listener", l.name, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the listener, waits for the in-flight handler and runs the
// stop handler.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
