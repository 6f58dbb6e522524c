package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener обрабатывает элементы неограниченной очереди в одной горутине.
// Handler вызывается без удержания мьютекса очереди, поэтому из него
// можно снова вызывать Push.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	running bool
	stopped bool

	wg     sync.WaitGroup
	cancel func()
}

func New[T any](
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	l := &Listener[T]{
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Push enqueues an item. Items pushed before Start are kept; items
// pushed after Stop are dropped.
func (l *Listener[T]) Push(item T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.queue = append(l.queue, item)
	l.cond.Signal()
	return true
}

// Len returns the number of queued items.
func (l *Listener[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Listener[T]) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Start is a no-op when the listener is already running.
func (l *Listener[T]) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopped = false
	l.mu.Unlock()

	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(2)

	go func() {
		defer l.wg.Done()
		<-ctx.Done()
		l.mu.Lock()
		l.stopped = true
		l.cond.Broadcast()
		l.mu.Unlock()
	}()

	go func() {
		defer l.wg.Done()
		for {
			err := l.run()
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				slog.Warn("listener handler failed", "error", err)
			}
		}
	}()
}

func (l *Listener[T]) run() error {
	l.mu.Lock()
	for len(l.queue) == 0 && !l.stopped {
		l.cond.Wait()
	}
	if l.stopped {
		l.mu.Unlock()
		return errListenerStopped
	}
	inp := l.queue[0]
	var zero T
	l.queue[0] = zero
	l.queue = l.queue[1:]
	l.mu.Unlock()

	if err := l.handler(inp); err != nil {
		return fmt.Errorf("failed to handle input: %w", err)
	}
	return nil
}

// Stop cancels the loop, drops pending items and waits for the
// in-flight handler to return.
func (l *Listener[T]) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	l.running = false
	l.queue = nil
	l.mu.Unlock()
	l.stopHandler()
}
