package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestListenerHandlesInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	l := New(func(v int) error {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		return nil
	})
	l.Push(0)
	l.Start(context.Background())
	defer l.Stop()
	for i := 1; i < 5; i++ {
		l.Push(i)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for handler")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("order broken: %v", got)
		}
	}
}

func TestListenerSurvivesHandlerError(t *testing.T) {
	done := make(chan struct{})
	l := New(func(v int) error {
		if v == 1 {
			return errors.New("boom")
		}
		close(done)
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()
	l.Push(1)
	l.Push(2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler error stopped the loop")
	}
}

func TestListenerStopRunsStopHandler(t *testing.T) {
	stopped := false
	l := New(func(int) error { return nil }, func() { stopped = true })
	l.Start(context.Background())
	l.Stop()
	if !stopped {
		t.Fatal("stop handler not called")
	}
	if l.Push(1) {
		t.Fatal("push after stop must be rejected")
	}
	// повторный Stop безопасен
	l.Stop()
}

func TestListenerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(func(int) error { return nil })
	l.Start(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for l.Push(1) {
		if time.Now().After(deadline) {
			t.Fatal("listener ignored context cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	l.Stop()
}
