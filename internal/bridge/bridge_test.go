package bridge

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSubmit_RunningLoop(t *testing.T) {
	b := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.Run(ctx)
	time.Sleep(10 * time.Millisecond) // let Run mark itself running

	future, err := b.Submit(ctx, false, func(ctx context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	result, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result != 42 {
		t.Fatalf("expected 42, got %v", result)
	}
}

func TestSubmit_NoLoopRunsInline(t *testing.T) {
	b := New(4)
	future, err := b.Submit(context.Background(), false, func(ctx context.Context) (any, error) {
		return "inline", nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, err := future.Wait(context.Background())
	if err != nil || result != "inline" {
		t.Fatalf("expected resolved inline future, got %v err=%v", result, err)
	}
}

func TestSubmit_OnLoopRunsSynchronously(t *testing.T) {
	b := New(4)
	future, err := b.Submit(context.Background(), true, func(ctx context.Context) (any, error) {
		return "sync", nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	result, _ := future.Wait(context.Background())
	if result != "sync" {
		t.Fatalf("expected sync result, got %v", result)
	}
}

func TestSubmit_AfterShutdownRefused(t *testing.T) {
	b := New(4)
	b.Shutdown()

	_, err := b.Submit(context.Background(), false, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrShutDown) {
		t.Fatalf("expected ErrShutDown, got %v", err)
	}
}

func TestFireAndForget_ReportsError(t *testing.T) {
	b := New(4)
	errCh := make(chan error, 1)

	b.FireAndForget(context.Background(), func(err error) { errCh <- err }, func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})

	select {
	case err := <-errCh:
		if err == nil || err.Error() != "boom" {
			t.Fatalf("expected boom error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error handler")
	}
}
