package radio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
	sendErr   error
}

func (s *fakeSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSender) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *fakeSender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

func TestPacer_DeliversInOrder(t *testing.T) {
	sender := &fakeSender{connected: true}
	p := NewPacer(sender, 5*time.Millisecond, 10, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	ch1 := p.Enqueue([]byte("one"))
	ch2 := p.Enqueue([]byte("two"))

	if err := <-ch1; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := <-ch2; err != nil {
		t.Fatalf("second send: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 2 || string(sender.sent[0]) != "one" || string(sender.sent[1]) != "two" {
		t.Fatalf("expected ordered delivery, got %v", sender.sent)
	}
}

func TestPacer_BlocksUntilConnected(t *testing.T) {
	sender := &fakeSender{connected: false}
	p := NewPacer(sender, time.Millisecond, 10, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	ch := p.Enqueue([]byte("payload"))

	select {
	case <-ch:
		t.Fatal("send completed while disconnected")
	case <-time.After(30 * time.Millisecond):
	}

	sender.setConnected(true)

	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("send never completed after reconnect")
	}
}

func TestPacer_QueueFullReturnsError(t *testing.T) {
	sender := &fakeSender{connected: false}
	p := NewPacer(sender, time.Millisecond, 1, zerolog.Nop())

	_ = p.Enqueue([]byte("fills the queue"))
	ch := p.Enqueue([]byte("overflow"))

	if err := <-ch; err == nil {
		t.Fatal("expected queue-full error")
	}
}

func TestPacer_AbandonsQueueOnShutdown(t *testing.T) {
	sender := &fakeSender{connected: false}
	p := NewPacer(sender, time.Millisecond, 10, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Enqueue([]byte("never sent"))

	go p.Run(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-ch:
		if err == nil {
			t.Fatal("expected abandoned-send error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drain to abandon queued item")
	}
}
