package matrix

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmrelay/mmrelay/internal/plugin"
	"github.com/mmrelay/mmrelay/internal/radio"
	"github.com/mmrelay/mmrelay/internal/store"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      [][]byte
}

func (s *fakeSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSender) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, frame)
	return nil
}

func (s *fakeSender) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func newTestHandler(t *testing.T, roomToChannel map[string]int) (*InboundHandler, *fakeSender, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mmrelay.sqlite"), store.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sender := &fakeSender{connected: true}
	pacer := radio.NewPacer(sender, time.Millisecond, 8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pacer.Run(ctx)

	dispatcher := plugin.NewDispatcher(nil)

	h := NewInboundHandler(func() string { return "@bot:example.org" }, "M1", time.Hour, roomToChannel, st, dispatcher, pacer, func() uint32 { return 0x1 }, 0, zerolog.Nop())
	return h, sender, st
}

func waitForSends(t *testing.T, sender *fakeSender, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := sender.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d send(s), got %d", n, len(sender.snapshot()))
	return nil
}

func TestInboundHandler_SelfFilterDrops(t *testing.T) {
	h, sender, _ := newTestHandler(t, map[string]int{"!A:s": 0})
	h.Handle(time.Time{}, MatrixEvent{Kind: KindText, Sender: "@bot:example.org", RoomID: "!A:s", Body: "hi"})

	time.Sleep(30 * time.Millisecond)
	if len(sender.snapshot()) != 0 {
		t.Fatal("expected no send for our own event")
	}
}

func TestInboundHandler_UnmappedRoomDropped(t *testing.T) {
	h, sender, _ := newTestHandler(t, map[string]int{"!A:s": 0})
	h.Handle(time.Time{}, MatrixEvent{Kind: KindText, Sender: "@alice:example.org", RoomID: "!unknown:s", Body: "hi"})

	time.Sleep(30 * time.Millisecond)
	if len(sender.snapshot()) != 0 {
		t.Fatal("expected no send for unmapped room")
	}
}

func TestInboundHandler_TranslatesPlainText(t *testing.T) {
	h, sender, st := newTestHandler(t, map[string]int{"!A:s": 0})
	h.matrixSend = func(ctx context.Context, roomID, text string) (string, error) { return "$fake", nil }

	h.Handle(time.Time{}, MatrixEvent{
		Kind: KindText, Sender: "@alice:example.org", RoomID: "!A:s",
		EventID: "$1", DisplayName: "Alice", Body: "hi",
	})

	waitForSends(t, sender, 1)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if row, ok, _ := st.ByMatrixEventID(context.Background(), "$1"); ok {
			if row.Text != "[Alice]: hi" {
				t.Fatalf("expected [Alice]: hi, got %q", row.Text)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for message map row")
}

func TestInboundHandler_OwnEchoDropped(t *testing.T) {
	h, sender, _ := newTestHandler(t, map[string]int{"!A:s": 0})
	h.Handle(time.Time{}, MatrixEvent{
		Kind: KindText, Sender: "@alice:example.org", RoomID: "!A:s",
		EventID: "$2", DisplayName: "Alice", Body: "[Node !00000001/M1]: echoed back",
	})

	time.Sleep(30 * time.Millisecond)
	if len(sender.snapshot()) != 0 {
		t.Fatal("expected own-echo to be dropped")
	}
}

func TestInboundHandler_ReactionNoNewMapRow(t *testing.T) {
	h, sender, st := newTestHandler(t, map[string]int{"!A:s": 0})
	if err := st.StoreMessageMap(context.Background(), store.MessageMapRow{
		MatrixEventID: "$orig", MeshID: "42", RoomID: "!A:s", Text: "hello", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed message map: %v", err)
	}

	h.Handle(time.Time{}, MatrixEvent{
		Kind: KindReaction, Sender: "@alice:example.org", RoomID: "!A:s",
		DisplayName: "Alice", ReactsTo: "$orig", ReactionKey: "👍",
	})

	waitForSends(t, sender, 1)

	row, ok, err := st.ByMeshID(context.Background(), "42")
	if err != nil || !ok || row.Text != "hello" {
		t.Fatalf("original row should be unchanged, got row=%+v ok=%v err=%v", row, ok, err)
	}

	// The reaction went out as the handler's first packet (ID 1); no row
	// may be recorded for it.
	if _, ok, _ := st.ByMeshID(context.Background(), "1"); ok {
		t.Fatal("reaction must not create a new message-map row")
	}
}

func TestInboundHandler_MTUTruncation(t *testing.T) {
	if got := truncateToMTU("exact", 5); got != "exact" {
		t.Fatalf("expected unchanged at exact MTU, got %q", got)
	}
	long := "abcdef"
	got := truncateToMTU(long, 5)
	if got != "ab…" {
		t.Fatalf("expected truncated with ellipsis, got %q", got)
	}
}
