package radio

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmrelay/mmrelay/internal/bridge"
	"github.com/mmrelay/mmrelay/internal/meshtastic"
	"github.com/mmrelay/mmrelay/internal/plugin"
	"github.com/mmrelay/mmrelay/internal/store"
)

type capturedSend struct {
	roomID string
	text   string
}

type fakeMatrixSink struct {
	mu    sync.Mutex
	sends []capturedSend
	seq   int
}

func (f *fakeMatrixSink) send(ctx context.Context, roomID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.sends = append(f.sends, capturedSend{roomID: roomID, text: text})
	return fmt.Sprintf("$event%d", f.seq), nil
}

func (f *fakeMatrixSink) snapshot() []capturedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]capturedSend, len(f.sends))
	copy(out, f.sends)
	return out
}

func newTestInboundHandler(t *testing.T, channelToRooms map[int][]string, allRooms []string) (*InboundHandler, *fakeMatrixSink, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mmrelay.sqlite"), store.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	br := bridge.New(8)
	go br.Run(context.Background())
	t.Cleanup(br.Shutdown)

	sink := &fakeMatrixSink{}
	dispatcher := plugin.NewDispatcher(nil)

	h := NewInboundHandler(0x1, "M1", channelToRooms, allRooms, st, dispatcher, br, nil, sink.send, 0, zerolog.Nop())
	return h, sink, st
}

func waitForSends(t *testing.T, sink *fakeMatrixSink, n int) []capturedSend {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := sink.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d send(s), got %d", n, len(sink.snapshot()))
	return nil
}

func TestInboundHandler_OriginFilterDrops(t *testing.T) {
	h, sink, _ := newTestInboundHandler(t, map[int][]string{0: {"!A:s"}}, []string{"!A:s"})
	h.Handle(context.Background(), meshtastic.Packet{From: 0x1, To: meshtastic.BroadcastNode, PortNum: meshtastic.PortNumTextMessageApp, Text: "hi"})

	time.Sleep(30 * time.Millisecond)
	if len(sink.snapshot()) != 0 {
		t.Fatal("expected no send for self-originated packet")
	}
}

func TestInboundHandler_ForwardsAttributedText(t *testing.T) {
	h, sink, st := newTestInboundHandler(t, map[int][]string{0: {"!A:s"}}, []string{"!A:s"})
	h.Handle(context.Background(), meshtastic.Packet{
		ID: 99, From: 0x2, To: meshtastic.BroadcastNode, Channel: 0,
		PortNum: meshtastic.PortNumTextMessageApp, Text: "hello there",
	})

	sends := waitForSends(t, sink, 1)
	if sends[0].roomID != "!A:s" || sends[0].text != "[Node !00000002/M1]: hello there" {
		t.Fatalf("unexpected send: %+v", sends[0])
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if row, ok, _ := st.ByMeshID(context.Background(), "99"); ok {
			if row.RoomID != "!A:s" {
				t.Fatalf("unexpected message map row: %+v", row)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for message map row")
}

func TestInboundHandler_RemoteOriginNotRewrapped(t *testing.T) {
	h, sink, _ := newTestInboundHandler(t, map[int][]string{0: {"!A:s"}}, []string{"!A:s"})
	h.Handle(context.Background(), meshtastic.Packet{
		ID: 5, From: 0x2, To: meshtastic.BroadcastNode, Channel: 0,
		PortNum: meshtastic.PortNumTextMessageApp, Text: "[Bob/M2]: hi from afar",
	})

	sends := waitForSends(t, sink, 1)
	if sends[0].text != "[Bob/M2]: hi from afar" {
		t.Fatalf("expected unwrapped remote-origin text, got %q", sends[0].text)
	}
}

func TestInboundHandler_UnmappedChannelDropped(t *testing.T) {
	h, sink, _ := newTestInboundHandler(t, map[int][]string{0: {"!A:s"}}, []string{"!A:s"})
	h.Handle(context.Background(), meshtastic.Packet{
		ID: 1, From: 0x2, To: meshtastic.BroadcastNode, Channel: 3,
		PortNum: meshtastic.PortNumTextMessageApp, Text: "on an unmapped channel",
	})

	time.Sleep(30 * time.Millisecond)
	if len(sink.snapshot()) != 0 {
		t.Fatal("expected drop for unmapped, non-DM channel")
	}
}

func TestInboundHandler_DMFallsBackToAllRooms(t *testing.T) {
	h, sink, _ := newTestInboundHandler(t, map[int][]string{0: {"!A:s"}}, []string{"!A:s", "!B:s"})
	h.Handle(context.Background(), meshtastic.Packet{
		ID: 2, From: 0x2, To: 0x1, Channel: 3, // channel 3 unmapped, but this is a DM to us
		PortNum: meshtastic.PortNumTextMessageApp, Text: "direct hello",
	})

	sends := waitForSends(t, sink, 2)
	rooms := map[string]bool{sends[0].roomID: true, sends[1].roomID: true}
	if !rooms["!A:s"] || !rooms["!B:s"] {
		t.Fatalf("expected DM delivered to all rooms, got %+v", sends)
	}
}

func TestInboundHandler_SetMyNodeNumUpdatesOriginFilter(t *testing.T) {
	h, sink, _ := newTestInboundHandler(t, map[int][]string{0: {"!A:s"}}, []string{"!A:s"})

	h.Handle(context.Background(), meshtastic.Packet{From: 0x99, To: meshtastic.BroadcastNode, PortNum: meshtastic.PortNumTextMessageApp, Text: "hi"})
	waitForSends(t, sink, 1)

	h.SetMyNodeNum(0x99)
	h.Handle(context.Background(), meshtastic.Packet{
		ID: 1, From: 0x99, To: meshtastic.BroadcastNode, PortNum: meshtastic.PortNumTextMessageApp, Text: "now it's ours",
	})

	time.Sleep(30 * time.Millisecond)
	if len(sink.snapshot()) != 1 {
		t.Fatal("expected the second packet to be dropped once 0x99 became our own node number")
	}
}

func TestInboundHandler_PluginConsumeStopsForwarding(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "mmrelay.sqlite"), store.DefaultPoolConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	br := bridge.New(8)
	go br.Run(context.Background())
	t.Cleanup(br.Shutdown)

	sink := &fakeMatrixSink{}
	dispatcher := plugin.NewDispatcher(nil)
	_ = dispatcher.Register(plugin.NewPingPlugin())

	h := NewInboundHandler(0x1, "M1", map[int][]string{0: {"!A:s"}}, []string{"!A:s"}, st, dispatcher, br, NewPacer(&fakeSender{connected: true}, time.Millisecond, 4, zerolog.Nop()), sink.send, 0, zerolog.Nop())
	go h.pacer.Run(context.Background())

	h.Handle(context.Background(), meshtastic.Packet{
		ID: 3, From: 0x2, To: meshtastic.BroadcastNode, Channel: 0,
		PortNum: meshtastic.PortNumTextMessageApp, Text: "ping",
	})

	time.Sleep(50 * time.Millisecond)
	if len(sink.snapshot()) != 0 {
		t.Fatal("expected ping plugin to consume the packet, suppressing core forwarding")
	}
}
