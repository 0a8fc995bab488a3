package meshtastic

import (
	"testing"

	meshtasticpb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

func TestDecodeFromRadio_TextMessage(t *testing.T) {
	frame, err := EncodeToRadio(0xAAAAAAAA, BroadcastNode, 0, 7, PortNumTextMessageApp, []byte("hi"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	pkt, ok, err := DecodeFromRadio(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true for a decoded text packet")
	}
	if pkt.From != 0xAAAAAAAA || pkt.To != BroadcastNode || pkt.Text != "hi" {
		t.Fatalf("unexpected packet: %+v", pkt)
	}
}

func TestDecodeFromRadio_MyInfoVariantIsNotAPacket(t *testing.T) {
	fromRadio := &meshtasticpb.FromRadio{
		PayloadVariant: &meshtasticpb.FromRadio_MyInfo{
			MyInfo: &meshtasticpb.MyNodeInfo{MyNodeNum: 0x1234},
		},
	}
	frame, err := proto.Marshal(fromRadio)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	pkt, ok, err := DecodeFromRadio(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a my_info variant, got packet %+v", pkt)
	}
}

func TestDecodeMyInfo(t *testing.T) {
	fromRadio := &meshtasticpb.FromRadio{
		PayloadVariant: &meshtasticpb.FromRadio_MyInfo{
			MyInfo: &meshtasticpb.MyNodeInfo{MyNodeNum: 0xCAFEF00D},
		},
	}
	frame, err := proto.Marshal(fromRadio)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	nodeNum, ok := DecodeMyInfo(frame)
	if !ok {
		t.Fatal("expected ok=true for a my_info frame")
	}
	if nodeNum != 0xCAFEF00D {
		t.Fatalf("expected node num 0xCAFEF00D, got %#x", nodeNum)
	}
}

func TestDecodeMyInfo_AbsentOnRegularPacket(t *testing.T) {
	frame, err := EncodeToRadio(1, BroadcastNode, 0, 1, PortNumTextMessageApp, []byte("hi"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, ok := DecodeMyInfo(frame); ok {
		t.Fatal("expected ok=false: a regular packet frame carries no my_info")
	}
}

func TestDecodeFromRadio_EncryptedPacketErrors(t *testing.T) {
	fromRadio := &meshtasticpb.FromRadio{
		PayloadVariant: &meshtasticpb.FromRadio_Packet{
			Packet: &meshtasticpb.MeshPacket{
				From: 1, To: BroadcastNode, Id: 99,
				PayloadVariant: &meshtasticpb.MeshPacket_Encrypted{Encrypted: []byte{0x01, 0x02}},
			},
		},
	}
	frame, err := proto.Marshal(fromRadio)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	_, ok, err := DecodeFromRadio(frame)
	if err == nil {
		t.Fatal("expected an error for an encrypted packet payload")
	}
	if ok {
		t.Fatal("expected ok=false alongside the error")
	}
}

func TestFormatNodeID(t *testing.T) {
	if got := FormatNodeID(0xCAFEF00D); got != "!cafef00d" {
		t.Fatalf("expected !cafef00d, got %q", got)
	}
}

func TestPacket_IsDM(t *testing.T) {
	pkt := Packet{To: 0x42}
	if !pkt.IsDM(0x42) {
		t.Fatal("expected IsDM true when To equals our node number")
	}
	if pkt.IsDM(0x99) {
		t.Fatal("expected IsDM false when To does not match")
	}

	broadcast := Packet{To: BroadcastNode}
	if broadcast.IsDM(BroadcastNode) {
		t.Fatal("a broadcast destination is never a DM even if it matched our node number")
	}
}
