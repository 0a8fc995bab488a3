package meshtastic

import (
	"fmt"
	"time"

	meshtasticpb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

// Packet is this module's internal, decoupled representation of an inbound
// mesh packet — the "decoded packet dict-like structure" §4.6 describes,
// translated from the wire protobuf types into plain Go fields so C6 never
// imports the protobuf package directly.
type Packet struct {
	ID        uint32
	From      uint32
	To        uint32
	Channel   uint32
	PortNum   PortNum
	Payload   []byte
	Text      string
	RxTime    time.Time
	User      *UserInfo // set only when PortNum == PortNumNodeInfoApp
}

// UserInfo carries the long/short name pair a NODEINFO_APP packet reports
// (§4.6 step 2: "If decoded.user is present, upsert...").
type UserInfo struct {
	LongName  string
	ShortName string
}

// FormatNodeID renders a 32-bit node number in the firmware's own "!hex8"
// form, used as the name-cache key and the identity-facing node ID string.
func FormatNodeID(nodeNum uint32) string {
	return fmt.Sprintf("!%08x", nodeNum)
}

// IsDM reports whether this packet's destination is a direct message to
// our own node rather than a channel broadcast (§4.6 step 3).
func (p Packet) IsDM(myNodeNum uint32) bool {
	return p.To != BroadcastNode && p.To == myNodeNum
}

// DecodeFromRadio parses a FromRadio protobuf frame and, if it carries a
// MeshPacket with decoded (non-encrypted) payload, returns our internal
// Packet representation. A my_info frame (the variant the device sends once
// in reply to want_config) yields ok=false and no error; the node number it
// carries is read with DecodeMyInfo, which decodes the frame separately.
func DecodeFromRadio(frame []byte) (pkt Packet, ok bool, err error) {
	pkt, ok, _, err = decodeFromRadio(frame)
	return pkt, ok, err
}

// DecodeMyInfo reports whether frame carries the device's own node number
// (the my_info FromRadio variant), used once at startup to learn myNodeNum
// for the origin filter (§4.6 step 1) and outbound "from" address (§4.7
// step 7).
func DecodeMyInfo(frame []byte) (nodeNum uint32, ok bool) {
	_, _, nodeNum, err := decodeFromRadio(frame)
	if err != nil {
		return 0, false
	}
	return nodeNum, nodeNum != 0
}

func decodeFromRadio(frame []byte) (pkt Packet, ok bool, myNodeNum uint32, err error) {
	var fromRadio meshtasticpb.FromRadio
	if err := proto.Unmarshal(frame, &fromRadio); err != nil {
		return Packet{}, false, 0, fmt.Errorf("meshtastic: decode FromRadio: %w", err)
	}

	if myInfo := fromRadio.GetMyInfo(); myInfo != nil {
		return Packet{}, false, myInfo.GetMyNodeNum(), nil
	}

	meshPacket := fromRadio.GetPacket()
	if meshPacket == nil {
		return Packet{}, false, 0, nil
	}

	decoded := meshPacket.GetDecoded()
	if decoded == nil {
		// Encrypted payload variant; the core cannot classify it (§4.3
		// "packet decode error in callback" — logged and dropped by the
		// caller, connection preserved).
		return Packet{}, false, 0, fmt.Errorf("meshtastic: packet %d has no decoded payload (encrypted?)", meshPacket.GetId())
	}

	out := Packet{
		ID:      meshPacket.GetId(),
		From:    meshPacket.GetFrom(),
		To:      meshPacket.GetTo(),
		Channel: meshPacket.GetChannel(),
		PortNum: PortNum(decoded.GetPortnum()),
		Payload: decoded.GetPayload(),
		RxTime:  time.Unix(int64(meshPacket.GetRxTime()), 0).UTC(),
	}

	if out.PortNum == PortNumTextMessageApp {
		out.Text = string(decoded.GetPayload())
	}

	if out.PortNum == PortNumNodeInfoApp {
		var user meshtasticpb.User
		if err := proto.Unmarshal(decoded.GetPayload(), &user); err == nil {
			out.User = &UserInfo{LongName: user.GetLongName(), ShortName: user.GetShortName()}
		}
	}

	return out, true, 0, nil
}

// EncodeToRadio builds a ToRadio frame carrying a text MeshPacket addressed
// to destination (a channel broadcast uses BroadcastNode; a DM uses the
// target node ID), for the send pacer to hand to the transport (§4.4).
func EncodeToRadio(from, destination, channel, packetID uint32, portNum PortNum, payload []byte) ([]byte, error) {
	toRadio := &meshtasticpb.ToRadio{
		PayloadVariant: &meshtasticpb.ToRadio_Packet{
			Packet: &meshtasticpb.MeshPacket{
				From:    from,
				To:      destination,
				Channel: channel,
				Id:      packetID,
				PayloadVariant: &meshtasticpb.MeshPacket_Decoded{
					Decoded: &meshtasticpb.Data{
						Portnum: meshtasticpb.PortNum(portNum),
						Payload: payload,
					},
				},
			},
		},
	}

	frame, err := proto.Marshal(toRadio)
	if err != nil {
		return nil, fmt.Errorf("meshtastic: encode ToRadio: %w", err)
	}
	return frame, nil
}

// EncodeWantConfig builds the initial ToRadio handshake frame requesting
// the device's config/node-db replay, sent once on transport open.
func EncodeWantConfig(configID uint32) ([]byte, error) {
	toRadio := &meshtasticpb.ToRadio{
		PayloadVariant: &meshtasticpb.ToRadio_WantConfigId{WantConfigId: configID},
	}
	frame, err := proto.Marshal(toRadio)
	if err != nil {
		return nil, fmt.Errorf("meshtastic: encode want_config_id: %w", err)
	}
	return frame, nil
}
