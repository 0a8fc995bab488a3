package radio

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmrelay/mmrelay/internal/bridge"
	"github.com/mmrelay/mmrelay/internal/identity"
	"github.com/mmrelay/mmrelay/internal/meshtastic"
	"github.com/mmrelay/mmrelay/internal/plugin"
	"github.com/mmrelay/mmrelay/internal/store"
)

// MatrixSend is what C6 needs from the Matrix side to deliver a translated
// mesh message (§4.6 step 7). It returns the new event's ID so the caller
// can record it in the message map.
type MatrixSend func(ctx context.Context, roomID, text string) (eventID string, err error)

// InboundHandler is C6: the per-packet classification, dedupe, plugin
// dispatch, and translation pipeline run by the connection engine's read
// loop (§4.6).
type InboundHandler struct {
	myNodeNum  atomic.Uint32
	ourMeshnet string

	channelToRooms map[int][]string
	allRooms       []string

	store         *store.Store
	dispatcher    *plugin.Dispatcher
	bridge        *bridge.Bridge
	pacer         *Pacer
	matrixSend    MatrixSend
	responseDelay time.Duration

	packetIDSeq uint32
	log         zerolog.Logger
}

// NewInboundHandler wires C6 to its collaborators: the name cache and
// message map (C1/C5), the plugin pipeline (C8), the cross-domain bridge
// (C2) that forwarded text's Matrix sends go through, the pacer (C4) a
// plugin's mesh-side reply travels through, and the Matrix send function
// C7's connector exposes.
func NewInboundHandler(
	myNodeNum uint32,
	ourMeshnet string,
	channelToRooms map[int][]string,
	allRooms []string,
	st *store.Store,
	dispatcher *plugin.Dispatcher,
	br *bridge.Bridge,
	pacer *Pacer,
	matrixSend MatrixSend,
	responseDelay time.Duration,
	log zerolog.Logger,
) *InboundHandler {
	h := &InboundHandler{
		ourMeshnet:     ourMeshnet,
		channelToRooms: channelToRooms,
		allRooms:       allRooms,
		store:          st,
		dispatcher:     dispatcher,
		bridge:         br,
		pacer:          pacer,
		matrixSend:     matrixSend,
		responseDelay:  responseDelay,
		log:            log.With().Str("component", "radio").Logger(),
	}
	h.myNodeNum.Store(myNodeNum)
	return h
}

// SetMyNodeNum updates our own node number once the connection engine
// learns it from the device's my_info reply (§4.3 step 2); until then it
// defaults to whatever NewInboundHandler was constructed with (commonly 0,
// which the origin filter treats as "unknown self", never matching a real
// sender).
func (h *InboundHandler) SetMyNodeNum(n uint32) {
	h.myNodeNum.Store(n)
}

// Handle runs the 8-step pipeline of §4.6 for one decoded packet. It is
// called directly from the connection engine's read loop.
func (h *InboundHandler) Handle(ctx context.Context, pkt meshtastic.Packet) {
	// Step 1: origin filter.
	if pkt.From == h.myNodeNum.Load() {
		return
	}

	// Step 2: name cache refresh.
	if pkt.User != nil {
		names := store.NodeNames{LongName: pkt.User.LongName, ShortName: pkt.User.ShortName}
		if err := h.store.UpsertNodeNames(ctx, meshtastic.FormatNodeID(pkt.From), names); err != nil {
			h.log.Warn().Err(err).Msg("name cache upsert failed")
		}
	}

	// Step 3: direct-message detection.
	isDM := pkt.IsDM(h.myNodeNum.Load())

	// Step 4: channel enablement.
	rooms := h.channelToRooms[int(pkt.Channel)]
	if len(rooms) == 0 {
		if !isDM {
			return
		}
		rooms = h.allRooms // default: DM deliverable to every mapped room
		if len(rooms) == 0 {
			return
		}
	}

	names, _, err := h.store.LookupNodeNames(ctx, meshtastic.FormatNodeID(pkt.From))
	if err != nil {
		h.log.Warn().Err(err).Msg("name cache lookup failed")
	}
	displayName := identity.ResolveMeshName(pkt.From, names.LongName, names.ShortName)

	// Step 6: plugin dispatch (step 5's classification only gates step 7/8
	// below; plugins see every packet regardless of port number).
	in := plugin.Inbound{
		Side:    plugin.FromMesh,
		Channel: int(pkt.Channel),
		Command: firstToken(pkt.Text),
		Text:    pkt.Text,
		NodeID:  meshtastic.FormatNodeID(pkt.From),
	}
	if h.dispatcher.Dispatch(ctx, in, h.capabilitiesFor) {
		return
	}

	switch {
	case pkt.PortNum.IsCoreHandled():
		h.forwardText(ctx, pkt, rooms, displayName)
	case pkt.PortNum.IsTelemetryLike():
		// Step 8: delegated entirely to plugins; already offered above.
	default:
		// Unsupported port numbers were already offered to plugins above
		// and are otherwise ignored by the core (§4.6 step 5).
	}
}

// forwardText implements §4.6 step 7: cross-mesh attribution, Matrix
// delivery via C2, and message-map recording.
func (h *InboundHandler) forwardText(ctx context.Context, pkt meshtastic.Packet, rooms []string, displayName string) {
	text := pkt.Text
	if text == "" {
		return
	}

	forwardText := text
	if _, _, isRemote := identity.IsRemoteOrigin(text, h.ourMeshnet); !isRemote {
		forwardText = identity.FormatAttribution(displayName, h.ourMeshnet, text)
	}
	// else: already attributed by another relay; forwarded unwrapped.

	meshID := fmt.Sprintf("%d", pkt.ID)

	for _, roomID := range rooms {
		room := roomID
		future, err := h.bridge.Submit(ctx, false, func(ctx context.Context) (any, error) {
			return h.matrixSend(ctx, room, forwardText)
		})
		if err != nil {
			h.log.Warn().Err(err).Str("room", room).Msg("matrix submit failed")
			continue
		}

		go func() {
			result, err := future.Wait(context.Background())
			if err != nil {
				h.log.Warn().Err(err).Str("room", room).Msg("matrix send failed")
				return
			}
			eventID, _ := result.(string)
			if eventID == "" {
				return
			}
			row := store.MessageMapRow{
				MatrixEventID: eventID,
				MeshID:        meshID,
				RoomID:        room,
				Text:          forwardText,
				OriginMeshnet: h.ourMeshnet,
				CreatedAt:     time.Now(),
			}
			if err := h.store.StoreMessageMap(context.Background(), row); err != nil {
				h.log.Warn().Err(err).Msg("message map store failed")
			}
		}()
	}
}

// capabilitiesFor builds the mesh-side plugin Capabilities: a response send
// function that waits out response_delay before handing off to the pacer
// (§4.8, §8: a fixed delay ahead of a plugin's outbound reply, separate from
// the pacer's own inter-send spacing, to avoid bursting the mesh right after
// an inbound trigger) and the namespaced store view.
func (h *InboundHandler) capabilitiesFor(pluginName string) plugin.Capabilities {
	return plugin.Capabilities{
		Store:      h.store,
		PluginName: pluginName,
		SendMesh: func(ctx context.Context, channel int, text string) error {
			if err := sleepCtx(ctx, h.responseDelay); err != nil {
				return err
			}
			id := atomic.AddUint32(&h.packetIDSeq, 1)
			frame, err := meshtastic.EncodeToRadio(h.myNodeNum.Load(), meshtastic.BroadcastNode, uint32(channel), id, meshtastic.PortNumTextMessageApp, []byte(text))
			if err != nil {
				return err
			}
			return <-h.pacer.Enqueue(frame)
		},
		SendMatrix: func(ctx context.Context, roomID, text string) error {
			if err := sleepCtx(ctx, h.responseDelay); err != nil {
				return err
			}
			_, err := h.matrixSend(ctx, roomID, text)
			return err
		},
	}
}

// sleepCtx waits for d or returns early with ctx's error if it is cancelled
// first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstToken(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
