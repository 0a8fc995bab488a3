package matrix

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmrelay/mmrelay/internal/config"
	"github.com/mmrelay/mmrelay/internal/identity"
	"github.com/mmrelay/mmrelay/internal/meshtastic"
	"github.com/mmrelay/mmrelay/internal/plugin"
	"github.com/mmrelay/mmrelay/internal/radio"
	"github.com/mmrelay/mmrelay/internal/store"
)

// EventKind classifies a decoupled MatrixEvent the same way meshtastic.Packet
// decouples from the wire protobuf: plain Go values the pipeline below can
// be driven with in tests, with no live mautrix dependency.
type EventKind int

const (
	KindText EventKind = iota
	KindEmote
	KindNotice
	KindReply
	KindReaction
)

// MatrixEvent is the translated, library-independent view of an inbound
// room event C7 consumes (§4.7).
type MatrixEvent struct {
	Kind        EventKind
	Sender      string
	RoomID      string
	EventID     string
	Body        string
	DisplayName string
	Timestamp   time.Time

	InReplyTo string // set when Kind == KindReply

	ReactsTo    string // set when Kind == KindReaction: the event ID reacted to
	ReactionKey string // the reaction emoji/text
}

// InboundHandler is C7: the self/room/age filter, reply and reaction
// detection, plugin dispatch, and translate-and-send pipeline run for every
// inbound Matrix event (§4.7).
type InboundHandler struct {
	selfUserID func() string
	ourMeshnet string
	maxAge     time.Duration

	roomToChannel map[string]int

	store         *store.Store
	dispatcher    *plugin.Dispatcher
	pacer         *radio.Pacer
	myNodeNum     func() uint32
	matrixSend    func(ctx context.Context, roomID, text string) (string, error)
	responseDelay time.Duration

	packetIDSeq uint32
	log         zerolog.Logger
}

// SetSender wires the connector's Send method in once the Connector exists
// (the Connector itself is constructed from this handler, so NewConnector
// completes the reverse link by calling SetSender).
func (h *InboundHandler) SetSender(fn func(ctx context.Context, roomID, text string) (string, error)) {
	h.matrixSend = fn
}

// NewInboundHandler wires C7 to its collaborators: selfUserID is read lazily
// since the connector only knows its own user ID after Whoami succeeds.
func NewInboundHandler(
	selfUserID func() string,
	ourMeshnet string,
	maxAge time.Duration,
	roomToChannel map[string]int,
	st *store.Store,
	dispatcher *plugin.Dispatcher,
	pacer *radio.Pacer,
	myNodeNum func() uint32,
	responseDelay time.Duration,
	log zerolog.Logger,
) *InboundHandler {
	return &InboundHandler{
		selfUserID:    selfUserID,
		ourMeshnet:    ourMeshnet,
		maxAge:        maxAge,
		roomToChannel: roomToChannel,
		store:         st,
		dispatcher:    dispatcher,
		pacer:         pacer,
		myNodeNum:     myNodeNum,
		responseDelay: responseDelay,
		log:           log.With().Str("component", "matrix").Logger(),
	}
}

// Handle runs the 7-step pipeline of §4.7 for one translated event.
// syncStart is the time the current sync session began, used for the
// startup-backlog age filter (step 3).
func (h *InboundHandler) Handle(syncStart time.Time, evt MatrixEvent) {
	ctx := context.Background()

	// Step 1: self filter.
	if evt.Sender == h.selfUserID() {
		return
	}

	// Step 2: room filter.
	channel, ok := h.roomToChannel[evt.RoomID]
	if !ok {
		return
	}

	// Step 3: startup backlog filter — drop events older than the sync
	// session (avoids replaying room history on every reconnect).
	if !evt.Timestamp.IsZero() && !syncStart.IsZero() && evt.Timestamp.Before(syncStart) {
		return
	}

	if evt.Kind == KindReaction {
		h.handleReaction(ctx, evt, channel)
		return
	}

	if evt.Body == "" {
		return
	}

	// Step 4: own-echo filter — a message we ourselves relayed from the
	// mesh, seen bounced back by another bridge instance.
	if identity.IsOwnEcho(evt.Body, h.ourMeshnet) {
		return
	}

	displayName := identity.ResolveMatrixName(evt.Sender, evt.DisplayName)

	// Step 5/6: plugin dispatch.
	in := plugin.Inbound{
		Side:    plugin.FromMatrix,
		Channel: channel,
		Command: firstToken(evt.Body),
		Text:    evt.Body,
		NodeID:  evt.Sender,
		RoomID:  evt.RoomID,
	}
	if h.dispatcher.Dispatch(ctx, in, h.capabilitiesFor) {
		return
	}

	if evt.Kind == KindReply {
		h.handleReply(ctx, evt, channel, displayName)
		return
	}

	h.translateAndSend(ctx, channel, identity.FormatMatrixAttribution(displayName, evt.Body), evt.EventID, evt.RoomID)
}

// handleReply prepends a short quoted excerpt of the original mesh message
// before the reply body, then forwards like any other text event. A reply
// produces its own message-map row like any other forwarded text (§4.7: a
// reply is "any other forwarded text" with a richer prefix).
func (h *InboundHandler) handleReply(ctx context.Context, evt MatrixEvent, channel int, displayName string) {
	prefix := ""
	if original, ok, err := h.store.ByMatrixEventID(ctx, evt.InReplyTo); err == nil && ok {
		prefix = quoteExcerpt(original.Text) + " "
	}

	body := identity.FormatMatrixAttribution(displayName, prefix+evt.Body)
	h.translateAndSend(ctx, channel, body, evt.EventID, evt.RoomID)
}

// quoteExcerpt renders a short quoted lead-in for a reply, e.g. `> hello:`.
// Long originals are clipped so the excerpt never dominates the reply body.
func quoteExcerpt(text string) string {
	const maxExcerpt = 40
	text = strings.TrimSpace(text)
	if len(text) > maxExcerpt {
		text = text[:maxExcerpt] + "…"
	}
	return fmt.Sprintf("> %s:", text)
}

// handleReaction implements §8 scenario 3: a reaction never produces a new
// message-map row; it is rendered as a standalone informational line and
// sent only if the reacted-to event has a known mesh counterpart.
func (h *InboundHandler) handleReaction(ctx context.Context, evt MatrixEvent, channel int) {
	original, ok, err := h.store.ByMatrixEventID(ctx, evt.ReactsTo)
	if err != nil || !ok {
		return
	}

	displayName := identity.ResolveMatrixName(evt.Sender, evt.DisplayName)
	text := fmt.Sprintf("%s reacted %s to: %s", displayName, evt.ReactionKey, excerptFor(original.Text))

	frame, id, err := h.encode(channel, text)
	if err != nil {
		h.log.Warn().Err(err).Msg("encode reaction failed")
		return
	}
	_ = id
	if err := <-h.pacer.Enqueue(frame); err != nil {
		h.log.Warn().Err(err).Msg("reaction send failed")
	}
}

// excerptFor strips any attribution wrapper from a stored mesh message
// before quoting it back in a reaction summary.
func excerptFor(text string) string {
	if _, _, body, ok := identity.ParseAttribution(text); ok {
		return body
	}
	return text
}

// translateAndSend implements §4.7 step 7: MTU truncation then encode and
// enqueue on the pacer, recording the new message-map row keyed by the
// Matrix event ID.
func (h *InboundHandler) translateAndSend(ctx context.Context, channel int, text, eventID, roomID string) {
	text = truncateToMTU(text, config.MeshMTU)

	frame, packetID, err := h.encode(channel, text)
	if err != nil {
		h.log.Warn().Err(err).Msg("encode outbound text failed")
		return
	}

	if err := <-h.pacer.Enqueue(frame); err != nil {
		h.log.Warn().Err(err).Msg("outbound send failed")
		return
	}

	row := store.MessageMapRow{
		MatrixEventID: eventID,
		MeshID:        fmt.Sprintf("%d", packetID),
		RoomID:        roomID,
		Text:          text,
		OriginMeshnet: h.ourMeshnet,
		CreatedAt:     time.Now(),
	}
	if err := h.store.StoreMessageMap(ctx, row); err != nil {
		h.log.Warn().Err(err).Msg("message map store failed")
	}
}

// truncateToMTU clips text to at most mtu bytes, appending an ellipsis when
// truncated (§8: "MTU+1 byte body is truncated to MTU with an ellipsis
// appended; an exact-MTU body is forwarded unchanged").
func truncateToMTU(text string, mtu int) string {
	if len(text) <= mtu {
		return text
	}
	const ellipsis = "…"
	cut := mtu - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	return text[:cut] + ellipsis
}

func (h *InboundHandler) encode(channel int, text string) ([]byte, uint32, error) {
	id := atomic.AddUint32(&h.packetIDSeq, 1)
	frame, err := meshtastic.EncodeToRadio(h.myNodeNum(), meshtastic.BroadcastNode, uint32(channel), id, meshtastic.PortNumTextMessageApp, []byte(text))
	return frame, id, err
}

// capabilitiesFor builds the Matrix-side plugin Capabilities (§4.8): a mesh
// send function riding the same pacer core sends use, and a direct Matrix
// reply function bound to this event's room. Both wait out response_delay
// first (§4.8, §8), separate from the pacer's own inter-send spacing, so a
// plugin's reply doesn't immediately burst the mesh right behind its
// trigger.
func (h *InboundHandler) capabilitiesFor(pluginName string) plugin.Capabilities {
	return plugin.Capabilities{
		Store:      h.store,
		PluginName: pluginName,
		SendMesh: func(ctx context.Context, channel int, text string) error {
			if err := sleepCtx(ctx, h.responseDelay); err != nil {
				return err
			}
			frame, _, err := h.encode(channel, text)
			if err != nil {
				return err
			}
			return <-h.pacer.Enqueue(frame)
		},
		SendMatrix: func(ctx context.Context, roomID, text string) error {
			if h.matrixSend == nil {
				return fmt.Errorf("matrix: sender not wired")
			}
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

func identityLocalpart(userID string) string {
	return identity.ResolveMatrixName(userID, "")
}
