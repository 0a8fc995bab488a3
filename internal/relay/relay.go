// Package relay wires config, storage, the radio side (C3/C4/C6), and the
// Matrix side (C7) into one running process, and owns signal-driven
// shutdown (§2 data-flow, §6 CLI surface).
package relay

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmrelay/mmrelay/internal/bridge"
	"github.com/mmrelay/mmrelay/internal/config"
	"github.com/mmrelay/mmrelay/internal/matrix"
	"github.com/mmrelay/mmrelay/internal/meshtastic"
	"github.com/mmrelay/mmrelay/internal/plugin"
	"github.com/mmrelay/mmrelay/internal/radio"
	"github.com/mmrelay/mmrelay/internal/store"
)

// Relay owns every long-running component for one configured bridge
// instance: the store, the radio engine/pacer/inbound handler, and the
// Matrix connector/inbound handler.
type Relay struct {
	cfg config.Config
	log zerolog.Logger

	store      *store.Store
	bridge     *bridge.Bridge
	engine     *radio.Engine
	pacer      *radio.Pacer
	radioIn    *radio.InboundHandler
	matrixIn   *matrix.InboundHandler
	connector  *matrix.Connector
	dispatcher *plugin.Dispatcher
}

// New builds a Relay from a validated config and an already-opened store
// (§4.1: the store is opened once at startup by the caller, which also
// applies msg_map.wipe_on_restart before handing it here).
func New(cfg config.Config, st *store.Store, log zerolog.Logger) *Relay {
	messageDelay, clamped := config.ClampMessageDelay(cfg.Meshtastic.MessageDelay)
	if clamped {
		log.Warn().Float64("configured", cfg.Meshtastic.MessageDelay).Float64("floor", messageDelay).Msg("message_delay below firmware floor, clamped")
	}

	responseDelay, responseClamped := config.ClampResponseDelay(cfg.Meshtastic.ResponseDelay)
	if responseClamped {
		log.Warn().Float64("configured", cfg.Meshtastic.ResponseDelay).Float64("floor", responseDelay).Msg("response_delay below firmware floor, clamped")
	}
	responseDelayDuration := time.Duration(responseDelay * float64(time.Second))

	dispatcher := plugin.NewDispatcher(func(pluginName string, err error) {
		log.Warn().Str("plugin", pluginName).Err(err).Msg("plugin error, treated as passthrough")
	})
	for name, pc := range cfg.Plugins {
		if !pc.Active {
			continue
		}
		p := builtinPlugin(name)
		if p == nil {
			log.Warn().Str("plugin", name).Msg("no built-in plugin registered under this name, skipping")
			continue
		}
		p.Priority = pc.Priority
		p.When = pc.When
		if len(pc.Channels) > 0 {
			p.Channels = make(map[int]struct{}, len(pc.Channels))
			for _, ch := range pc.Channels {
				p.Channels[ch] = struct{}{}
			}
		}
		if err := dispatcher.Register(p); err != nil {
			log.Warn().Str("plugin", name).Err(err).Msg("plugin registration failed")
		}
	}

	br := bridge.New(64)

	r := &Relay{cfg: cfg, log: log, store: st, bridge: br, dispatcher: dispatcher}

	pacerSender := &engineSender{}
	r.pacer = radio.NewPacer(pacerSender, time.Duration(messageDelay*float64(time.Second)), 256, log)

	r.radioIn = radio.NewInboundHandler(
		0, cfg.Meshtastic.MeshnetName,
		cfg.ChannelToRooms(), cfg.AllRoomIDs(),
		st, dispatcher, br, r.pacer,
		func(ctx context.Context, roomID, text string) (string, error) { return r.connector.Send(ctx, roomID, text) },
		responseDelayDuration,
		log,
	)

	r.engine = radio.NewEngine(
		func() (meshtastic.Transport, error) {
			return meshtastic.NewTransport(meshtastic.Config{
				ConnectionType: cfg.Meshtastic.ConnectionType,
				SerialPort:     cfg.Meshtastic.SerialPort,
				Host:           cfg.Meshtastic.Host,
				BLEAddress:     cfg.Meshtastic.BLEAddress,
			})
		},
		time.Duration(cfg.Meshtastic.Timeout*float64(time.Second)),
		time.Duration(cfg.Meshtastic.HealthInterval*float64(time.Second)),
		func(pkt meshtastic.Packet) {
			r.radioIn.SetMyNodeNum(r.engine.MyNodeNum())
			r.radioIn.Handle(context.Background(), pkt)
		},
		nil,
		log,
	)
	pacerSender.engine = r.engine

	r.matrixIn = matrix.NewInboundHandler(
		func() string { return r.connector.Identity() },
		cfg.Meshtastic.MeshnetName,
		time.Hour,
		cfg.RoomToChannel(),
		st, dispatcher, r.pacer,
		r.engine.MyNodeNum,
		responseDelayDuration,
		log,
	)

	r.connector = matrix.NewConnector(matrix.Config{
		Homeserver:    cfg.Matrix.Homeserver,
		BotUserID:     cfg.Matrix.BotUserID,
		AccessToken:   cfg.Matrix.AccessToken,
		E2EEEnabled:   cfg.Matrix.E2EE.Enabled,
		E2EEStorePath: cfg.Matrix.E2EE.StorePath,
		Rooms:         cfg.AllRoomIDs(),
	}, r.matrixIn, log)

	return r
}

// engineSender adapts *radio.Engine to radio.Sender for the pacer, with the
// engine assigned after construction (engine and pacer are mutually
// referential: the engine's onPacket callback goes to the radio inbound
// handler, which is built with the pacer, and the pacer needs the engine to
// send through).
type engineSender struct {
	engine *radio.Engine
}

func (s *engineSender) Send(frame []byte) error { return s.engine.Send(frame) }
func (s *engineSender) Connected() bool         { return s.engine.Connected() }

func builtinPlugin(name string) *plugin.Plugin {
	switch name {
	case "ping":
		return plugin.NewPingPlugin()
	case "nodeinfo":
		return plugin.NewNodeInfoPlugin()
	default:
		return nil
	}
}

// Run starts the radio engine, the send pacer, and the Matrix connector,
// blocking until ctx is cancelled, then drains each component in turn
// (§2: "a single long-running process").
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info().Msg("relay starting")

	go r.bridge.Run(ctx)
	go r.pacer.Run(ctx)
	go r.engine.Run(ctx)
	go r.connector.Run(ctx)

	<-ctx.Done()

	r.log.Info().Msg("relay shutting down")
	r.engine.Shutdown()
	r.bridge.Shutdown()

	return nil
}

// RunUntilSignal is the top-level entry point cmd/mmrelay's main calls: it
// builds a signal-driven shutdown context (SIGINT/SIGTERM), matching the
// teacher's own server.Run() shape, and blocks until shutdown completes.
func RunUntilSignal(cfg config.Config, st *store.Store, log zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := New(cfg, st, log)
	if err := r.Run(ctx); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	return nil
}
