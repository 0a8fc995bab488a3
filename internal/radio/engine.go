// Package radio implements C3 (the connection engine), C4 (the send
// pacer), and C6 (the inbound radio handler) — everything on the mesh side
// of the bridge (§4.3, §4.4, §4.6).
package radio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmrelay/mmrelay/internal/meshtastic"
)

const (
	initialBackoff = 10 * time.Second
	maxBackoff     = 300 * time.Second
)

// Engine owns one Transport's lifecycle: open, health-check, reconnect with
// exponential backoff, and graceful shutdown (§4.3). It hands every decoded
// packet to onPacket and reports resumption via onResume.
type Engine struct {
	newTransport   func() (meshtastic.Transport, error)
	openTimeout    time.Duration
	healthInterval time.Duration
	onPacket       func(meshtastic.Packet)
	onResume       func()
	log            zerolog.Logger

	mu           sync.Mutex
	transport    meshtastic.Transport
	reconnecting bool
	shuttingDown bool

	myNodeNum atomic.Uint32

	inFlight sync.WaitGroup
}

// NewEngine constructs an Engine. newTransport is called once per connection
// attempt so a fresh transport value backs every open (mirroring the
// library's own reconnect-by-recreating-the-handle pattern).
func NewEngine(newTransport func() (meshtastic.Transport, error), openTimeout, healthInterval time.Duration, onPacket func(meshtastic.Packet), onResume func(), log zerolog.Logger) *Engine {
	return &Engine{
		newTransport:   newTransport,
		openTimeout:    openTimeout,
		healthInterval: healthInterval,
		onPacket:       onPacket,
		onResume:       onResume,
		log:            log.With().Str("component", "radio").Logger(),
	}
}

// Run opens the transport, registers the read loop, and supervises health
// checks until ctx is cancelled (§4.3 steps 1-4). It blocks for the
// lifetime of the engine.
func (e *Engine) Run(ctx context.Context) {
	if err := e.open(ctx); err != nil {
		e.log.Error().Err(err).Msg("initial transport open failed")
		e.reconnect(ctx)
	}

	ticker := time.NewTicker(e.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Shutdown()
			return
		case <-ticker.C:
			e.healthCheck(ctx)
		}
	}
}

// open builds a fresh transport, opens it with the bounded timeout (§4.3
// step 2), sends the want_config handshake, and starts the read loop
// (§4.3 step 3).
func (e *Engine) open(ctx context.Context) error {
	t, err := e.newTransport()
	if err != nil {
		return fmt.Errorf("radio: build transport: %w", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, e.openTimeout)
	defer cancel()
	if err := t.Open(openCtx, e.openTimeout); err != nil {
		return fmt.Errorf("radio: open transport: %w", err)
	}

	if frame, err := meshtastic.EncodeWantConfig(1); err == nil {
		if err := t.Framer().WritePacket(frame); err != nil {
			e.log.Warn().Err(err).Msg("want_config handshake write failed")
		}
	}

	e.mu.Lock()
	e.transport = t
	e.reconnecting = false
	e.shuttingDown = false
	e.mu.Unlock()

	e.inFlight.Add(1)
	go e.readLoop(ctx, t)

	return nil
}

// readLoop is the library's packet-received callback (§4.3 step 3), running
// until the transport errors, ctx is cancelled, or shutdown begins.
func (e *Engine) readLoop(ctx context.Context, t meshtastic.Transport) {
	defer e.inFlight.Done()

	for {
		frame, err := t.Framer().ReadPacket()
		if err != nil {
			if ctx.Err() != nil || e.isShuttingDown() {
				return
			}
			if meshtastic.IsExpectedTransportError(err) {
				continue
			}
			e.log.Warn().Err(err).Msg("transport read failed, triggering reconnect")
			go e.reconnect(ctx)
			return
		}

		if nodeNum, ok := meshtastic.DecodeMyInfo(frame); ok {
			e.myNodeNum.Store(nodeNum)
			continue
		}

		packet, ok, err := meshtastic.DecodeFromRadio(frame)
		if err != nil {
			// §4.3: "packet decode error in callback — logged and dropped,
			// connection preserved".
			e.log.Warn().Err(err).Msg("packet decode failed, dropping")
			continue
		}
		if !ok {
			continue // non-packet FromRadio variant (config replay, etc.)
		}

		e.onPacket(packet)
	}
}

// healthCheck runs the periodic liveness probe (§4.3 step 4); a failure
// triggers a reconnect.
func (e *Engine) healthCheck(ctx context.Context) {
	e.mu.Lock()
	t := e.transport
	reconnecting := e.reconnecting
	e.mu.Unlock()

	if t == nil || reconnecting {
		return
	}

	if err := t.Probe(ctx); err != nil {
		e.log.Warn().Err(err).Msg("health probe failed, triggering reconnect")
		e.reconnect(ctx)
	}
}

// reconnect implements §4.3's reconnect protocol: coalesced re-entry,
// best-effort close, exponential backoff from 10s capped at 300s, reset on
// success, abort if shutting down.
func (e *Engine) reconnect(ctx context.Context) {
	e.mu.Lock()
	if e.reconnecting {
		e.mu.Unlock()
		return // subsequent triggers while reconnecting are coalesced
	}
	e.reconnecting = true
	existing := e.transport
	e.transport = nil
	e.mu.Unlock()

	if existing != nil {
		_ = existing.Close() // best-effort; errors ignored
	}

	delay := initialBackoff
	for {
		if e.isShuttingDown() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if e.isShuttingDown() {
			return
		}

		if err := e.open(ctx); err != nil {
			delay *= 2
			if delay > maxBackoff {
				delay = maxBackoff
			}
			e.log.Warn().Err(err).Dur("next_delay", delay).Msg("reconnect attempt failed")
			continue
		}

		e.log.Info().Msg("reconnected")
		if e.onResume != nil {
			e.onResume()
		}
		return
	}
}

func (e *Engine) isShuttingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shuttingDown
}

// Shutdown marks the engine as shutting down, closes the transport
// tolerating errors, and waits for the read loop to drain (§4.3
// "Shutdown").
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.shuttingDown = true
	t := e.transport
	e.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}

	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.log.Warn().Msg("shutdown timed out waiting for in-flight callbacks to drain")
	}
}

// Send writes a raw frame to the currently open transport, or returns an
// error if none is connected (used by the pacer's consumer, C4).
func (e *Engine) Send(frame []byte) error {
	e.mu.Lock()
	t := e.transport
	reconnecting := e.reconnecting
	e.mu.Unlock()

	if t == nil || reconnecting {
		return fmt.Errorf("radio: transport not connected")
	}
	return t.Framer().WritePacket(frame)
}

// Connected reports whether a transport is currently open and not
// reconnecting (§4.4: "If the transport is not connected or is
// reconnecting, the consumer blocks").
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport != nil && !e.reconnecting
}

// MyNodeNum returns our own node number once the device has reported it in
// response to the want_config handshake (§4.3 step 2), or 0 before then.
func (e *Engine) MyNodeNum() uint32 {
	return e.myNodeNum.Load()
}
