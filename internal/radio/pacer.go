package radio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender is what the pacer's single consumer needs from the connection
// engine: a way to push a frame out and know whether it can right now
// (§4.4: "if the transport is not connected or reconnecting, the consumer
// blocks... preserving order").
type Sender interface {
	Send(frame []byte) error
	Connected() bool
}

// SendJob is one pacer entry: a frame to write once the floor delay and
// connectivity allow it (§4.4 "each entry carries a callable bound to the
// current transport handle").
type SendJob struct {
	Frame []byte
}

// Pacer is C4: a single consumer draining a FIFO queue, sleeping at least
// messageDelay between successful sends via a token-bucket limiter —
// adapted from the rate.Limiter idiom the pack's IRC client uses for its
// own outbound flood control, retargeted from a messages-per-second rate to
// a minimum-inter-send-delay rate (burst 1, refill every messageDelay).
type Pacer struct {
	sender      Sender
	limiter     *rate.Limiter
	queue       chan job
	log         zerolog.Logger
	drainedDone chan struct{}
}

type job struct {
	frame  []byte
	result chan jobResult
}

type jobResult struct {
	err error
}

// NewPacer builds a Pacer enforcing messageDelay (already clamped to the
// §4.4 floor by the caller) between sends, with a bounded queue depth.
func NewPacer(sender Sender, messageDelay time.Duration, queueDepth int, log zerolog.Logger) *Pacer {
	return &Pacer{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(messageDelay), 1),
		queue:   make(chan job, queueDepth),
		log:     log.With().Str("component", "pacer").Logger(),
	}
}

// Enqueue is non-blocking (§4.4 contract) and returns a channel that
// receives the eventual send result exactly once.
func (p *Pacer) Enqueue(frame []byte) <-chan error {
	resultCh := make(chan jobResult, 1)
	errCh := make(chan error, 1)

	select {
	case p.queue <- job{frame: frame, result: resultCh}:
	default:
		errCh <- fmt.Errorf("radio: send queue full")
		return errCh
	}

	go func() {
		r := <-resultCh
		errCh <- r.err
	}()
	return errCh
}

// Run drains the queue until ctx is cancelled, blocking on connectivity and
// the rate limiter between sends, preserving enqueue order (§4.4).
func (p *Pacer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case j := <-p.queue:
			p.deliver(ctx, j)
		}
	}
}

func (p *Pacer) deliver(ctx context.Context, j job) {
	for !p.sender.Connected() {
		select {
		case <-ctx.Done():
			j.result <- jobResult{err: ctx.Err()}
			return
		case <-time.After(200 * time.Millisecond):
			// §4.4: "the consumer blocks (does not fail) until connectivity
			// resumes, preserving order" — polled rather than event-driven
			// since the engine exposes no resume channel.
		}
	}

	if err := p.limiter.Wait(ctx); err != nil {
		j.result <- jobResult{err: err}
		return
	}

	err := p.sender.Send(j.frame)
	if err != nil {
		// §4.4: "there is no per-item retry at this layer... a failure is
		// logged and the item is dropped".
		p.log.Warn().Err(err).Msg("send failed, dropping item")
	}
	j.result <- jobResult{err: err}
}

// drain abandons everything still queued when Run's ctx is cancelled,
// logging a warning per item and failing its result channel. Nothing is
// sent during shutdown: there is no drain period before items are
// abandoned.
func (p *Pacer) drain() {
	for {
		select {
		case j := <-p.queue:
			p.log.Warn().Msg("abandoning queued send on shutdown")
			j.result <- jobResult{err: fmt.Errorf("radio: pacer shut down before send")}
		default:
			return
		}
	}
}
