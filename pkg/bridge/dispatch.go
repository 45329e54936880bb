package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// SendFailureHandler is called exactly once for each message that is
// permanently dropped, after the retry budget is spent or on a permanent
// server rejection.
type SendFailureHandler func(send *PendingSend, err error)

// sessionSource is the supervisor surface the dispatcher needs.
type sessionSource interface {
	Session() *Session
	WaitLive(ctx context.Context) error
	NotifySessionExpired()
}

// Dispatcher serializes outbound sends through a bounded FIFO queue. A
// single consumer goroutine preserves per-room order (and global order,
// which is stronger but harmless). Transient failures are retried with a
// fixed delay up to a budget; a session expiry pauses the consumer until
// the supervisor is live again without spending retry attempts.
type Dispatcher struct {
	wire       WireClient
	translator *Translator
	source     sessionSource
	onFailure  SendFailureHandler

	queue       chan *PendingSend
	maxAttempts int
	retryDelay  time.Duration
	log         zerolog.Logger
}

// NewDispatcher builds a dispatcher. onFailure may be nil; permanent drops
// are then only logged.
func NewDispatcher(wire WireClient, translator *Translator, source sessionSource, cfg OutboundConfig, onFailure SendFailureHandler, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		wire:        wire,
		translator:  translator,
		source:      source,
		onFailure:   onFailure,
		queue:       make(chan *PendingSend, cfg.QueueSize),
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay(),
		log:         log.With().Str("component", "dispatcher").Logger(),
	}
}

// Enqueue accepts a message for delivery. It never blocks: when the queue
// is full the message is rejected immediately so callers can apply their
// own pressure handling.
func (d *Dispatcher) Enqueue(send *PendingSend) error {
	send.EnqueuedAt = time.Now()
	select {
	case d.queue <- send:
		return nil
	default:
		return fmt.Errorf("outbound queue full (%d pending): %w", cap(d.queue), ErrDelivery)
	}
}

// QueueLen reports the number of messages waiting for delivery.
func (d *Dispatcher) QueueLen() int {
	return len(d.queue)
}

// Run consumes the queue until ctx is cancelled, then fails whatever is
// still queued so no message disappears silently.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drainAndFail(ctx.Err())
			return
		case send := <-d.queue:
			d.deliver(ctx, send)
		}
	}
}

// deliver pushes one message out, chunk by chunk. A partial send resumes
// from the failed chunk rather than re-sending delivered ones.
func (d *Dispatcher) deliver(ctx context.Context, send *PendingSend) {
	msg := &CanonicalMessage{
		Room:        RemoteRoom{ID: send.Room},
		Body:        send.Body,
		Attachments: send.Attachments,
	}
	reqs := d.translator.TranslateOutbound(msg)

	chunk := 0
	for chunk < len(reqs) {
		if ctx.Err() != nil {
			d.fail(send, ctx.Err())
			return
		}

		sess := d.source.Session()
		if sess == nil {
			if !d.pause(ctx, send) {
				return
			}
			continue
		}

		_, err := d.wire.PostMessage(ctx, sess, &reqs[chunk])
		switch {
		case err == nil:
			chunk++
		case errors.Is(err, ErrSessionExpired):
			// Not the message's fault; wait for a fresh session and retry
			// the same chunk without spending an attempt. The sleep covers
			// the window before the supervisor has left the Live state, in
			// which WaitLive would return immediately.
			d.source.NotifySessionExpired()
			if !d.sleep(ctx) {
				d.fail(send, ctx.Err())
				return
			}
			if !d.pause(ctx, send) {
				return
			}
		case errors.Is(err, ErrNetwork):
			send.Attempts++
			if send.Attempts >= d.maxAttempts {
				d.fail(send, err)
				return
			}
			d.log.Warn().Err(err).
				Int("attempt", send.Attempts).
				Str("room_id", string(send.Room)).
				Msg("Send failed, will retry")
			if !d.sleep(ctx) {
				d.fail(send, ctx.Err())
				return
			}
		default:
			// Server rejected the message itself; retrying cannot help.
			d.fail(send, err)
			return
		}
	}

	d.log.Debug().Str("room_id", string(send.Room)).Int("chunks", len(reqs)).Msg("Delivered")
}

// pause blocks until the supervisor is live again. Returns false when ctx
// ended first, in which case the message has been failed.
func (d *Dispatcher) pause(ctx context.Context, send *PendingSend) bool {
	d.log.Debug().Str("room_id", string(send.Room)).Msg("Waiting for live session before sending")
	if err := d.source.WaitLive(ctx); err != nil {
		d.fail(send, err)
		return false
	}
	return true
}

func (d *Dispatcher) sleep(ctx context.Context) bool {
	timer := time.NewTimer(d.retryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// fail reports a permanent drop exactly once.
func (d *Dispatcher) fail(send *PendingSend, err error) {
	wrapped := err
	if !errors.Is(err, ErrDelivery) {
		wrapped = fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	d.log.Error().Err(err).
		Str("room_id", string(send.Room)).
		Int("attempts", send.Attempts).
		Msg("Dropping undeliverable message")
	if d.onFailure != nil {
		d.onFailure(send, wrapped)
	}
}

// drainAndFail empties the queue on shutdown, reporting each message as
// failed so callers can persist or log them.
func (d *Dispatcher) drainAndFail(cause error) {
	for {
		select {
		case send := <-d.queue:
			d.fail(send, cause)
		default:
			return
		}
	}
}
