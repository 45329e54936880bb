package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// InboundHandler receives every translated inbound message. The supervisor
// calls it synchronously and strictly in arrival order: one message is
// fully handled before the next stream event is pulled.
type InboundHandler func(*CanonicalMessage)

// BackoffPolicy is a bounded exponential backoff: Min, 2*Min, 4*Min, ...
// capped at Max.
type BackoffPolicy struct {
	Min time.Duration
	Max time.Duration
}

// Delay returns the wait before retry number attempt (0-based). The
// sequence is strictly increasing until it reaches the cap.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	d := b.Min
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// escalateAfter is the consecutive-failure count past which reconnect
// logging moves from warning to error level.
const escalateAfter = 5

// supervisorParams groups the static inputs of a Supervisor.
type supervisorParams struct {
	username string
	password string
	backoff  BackoffPolicy
}

// Supervisor owns the session lifecycle: authenticate, subscribe, pump the
// event stream, and reconnect with capped backoff on any failure. It is the
// exclusive owner of the Session, which is replaced (never mutated) on each
// reconnect.
type Supervisor struct {
	wire       WireClient
	translator *Translator
	params     supervisorParams
	onMessage  InboundHandler
	log        zerolog.Logger

	state   atomic.Int32
	session atomic.Pointer[Session]

	// cursor and pending are only touched by the run loop.
	cursor  StreamCursor
	pending *RawEvent

	mu      sync.Mutex
	liveCh  chan struct{}
	stream  EventStream
	expired bool
}

// NewSupervisor wires a supervisor. onMessage must be non-nil by the time
// Run is called.
func NewSupervisor(wire WireClient, translator *Translator, username, password string, backoff BackoffPolicy, onMessage InboundHandler, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		wire:       wire,
		translator: translator,
		params:     supervisorParams{username: username, password: password, backoff: backoff},
		onMessage:  onMessage,
		log:        log.With().Str("component", "supervisor").Logger(),
		liveCh:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() ConnState {
	return ConnState(s.state.Load())
}

// Session returns the current session, or nil before the first successful
// authentication. The returned value is immutable.
func (s *Supervisor) Session() *Session {
	return s.session.Load()
}

func (s *Supervisor) setState(st ConnState) {
	old := ConnState(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug().Stringer("from", old).Stringer("to", st).Msg("State transition")
	}
}

// markLive flips to Live and releases every WaitLive caller.
func (s *Supervisor) markLive() {
	s.setState(StateLive)
	s.mu.Lock()
	close(s.liveCh)
	s.mu.Unlock()
}

// unmarkLive re-arms the live gate before leaving the Live state.
func (s *Supervisor) unmarkLive() {
	s.mu.Lock()
	select {
	case <-s.liveCh:
		s.liveCh = make(chan struct{})
	default:
	}
	s.expired = false
	s.mu.Unlock()
}

// WaitLive blocks until the supervisor reaches Live or ctx is done.
func (s *Supervisor) WaitLive(ctx context.Context) error {
	for {
		if s.State() == StateLive {
			return nil
		}
		s.mu.Lock()
		ch := s.liveCh
		s.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NotifySessionExpired tells the supervisor that a wire call outside the
// stream loop observed a 401. If currently Live, the stream is closed so
// the run loop re-authenticates.
func (s *Supervisor) NotifySessionExpired() {
	s.mu.Lock()
	stream := s.stream
	already := s.expired
	s.expired = true
	s.mu.Unlock()
	if already {
		return
	}
	s.log.Warn().Msg("Session expired, forcing reconnect")
	if stream != nil {
		stream.Close()
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled. It always
// returns ctx.Err() and leaves the supervisor in ShuttingDown.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateShuttingDown)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.setState(StateAuthenticating)
		sess, err := s.wire.Login(ctx, s.params.username, s.params.password)
		if err != nil {
			s.logRetryable(err, attempt)
			if !s.backoffWait(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}
		s.session.Store(sess)

		s.setState(StateSubscribing)
		stream, err := s.wire.OpenStream(ctx, sess)
		if err != nil {
			s.logRetryable(err, attempt)
			if !s.backoffWait(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		if s.cursor.LastMessageID != "" && !stream.Resumable() {
			// The subscription replays from now; anything between the last
			// processed event and this moment is lost.
			s.log.Warn().
				Str("last_message_id", string(s.cursor.LastMessageID)).
				Time("last_timestamp", s.cursor.LastTimestamp).
				Msg("Stream not resumable, events during the outage are not replayed")
		}

		s.mu.Lock()
		s.stream = stream
		s.mu.Unlock()
		s.markLive()
		attempt = 0

		err = s.consume(ctx, stream)
		s.unmarkLive()
		stream.Close()
		s.mu.Lock()
		s.stream = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(StateReconnecting)
		if err != nil {
			s.log.Warn().Err(err).Msg("Stream terminated, reconnecting")
		} else {
			s.log.Warn().Msg("Stream closed by server, reconnecting")
		}
		if !s.backoffWait(ctx, attempt) {
			return ctx.Err()
		}
		attempt++
	}
}

// consume pulls stream events one at a time, translating and delivering
// each before the next. An event whose translation hits a session expiry
// is kept pending and retried here after the next reconnect, before any
// event from the new stream, so a mid-lookup 401 cannot lose it.
func (s *Supervisor) consume(ctx context.Context, stream EventStream) error {
	if s.pending != nil {
		if err := s.handleEvent(ctx, *s.pending); err != nil {
			return err
		}
		s.pending = nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return stream.Err()
			}
			if err := s.handleEvent(ctx, ev); err != nil {
				s.pending = &ev
				return err
			}
		}
	}
}

// handleEvent translates and delivers one event. Only session expiry is
// returned; other translation failures never terminate the loop.
func (s *Supervisor) handleEvent(ctx context.Context, ev RawEvent) error {
	msg, err := s.translator.TranslateInbound(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return err
		}
		s.log.Warn().Err(err).Msg("Dropping untranslatable event")
		return nil
	}
	if msg == nil {
		return nil
	}
	s.onMessage(msg)
	s.cursor = StreamCursor{
		LastMessageID: msg.ID,
		LastTimestamp: msg.Timestamp,
	}
	return nil
}

// logRetryable reports a failed connect step. Credential rejection gets a
// distinct operator-facing message; everything escalates to error level
// after enough consecutive failures.
func (s *Supervisor) logRetryable(err error, attempt int) {
	evt := s.log.Warn()
	if attempt >= escalateAfter {
		evt = s.log.Error()
	}
	if errors.Is(err, ErrAuth) {
		evt.Err(err).Int("attempt", attempt+1).
			Msg("Server rejected credentials; retrying, but persistent failure needs operator action")
		return
	}
	evt.Err(err).Int("attempt", attempt+1).Msg("Connection attempt failed")
}

// backoffWait sleeps for the capped exponential delay, returning false if
// ctx was cancelled first.
func (s *Supervisor) backoffWait(ctx context.Context, attempt int) bool {
	s.setState(StateReconnecting)
	delay := s.params.backoff.Delay(attempt)
	s.log.Debug().Dur("delay", delay).Int("attempt", attempt+1).Msg("Backing off before reconnect")
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
