package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Bridge is the top-level facade: it owns the wire client, identity mapper,
// translator, session supervisor and outbound dispatcher, and exposes the
// bot-facing surface (inbound callback, Send family, identity resolution).
type Bridge struct {
	cfg  *Config
	log  zerolog.Logger
	wire WireClient

	mapper     *IdentityMapper
	translator *Translator
	sup        *Supervisor
	dispatcher *Dispatcher

	// onMessage and onSendFailure must be set before Run.
	onMessage     InboundHandler
	onSendFailure SendFailureHandler
}

// New wires a bridge from config. The wire client, mapper, translator,
// supervisor and dispatcher are all constructed here; only Run starts any
// goroutine.
func New(cfg *Config, log zerolog.Logger) (*Bridge, error) {
	wire, err := NewRESTClient(cfg.ServerURL, log)
	if err != nil {
		return nil, err
	}
	return newWithWire(cfg, wire, log), nil
}

// newWithWire is the injectable constructor used by tests.
func newWithWire(cfg *Config, wire WireClient, log zerolog.Logger) *Bridge {
	b := &Bridge{
		cfg:  cfg,
		log:  log.With().Str("component", "bridge").Logger(),
		wire: wire,
	}

	b.mapper = NewIdentityMapper(wire, func() *Session { return b.sup.Session() }, log)
	b.translator = NewTranslator(b.mapper, cfg.LoginUsername, cfg.BotPrefix, cfg.Outbound.MaxMessageSize, log)
	b.sup = NewSupervisor(wire, b.translator, cfg.LoginUsername, cfg.LoginPassword,
		BackoffPolicy{Min: cfg.Reconnect.MinBackoff(), Max: cfg.Reconnect.MaxBackoff()},
		b.handleInbound, log)
	b.dispatcher = NewDispatcher(wire, b.translator, b.sup, cfg.Outbound, b.handleSendFailure, log)
	return b
}

// OnMessage registers the inbound callback. Must be called before Run; the
// callback runs on the stream goroutine, so a slow handler backpressures
// the stream rather than reordering messages.
func (b *Bridge) OnMessage(handler InboundHandler) {
	b.onMessage = handler
}

// OnSendFailure registers the permanent-drop callback. Must be called
// before Run.
func (b *Bridge) OnSendFailure(handler SendFailureHandler) {
	b.onSendFailure = handler
}

func (b *Bridge) handleInbound(msg *CanonicalMessage) {
	if b.onMessage == nil {
		b.log.Debug().Str("room", string(msg.Room.ID)).Msg("No inbound handler registered, dropping message")
		return
	}
	b.onMessage(msg)
}

func (b *Bridge) handleSendFailure(send *PendingSend, err error) {
	if b.onSendFailure != nil {
		b.onSendFailure(send, err)
	}
}

// State returns the current connection state.
func (b *Bridge) State() ConnState {
	return b.sup.State()
}

// WaitLive blocks until the bridge is connected and subscribed, or ctx
// ends.
func (b *Bridge) WaitLive(ctx context.Context) error {
	return b.sup.WaitLive(ctx)
}

// Send queues a plain text message for a room. It returns immediately;
// delivery, chunking and retries happen on the dispatcher goroutine.
func (b *Bridge) Send(room RoomID, body string) error {
	return b.dispatcher.Enqueue(&PendingSend{Room: room, Body: body})
}

// SendWithAttachments queues a message carrying card-style attachments.
func (b *Bridge) SendWithAttachments(room RoomID, body string, attachments []Attachment) error {
	return b.dispatcher.Enqueue(&PendingSend{Room: room, Body: body, Attachments: attachments})
}

// SendDirect opens (or reuses) the DM room with a username and queues the
// message there. The room lookup is synchronous; the send is not.
func (b *Bridge) SendDirect(ctx context.Context, username, body string) error {
	sess := b.sup.Session()
	if sess == nil {
		return fmt.Errorf("cannot open direct room: not connected: %w", ErrDelivery)
	}
	room, err := b.wire.CreateDirectRoom(ctx, sess, username)
	if err != nil {
		return err
	}
	b.mapper.PrimeRoom(room)
	return b.Send(room.ID, body)
}

// ResolveUser resolves a user ID through the identity cache.
func (b *Bridge) ResolveUser(ctx context.Context, id UserID) (*RemoteIdentity, error) {
	return b.mapper.ResolveUser(ctx, id)
}

// ResolveRoom resolves a room ID through the identity cache.
func (b *Bridge) ResolveRoom(ctx context.Context, id RoomID) (*RemoteRoom, error) {
	return b.mapper.ResolveRoom(ctx, id)
}

// Run starts the dispatcher and optional heartbeat, then drives the
// session supervisor until ctx is cancelled. On exit the session token is
// invalidated server-side, best effort.
func (b *Bridge) Run(ctx context.Context) error {
	go b.dispatcher.Run(ctx)
	if b.cfg.Heartbeat.Enabled {
		go b.heartbeatLoop(ctx)
	}

	err := b.sup.Run(ctx)

	if sess := b.sup.Session(); sess != nil {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if lerr := b.wire.Logout(logoutCtx, sess); lerr != nil {
			b.log.Debug().Err(lerr).Msg("Logout failed during shutdown")
		}
	}
	b.log.Info().Msg("Bridge stopped")
	return err
}

// heartbeatLoop posts a periodic liveness message while the session is
// live. Ticks arriving while disconnected are skipped, not queued.
func (b *Bridge) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Heartbeat.Interval())
	defer ticker.Stop()
	room := MakeRoomID(b.cfg.Heartbeat.RoomID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.sup.State() != StateLive {
				continue
			}
			if err := b.Send(room, "heartbeat"); err != nil {
				b.log.Warn().Err(err).Msg("Heartbeat enqueue failed")
			}
		}
	}
}
