package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// streamCollection is the Rocket.Chat realtime topic carrying room messages.
// The __my_messages__ parameter subscribes to every room the login user has
// joined.
const (
	streamCollection   = "stream-room-messages"
	streamAllMyRooms   = "__my_messages__"
	handshakeTimeout   = 15 * time.Second
	streamEventBuffer  = 32
	writeControlWindow = 10 * time.Second
)

// ddpMessage is the DDP frame envelope. Fields are a union across client
// and server frame kinds; unused ones stay empty.
type ddpMessage struct {
	Msg        string          `json:"msg,omitempty"`
	ID         string          `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Name       string          `json:"name,omitempty"`
	Params     []any           `json:"params,omitempty"`
	Version    string          `json:"version,omitempty"`
	Support    []string        `json:"support,omitempty"`
	Session    string          `json:"session,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	Subs       []string        `json:"subs,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ddpError       `json:"error,omitempty"`
}

type ddpError struct {
	Err     any    `json:"error"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (e *ddpError) String() string {
	if e == nil {
		return ""
	}
	if e.Reason != "" {
		return e.Reason
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%v", e.Err)
}

// changedFields is the payload of a `changed` frame on a stream collection.
type changedFields struct {
	EventName string            `json:"eventName"`
	Args      []json.RawMessage `json:"args"`
}

// ddpStream is an EventStream over a DDP websocket connection.
type ddpStream struct {
	conn   *websocket.Conn
	events chan RawEvent
	done   chan struct{}

	stopOnce sync.Once
	stopChan chan struct{}

	mu  sync.Mutex
	err error

	writeMu sync.Mutex
	log     zerolog.Logger
}

var _ EventStream = (*ddpStream)(nil)

// openDDPStream dials the websocket endpoint, performs the DDP handshake
// (connect, resume login with the REST auth token, subscribe), and starts
// the read loop. A rejected resume token maps to ErrSessionExpired; a
// rejected subscription to ErrStream.
func openDDPStream(ctx context.Context, endpoint, token string, log zerolog.Logger) (*ddpStream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w: %v", ErrNetwork, err)
	}

	s := &ddpStream{
		conn:     conn,
		events:   make(chan RawEvent, streamEventBuffer),
		done:     make(chan struct{}),
		stopChan: make(chan struct{}),
		log:      log.With().Str("component", "ddp").Logger(),
	}

	if err := s.handshake(token); err != nil {
		conn.Close()
		return nil, err
	}

	go s.readLoop()
	s.log.Info().Str("endpoint", endpoint).Msg("Stream subscribed")
	return s, nil
}

// handshake runs the synchronous part of the protocol before the read loop
// takes over. Server pings arriving mid-handshake are answered inline.
func (s *ddpStream) handshake(token string) error {
	deadline := time.Now().Add(handshakeTimeout)
	_ = s.conn.SetReadDeadline(deadline)
	defer s.conn.SetReadDeadline(time.Time{})

	if err := s.write(&ddpMessage{Msg: "connect", Version: "1", Support: []string{"1"}}); err != nil {
		return fmt.Errorf("connect frame failed: %w: %v", ErrNetwork, err)
	}
	if _, err := s.awaitMsg(func(m *ddpMessage) bool { return m.Msg == "connected" }); err != nil {
		return fmt.Errorf("no connected frame: %w: %v", ErrNetwork, err)
	}

	loginID := uuid.NewString()
	err := s.write(&ddpMessage{
		Msg:    "method",
		Method: "login",
		ID:     loginID,
		Params: []any{map[string]string{"resume": token}},
	})
	if err != nil {
		return fmt.Errorf("login frame failed: %w: %v", ErrNetwork, err)
	}
	result, err := s.awaitMsg(func(m *ddpMessage) bool { return m.Msg == "result" && m.ID == loginID })
	if err != nil {
		return fmt.Errorf("no login result: %w: %v", ErrNetwork, err)
	}
	if result.Error != nil {
		return fmt.Errorf("stream login rejected: %s: %w", result.Error, ErrSessionExpired)
	}

	subID := uuid.NewString()
	err = s.write(&ddpMessage{
		Msg:    "sub",
		ID:     subID,
		Name:   streamCollection,
		Params: []any{streamAllMyRooms, false},
	})
	if err != nil {
		return fmt.Errorf("sub frame failed: %w: %v", ErrNetwork, err)
	}
	ready, err := s.awaitMsg(func(m *ddpMessage) bool {
		if m.Msg == "ready" {
			for _, id := range m.Subs {
				if id == subID {
					return true
				}
			}
		}
		return m.Msg == "nosub" && m.ID == subID
	})
	if err != nil {
		return fmt.Errorf("no subscription ack: %w: %v", ErrNetwork, err)
	}
	if ready.Msg == "nosub" {
		return fmt.Errorf("subscription rejected: %s: %w", ready.Error, ErrStream)
	}
	return nil
}

// awaitMsg reads frames until match returns true, answering pings along
// the way and discarding everything else.
func (s *ddpStream) awaitMsg(match func(*ddpMessage) bool) (*ddpMessage, error) {
	for {
		var m ddpMessage
		if err := s.conn.ReadJSON(&m); err != nil {
			return nil, err
		}
		if m.Msg == "ping" {
			if err := s.write(&ddpMessage{Msg: "pong", ID: m.ID}); err != nil {
				return nil, err
			}
			continue
		}
		if match(&m) {
			return &m, nil
		}
	}
}

// readLoop pumps frames until the stream stops: server pings are answered
// (the server drops silent clients), changed frames become RawEvents, and
// a read error or Close terminates the loop. The events channel is closed
// on exit so consumers see end-of-stream.
func (s *ddpStream) readLoop() {
	defer func() {
		close(s.events)
		close(s.done)
	}()

	for {
		var m ddpMessage
		if err := s.conn.ReadJSON(&m); err != nil {
			select {
			case <-s.stopChan:
				// Closed locally; not an error.
			default:
				s.setErr(fmt.Errorf("stream read failed: %w: %v", ErrNetwork, err))
				s.log.Warn().Err(err).Msg("Stream connection lost")
			}
			return
		}

		switch m.Msg {
		case "ping":
			if err := s.write(&ddpMessage{Msg: "pong", ID: m.ID}); err != nil {
				s.setErr(fmt.Errorf("pong write failed: %w: %v", ErrNetwork, err))
				return
			}
		case "changed":
			var fields changedFields
			if len(m.Fields) > 0 {
				if err := json.Unmarshal(m.Fields, &fields); err != nil {
					s.log.Warn().Err(err).Str("collection", m.Collection).Msg("Undecodable changed frame")
					continue
				}
			}
			ev := RawEvent{
				Collection: m.Collection,
				EventName:  fields.EventName,
				Args:       fields.Args,
			}
			select {
			case s.events <- ev:
			case <-s.stopChan:
				return
			}
		default:
			s.log.Trace().Str("msg", m.Msg).Msg("Unhandled DDP frame")
		}
	}
}

func (s *ddpStream) write(m *ddpMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeControlWindow))
	return s.conn.WriteJSON(m)
}

func (s *ddpStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *ddpStream) Events() <-chan RawEvent { return s.events }
func (s *ddpStream) Done() <-chan struct{}   { return s.done }

// Err returns the terminal stream error, or nil after a local Close.
func (s *ddpStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Resumable reports whether the subscription supports cursor resume. DDP
// stream subscriptions always replay from now.
func (s *ddpStream) Resumable() bool { return false }

// Close terminates the stream. Safe to call multiple times and
// concurrently with the read loop.
func (s *ddpStream) Close() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.conn.Close()
	})
}
