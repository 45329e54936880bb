package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
}

func testSession() *Session {
	return &Session{
		BaseURL:       "http://rc.example.com",
		UserID:        MakeUserID("bot-uid"),
		Token:         "tok-1",
		EstablishedAt: time.Now(),
	}
}

// mockWire is a WireClient with injectable behavior per method. Unset
// methods fail the test if called.
type mockWire struct {
	t *testing.T

	login      func(ctx context.Context, username, password string) (*Session, error)
	getUser    func(ctx context.Context, session *Session, id UserID) (*RemoteIdentity, error)
	getRoom    func(ctx context.Context, session *Session, id RoomID) (*RemoteRoom, error)
	createDM   func(ctx context.Context, session *Session, username string) (*RemoteRoom, error)
	post       func(ctx context.Context, session *Session, req *WireSendRequest) (MessageID, error)
	logout     func(ctx context.Context, session *Session) error
	openStream func(ctx context.Context, session *Session) (EventStream, error)
}

var _ WireClient = (*mockWire)(nil)

func (m *mockWire) Login(ctx context.Context, username, password string) (*Session, error) {
	if m.login == nil {
		m.t.Fatal("unexpected Login call")
	}
	return m.login(ctx, username, password)
}

func (m *mockWire) GetUser(ctx context.Context, session *Session, id UserID) (*RemoteIdentity, error) {
	if m.getUser == nil {
		m.t.Fatal("unexpected GetUser call")
	}
	return m.getUser(ctx, session, id)
}

func (m *mockWire) GetRoom(ctx context.Context, session *Session, id RoomID) (*RemoteRoom, error) {
	if m.getRoom == nil {
		m.t.Fatal("unexpected GetRoom call")
	}
	return m.getRoom(ctx, session, id)
}

func (m *mockWire) CreateDirectRoom(ctx context.Context, session *Session, username string) (*RemoteRoom, error) {
	if m.createDM == nil {
		m.t.Fatal("unexpected CreateDirectRoom call")
	}
	return m.createDM(ctx, session, username)
}

func (m *mockWire) PostMessage(ctx context.Context, session *Session, req *WireSendRequest) (MessageID, error) {
	if m.post == nil {
		m.t.Fatal("unexpected PostMessage call")
	}
	return m.post(ctx, session, req)
}

func (m *mockWire) Logout(ctx context.Context, session *Session) error {
	if m.logout == nil {
		return nil
	}
	return m.logout(ctx, session)
}

func (m *mockWire) OpenStream(ctx context.Context, session *Session) (EventStream, error) {
	if m.openStream == nil {
		m.t.Fatal("unexpected OpenStream call")
	}
	return m.openStream(ctx, session)
}

// memStream is an in-memory EventStream for supervisor tests. Push feeds
// events; Fail terminates the stream with an error; Close terminates it
// cleanly.
type memStream struct {
	events chan RawEvent
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

var _ EventStream = (*memStream)(nil)

func newMemStream() *memStream {
	return &memStream{
		events: make(chan RawEvent, 16),
		done:   make(chan struct{}),
	}
}

func (s *memStream) Push(ev RawEvent) { s.events <- ev }

func (s *memStream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() {
		close(s.events)
		close(s.done)
	})
}

func (s *memStream) Events() <-chan RawEvent { return s.events }
func (s *memStream) Done() <-chan struct{}   { return s.done }

func (s *memStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *memStream) Resumable() bool { return false }

func (s *memStream) Close() {
	s.once.Do(func() {
		close(s.events)
		close(s.done)
	})
}

// roomMessageEvent builds a raw stream event carrying one message document,
// shaped like the server's stream-room-messages changed frame.
func roomMessageEvent(t *testing.T, msgID, roomID, userID, username, text string) RawEvent {
	t.Helper()
	doc := map[string]any{
		"_id": msgID,
		"rid": roomID,
		"msg": text,
		"ts":  map[string]int64{"$date": time.Now().UnixMilli()},
		"u":   map[string]string{"_id": userID, "username": username},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("failed to marshal message doc: %v", err)
	}
	meta, err := json.Marshal(map[string]string{"roomType": "c", "roomName": "general"})
	if err != nil {
		t.Fatalf("failed to marshal meta doc: %v", err)
	}
	return RawEvent{
		Collection: streamCollection,
		EventName:  streamAllMyRooms,
		Args:       []json.RawMessage{raw, meta},
	}
}

// waitFor polls cond until it returns true or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// errTransient is a reusable wrapped network error.
var errTransient = fmt.Errorf("connection reset: %w", ErrNetwork)

// testTimeout bounds waitFor polling in tests.
const testTimeout = 5 * time.Second
