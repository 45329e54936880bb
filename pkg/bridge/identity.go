package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// identityLookup is the subset of WireClient the mapper needs. Narrow on
// purpose so tests inject a two-method fake.
type identityLookup interface {
	GetUser(ctx context.Context, session *Session, id UserID) (*RemoteIdentity, error)
	GetRoom(ctx context.Context, session *Session, id RoomID) (*RemoteRoom, error)
}

// IdentityMapper converts remote identifiers to resolved identities and
// rooms, caching results. Entries are immutable once stored and evicted
// only by explicit invalidation (user-updated events). Concurrent requests
// for the same unresolved key collapse into a single fetch.
type IdentityMapper struct {
	lookup  identityLookup
	session func() *Session

	mu    sync.RWMutex
	users map[UserID]*RemoteIdentity
	rooms map[RoomID]*RemoteRoom

	group singleflight.Group
	log   zerolog.Logger
}

// NewIdentityMapper builds a mapper. session supplies the current Session
// at call time; the mapper never holds one across calls.
func NewIdentityMapper(lookup identityLookup, session func() *Session, log zerolog.Logger) *IdentityMapper {
	return &IdentityMapper{
		lookup:  lookup,
		session: session,
		users:   make(map[UserID]*RemoteIdentity),
		rooms:   make(map[RoomID]*RemoteRoom),
		log:     log.With().Str("component", "identity").Logger(),
	}
}

// ResolveUser returns the identity for id, fetching and caching it on miss.
func (m *IdentityMapper) ResolveUser(ctx context.Context, id UserID) (*RemoteIdentity, error) {
	m.mu.RLock()
	cached, ok := m.users[id]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := m.group.Do("user:"+string(id), func() (any, error) {
		// Re-check: another flight may have populated the cache between the
		// miss and the flight start.
		m.mu.RLock()
		cached, ok := m.users[id]
		m.mu.RUnlock()
		if ok {
			return cached, nil
		}

		sess := m.session()
		if sess == nil {
			return nil, fmt.Errorf("cannot resolve user %s: no session: %w", id, ErrNetwork)
		}
		identity, err := m.lookup.GetUser(ctx, sess, id)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.users[id] = identity
		m.mu.Unlock()
		m.log.Debug().Str("user_id", string(id)).Str("username", identity.Username).Msg("Cached user")
		return identity, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RemoteIdentity), nil
}

// ResolveRoom returns the room for id, fetching and caching it on miss.
func (m *IdentityMapper) ResolveRoom(ctx context.Context, id RoomID) (*RemoteRoom, error) {
	m.mu.RLock()
	cached, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := m.group.Do("room:"+string(id), func() (any, error) {
		m.mu.RLock()
		cached, ok := m.rooms[id]
		m.mu.RUnlock()
		if ok {
			return cached, nil
		}

		sess := m.session()
		if sess == nil {
			return nil, fmt.Errorf("cannot resolve room %s: no session: %w", id, ErrNetwork)
		}
		room, err := m.lookup.GetRoom(ctx, sess, id)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.rooms[id] = room
		m.mu.Unlock()
		m.log.Debug().Str("room_id", string(id)).Str("name", room.Name).Msg("Cached room")
		return room, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RemoteRoom), nil
}

// PrimeUser stores an identity already present in an event payload,
// avoiding a fetch. The translator is the only caller.
func (m *IdentityMapper) PrimeUser(identity *RemoteIdentity) {
	if identity == nil || identity.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[identity.ID]; !ok {
		m.users[identity.ID] = identity
	}
}

// PrimeRoom stores a room already present in an event payload.
func (m *IdentityMapper) PrimeRoom(room *RemoteRoom) {
	if room == nil || room.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.ID]; !ok {
		m.rooms[room.ID] = room
	}
}

// InvalidateUser drops a cached identity after a user-updated event.
func (m *IdentityMapper) InvalidateUser(id UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

// InvalidateRoom drops a cached room.
func (m *IdentityMapper) InvalidateRoom(id RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
}
