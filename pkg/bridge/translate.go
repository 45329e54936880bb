package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cardoso/errbot-rocketchat/pkg/bridge/rcfmt"
	"github.com/rs/zerolog"
)

// Collections other than the message stream that arrive on the same socket.
const (
	notifyRoomCollection   = "stream-notify-room"
	notifyLoggedCollection = "stream-notify-logged"
	notifyUserCollection   = "stream-notify-user"
	userChangedEvent       = "Users:Changed"
	// roomsChangedSuffix follows the user ID in the eventName of a
	// stream-notify-user room update ("<uid>/rooms-changed").
	roomsChangedSuffix = "/rooms-changed"
)

// wireTimestamp decodes Rocket.Chat's EJSON date wrapper {"$date": millis}.
// A plain millisecond number is accepted too, since some server versions
// emit it.
type wireTimestamp struct {
	time.Time
}

func (t *wireTimestamp) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Date int64 `json:"$date"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Date != 0 {
		t.Time = time.UnixMilli(wrapped.Date)
		return nil
	}
	var millis int64
	if err := json.Unmarshal(data, &millis); err == nil && millis != 0 {
		t.Time = time.UnixMilli(millis)
		return nil
	}
	// Unknown shape; leave zero rather than failing the whole event.
	return nil
}

// wireMessage is the message document carried in a stream event.
type wireMessage struct {
	ID          string        `json:"_id"`
	RoomID      string        `json:"rid"`
	Text        string        `json:"msg"`
	Type        string        `json:"t"`
	ThreadID    string        `json:"tmid"`
	Timestamp   wireTimestamp `json:"ts"`
	User        wireUserDoc   `json:"u"`
	Attachments []Attachment  `json:"attachments"`
}

// wireMessageMeta is the second stream-event argument describing the room.
type wireMessageMeta struct {
	RoomType string `json:"roomType"`
	RoomName string `json:"roomName"`
}

// Translator maps between wire payloads and CanonicalMessage values. It is
// the single writer of the identity caches: it primes them from event
// payloads and invalidates them on user-updated events.
type Translator struct {
	mapper         *IdentityMapper
	selfUsername   string
	botPrefix      string
	maxMessageSize int
	log            zerolog.Logger
}

// NewTranslator builds a translator. selfUsername is the login user, used
// for echo prevention; botPrefix optionally extends it to a username class.
func NewTranslator(mapper *IdentityMapper, selfUsername, botPrefix string, maxMessageSize int, log zerolog.Logger) *Translator {
	return &Translator{
		mapper:         mapper,
		selfUsername:   selfUsername,
		botPrefix:      botPrefix,
		maxMessageSize: maxMessageSize,
		log:            log.With().Str("component", "translator").Logger(),
	}
}

// TranslateInbound converts a raw stream event into a CanonicalMessage.
// Events that are deliberately not relayed (typing, presence, system
// messages, the bot's own posts) yield (nil, nil). Malformed or
// unresolvable payloads yield an error wrapping ErrTranslation, which the
// stream loop logs and drops. A session expiry detected while resolving
// identifiers wraps ErrSessionExpired and must interrupt the stream.
func (t *Translator) TranslateInbound(ctx context.Context, ev RawEvent) (*CanonicalMessage, error) {
	switch ev.Collection {
	case streamCollection:
		return t.translateRoomMessage(ctx, ev)
	case notifyLoggedCollection:
		t.handleUserNotify(ev)
		return nil, nil
	case notifyUserCollection:
		t.handleRoomNotify(ev)
		return nil, nil
	case notifyRoomCollection:
		// Typing and delete-message notifications; not relayable.
		return nil, nil
	default:
		t.log.Trace().Str("collection", ev.Collection).Msg("Ignoring unknown collection")
		return nil, nil
	}
}

func (t *Translator) translateRoomMessage(ctx context.Context, ev RawEvent) (*CanonicalMessage, error) {
	if len(ev.Args) == 0 {
		return nil, fmt.Errorf("message event without args: %w", ErrTranslation)
	}

	var msg wireMessage
	if err := json.Unmarshal(ev.Args[0], &msg); err != nil {
		return nil, fmt.Errorf("undecodable message event: %w: %v", ErrTranslation, err)
	}
	if msg.RoomID == "" || msg.User.ID == "" {
		return nil, fmt.Errorf("message event %q missing room or sender: %w", msg.ID, ErrTranslation)
	}

	// Echo prevention: skip system messages, own posts, and bot-class users.
	if msg.Type != "" {
		return nil, nil
	}
	if msg.User.Username == t.selfUsername {
		return nil, nil
	}
	if t.botPrefix != "" && strings.HasPrefix(msg.User.Username, t.botPrefix) {
		t.log.Debug().Str("username", msg.User.Username).Msg("Skipping bot-prefixed sender (echo prevention)")
		return nil, nil
	}

	// The event payload already names the sender and usually the room; prime
	// the caches so resolution below rarely needs a fetch.
	if msg.User.Username != "" {
		t.mapper.PrimeUser(msg.User.toIdentity())
	}
	if len(ev.Args) > 1 {
		var meta wireMessageMeta
		if err := json.Unmarshal(ev.Args[1], &meta); err == nil && meta.RoomName != "" {
			t.mapper.PrimeRoom(&RemoteRoom{
				ID:   MakeRoomID(msg.RoomID),
				Type: roomTypeFromWire(meta.RoomType),
				Name: meta.RoomName,
			})
		}
	}

	sender, err := t.mapper.ResolveUser(ctx, MakeUserID(msg.User.ID))
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("unresolvable sender %s: %w: %v", msg.User.ID, ErrTranslation, err)
	}
	room, err := t.mapper.ResolveRoom(ctx, MakeRoomID(msg.RoomID))
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("unresolvable room %s: %w: %v", msg.RoomID, ErrTranslation, err)
	}

	return &CanonicalMessage{
		ID:          MakeMessageID(msg.ID),
		Sender:      *sender,
		Room:        *room,
		Body:        rcfmt.ReplaceShortcodes(msg.Text),
		Timestamp:   msg.Timestamp.Time,
		ThreadID:    MakeMessageID(msg.ThreadID),
		Attachments: msg.Attachments,
		RawFormat:   msg.Text,
	}, nil
}

// handleUserNotify invalidates cached identities when the server announces
// a user profile change.
func (t *Translator) handleUserNotify(ev RawEvent) {
	if ev.EventName != userChangedEvent || len(ev.Args) == 0 {
		return
	}
	var user wireUserDoc
	if err := json.Unmarshal(ev.Args[0], &user); err != nil || user.ID == "" {
		return
	}
	t.mapper.InvalidateUser(MakeUserID(user.ID))
	t.log.Debug().Str("user_id", user.ID).Msg("Invalidated cached user after update event")
}

// handleRoomNotify invalidates a cached room on a rooms-changed event. The
// args carry an action string and the room document; any arg that decodes
// to a room with an ID identifies the stale entry.
func (t *Translator) handleRoomNotify(ev RawEvent) {
	if !strings.HasSuffix(ev.EventName, roomsChangedSuffix) {
		return
	}
	for _, arg := range ev.Args {
		var room wireRoomDoc
		if err := json.Unmarshal(arg, &room); err == nil && room.ID != "" {
			t.mapper.InvalidateRoom(MakeRoomID(room.ID))
			t.log.Debug().Str("room_id", room.ID).Msg("Invalidated cached room after update event")
			return
		}
	}
}

// TranslateOutbound converts a bot message into wire send requests. Bodies
// exceeding the server's maximum payload size are chunked into multiple
// sequential requests preserving user-visible order; attachments ride on
// the final chunk so they appear after the text.
func (t *Translator) TranslateOutbound(msg *CanonicalMessage) []WireSendRequest {
	chunks := rcfmt.Chunk(msg.Body, t.maxMessageSize)
	reqs := make([]WireSendRequest, 0, len(chunks))
	for i, chunk := range chunks {
		req := WireSendRequest{
			RoomID: msg.Room.ID,
			Text:   chunk,
		}
		if i == len(chunks)-1 {
			req.Attachments = msg.Attachments
		}
		reqs = append(reqs, req)
	}
	return reqs
}
