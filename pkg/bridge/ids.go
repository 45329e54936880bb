package bridge

// UserID identifies a Rocket.Chat user (the `_id` field of a user document).
type UserID string

// RoomID identifies a Rocket.Chat room (the `rid` field of a message).
type RoomID string

// MessageID identifies a single Rocket.Chat message.
type MessageID string

// RoomType classifies a room the way the bot framework sees it.
type RoomType string

const (
	RoomTypeChannel RoomType = "channel"
	RoomTypeGroup   RoomType = "group"
	RoomTypeDirect  RoomType = "direct"
)

// MakeUserID creates a UserID from a raw Rocket.Chat user ID.
func MakeUserID(raw string) UserID {
	return UserID(raw)
}

// ParseUserID extracts the raw Rocket.Chat user ID from a UserID.
func ParseUserID(id UserID) string {
	return string(id)
}

// MakeRoomID creates a RoomID from a raw Rocket.Chat room ID.
func MakeRoomID(raw string) RoomID {
	return RoomID(raw)
}

// ParseRoomID extracts the raw Rocket.Chat room ID from a RoomID.
func ParseRoomID(id RoomID) string {
	return string(id)
}

// MakeMessageID creates a MessageID from a raw Rocket.Chat message ID.
func MakeMessageID(raw string) MessageID {
	return MessageID(raw)
}

// ParseMessageID extracts the raw Rocket.Chat message ID from a MessageID.
func ParseMessageID(id MessageID) string {
	return string(id)
}

// roomTypeFromWire maps Rocket.Chat's one-letter room type codes to RoomType.
// Unknown codes map to channel, the least surprising default.
func roomTypeFromWire(t string) RoomType {
	switch t {
	case "d":
		return RoomTypeDirect
	case "p":
		return RoomTypeGroup
	default:
		return RoomTypeChannel
	}
}
