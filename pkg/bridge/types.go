package bridge

import "time"

// RemoteIdentity describes a Rocket.Chat user as seen by the bot framework.
// Immutable once fetched; cached by the IdentityMapper and invalidated only
// on an explicit user-updated event from the server.
type RemoteIdentity struct {
	ID          UserID
	Username    string
	DisplayName string
}

// RemoteRoom describes a Rocket.Chat room. Same caching discipline as
// RemoteIdentity.
type RemoteRoom struct {
	ID   RoomID
	Type RoomType
	Name string
}

// AttachmentField is one titled value inside an Attachment.
type AttachmentField struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// Attachment is the subset of Rocket.Chat's message attachment schema used
// for card-style sends: a colored block with title, link, text, and images.
type Attachment struct {
	Color     string            `json:"color,omitempty"`
	Title     string            `json:"title,omitempty"`
	TitleLink string            `json:"title_link,omitempty"`
	Text      string            `json:"text,omitempty"`
	ImageURL  string            `json:"image_url,omitempty"`
	ThumbURL  string            `json:"thumb_url,omitempty"`
	Fields    []AttachmentField `json:"fields,omitempty"`
}

// CanonicalMessage is the framework-neutral representation of a chat
// message: the form handed to the inbound callback and accepted for
// outbound sends. Sender and Room are always fully resolved; events whose
// references cannot be resolved are dropped before reaching this type.
type CanonicalMessage struct {
	ID          MessageID
	Sender      RemoteIdentity
	Room        RemoteRoom
	Body        string
	Timestamp   time.Time
	ThreadID    MessageID
	Attachments []Attachment

	// RawFormat is the original wire-format body, preserved unchanged so
	// bot logic can pass server-specific formatting markers through.
	RawFormat string
}

// PendingSend is a queued outbound message. Its lifecycle ends on server
// acknowledgment or on permanent failure after the retry budget is spent.
type PendingSend struct {
	Room        RoomID
	Body        string
	Attachments []Attachment
	Attempts    int
	EnqueuedAt  time.Time
}
