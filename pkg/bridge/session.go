package bridge

import "time"

// ConnState is the supervisor's connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateAuthenticating
	StateSubscribing
	StateLive
	StateReconnecting
	StateShuttingDown
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Session is the authenticated context for calls against the server: auth
// token, the user it belongs to, and the server base URL. It is immutable;
// the supervisor stores a new Session on each reconnect instead of mutating
// the old one, so readers always observe a fully-formed value.
type Session struct {
	BaseURL       string
	UserID        UserID
	Token         string
	EstablishedAt time.Time
}

// StreamCursor marks the last successfully processed inbound event. The DDP
// subscription is not resumable, so the cursor is used to log the gap window
// after a reconnect rather than to replay missed events.
type StreamCursor struct {
	LastMessageID MessageID
	LastTimestamp time.Time
}
