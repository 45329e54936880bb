package bridge

import "errors"

// Failure classes used across the bridge. Components wrap these sentinels
// with fmt.Errorf("...: %w", ...) so callers classify with errors.Is and
// pick the right recovery: backoff, re-authentication, or giving up on a
// single message.
var (
	// ErrAuth means the server rejected the login credentials. Retried with
	// the same backoff as network errors, but surfaced as a warning since
	// persistent auth failure likely needs operator action.
	ErrAuth = errors.New("authentication rejected")

	// ErrNetwork is a transport-level failure: connection refused, timeout,
	// 5xx. Always retryable.
	ErrNetwork = errors.New("network failure")

	// ErrSessionExpired means an authenticated call got a 401: the token was
	// invalidated mid-session. The supervisor re-authenticates; the operation
	// that detected it can be retried afterwards.
	ErrSessionExpired = errors.New("session expired")

	// ErrStream means the server rejected the event stream subscription.
	ErrStream = errors.New("stream subscription rejected")

	// ErrTranslation marks a malformed inbound event. The event is dropped
	// and the stream loop continues.
	ErrTranslation = errors.New("untranslatable event")

	// ErrDelivery marks an outbound send that permanently failed: retry
	// budget exhausted or payload rejected by the server.
	ErrDelivery = errors.New("delivery failed")
)
