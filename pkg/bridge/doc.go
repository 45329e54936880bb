// Package bridge connects a generic chat-bot event model to a Rocket.Chat
// server's real-time messaging protocol. It logs in as a regular Rocket.Chat
// user, relays messages from the server to a registered inbound callback,
// and transmits bot-generated messages back so they appear as if typed by
// that user.
//
// # Core Types
//
// [Bridge] is the facade the bot framework talks to: it registers the
// inbound message callback, accepts asynchronous sends, and answers
// identity queries.
//
// [Supervisor] owns the session lifecycle. It authenticates over REST,
// opens the DDP websocket stream, delivers inbound events strictly in
// arrival order, and reconnects with capped exponential backoff when the
// stream drops or the session token expires.
//
// [RESTClient] is the wire client: REST calls for login, identity and room
// lookup, and message posting, plus the DDP subscription stream for
// real-time events.
//
// [Translator] maps raw stream events to [CanonicalMessage] values and
// outbound messages to wire send requests, chunking bodies that exceed the
// server's maximum payload size.
//
// [IdentityMapper] caches user and room lookups; concurrent requests for
// the same unresolved identifier collapse into a single fetch.
//
// [Dispatcher] serializes outbound sends, retrying transient failures with
// a bounded budget and pausing while the session is being re-established.
//
// # Echo Prevention
//
// Messages posted by the login user itself, system messages, and messages
// from usernames matching the configured bot prefix are never handed to the
// inbound callback. Without these layers a bot replying in its own room
// would feed its replies back to itself.
//
// # Sub-packages
//
//   - rcfmt handles Rocket.Chat markdown concerns: fence-aware message
//     chunking and emoji shortcode replacement.
package bridge
