package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WireClient is the authenticated transport to the Rocket.Chat server:
// REST calls for login, identity lookup and message posting, plus the
// persistent subscription stream for real-time events.
type WireClient interface {
	Login(ctx context.Context, username, password string) (*Session, error)
	GetUser(ctx context.Context, session *Session, id UserID) (*RemoteIdentity, error)
	GetRoom(ctx context.Context, session *Session, id RoomID) (*RemoteRoom, error)
	CreateDirectRoom(ctx context.Context, session *Session, username string) (*RemoteRoom, error)
	PostMessage(ctx context.Context, session *Session, req *WireSendRequest) (MessageID, error)
	Logout(ctx context.Context, session *Session) error
	OpenStream(ctx context.Context, session *Session) (EventStream, error)
}

// WireSendRequest is one outbound message in the server's wire format.
// Bodies longer than the server limit are represented as multiple requests.
type WireSendRequest struct {
	RoomID      RoomID
	Text        string
	Attachments []Attachment
}

// EventStream is a live event subscription. Events are delivered on a
// channel that is closed when the stream terminates; Err reports the
// terminal error afterwards. Resumable reports whether the subscription
// can continue from a cursor after reconnecting (DDP cannot).
type EventStream interface {
	Events() <-chan RawEvent
	Done() <-chan struct{}
	Err() error
	Resumable() bool
	Close()
}

// RawEvent is one inbound realtime event as received from the wire, before
// translation.
type RawEvent struct {
	Collection string
	EventName  string
	Args       []json.RawMessage
}

// RESTClient implements WireClient against Rocket.Chat's /api/v1 REST
// surface and /websocket DDP endpoint.
type RESTClient struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

var _ WireClient = (*RESTClient)(nil)

// NewRESTClient validates the server URL and builds a wire client.
func NewRESTClient(serverURL string, log zerolog.Logger) (*RESTClient, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: want http(s)://host", serverURL)
	}
	return &RESTClient{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "wire").Logger(),
	}, nil
}

type loginResponse struct {
	Status string `json:"status"`
	Data   struct {
		UserID    string `json:"userId"`
		AuthToken string `json:"authToken"`
		Me        struct {
			Username string `json:"username"`
			Name     string `json:"name"`
		} `json:"me"`
	} `json:"data"`
}

// Login exchanges credentials for a fresh Session. Invalid credentials map
// to ErrAuth, transport failures to ErrNetwork.
func (c *RESTClient) Login(ctx context.Context, username, password string) (*Session, error) {
	body, err := json.Marshal(map[string]string{"user": username, "password": password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("login rejected for %q: %w", username, ErrAuth)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("login got status %d: %w", resp.StatusCode, ErrNetwork)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("login got unexpected status %d: %w", resp.StatusCode, ErrAuth)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	if lr.Data.AuthToken == "" || lr.Data.UserID == "" {
		return nil, fmt.Errorf("login response missing token: %w", ErrAuth)
	}

	c.log.Info().Str("username", username).Str("user_id", lr.Data.UserID).Msg("Authenticated")
	return &Session{
		BaseURL:       c.baseURL,
		UserID:        MakeUserID(lr.Data.UserID),
		Token:         lr.Data.AuthToken,
		EstablishedAt: time.Now(),
	}, nil
}

// wireUserDoc mirrors the user document subset the bridge reads. Extra
// fields are ignored so minor schema variation does not break lookups.
type wireUserDoc struct {
	ID       string `json:"_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

func (u *wireUserDoc) toIdentity() *RemoteIdentity {
	display := u.Name
	if display == "" {
		display = u.Username
	}
	return &RemoteIdentity{
		ID:          MakeUserID(u.ID),
		Username:    u.Username,
		DisplayName: display,
	}
}

type wireRoomDoc struct {
	ID   string `json:"_id"`
	Type string `json:"t"`
	Name string `json:"name"`
}

func (r *wireRoomDoc) toRoom() *RemoteRoom {
	return &RemoteRoom{
		ID:   MakeRoomID(r.ID),
		Type: roomTypeFromWire(r.Type),
		Name: r.Name,
	}
}

// GetUser fetches a user document by ID.
func (c *RESTClient) GetUser(ctx context.Context, session *Session, id UserID) (*RemoteIdentity, error) {
	var out struct {
		User wireUserDoc `json:"user"`
	}
	path := "/api/v1/users.info?userId=" + url.QueryEscape(ParseUserID(id))
	if err := c.do(ctx, session, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	return out.User.toIdentity(), nil
}

// GetRoom fetches a room document by ID.
func (c *RESTClient) GetRoom(ctx context.Context, session *Session, id RoomID) (*RemoteRoom, error) {
	var out struct {
		Room wireRoomDoc `json:"room"`
	}
	path := "/api/v1/rooms.info?roomId=" + url.QueryEscape(ParseRoomID(id))
	if err := c.do(ctx, session, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get room info: %w", err)
	}
	return out.Room.toRoom(), nil
}

// CreateDirectRoom opens (or returns the existing) DM room with a user.
func (c *RESTClient) CreateDirectRoom(ctx context.Context, session *Session, username string) (*RemoteRoom, error) {
	var out struct {
		Room wireRoomDoc `json:"room"`
	}
	in := map[string]string{"username": username}
	if err := c.do(ctx, session, http.MethodPost, "/api/v1/im.create", in, &out); err != nil {
		return nil, fmt.Errorf("failed to create direct room: %w", err)
	}
	room := out.Room.toRoom()
	room.Type = RoomTypeDirect
	if room.Name == "" {
		room.Name = username
	}
	return room, nil
}

// PostMessage sends one wire-format message and returns the created
// message ID.
func (c *RESTClient) PostMessage(ctx context.Context, session *Session, req *WireSendRequest) (MessageID, error) {
	in := map[string]any{
		"roomId": ParseRoomID(req.RoomID),
		"text":   req.Text,
	}
	if len(req.Attachments) > 0 {
		in["attachments"] = req.Attachments
	}
	var out struct {
		Message struct {
			ID string `json:"_id"`
		} `json:"message"`
	}
	if err := c.do(ctx, session, http.MethodPost, "/api/v1/chat.postMessage", in, &out); err != nil {
		return "", fmt.Errorf("failed to post message: %w", err)
	}
	return MakeMessageID(out.Message.ID), nil
}

// Logout invalidates the session token server-side. Best effort.
func (c *RESTClient) Logout(ctx context.Context, session *Session) error {
	return c.do(ctx, session, http.MethodPost, "/api/v1/logout", nil, nil)
}

// OpenStream connects the DDP websocket, resumes the session with the REST
// auth token, and subscribes to the message stream.
func (c *RESTClient) OpenStream(ctx context.Context, session *Session) (EventStream, error) {
	return openDDPStream(ctx, wsURL(c.baseURL), session.Token, c.log)
}

// wsURL converts the HTTP(S) base URL to the WS(S) websocket endpoint.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/websocket"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/websocket"
	default:
		return base + "/websocket"
	}
}

// do performs an authenticated REST call, classifying failures: transport
// errors and 5xx map to ErrNetwork, a 401 maps to ErrSessionExpired so the
// supervisor re-authenticates instead of treating it as fatal.
func (c *RESTClient) do(ctx context.Context, session *Session, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if session != nil {
		req.Header.Set("X-Auth-Token", session.Token)
		req.Header.Set("X-User-Id", ParseUserID(session.UserID))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s got 401: %w", path, ErrSessionExpired)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s got status %d: %w", path, resp.StatusCode, ErrNetwork)
	case resp.StatusCode >= 400:
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		reason := apiErr.Error
		if reason == "" {
			reason = apiErr.Message
		}
		return fmt.Errorf("%s rejected with status %d: %s", path, resp.StatusCode, reason)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}
