package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestREST(t *testing.T, handler http.Handler) (*RESTClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewRESTClient(srv.URL, testLogger(t))
	if err != nil {
		t.Fatalf("NewRESTClient() error: %v", err)
	}
	return c, srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("failed to encode response: %v", err)
	}
}

// TestNewRESTClientRejectsBadURL checks malformed server URLs are caught at
// construction time.
func TestNewRESTClientRejectsBadURL(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "rc.example.com", "ftp://x", "https://"} {
		if _, err := NewRESTClient(bad, testLogger(t)); err == nil {
			t.Errorf("NewRESTClient(%q) accepted a bad URL", bad)
		}
	}
}

// TestLoginSuccess checks credentials are exchanged for a session carrying
// the token and user ID from the response.
func TestLoginSuccess(t *testing.T) {
	t.Parallel()
	c, _ := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/login" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var in map[string]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("undecodable login body: %v", err)
		}
		if in["user"] != "errbot" || in["password"] != "secret" {
			t.Errorf("login body = %v", in)
		}
		writeJSON(t, w, map[string]any{
			"status": "success",
			"data": map[string]any{
				"userId":    "bot-uid",
				"authToken": "tok-xyz",
				"me":        map[string]string{"username": "errbot"},
			},
		})
	}))

	sess, err := c.Login(context.Background(), "errbot", "secret")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if sess.Token != "tok-xyz" || sess.UserID != MakeUserID("bot-uid") {
		t.Errorf("session = %+v", sess)
	}
	if sess.EstablishedAt.IsZero() {
		t.Error("EstablishedAt is zero")
	}
}

// TestLoginErrorClassification checks the status-to-error mapping: 401 is
// an auth failure, 5xx is a network failure, and a 200 without a token is
// still an auth failure.
func TestLoginErrorClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		status  int
		body    any
		wantErr error
	}{
		{"unauthorized", http.StatusUnauthorized, map[string]string{"status": "error"}, ErrAuth},
		{"server error", http.StatusBadGateway, nil, ErrNetwork},
		{"empty token", http.StatusOK, map[string]any{"data": map[string]string{}}, ErrAuth},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				if tc.body != nil {
					writeJSON(t, w, tc.body)
				}
			}))
			_, err := c.Login(context.Background(), "errbot", "secret")
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Login() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

// TestAuthenticatedRequestHeaders checks the session token and user ID ride
// on every authenticated call.
func TestAuthenticatedRequestHeaders(t *testing.T) {
	t.Parallel()
	c, _ := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Auth-Token"); got != "tok-1" {
			t.Errorf("X-Auth-Token = %q, want tok-1", got)
		}
		if got := r.Header.Get("X-User-Id"); got != "bot-uid" {
			t.Errorf("X-User-Id = %q, want bot-uid", got)
		}
		writeJSON(t, w, map[string]any{
			"user": map[string]string{"_id": "u1", "username": "alice", "name": "Alice"},
		})
	}))

	got, err := c.GetUser(context.Background(), testSession(), MakeUserID("u1"))
	if err != nil {
		t.Fatalf("GetUser() error: %v", err)
	}
	if got.Username != "alice" || got.DisplayName != "Alice" {
		t.Errorf("identity = %+v", got)
	}
}

// TestGetUserDisplayNameFallback checks a missing display name falls back
// to the username.
func TestGetUserDisplayNameFallback(t *testing.T) {
	t.Parallel()
	c, _ := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"user": map[string]string{"_id": "u1", "username": "alice"},
		})
	}))
	got, err := c.GetUser(context.Background(), testSession(), MakeUserID("u1"))
	if err != nil {
		t.Fatalf("GetUser() error: %v", err)
	}
	if got.DisplayName != "alice" {
		t.Errorf("DisplayName = %q, want username fallback", got.DisplayName)
	}
}

// TestSessionExpiredClassification checks a 401 on an authenticated call
// maps to ErrSessionExpired, not ErrAuth.
func TestSessionExpiredClassification(t *testing.T) {
	t.Parallel()
	c, _ := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.GetRoom(context.Background(), testSession(), MakeRoomID("GENERAL"))
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("GetRoom() on 401 = %v, want ErrSessionExpired", err)
	}
	if errors.Is(err, ErrAuth) {
		t.Error("GetRoom() on 401 also matches ErrAuth; the supervisor would misclassify it")
	}
}

// TestGetRoomTypeMapping checks the one-letter room type survives into the
// resolved room.
func TestGetRoomTypeMapping(t *testing.T) {
	t.Parallel()
	c, _ := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"room": map[string]string{"_id": "D1", "t": "d", "name": "alice"},
		})
	}))
	room, err := c.GetRoom(context.Background(), testSession(), MakeRoomID("D1"))
	if err != nil {
		t.Fatalf("GetRoom() error: %v", err)
	}
	if room.Type != RoomTypeDirect {
		t.Errorf("Type = %q, want direct", room.Type)
	}
}

// TestPostMessagePayload checks the send request serializes room, text and
// attachments the way chat.postMessage expects.
func TestPostMessagePayload(t *testing.T) {
	t.Parallel()
	c, _ := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat.postMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var in struct {
			RoomID      string       `json:"roomId"`
			Text        string       `json:"text"`
			Attachments []Attachment `json:"attachments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("undecodable body: %v", err)
		}
		if in.RoomID != "GENERAL" || in.Text != "hello" || len(in.Attachments) != 1 {
			t.Errorf("body = %+v", in)
		}
		writeJSON(t, w, map[string]any{"message": map[string]string{"_id": "m99"}})
	}))

	id, err := c.PostMessage(context.Background(), testSession(), &WireSendRequest{
		RoomID:      MakeRoomID("GENERAL"),
		Text:        "hello",
		Attachments: []Attachment{{Title: "card", Color: "#ff0000"}},
	})
	if err != nil {
		t.Fatalf("PostMessage() error: %v", err)
	}
	if id != MakeMessageID("m99") {
		t.Errorf("message ID = %q, want m99", id)
	}
}

// TestPostMessageRejection checks a 4xx rejection surfaces the server's
// error string and does not match the retryable classes.
func TestPostMessageRejection(t *testing.T) {
	t.Parallel()
	c, _ := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(t, w, map[string]string{"error": "invalid-room"})
	}))
	_, err := c.PostMessage(context.Background(), testSession(), &WireSendRequest{
		RoomID: MakeRoomID("nope"), Text: "x",
	})
	if err == nil {
		t.Fatal("PostMessage() accepted a rejected send")
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrSessionExpired) {
		t.Errorf("rejection classified as retryable: %v", err)
	}
}

// TestCreateDirectRoom checks im.create yields a direct-typed room named
// after the peer when the server omits a name.
func TestCreateDirectRoom(t *testing.T) {
	t.Parallel()
	c, _ := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/im.create" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeJSON(t, w, map[string]any{"room": map[string]string{"_id": "D42", "t": "d"}})
	}))
	room, err := c.CreateDirectRoom(context.Background(), testSession(), "alice")
	if err != nil {
		t.Fatalf("CreateDirectRoom() error: %v", err)
	}
	if room.ID != MakeRoomID("D42") || room.Type != RoomTypeDirect || room.Name != "alice" {
		t.Errorf("room = %+v", room)
	}
}

// TestTransportFailure checks an unreachable server maps to ErrNetwork.
func TestTransportFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := NewRESTClient(srv.URL, testLogger(t))
	if err != nil {
		t.Fatalf("NewRESTClient() error: %v", err)
	}
	_, err = c.Login(context.Background(), "errbot", "secret")
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("Login() against closed server = %v, want ErrNetwork", err)
	}
}

// TestWSURL checks the websocket endpoint derivation for both schemes.
func TestWSURL(t *testing.T) {
	t.Parallel()
	if got := wsURL("https://rc.example.com"); got != "wss://rc.example.com/websocket" {
		t.Errorf("wsURL(https) = %q", got)
	}
	if got := wsURL("http://rc.example.com:3000"); got != "ws://rc.example.com:3000/websocket" {
		t.Errorf("wsURL(http) = %q", got)
	}
}
