package server_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/history"
	"github.com/Tyrowin/relaychat/internal/server"
)

const testOrigin = "http://localhost:8080"

type testServer struct {
	srv   *server.Server
	http  *httptest.Server
	store history.Store
	wsURL string
}

func newTestServer(t *testing.T, store history.Store, mutate func(*server.Config)) *testServer {
	t.Helper()
	if store == nil {
		store = history.NewMemoryStore()
	}

	cfg := server.NewConfig()
	cfg.RateLimit.Burst = 100
	cfg.Broadcast.StoreTimeout = time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	srv := server.NewServer(cfg, store, zerolog.Nop())
	srv.StartHub()
	hs := httptest.NewServer(srv.SetupRoutes())

	t.Cleanup(func() {
		_ = srv.Shutdown(cfg.ShutdownTimeout)
		hs.Close()
	})

	return &testServer{
		srv:   srv,
		http:  hs,
		store: store,
		wsURL: "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
	}
}

func dialWithOrigin(t *testing.T, url, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return dialer.Dial(url, header)
}

func dial(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWithOrigin(t, ts.wsURL, testOrigin)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join dials, sends the name and waits until the hub has registered it.
func join(t *testing.T, ts *testServer, name string) *websocket.Conn {
	t.Helper()
	before := ts.srv.ClientCount()
	conn := dial(t, ts)
	sendText(t, conn, name)
	require.Eventually(t, func() bool { return ts.srv.ClientCount() == before+1 },
		2*time.Second, 5*time.Millisecond, "%s never joined", name)
	return conn
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func readLine(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	return string(data)
}

// requireClosedByServer reads until the server ends the connection.
func requireClosedByServer(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr net.Error
			require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open: %v", err)
			return
		}
	}
}

func TestChatScenario(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil, nil)

	alice := join(t, ts, "alice")
	bob := join(t, ts, "bob")

	sendText(t, alice, "hi")
	req.Equal("alice: hi", readLine(t, alice))
	req.Equal("alice: hi", readLine(t, bob))

	sendText(t, bob, "yo")
	req.Equal("bob: yo", readLine(t, alice))
	req.Equal("bob: yo", readLine(t, bob))

	req.NoError(alice.Close())
	require.Eventually(t, func() bool { return ts.srv.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	sendText(t, bob, "still here")
	req.Equal("bob: still here", readLine(t, bob))

	msgs, err := ts.store.Recent(context.Background(), 10)
	req.NoError(err)
	req.Len(msgs, 3)
	req.Equal([]string{"alice: hi", "bob: yo", "bob: still here"},
		[]string{msgs[0].Line(), msgs[1].Line(), msgs[2].Line()})
}

func TestNewcomerSeesRecentHistory(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil, nil)

	alice := join(t, ts, "alice")
	sendText(t, alice, "first")
	req.Equal("alice: first", readLine(t, alice))
	sendText(t, alice, "second")
	req.Equal("alice: second", readLine(t, alice))

	bob := join(t, ts, "bob")
	req.Equal("alice: first", readLine(t, bob))
	req.Equal("alice: second", readLine(t, bob))

	sendText(t, alice, "live")
	req.Equal("alice: live", readLine(t, bob))
}

func TestReplayIsCappedAtHundred(t *testing.T) {
	req := require.New(t)
	store := history.NewMemoryStore()
	for i := range 150 {
		_, err := store.Append(context.Background(), "seed", fmt.Sprintf("%03d", i))
		req.NoError(err)
	}
	ts := newTestServer(t, store, nil)

	conn := join(t, ts, "reader")
	for i := 50; i < 150; i++ {
		req.Equal(fmt.Sprintf("seed: %03d", i), readLine(t, conn))
	}

	// The next frame is the client's own live message, not more history.
	sendText(t, conn, "done")
	req.Equal("reader: done", readLine(t, conn))
}

func TestHistorySurvivesRestartWithSQLite(t *testing.T) {
	req := require.New(t)
	cfg := history.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "chat.db"), BusyTimeout: time.Second}

	first, err := history.Open(cfg, zerolog.Nop())
	req.NoError(err)
	ts := newTestServer(t, first, nil)
	alice := join(t, ts, "alice")
	sendText(t, alice, "remember me")
	req.Equal("alice: remember me", readLine(t, alice))
	req.NoError(ts.srv.Shutdown(time.Second))
	req.NoError(first.Close())

	second, err := history.Open(cfg, zerolog.Nop())
	req.NoError(err)
	t.Cleanup(func() { _ = second.Close() })

	restarted := newTestServer(t, second, nil)
	bob := join(t, restarted, "bob")
	req.Equal("alice: remember me", readLine(t, bob))
}

// slowStore delays every Append so the sender's disconnect overtakes it.
type slowStore struct {
	history.Store
	delay time.Duration
}

func (s slowStore) Append(ctx context.Context, author, text string) (history.Message, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return history.Message{}, ctx.Err()
	}
	return s.Store.Append(ctx, author, text)
}

func TestMessagesSentRightBeforeDisconnectAreKept(t *testing.T) {
	tests := []struct {
		name       string
		delay      time.Duration
		closeFrame bool
	}{
		{"close frame", 0, true},
		{"dropped connection", 0, false},
		{"slow store with close frame", 50 * time.Millisecond, true},
		{"slow store with dropped connection", 50 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			store := history.NewMemoryStore()
			ts := newTestServer(t, slowStore{Store: store, delay: tt.delay}, nil)

			bob := join(t, ts, "bob")
			alice := join(t, ts, "alice")

			sendText(t, alice, "one")
			sendText(t, alice, "bye")
			if tt.closeFrame {
				req.NoError(alice.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
			}
			req.NoError(alice.Close())

			req.Equal("alice: one", readLine(t, bob))
			req.Equal("alice: bye", readLine(t, bob))
			require.Eventually(t, func() bool { return ts.srv.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

			msgs, err := store.Recent(context.Background(), 10)
			req.NoError(err)
			req.Len(msgs, 2)
			req.Equal("alice: one", msgs[0].Line())
			req.Equal("alice: bye", msgs[1].Line())
		})
	}
}

func TestBinaryNameFrameClosesConnection(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	conn := dial(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("alice")))
	requireClosedByServer(t, conn)
	require.Equal(t, 0, ts.srv.ClientCount())
}

func TestBinaryMessageClosesConnection(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	watcher := join(t, ts, "watcher")
	conn := join(t, ts, "binary")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01}))
	requireClosedByServer(t, conn)
	require.Eventually(t, func() bool { return ts.srv.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	sendText(t, watcher, "alone")
	require.Equal(t, "watcher: alone", readLine(t, watcher))
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	ts := newTestServer(t, nil, func(cfg *server.Config) { cfg.MaxMessageSize = 32 })
	conn := join(t, ts, "big")

	sendText(t, conn, strings.Repeat("x", 64))
	requireClosedByServer(t, conn)
	require.Eventually(t, func() bool { return ts.srv.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRateLimitedMessagesAreDiscarded(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, nil, func(cfg *server.Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Hour
	})
	conn := join(t, ts, "chatty")

	for i := range 5 {
		sendText(t, conn, fmt.Sprintf("m%d", i))
	}
	req.Equal("chatty: m0", readLine(t, conn))
	req.Equal("chatty: m1", readLine(t, conn))

	require.Never(t, func() bool {
		msgs, err := ts.store.Recent(context.Background(), 10)
		return err != nil || len(msgs) > 2
	}, 200*time.Millisecond, 20*time.Millisecond)
	req.Equal(1, ts.srv.ClientCount(), "rate limiting must not disconnect")
}

func TestNameTimeoutClosesSilentConnection(t *testing.T) {
	ts := newTestServer(t, nil, func(cfg *server.Config) { cfg.WebSocket.NameTimeout = 100 * time.Millisecond })
	conn := dial(t, ts)

	requireClosedByServer(t, conn)
	require.Equal(t, 0, ts.srv.ClientCount())
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	ts := newTestServer(t, nil, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"http://allowed.example"}
	})

	for _, origin := range []string{"http://evil.example", ""} {
		conn, resp, err := dialWithOrigin(t, ts.wsURL, origin)
		if err == nil {
			_ = conn.Close()
			t.Fatalf("origin %q should have been rejected", origin)
		}
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		_ = resp.Body.Close()
	}

	conn, resp, err := dialWithOrigin(t, ts.wsURL, "http://ALLOWED.example")
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestShutdownClosesConnectedClients(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	named := join(t, ts, "alice")
	unnamed := dial(t, ts)

	require.NoError(t, ts.srv.Shutdown(2*time.Second))
	requireClosedByServer(t, named)
	requireClosedByServer(t, unnamed)
	require.Equal(t, 0, ts.srv.ClientCount())
}

func TestHTTPRoutes(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	client := &http.Client{Timeout: 5 * time.Second}

	tests := []struct {
		name        string
		method      string
		path        string
		status      int
		contentType string
		body        string
	}{
		{"root health", http.MethodGet, "/", http.StatusOK, "text/plain", "relaychat server is running!"},
		{"health", http.MethodGet, "/health", http.StatusOK, "text/plain", "relaychat server is running!"},
		{"test page", http.MethodGet, "/test", http.StatusOK, "text/html", "<title>relaychat test</title>"},
		{"ws rejects POST", http.MethodPost, "/ws", http.StatusMethodNotAllowed, "", "only accepts GET"},
		{"health rejects POST", http.MethodPost, "/health", http.StatusMethodNotAllowed, "", ""},
		{"unknown path", http.MethodGet, "/nope", http.StatusNotFound, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(tt.method, ts.http.URL+tt.path, http.NoBody)
			require.NoError(t, err)
			resp, err := client.Do(r)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			require.Equal(t, tt.status, resp.StatusCode)
			if tt.contentType != "" {
				require.Equal(t, tt.contentType, resp.Header.Get("Content-Type"))
			}
			if tt.body != "" {
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				require.Contains(t, string(body), tt.body)
			}
		})
	}
}
