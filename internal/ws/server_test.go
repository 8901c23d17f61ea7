package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grouprelay/backend/internal/config"
	"github.com/grouprelay/backend/internal/monitor"
	"github.com/grouprelay/backend/internal/session"
)

type fakePairing struct {
	token string
}

func (f fakePairing) PairingToken() (string, bool) {
	return f.token, f.token != ""
}

type fakeReporter struct{}

func (fakeReporter) Report(context.Context) monitor.Report {
	return monitor.Report{
		Session:   session.Status{TargetGroup: "Receipts", Restarts: 3},
		Observers: 2,
	}
}

func newTestServer(t *testing.T, cfg config.ServerConfig, pairing PairingSource) (*Server, *Broadcaster, *httptest.Server) {
	t.Helper()
	b := NewBroadcaster(Options{MaxConnections: cfg.MaxConnections}, testLogger())
	s := NewServer(cfg, b, pairing, fakeReporter{}, testLogger())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return s, b, srv
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func readFrame(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestAuthorize(t *testing.T) {
	s := NewServer(config.ServerConfig{AuthToken: "s3cret"}, nil, fakePairing{}, nil, testLogger())

	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  bool
	}{
		{"missing", func(*http.Request) {}, false},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=s3cret" }, true},
		{"header", func(r *http.Request) { r.Header.Set("X-GroupRelay-Token", "s3cret") }, true},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") }, true},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(req)
			if got := s.authorize(req); got != tt.want {
				t.Errorf("authorize = %v, want %v", got, tt.want)
			}
		})
	}

	open := NewServer(config.ServerConfig{}, nil, fakePairing{}, nil, testLogger())
	if !open.authorize(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Error("empty token should allow every request")
	}
}

func TestCheckOrigin(t *testing.T) {
	defaults := NewServer(config.ServerConfig{}, nil, fakePairing{}, nil, testLogger())
	listed := NewServer(config.ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}}, nil, fakePairing{}, nil, testLogger())

	tests := []struct {
		name   string
		s      *Server
		origin string
		want   bool
	}{
		{"no origin", defaults, "", true},
		{"localhost", defaults, "http://localhost:3000", true},
		{"loopback", defaults, "http://127.0.0.1:8080", true},
		{"same host", defaults, "http://relay.lan:8080", true},
		{"foreign", defaults, "https://evil.example", false},
		{"listed", listed, "https://dash.example.com", true},
		{"listed host other scheme", listed, "http://dash.example.com", true},
		{"not listed", listed, "http://localhost:3000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://relay.lan:8080/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := tt.s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestHandleWS_ReceivesEvents(t *testing.T) {
	_, b, srv := newTestServer(t, config.ServerConfig{}, fakePairing{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	waitUntil(t, "observer registered", func() bool { return b.ClientCount() == 1 })

	b.Publish(session.InboundMessage{Text: "hello"})
	b.Publish(session.Disconnected{Reason: "LOGOUT"})

	first := readFrame(t, conn)
	assert.Equal(t, MsgMessage, first.Type)
	assert.Equal(t, "hello", first.Message)

	second := readFrame(t, conn)
	assert.Equal(t, MsgDisconnected, second.Type)
	assert.Equal(t, session.DisconnectedNotice, second.Message)
	assert.Equal(t, "LOGOUT", second.Reason)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestHandleWS_ReplaysPairingOnConnect(t *testing.T) {
	_, b, srv := newTestServer(t, config.ServerConfig{}, fakePairing{})
	b.Publish(session.PairingRequired{Code: "https://qr/?data=T1"})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readFrame(t, conn)
	assert.Equal(t, MsgQR, msg.Type)
	assert.Equal(t, "https://qr/?data=T1", msg.Data)
}

func TestHandleWS_Unauthorized(t *testing.T) {
	_, _, srv := newTestServer(t, config.ServerConfig{AuthToken: "tok"}, fakePairing{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=tok"), nil)
	require.NoError(t, err)
	conn.Close()
}

func TestHandleWS_RateLimited(t *testing.T) {
	_, _, srv := newTestServer(t, config.ServerConfig{HandshakeRate: 0.001, HandshakeBurst: 1}, fakePairing{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandleWS_MaxConnectionsClosesExtra(t *testing.T) {
	_, b, srv := newTestServer(t, config.ServerConfig{MaxConnections: 1}, fakePairing{})

	first, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer first.Close()
	waitUntil(t, "first observer registered", func() bool { return b.ClientCount() == 1 })

	second, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Equal(t, 1, b.ClientCount())
}

func TestHandleStatus(t *testing.T) {
	_, _, srv := newTestServer(t, config.ServerConfig{}, fakePairing{})

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var rep monitor.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	assert.Equal(t, "Receipts", rep.Session.TargetGroup)
	assert.EqualValues(t, 3, rep.Session.Restarts)
	assert.Equal(t, 2, rep.Observers)
}

func TestHandlePairingPNG(t *testing.T) {
	t.Run("none outstanding", func(t *testing.T) {
		_, _, srv := newTestServer(t, config.ServerConfig{}, fakePairing{})
		resp, err := http.Get(srv.URL + "/api/pairing.png")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("outstanding", func(t *testing.T) {
		_, _, srv := newTestServer(t, config.ServerConfig{}, fakePairing{token: "2@abc,def"})
		resp, err := http.Get(srv.URL + "/api/pairing.png")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
	})
}

func TestHandshakeLimiter(t *testing.T) {
	l := newHandshakeLimiter(0.001, 2)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "limits are per IP")

	off := newHandshakeLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, off.Allow("10.0.0.1"))
	}
}

func TestListenAndServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler(), testLogger())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}
