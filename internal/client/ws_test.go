// ABOUTME: End-to-end tests running a session over the websocket and HTTP clients
// ABOUTME: against a real gateway, including drop and reconnect reconciliation

package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/config"
	"github.com/2389/parley/internal/gateway"
	"github.com/2389/parley/internal/session"
)

const testSecret = "client-test-secret-0123456789abcd"

type testServer struct {
	srv      *httptest.Server
	verifier *auth.JWTVerifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
database:
  path: %q
auth:
  jwt_secret: %q
delivery:
  rate_limit: 1000
  rate_burst: 1000
`, filepath.Join(t.TempDir(), "parley.db"), testSecret)))
	require.NoError(t, err)

	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		srv.Close()
	})

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	return &testServer{srv: srv, verifier: verifier}
}

func (s *testServer) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := s.verifier.Generate(user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) api(t *testing.T, user string) *HTTPClient {
	return NewHTTPClient(s.srv.URL, user, s.token(t, user), &Options{Logger: testLogger()})
}

// dropper records the dialer's TCP connections so a test can sever them.
type dropper struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (d *dropper) client() *http.Client {
	return &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
			if err == nil {
				d.mu.Lock()
				d.conns = append(d.conns, conn)
				d.mu.Unlock()
			}
			return conn, err
		},
	}}
}

func (d *dropper) dropAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		_ = c.Close()
	}
	d.conns = nil
}

func (s *testServer) session(t *testing.T, user string, d *dropper) *session.Session {
	t.Helper()
	opts := &DialerOptions{Logger: testLogger()}
	if d != nil {
		opts.HTTPClient = d.client()
	}
	api := s.api(t, user)
	sess := session.New(user,
		NewWebSocketDialer(s.srv.URL, user, s.token(t, user), opts),
		api,
		session.Options{
			Sender:      api,
			Backoff:     []time.Duration{0, 10 * time.Millisecond},
			MaxAttempts: 5,
			Logger:      testLogger(),
		})
	t.Cleanup(func() { _ = sess.Close() })
	require.NoError(t, sess.Connect(t.Context()))
	return sess
}

func contents(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestSession_LiveDelivery(t *testing.T) {
	s := newTestServer(t)
	alice := s.session(t, "alice", nil)
	conv := chat.Private("alice", "bob")
	require.NoError(t, alice.Switch(t.Context(), conv))

	_, err := s.api(t, "bob").Send(t.Context(), chat.Private("bob", "alice"), "hello alice", "r1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(alice.Messages(conv)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello alice"}, contents(alice.Messages(conv)))

	sent, err := alice.Send(t.Context(), "hi bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", sent.SenderID)

	history, err := s.api(t, "bob").FetchHistory(t.Context(), chat.Private("bob", "alice"), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello alice", "hi bob"}, contents(history))
}

func TestSession_SwitchLoadsHistory(t *testing.T) {
	s := newTestServer(t)
	bob := s.api(t, "bob")
	for i := range 3 {
		_, err := bob.Send(t.Context(), chat.Private("bob", "alice"), fmt.Sprint("old ", i), "")
		require.NoError(t, err)
	}

	alice := s.session(t, "alice", nil)
	conv := chat.Private("alice", "bob")
	require.NoError(t, alice.Switch(t.Context(), conv))

	assert.Equal(t, []string{"old 0", "old 1", "old 2"}, contents(alice.Messages(conv)))
}

func TestSession_ReconnectReconciles(t *testing.T) {
	s := newTestServer(t)
	d := &dropper{}
	alice := s.session(t, "alice", d)
	conv := chat.Private("alice", "bob")
	require.NoError(t, alice.Switch(t.Context(), conv))

	bob := s.api(t, "bob")
	_, err := bob.Send(t.Context(), chat.Private("bob", "alice"), "before", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(alice.Messages(conv)) == 1 }, 2*time.Second, 10*time.Millisecond)

	d.dropAll()
	_, err = bob.Send(t.Context(), chat.Private("bob", "alice"), "during", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return alice.State() == session.StateConnected && len(alice.Messages(conv)) == 2
	}, 5*time.Second, 10*time.Millisecond)

	_, err = bob.Send(t.Context(), chat.Private("bob", "alice"), "after", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(alice.Messages(conv)) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"before", "during", "after"}, contents(alice.Messages(conv)))
}

func TestWebSocketDialer_Unauthorized(t *testing.T) {
	s := newTestServer(t)
	d := NewWebSocketDialer(s.srv.URL, "alice", "not-a-token", &DialerOptions{Logger: testLogger()})

	_, err := d.Dial(t.Context())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestWebSocketConn_JoinRejected(t *testing.T) {
	s := newTestServer(t)
	_, err := s.api(t, "alice").CreateGroup(t.Context(), "g1", "team")
	require.NoError(t, err)

	d := NewWebSocketDialer(s.srv.URL, "carol", s.token(t, "carol"), &DialerOptions{Logger: testLogger()})
	conn, err := d.Dial(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Join(t.Context(), chat.Group("g1"))
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, chat.FrameJoin, rejected.Type)

	require.NoError(t, conn.(*wsConn).Ping(t.Context()))
}

func TestWebSocketConn_FramesCloseOnDrop(t *testing.T) {
	s := newTestServer(t)
	drop := &dropper{}
	d := NewWebSocketDialer(s.srv.URL, "alice", s.token(t, "alice"), &DialerOptions{HTTPClient: drop.client(), Logger: testLogger()})
	conn, err := d.Dial(t.Context())
	require.NoError(t, err)
	defer conn.Close()

	drop.dropAll()

	select {
	case _, ok := <-conn.Frames():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel not closed after drop")
	}
	assert.ErrorIs(t, conn.Join(t.Context(), chat.Private("alice", "bob")), ErrConnClosed)
}

func TestGroupMembershipCalls(t *testing.T) {
	s := newTestServer(t)
	alice := s.api(t, "alice")

	g, err := alice.CreateGroup(t.Context(), "", "ops")
	require.NoError(t, err)
	require.NotEmpty(t, g.ID)
	assert.Equal(t, "alice", g.CreatedBy)

	require.NoError(t, alice.AddMember(t.Context(), g.ID, "bob"))
	members, err := alice.Members(t.Context(), g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, members)

	require.NoError(t, alice.RemoveMember(t.Context(), g.ID, "bob"))
	_, err = s.api(t, "bob").Members(t.Context(), g.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestDeleteMessage(t *testing.T) {
	s := newTestServer(t)
	alice := s.api(t, "alice")
	msg, err := alice.Send(t.Context(), chat.Private("alice", "bob"), "oops", "")
	require.NoError(t, err)

	deleted, err := alice.DeleteMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	_, err = s.api(t, "bob").DeleteMessage(t.Context(), msg.ID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}
