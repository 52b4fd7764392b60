// ABOUTME: WebSocket dialer and connection implementing the session's Dialer and Conn
// ABOUTME: Correlates join/leave acks by request_id and streams pushed frames

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/session"
)

// frameBuffer is how many pushed frames may wait for the consumer.
const frameBuffer = 256

// maxFrameBytes bounds a single inbound frame.
const maxFrameBytes = 1 << 20

// ErrConnClosed is returned by Join and Leave once the socket is gone.
var ErrConnClosed = errors.New("connection closed")

// RejectedError is a request the gateway answered with an error frame.
type RejectedError struct {
	Type    chat.FrameType
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Type, e.Message)
}

// DialerOptions configures a WebSocketDialer.
type DialerOptions struct {
	// HTTPClient performs the upgrade handshake. Nil uses http.DefaultClient.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// WebSocketDialer opens live connections to a gateway. It implements
// session.Dialer.
type WebSocketDialer struct {
	url        string
	userID     string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebSocketDialer creates a dialer for the gateway at baseURL (http or
// https), authenticated with token as userID. opts may be nil.
func NewWebSocketDialer(baseURL, userID, token string, opts *DialerOptions) *WebSocketDialer {
	if opts == nil {
		opts = &DialerOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &WebSocketDialer{
		url:        u + "/ws",
		userID:     userID,
		token:      token,
		httpClient: opts.HTTPClient,
		logger:     logger.With("component", "ws"),
	}
}

// Dial opens a connection. ctx bounds the handshake only.
func (d *WebSocketDialer) Dial(ctx context.Context) (session.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.token)

	ws, resp, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dialing %s: %w", d.url, err)
	}
	ws.SetReadLimit(maxFrameBytes)

	c := &wsConn{
		ws:      ws,
		userID:  d.userID,
		frames:  make(chan *chat.Frame, frameBuffer),
		pending: make(map[string]chan *chat.Frame),
		done:    make(chan struct{}),
		logger:  d.logger,
	}
	go c.readLoop()
	return c, nil
}

// wsConn is one live socket.
type wsConn struct {
	ws     *websocket.Conn
	userID string
	frames chan *chat.Frame
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *chat.Frame

	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Frames() <-chan *chat.Frame {
	return c.frames
}

func (c *wsConn) Join(ctx context.Context, conv chat.Conversation) error {
	ref := chat.RefFor(conv, c.userID)
	_, err := c.request(ctx, &chat.Frame{Type: chat.FrameJoin, Conversation: &ref})
	return err
}

func (c *wsConn) Leave(ctx context.Context, conv chat.Conversation) error {
	ref := chat.RefFor(conv, c.userID)
	_, err := c.request(ctx, &chat.Frame{Type: chat.FrameLeave, Conversation: &ref})
	return err
}

// Ping round-trips a ping frame.
func (c *wsConn) Ping(ctx context.Context) error {
	_, err := c.request(ctx, &chat.Frame{Type: chat.FramePing})
	return err
}

func (c *wsConn) Close() error {
	c.shutdown()
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// request sends f with a fresh request id and waits for its ack, error or pong.
func (c *wsConn) request(ctx context.Context, f *chat.Frame) (*chat.Frame, error) {
	f.RequestID = uuid.NewString()
	ch := make(chan *chat.Frame, 1)

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.pending[f.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, f.RequestID)
		}
		c.mu.Unlock()
	}()

	data, err := chat.EncodeFrame(f)
	if err != nil {
		return nil, err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("writing %s: %w", f.Type, err)
	}

	select {
	case reply := <-ch:
		if reply.Type == chat.FrameError {
			return nil, &RejectedError{Type: f.Type, Message: reply.Error}
		}
		return reply, nil
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsConn) readLoop() {
	defer close(c.frames)
	defer c.shutdown()

	ctx := context.Background()
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			c.logger.Debug("websocket read ended", "status", websocket.CloseStatus(err), "error", err)
			return
		}
		f, err := chat.DecodeFrame(data)
		if err != nil {
			c.logger.Warn("discarding undecodable frame", "error", err)
			continue
		}

		switch f.Type {
		case chat.FrameMessage, chat.FrameDeleted:
			select {
			case c.frames <- f:
			default:
				// Never drop: force a reconnect so the session reconciles.
				c.logger.Warn("frame consumer too slow, closing connection")
				_ = c.ws.CloseNow()
				return
			}
		case chat.FrameAck, chat.FrameError, chat.FramePong:
			c.resolve(f)
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

// resolve hands a reply to the request waiting on its id.
func (c *wsConn) resolve(f *chat.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.RequestID]
	c.mu.Unlock()
	if !ok {
		if f.Type == chat.FrameError {
			c.logger.Warn("gateway error", "error", f.Error)
		}
		return
	}
	select {
	case ch <- f:
	default:
	}
}

// shutdown fails every outstanding request.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		close(c.done)
	})
}
