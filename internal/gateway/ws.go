// ABOUTME: Websocket endpoint: attaches a connection to the registry and serves frames
// ABOUTME: Handles join, leave, switch, send and ping with per-connection rate limiting

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/chat"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/registry"
)

const (
	// maxFrameBytes bounds a single inbound frame.
	maxFrameBytes = 64 * 1024

	// replyTimeout bounds writing an ack, error or pong.
	replyTimeout = 5 * time.Second
)

// wsClient is one authenticated websocket connection.
type wsClient struct {
	id        string
	principal string
	conn      *websocket.Conn
	gw        *Gateway
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// handleWebSocket upgrades an authenticated request and serves it until the
// connection drops.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalID(r.Context())
	if principal == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Server.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "principal_id", principal, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	c := &wsClient{
		id:        uuid.NewString(),
		principal: principal,
		conn:      conn,
		gw:        g,
		limiter:   rate.NewLimiter(rate.Limit(g.config.Delivery.RateLimit), g.config.Delivery.RateBurst),
	}
	c.logger = g.logger.With("connection_id", c.id, "principal_id", principal)

	if err := g.registry.Attach(c.id, registry.SinkFunc(c.deliver)); err != nil {
		c.logger.Error("attaching connection", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "registry unavailable")
		return
	}
	g.addClient(c)
	c.logger.Info("websocket connected")

	defer func() {
		g.registry.Disconnect(c.id)
		g.removeClient(c.id)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		c.logger.Info("websocket disconnected")
	}()

	// The request context is canceled when the handler returns, which is
	// after the read loop ends.
	c.readLoop(r.Context())
}

// deliver is the registry sink: one pushed frame, bounded by ctx.
func (c *wsClient) deliver(ctx context.Context, d registry.Delivery) error {
	return c.conn.Write(ctx, websocket.MessageText, d.Payload)
}

func (c *wsClient) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.reply(ctx, &chat.Frame{Type: chat.FrameError, Error: "binary frames are not supported"})
			continue
		}
		if !c.limiter.Allow() {
			if c.gw.metrics != nil {
				c.gw.metrics.ObserveRateLimited()
			}
			c.reply(ctx, &chat.Frame{Type: chat.FrameError, Error: "rate limit exceeded"})
			continue
		}

		frame, err := chat.DecodeFrame(data)
		if err != nil {
			c.reply(ctx, &chat.Frame{Type: chat.FrameError, Error: err.Error()})
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *wsClient) handleFrame(ctx context.Context, f *chat.Frame) {
	switch f.Type {
	case chat.FrameJoin:
		c.handleJoin(ctx, f)
	case chat.FrameLeave:
		c.handleLeave(ctx, f)
	case chat.FrameSwitch:
		c.handleSwitch(ctx, f)
	case chat.FrameSend:
		c.handleSend(ctx, f)
	case chat.FramePing:
		c.reply(ctx, &chat.Frame{Type: chat.FramePong, RequestID: f.RequestID})
	default:
		c.replyError(ctx, f.RequestID, "unknown frame type "+string(f.Type))
	}
}

// resolve turns an optional wire reference into a conversation for this
// connection's principal.
func (c *wsClient) resolve(ref *chat.ConversationRef) (*chat.Conversation, error) {
	if ref == nil {
		return nil, nil
	}
	conv, err := ref.Resolve(c.principal)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *wsClient) handleJoin(ctx context.Context, f *chat.Frame) {
	conv, err := c.resolve(f.Conversation)
	if err == nil && conv == nil {
		err = errors.New("conversation is required")
	}
	if err != nil {
		c.replyError(ctx, f.RequestID, err.Error())
		return
	}
	if err := c.gw.router.Join(ctx, c.principal, c.id, *conv); err != nil {
		c.replyError(ctx, f.RequestID, err.Error())
		return
	}
	c.ack(ctx, f.RequestID, nil)
}

func (c *wsClient) handleLeave(ctx context.Context, f *chat.Frame) {
	conv, err := c.resolve(f.Conversation)
	if err == nil && conv == nil {
		err = errors.New("conversation is required")
	}
	if err != nil {
		c.replyError(ctx, f.RequestID, err.Error())
		return
	}
	c.gw.router.Leave(c.id, *conv)
	c.ack(ctx, f.RequestID, nil)
}

func (c *wsClient) handleSwitch(ctx context.Context, f *chat.Frame) {
	from, err := c.resolve(f.From)
	if err != nil {
		c.replyError(ctx, f.RequestID, err.Error())
		return
	}
	to, err := c.resolve(f.To)
	if err != nil {
		c.replyError(ctx, f.RequestID, err.Error())
		return
	}
	if err := c.gw.router.SwitchConversation(ctx, c.principal, c.id, from, to); err != nil {
		c.replyError(ctx, f.RequestID, err.Error())
		return
	}
	c.ack(ctx, f.RequestID, nil)
}

func (c *wsClient) handleSend(ctx context.Context, f *chat.Frame) {
	conv, err := c.resolve(f.Conversation)
	if err == nil && conv == nil {
		err = errors.New("conversation is required")
	}
	if err != nil {
		c.replyError(ctx, f.RequestID, err.Error())
		return
	}

	result, err := c.gw.conversation.Send(ctx, sendRequest(c.principal, *conv, f.Content, f.MessageType, f.FileID, f.RequestID))
	if err != nil {
		var persistErr *conversation.PersistError
		if errors.As(err, &persistErr) {
			c.logger.Error("send failed", "error", err)
		}
		c.replyError(ctx, f.RequestID, err.Error())
		return
	}
	c.ack(ctx, f.RequestID, result.Message)
}

// sendRequest maps a conversation-addressed send onto the pipeline request.
func sendRequest(sender string, conv chat.Conversation, content string, typ chat.MessageType, fileID, requestID string) *conversation.SendRequest {
	req := &conversation.SendRequest{
		SenderID:  sender,
		Content:   content,
		Type:      typ,
		FileID:    fileID,
		RequestID: requestID,
	}
	if conv.Kind == chat.KindGroup {
		req.GroupID = conv.GroupID
	} else {
		req.ReceiverID = conv.Peer(sender)
	}
	return req
}

func (c *wsClient) ack(ctx context.Context, requestID string, msg *chat.Message) {
	c.reply(ctx, &chat.Frame{Type: chat.FrameAck, RequestID: requestID, Message: msg})
}

func (c *wsClient) replyError(ctx context.Context, requestID, msg string) {
	c.reply(ctx, &chat.Frame{Type: chat.FrameError, RequestID: requestID, Error: msg})
}

func (c *wsClient) reply(ctx context.Context, f *chat.Frame) {
	data, err := chat.EncodeFrame(f)
	if err != nil {
		c.logger.Error("encoding reply", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.logger.Debug("writing reply", "type", f.Type, "error", err)
	}
}
