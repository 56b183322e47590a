package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	aierrors "github.com/aviary-ai/aviary/ai/errors"
	"github.com/aviary-ai/aviary/ai/observability/logging"
	"github.com/aviary-ai/aviary/plugin/chat_apps"
)

const wsWriteTimeout = 10 * time.Second

// wsHub tracks live WebSocket clients so shutdown can close them.
type wsHub struct {
	server *Server

	mu    sync.Mutex
	conns map[string]*wsConn
}

type wsConn struct {
	id      string
	conn    *websocket.Conn
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// wsClientMessage is what clients send: chat messages and pings.
type wsClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

func newWSHub(s *Server) *wsHub {
	return &wsHub{server: s, conns: make(map[string]*wsConn)}
}

// handleWS upgrades the connection and streams bot replies for one channel.
// Client text frames are injected into the channel as user messages.
func (s *Server) handleWS(c echo.Context) error {
	channelID := c.QueryParam("channelId")
	userID := c.QueryParam("userId")
	fields := map[string]string{}
	if channelID == "" {
		fields["channelId"] = "required"
	}
	if userID == "" {
		fields["userId"] = "required"
	}
	if len(fields) > 0 {
		return respondFieldErrors(c, fields)
	}
	if s.httpChannel == nil {
		return respondError(c, aierrors.New(aierrors.SystemInternal, "http channel not configured"))
	}

	opts := &websocket.AcceptOptions{}
	if len(s.profile.CORSOrigins) == 1 && s.profile.CORSOrigins[0] == "*" {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = s.profile.CORSOrigins
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// Blocks until the client disconnects or the server shuts down.
	s.ws.handle(c.Request().Context(), conn, channelID, userID)
	return nil
}

func (h *wsHub) handle(parentCtx context.Context, conn *websocket.Conn, channelID, userID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	wc := &wsConn{id: uuid.New().String(), conn: conn, cancel: cancel}

	h.mu.Lock()
	h.conns[wc.id] = wc
	h.mu.Unlock()
	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.conns, wc.id)
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	h.sendJSON(ctx, wc, map[string]string{
		"type":         "connection.established",
		"connectionId": wc.id,
		"channelId":    channelID,
	})

	// Forward bot replies for this channel until the subscription or the
	// connection dies.
	updates, stop := h.server.httpChannel.Subscribe(channelID)
	defer stop()
	go func() {
		for msg := range updates {
			event := map[string]string{
				"type":      "bot.message",
				"channelId": msg.ChannelID,
				"source":    msg.Meta(chat_apps.MetaSource),
				"content":   msg.Content,
			}
			if skill := msg.Meta(chat_apps.MetaSkillName); skill != "" {
				event["skill"] = skill
			}
			h.sendJSON(ctx, wc, event)
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendJSON(ctx, wc, map[string]string{"type": "error", "message": "invalid message"})
			continue
		}
		h.handleClientMessage(ctx, wc, channelID, userID, &msg)
	}
}

func (h *wsHub) handleClientMessage(ctx context.Context, wc *wsConn, channelID, userID string, msg *wsClientMessage) {
	switch msg.Type {
	case "message":
		if msg.Content == "" {
			h.sendJSON(ctx, wc, map[string]string{"type": "error", "message": "content is required"})
			return
		}
		incoming := &chat_apps.IncomingMessage{
			ChannelID: channelID,
			UserID:    userID,
			Author:    userID,
			Content:   msg.Content,
			Timestamp: time.Now(),
		}
		if err := h.server.httpChannel.Inject(ctx, incoming); err != nil {
			h.sendJSON(ctx, wc, map[string]string{"type": "error", "message": "message not accepted"})
		}
	case "ping":
		h.sendJSON(ctx, wc, map[string]string{"type": "pong"})
	default:
		h.sendJSON(ctx, wc, map[string]string{"type": "error", "message": "unknown message type"})
	}
}

// sendJSON writes one frame under the connection's write lock.
func (h *wsHub) sendJSON(ctx context.Context, wc *wsConn, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wc.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		logging.FromContext(ctx).Debug("websocket write failed", "connection", wc.id, "error", err)
	}
}

// activeConnections returns the count of live clients.
func (h *wsHub) activeConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// closeAll disconnects every client; used during graceful shutdown.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, wc := range h.conns {
		conns = append(conns, wc)
	}
	h.mu.Unlock()

	for _, wc := range conns {
		wc.cancel()
		_ = wc.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
