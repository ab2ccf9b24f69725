package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cipherpost/cipherpost-server/internal/logging"
	"github.com/cipherpost/cipherpost-server/internal/protocol"
	"github.com/cipherpost/cipherpost-server/internal/service"
	"github.com/cipherpost/cipherpost-server/internal/storage"
)

const (
	// writeWait bounds a single frame write, including the close handshake.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays connected; pings go out a
	// little more often so a healthy peer always answers in time.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxFrameBytes caps one inbound frame: an encrypted payload plus the
	// digest and envelope fields.
	maxFrameBytes = 64 << 10
)

// wsChannel adapts one websocket connection to the registry's Channel
// contract. All socket writes go through the write pump, so Send only
// enqueues; a full queue is reported as a failed send and the registry
// evicts the connection.
type wsChannel struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSChannel(conn *websocket.Conn, queueSize int) *wsChannel {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &wsChannel{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

func (c *wsChannel) ID() string { return c.id }

func (c *wsChannel) Send(frame []byte) error {
	select {
	case <-c.done:
		return errors.New("channel closed")
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errors.New("channel closed")
	default:
		return errors.New("send queue full")
	}
}

func (c *wsChannel) Close() {
	c.once.Do(func() { close(c.done) })
}

// writePump owns the socket for writes: queued frames, keepalive pings, and
// the close handshake. Closing the connection on exit unblocks the read loop.
func (c *wsChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleWS authenticates, upgrades, and runs the connection's read loop.
// Browsers cannot set headers on websocket dials, so the bearer token rides
// in the query string and is checked before the upgrade.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		h.writeError(w, r, service.NewAppError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing token", false, err))
		return
	}
	user, ok, err := h.courier.User(r.Context(), claims.UserID)
	if err != nil {
		h.writeError(w, r, service.Internal("resolve connecting user", err))
		return
	}
	if !ok {
		h.writeError(w, r, service.NewAppError(http.StatusUnauthorized, "UNAUTHORIZED", "unknown user", false, nil))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		h.logger.Warn("websocket upgrade failed",
			slog.Int64("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	logging.AddField(r.Context(), "op", "websocket")
	logging.AddField(r.Context(), "user_id", user.ID)

	ch := newWSChannel(conn, h.sendQueueSize)
	go ch.writePump()

	registry := h.courier.Registry()
	registry.Register(user.ID, ch)
	defer func() {
		registry.Unregister(user.ID, ch.ID())
		ch.Close()
	}()

	h.sendFrame(ch, user.ID, protocol.ConnectedFrame{
		Type:     protocol.FrameConnected,
		UserID:   user.ID,
		Username: user.Username,
	})
	h.courier.FlushPending(r.Context(), user.ID)

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Frames from one connection are processed strictly in arrival order.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Info("websocket closed",
					slog.Int64("user_id", user.ID),
					slog.String("channel_id", ch.ID()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		h.processFrame(r, user, ch, data)
	}
}

// processFrame handles one inbound frame. Malformed input and rejected sends
// come back as error frames; the connection stays open either way.
func (h *Handler) processFrame(r *http.Request, sender storage.User, ch *wsChannel, data []byte) {
	var frame protocol.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.sendFrame(ch, sender.ID, protocol.ErrorFrame{Type: protocol.FrameError, Message: "invalid JSON frame"})
		return
	}

	ack, err := h.courier.HandleInbound(r.Context(), sender, frame)
	if err != nil {
		message := "message could not be processed"
		var appErr *service.AppError
		if errors.As(err, &appErr) {
			message = appErr.Message
			h.logger.Warn("inbound frame rejected",
				slog.Int64("sender_id", sender.ID),
				slog.String("code", appErr.Code),
				slog.String("error", appErr.Error()),
			)
		} else {
			h.logger.Error("inbound frame failed",
				slog.Int64("sender_id", sender.ID),
				slog.String("error", err.Error()),
			)
		}
		h.sendFrame(ch, sender.ID, protocol.ErrorFrame{Type: protocol.FrameError, Message: message})
		return
	}
	h.sendFrame(ch, sender.ID, ack)
}

func (h *Handler) sendFrame(ch *wsChannel, userID int64, frame any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal websocket frame",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := ch.Send(raw); err != nil {
		h.logger.Warn("websocket send dropped",
			slog.Int64("user_id", userID),
			slog.String("channel_id", ch.ID()),
			slog.String("error", err.Error()),
		)
	}
}
