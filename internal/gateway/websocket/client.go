package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/internal/observer"
	"github.com/legionhq/legiond/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]*observer.Subscriber

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]*observer.Subscriber),
		logger:        log.With(zap.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("failed to set read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg wire.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			c.sendError("", "", wire.ErrorCodeBadRequest, "invalid message format")
			continue
		}

		// Handlers run off the read pump so a slow control operation does
		// not block other requests on this connection.
		go c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *wire.Message) {
	switch msg.Action {
	case wire.ActionSubscribe:
		c.handleSubscribe(msg)
		return
	case wire.ActionUnsubscribe:
		c.handleUnsubscribe(msg)
		return
	case wire.ActionAck:
		c.handleAck(msg)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.sendError(msg.ID, msg.Action, errorCode(err), err.Error())
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// errorCode maps control errors onto wire error codes.
func errorCode(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return wire.ErrorCodeInternal
}

// SubscribeRequest is the payload for stream.subscribe.
type SubscribeRequest struct {
	Stream   string `json:"stream"` // ui | session | legion
	TargetID string `json:"target_id,omitempty"`
	Cursor   uint64 `json:"cursor,omitempty"`
}

// AckRequest is the payload for stream.ack.
type AckRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

func (c *Client) handleSubscribe(msg *wire.Message) {
	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}

	sub, err := c.hub.observer.Subscribe(observer.StreamKind(req.Stream), req.TargetID, req.Cursor)
	if err != nil {
		c.sendError(msg.ID, msg.Action, errorCode(err), err.Error())
		return
	}

	c.mu.Lock()
	c.subscriptions[sub.ID] = sub
	c.mu.Unlock()

	resp, _ := wire.NewResponse(msg.ID, msg.Action, map[string]any{
		"subscription_id": sub.ID,
		"stream":          req.Stream,
		"target_id":       req.TargetID,
	})
	c.sendMessage(resp)

	go c.pumpSubscription(sub)
}

// pumpSubscription forwards observer notifications to the connection until
// the subscriber is dropped.
func (c *Client) pumpSubscription(sub *observer.Subscriber) {
	for n := range sub.Out() {
		notif, err := wire.NewNotification(wire.ActionStreamEvent, map[string]any{
			"subscription_id": sub.ID,
			"notification":    n,
		})
		if err != nil {
			continue
		}
		c.sendMessage(notif)
	}

	c.mu.Lock()
	delete(c.subscriptions, sub.ID)
	c.mu.Unlock()

	drop, err := wire.NewNotification(wire.ActionStreamDrop, map[string]any{
		"subscription_id": sub.ID,
		"reason":          sub.Reason(),
	})
	if err == nil {
		c.sendMessage(drop)
	}
}

func (c *Client) handleUnsubscribe(msg *wire.Message) {
	var req AckRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	c.hub.observer.Unsubscribe(req.SubscriptionID)
	resp, _ := wire.NewResponse(msg.ID, msg.Action, map[string]any{"success": true})
	c.sendMessage(resp)
}

func (c *Client) handleAck(msg *wire.Message) {
	var req AckRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, wire.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	c.mu.Lock()
	sub, ok := c.subscriptions[req.SubscriptionID]
	c.mu.Unlock()
	if ok {
		sub.Ack()
	}
}

// detachAll unsubscribes every stream held by this connection.
func (c *Client) detachAll() {
	c.mu.Lock()
	subs := make([]*observer.Subscriber, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.subscriptions = make(map[string]*observer.Subscriber)
	c.mu.Unlock()

	for _, sub := range subs {
		c.hub.observer.Unsubscribe(sub.ID)
	}
}

func (c *Client) sendMessage(msg *wire.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	c.sendBytes(data)
}

func (c *Client) sendBytes(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("client send buffer full")
		return false
	}
}

func (c *Client) sendError(id, action, code, message string) {
	msg, err := wire.NewError(id, action, code, message, nil)
	if err != nil {
		c.logger.Error("failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if !ok {
				// Hub closed the channel
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to write close message", zap.Error(err))
				}
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				_ = w.Close()
				return
			}

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				if _, err := w.Write([]byte{'\n'}); err != nil {
					_ = w.Close()
					return
				}
				if _, err := w.Write(<-c.send); err != nil {
					_ = w.Close()
					return
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
