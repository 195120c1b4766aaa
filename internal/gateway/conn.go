// ABOUTME: Per-connection read/write pumps and inbound event dispatch
// ABOUTME: Maps pipeline errors to client-visible error events with stable codes

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"log/slog"

	"github.com/orrodguez19/Seend/internal/conversation"
	"github.com/orrodguez19/Seend/internal/delivery"
	"github.com/orrodguez19/Seend/internal/event"
	"github.com/orrodguez19/Seend/internal/session"
	"github.com/orrodguez19/Seend/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// conn owns one live WebSocket connection and its session.
type conn struct {
	gateway *Gateway
	ws      *websocket.Conn
	session *session.Session
	logger  *slog.Logger
}

// readPump consumes inbound frames until the connection drops, then
// unregisters the session. Unregistration is what triggers the offline
// presence broadcast and typing-timer cleanup.
func (c *conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}

		ev, err := event.Decode(data)
		if err != nil {
			c.sendError("invalid_event", err.Error())
			continue
		}
		c.dispatch(ev)
	}
}

// teardown unregisters the session exactly once per connection. The
// duplicate-disconnect tolerance lives in the registry, so a racing close
// elsewhere is harmless.
func (c *conn) teardown() {
	c.ws.Close()
	identity, last, ok := c.gateway.registry.Unregister(c.session.ID)
	if !ok {
		return
	}
	c.gateway.presence.SessionDisconnected(identity, last)
}

// dispatch routes a decoded inbound event to the owning component. The
// type switch is exhaustive over the closed event set.
func (c *conn) dispatch(ev event.Inbound) {
	ctx := context.Background()
	identity := c.session.Identity

	switch e := ev.(type) {
	case *event.SendMessage:
		// The pipeline fans the persisted message out to every session of
		// the sender, this one included, inside the conversation's critical
		// section.
		if _, err := c.gateway.pipeline.Send(ctx, identity, e); err != nil {
			c.sendError(errorCode(err), err.Error())
		}

	case *event.MarkSeen:
		if err := c.gateway.pipeline.MarkSeen(ctx, identity, e.ConversationID, e.UpTo); err != nil {
			c.sendError(errorCode(err), err.Error())
		}

	case *event.MarkAllSeen:
		if err := c.gateway.pipeline.MarkAllSeen(ctx, identity, e.ConversationID); err != nil {
			c.sendError(errorCode(err), err.Error())
		}

	case *event.Typing:
		if err := c.gateway.presence.Typing(ctx, identity, e.ConversationID, e.IsTyping); err != nil {
			c.sendError(errorCode(err), err.Error())
		}

	case *event.FetchHistory:
		limit := e.Limit
		if limit <= 0 {
			limit = c.gateway.config.Delivery.HistoryLimit
		}
		history, err := c.gateway.pipeline.History(ctx, identity, e.ConversationID, limit)
		if err != nil {
			c.sendError(errorCode(err), err.Error())
			return
		}
		c.session.Enqueue(*history)
	}
}

// sendError pushes a client-visible rejection onto this session.
func (c *conn) sendError(code, message string) {
	c.session.Enqueue(event.Error{Code: code, Message: message})
}

// errorCode maps pipeline errors to stable client-facing codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, conversation.ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, delivery.ErrMissingText),
		errors.Is(err, delivery.ErrMissingTarget),
		errors.Is(err, delivery.ErrAmbiguousTarget),
		errors.Is(err, conversation.ErrSelfConversation),
		errors.Is(err, conversation.ErrInvalidIdentity):
		return "invalid_argument"
	default:
		return "internal"
	}
}

// writePump drains the session queue onto the wire and keeps the
// connection alive with pings. It exits when the session queue closes
// (unregistration) or a write fails.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case ev, ok := <-c.session.Events():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := event.Encode(ev)
			if err != nil {
				c.logger.Error("failed to encode event", "error", err, "event", ev.Kind())
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write error", "error", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
