// ABOUTME: WebSocket endpoint: token verification, upgrade, and session lifecycle
// ABOUTME: Authentication is checked before any session registry entry is created

package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/orrodguez19/Seend/internal/conversation"
	"github.com/orrodguez19/Seend/internal/session"
)

// handleWS authenticates and upgrades a transport connection. An invalid
// or missing token rejects the request before the session registry is
// touched; by the time a Session exists, the identity is verified.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	identity, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.Debug("connection rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if !conversation.ValidIdentity(identity) {
		g.logger.Debug("connection rejected", "reason", "malformed identity")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.originAllowed,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	// Record the verified identity so it is addressable as a recipient.
	if err := g.store.EnsureIdentity(r.Context(), identity); err != nil {
		g.logger.Error("failed to record identity", "error", err, "identity", identity)
		ws.Close()
		return
	}

	sess := session.New(identity)
	first := g.registry.Register(sess)

	c := &conn{
		gateway: g,
		ws:      ws,
		session: sess,
		logger:  g.logger.With("identity", identity, "session_id", sess.ID),
	}

	g.presence.SessionConnected(identity, first)
	sess.Enqueue(g.presence.Roster())

	// Flush messages that arrived while this identity was offline. Runs
	// after registration so status updates reach the new session too.
	go func() {
		if err := g.pipeline.HandleConnect(context.Background(), identity); err != nil {
			c.logger.Error("connect-time delivery scan failed", "error", err)
		}
	}()

	go c.writePump()
	go c.readPump()
}

// bearerToken extracts the connection token from the Authorization header
// or, for browser clients that cannot set headers on WebSocket dials, the
// token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// originAllowed enforces the configured origin allowlist. An empty list
// permits same-host requests only; "*" disables the check.
func (g *Gateway) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	allowed := g.config.Server.AllowedOrigins
	if len(allowed) == 0 {
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}

	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
