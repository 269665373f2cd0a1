package hub

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/synthlabs/scrybe/internal/models"
)

const (
	sendBuffer     = 64
	maxMessageSize = 1 << 20
)

type client struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan models.Frame
}

// enqueue hands f to the writer. Called with h.mu held.
func (c *client) enqueue(f models.Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// ServeWS upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("hub: upgrade failed", "err", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		ws:   ws,
		send: make(chan models.Frame, sendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.HubConnected(1)
	h.log.Debug("hub: client connected", "client", c.id, "remote", r.RemoteAddr)

	ws.SetReadLimit(maxMessageSize)
	go c.writePump()
	c.readPump(r.Context())
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.mu.Lock()
		c.hub.dropLocked(c)
		c.hub.mu.Unlock()
		c.hub.log.Debug("hub: client disconnected", "client", c.id)
	}()
	for {
		var f models.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		if f.Kind != models.KindInvoke {
			c.hub.log.Warn("hub: ignoring frame", "client", c.id, "kind", f.Kind)
			continue
		}
		reply := c.hub.invoke(ctx, c, f)
		c.hub.mu.Lock()
		_, live := c.hub.clients[c.id]
		ok := live && c.enqueue(reply)
		c.hub.mu.Unlock()
		if !ok {
			return
		}
	}
}

func (c *client) writePump() {
	defer c.ws.Close()
	for f := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout)); err != nil {
			return
		}
		if err := c.ws.WriteJSON(f); err != nil {
			c.hub.log.Debug("hub: write failed", "client", c.id, "err", err)
			return
		}
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// dropLocked unregisters c and stops its writer. Safe to call repeatedly.
func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	h.metrics.HubConnected(-1)
}

// invoke answers one command frame.
func (h *Hub) invoke(ctx context.Context, from *client, f models.Frame) models.Frame {
	switch {
	case strings.HasPrefix(f.Name, "set_"):
		st, err := h.set(ctx, strings.TrimPrefix(f.Name, "set_"), f.Data, from)
		if err != nil {
			return f.ReplyError(err)
		}
		return f.Reply(versionJSON(st.Version))
	case strings.HasPrefix(f.Name, "get_"):
		st, err := h.Get(ctx, strings.TrimPrefix(f.Name, "get_"))
		if err != nil {
			return f.ReplyError(err)
		}
		return f.Reply(st.Value)
	default:
		return f.ReplyError(fmt.Errorf("hub: unknown command %q", f.Name))
	}
}

func versionJSON(v uint64) []byte {
	return []byte(fmt.Sprintf(`{"version":%d}`, v))
}
