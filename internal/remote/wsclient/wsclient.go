// Package wsclient implements remote.Owner over a websocket connection to a
// scrybe hub.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synthlabs/scrybe/internal/models"
	"github.com/synthlabs/scrybe/internal/remote"
)

// ErrDisconnected is returned by calls made after the connection dropped.
var ErrDisconnected = errors.New("wsclient: disconnected")

const defaultWriteTimeout = 10 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for dropped frames and read errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// Client is a connected Remote Owner.
type Client struct {
	conn         *websocket.Conn
	log          *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan models.Frame
	listeners map[string]map[uint64]remote.Handler
	nextID    uint64
	err       error

	done      chan struct{}
	closeOnce sync.Once
}

var _ remote.Owner = (*Client)(nil)

// Dial connects to the hub websocket endpoint at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsclient.Dial %s: %w", url, err)
	}
	c := &Client{
		conn:         conn,
		log:          slog.Default(),
		writeTimeout: defaultWriteTimeout,
		pending:      make(map[string]chan models.Frame),
		listeners:    make(map[string]map[uint64]remote.Handler),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("remote", url)
	go c.readLoop()
	return c, nil
}

// Invoke implements remote.Owner. It sends an invoke frame and waits for the
// matching result.
func (c *Client) Invoke(ctx context.Context, command string, arg json.RawMessage) error {
	_, err := c.call(ctx, "wsclient.Invoke", command, arg)
	return err
}

// Call invokes command and returns the result payload.
func (c *Client) Call(ctx context.Context, command string, arg json.RawMessage) (json.RawMessage, error) {
	return c.call(ctx, "wsclient.Call", command, arg)
}

func (c *Client) call(ctx context.Context, op, command string, arg json.RawMessage) (json.RawMessage, error) {
	f := models.NewInvoke(command, arg)
	ch := make(chan models.Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", op, command, err)
	}
	c.pending[f.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, command, err)
	}
	select {
	case res := <-ch:
		if err := res.Err(); err != nil {
			return nil, fmt.Errorf("%s %s: %w", op, command, err)
		}
		return res.Data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s %s: %w", op, command, ctx.Err())
	case <-c.done:
		return nil, fmt.Errorf("%s %s: %w", op, command, ErrDisconnected)
	}
}

// Listen implements remote.Owner. The hub pushes every event to every
// connection; filtering by name happens here.
func (c *Client) Listen(_ context.Context, event string, h remote.Handler) (remote.Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.nextID++
	id := c.nextID
	if c.listeners[event] == nil {
		c.listeners[event] = make(map[uint64]remote.Handler)
	}
	c.listeners[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners[event], id)
			c.mu.Unlock()
		})
	}, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close sends a close frame and tears the connection down. It is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) write(f models.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

// ---------------------------------------------------------------------------
// read loop
// ---------------------------------------------------------------------------

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var f models.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				c.log.Debug("wsclient: read loop ended", "err", err)
			}
			c.mu.Lock()
			c.err = ErrDisconnected
			c.mu.Unlock()
			_ = c.conn.Close()
			return
		}
		switch f.Kind {
		case models.KindResult:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case models.KindEvent:
			c.dispatch(f)
		default:
			c.log.Warn("wsclient: unexpected frame", "kind", f.Kind, "name", f.Name)
		}
	}
}

// dispatch runs listeners on the read loop goroutine, so deliveries to one
// handler are serialized.
func (c *Client) dispatch(f models.Frame) {
	c.mu.Lock()
	hs := make([]remote.Handler, 0, len(c.listeners[f.Name]))
	for _, h := range c.listeners[f.Name] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(f.Data)
	}
}
