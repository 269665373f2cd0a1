package wsclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/gorilla/websocket"

	"github.com/synthlabs/scrybe/internal/models"
	"github.com/synthlabs/scrybe/internal/remote/wsclient"
)

// fakeHub answers invoke frames with script and pushes events sent on events.
type fakeHub struct {
	script func(models.Frame) (models.Frame, bool)
	events chan models.Frame
}

func (f *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	frames := make(chan models.Frame)
	go func() {
		defer close(frames)
		for {
			var fr models.Frame
			if err := ws.ReadJSON(&fr); err != nil {
				return
			}
			frames <- fr
		}
	}()
	for {
		select {
		case fr, ok := <-frames:
			if !ok {
				return
			}
			if reply, ok := f.script(fr); ok {
				_ = ws.WriteJSON(reply)
			}
		case ev := <-f.events:
			_ = ws.WriteJSON(ev)
		}
	}
}

func start(c *qt.C, f *fakeHub) *wsclient.Client {
	c.Helper()
	srv := httptest.NewServer(f)
	c.Cleanup(srv.Close)
	cl, err := wsclient.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { _ = cl.Close() })
	return cl
}

func ack(fr models.Frame) (models.Frame, bool) { return fr.Reply(json.RawMessage(`{}`)), true }

func TestInvoke(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Run("acknowledged", func(c *qt.C) {
		var seen models.Frame
		cl := start(c, &fakeHub{script: func(fr models.Frame) (models.Frame, bool) {
			seen = fr
			return ack(fr)
		}})
		c.Assert(cl.Invoke(ctx, "set_audio_settings", json.RawMessage(`{"volume":80}`)), qt.IsNil)
		c.Assert(seen.Kind, qt.Equals, models.KindInvoke)
		c.Assert(seen.Name, qt.Equals, "set_audio_settings")
		c.Assert(string(seen.Data), qt.Equals, `{"volume":80}`)
	})

	c.Run("error result", func(c *qt.C) {
		cl := start(c, &fakeHub{script: func(fr models.Frame) (models.Frame, bool) {
			return fr.ReplyError(errString("rejected")), true
		}})
		err := cl.Invoke(ctx, "set_x", json.RawMessage(`1`))
		c.Assert(err, qt.ErrorMatches, `wsclient.Invoke set_x: rejected`)
	})

	c.Run("call returns data", func(c *qt.C) {
		cl := start(c, &fakeHub{script: func(fr models.Frame) (models.Frame, bool) {
			return fr.Reply(json.RawMessage(`{"volume":3}`)), true
		}})
		data, err := cl.Call(ctx, "get_audio_settings", nil)
		c.Assert(err, qt.IsNil)
		c.Assert(string(data), qt.Equals, `{"volume":3}`)
	})

	c.Run("unanswered call honours the context", func(c *qt.C) {
		cl := start(c, &fakeHub{script: func(models.Frame) (models.Frame, bool) { return models.Frame{}, false }})
		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		err := cl.Invoke(cctx, "set_x", nil)
		c.Assert(err, qt.ErrorIs, context.DeadlineExceeded)
	})

	c.Run("after close", func(c *qt.C) {
		cl := start(c, &fakeHub{script: ack})
		c.Assert(cl.Close(), qt.IsNil)
		c.Assert(cl.Close(), qt.IsNil)
		err := cl.Invoke(ctx, "set_x", nil)
		c.Assert(err, qt.ErrorIs, wsclient.ErrDisconnected)
		_, err = cl.Listen(ctx, "x_update", func(json.RawMessage) {})
		c.Assert(err, qt.ErrorIs, wsclient.ErrDisconnected)
	})
}

func TestListen(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	events := make(chan models.Frame, 4)
	cl := start(c, &fakeHub{script: ack, events: events})

	got := make(chan string, 4)
	unsub, err := cl.Listen(ctx, "audio_settings_update", func(p json.RawMessage) { got <- string(p) })
	c.Assert(err, qt.IsNil)

	events <- models.NewEvent("overlay_update", json.RawMessage(`1`))
	events <- models.NewEvent("audio_settings_update", json.RawMessage(`{"volume":10}`))
	select {
	case p := <-got:
		c.Assert(p, qt.Equals, `{"volume":10}`)
	case <-time.After(3 * time.Second):
		c.Fatal("event not delivered")
	}

	unsub()
	unsub()
	events <- models.NewEvent("audio_settings_update", json.RawMessage(`{"volume":11}`))
	// A round trip guarantees the event frame was read first.
	c.Assert(cl.Invoke(ctx, "set_x", nil), qt.IsNil)
	select {
	case p := <-got:
		c.Fatalf("delivered after unsubscribe: %s", p)
	default:
	}
}

func TestDial_FailurePath(t *testing.T) {
	c := qt.New(t)
	_, err := wsclient.Dial(context.Background(), "ws://127.0.0.1:1/ws")
	c.Assert(err, qt.ErrorMatches, `wsclient.Dial ws://127.0.0.1:1/ws: .*`)
}

type errString string

func (e errString) Error() string { return string(e) }
