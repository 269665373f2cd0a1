package hub_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/synthlabs/scrybe/internal/db"
	"github.com/synthlabs/scrybe/internal/hub"
	"github.com/synthlabs/scrybe/internal/metrics"
	"github.com/synthlabs/scrybe/internal/models"
	"github.com/synthlabs/scrybe/internal/persist"
	"github.com/synthlabs/scrybe/internal/remote/wsclient"
	"github.com/synthlabs/scrybe/internal/syncstore"
)

type audioSettings struct {
	Volume int `json:"volume"`
}

func newServer(c *qt.C, h *hub.Hub, reg *prometheus.Registry) *httptest.Server {
	c.Helper()
	var g prometheus.Gatherer
	if reg != nil {
		g = reg
	}
	srv := httptest.NewServer(h.Handler(g))
	c.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(c *qt.C, srv *httptest.Server) *wsclient.Client {
	c.Helper()
	cl, err := wsclient.Dial(context.Background(), wsURL(srv))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { _ = cl.Close() })
	return cl
}

func waitFor(c *qt.C, cond func() bool) {
	c.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func flush[T any](c *qt.C, s *syncstore.Store[T]) {
	c.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Assert(s.Flush(ctx), qt.IsNil)
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

func TestSetGet(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	h := hub.New(persist.NewMemory())
	defer h.Close()

	_, err := h.Get(ctx, "audio_settings")
	c.Assert(err, qt.ErrorIs, hub.ErrNotFound)

	st, err := h.Set(ctx, "audio_settings", json.RawMessage(`{"volume":80}`))
	c.Assert(err, qt.IsNil)
	c.Assert(st.Version, qt.Equals, uint64(1))

	st, err = h.Set(ctx, "audio_settings", json.RawMessage(`{"volume":81}`))
	c.Assert(err, qt.IsNil)
	c.Assert(st.Version, qt.Equals, uint64(2))

	got, err := h.Get(ctx, "audio_settings")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Version, qt.Equals, uint64(2))
	c.Assert(string(got.Value), qt.JSONEquals, map[string]any{"volume": 81})
}

func TestSet_FailurePath(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	h := hub.New(persist.NewMemory())
	defer h.Close()

	_, err := h.Set(ctx, "../x", json.RawMessage(`1`))
	c.Assert(err, qt.ErrorIs, models.ErrInvalidName)

	_, err = h.Set(ctx, "x", json.RawMessage(`{`))
	c.Assert(err, qt.ErrorMatches, `hub.Set x: hub: value is not valid JSON`)

	_, err = h.Set(ctx, "x", json.RawMessage(` null `))
	c.Assert(err, qt.ErrorMatches, `hub.Set x: hub: value must not be null`)
	_, err = h.Get(ctx, "x")
	c.Assert(err, qt.ErrorIs, hub.ErrNotFound)
}

func TestState_SurvivesRestart(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	d, err := db.Open(filepath.Join(t.TempDir(), "hub.db"))
	c.Assert(err, qt.IsNil)
	defer d.Close()

	h := hub.New(db.NewBackend(d))
	_, err = h.Set(ctx, "overlay", json.RawMessage(`{"visible":true}`))
	c.Assert(err, qt.IsNil)
	_, err = h.Set(ctx, "overlay", json.RawMessage(`{"visible":false}`))
	c.Assert(err, qt.IsNil)
	c.Assert(h.Close(), qt.IsNil)

	h = hub.New(db.NewBackend(d))
	defer h.Close()
	st, err := h.Get(ctx, "overlay")
	c.Assert(err, qt.IsNil)
	c.Assert(st.Version, qt.Equals, uint64(2))
	c.Assert(string(st.Value), qt.JSONEquals, map[string]any{"visible": false})

	st, err = h.Set(ctx, "overlay", json.RawMessage(`{"visible":true}`))
	c.Assert(err, qt.IsNil)
	c.Assert(st.Version, qt.Equals, uint64(3))

	names, err := h.Names(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(names, qt.DeepEquals, []string{"overlay"})
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func TestHTTP(t *testing.T) {
	c := qt.New(t)
	reg := prometheus.NewRegistry()
	h := hub.New(persist.NewMemory(), hub.WithMetrics(metrics.New(reg)))
	srv := newServer(c, h, reg)

	do := func(method, path, body string) (int, string) {
		c.Helper()
		req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
		c.Assert(err, qt.IsNil)
		resp, err := srv.Client().Do(req)
		c.Assert(err, qt.IsNil)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		c.Assert(err, qt.IsNil)
		return resp.StatusCode, string(data)
	}

	code, body := do(http.MethodGet, "/healthz", "")
	c.Assert(code, qt.Equals, http.StatusOK)
	c.Assert(body, qt.JSONEquals, map[string]any{"status": "ok", "version": "dev", "connections": 0})

	code, _ = do(http.MethodGet, "/states/audio_settings", "")
	c.Assert(code, qt.Equals, http.StatusNotFound)

	code, body = do(http.MethodPut, "/states/audio_settings", `{"volume":80}`)
	c.Assert(code, qt.Equals, http.StatusOK)
	c.Assert(body, qt.JSONEquals, map[string]any{
		"name": "audio_settings", "version": 1, "value": map[string]any{"volume": 80},
	})

	code, body = do(http.MethodGet, "/states/audio_settings", "")
	c.Assert(code, qt.Equals, http.StatusOK)
	c.Assert(body, qt.JSONEquals, map[string]any{
		"name": "audio_settings", "version": 1, "value": map[string]any{"volume": 80},
	})

	code, body = do(http.MethodGet, "/states", "")
	c.Assert(code, qt.Equals, http.StatusOK)
	c.Assert(body, qt.JSONEquals, []any{map[string]any{"name": "audio_settings", "version": 1}})

	code, _ = do(http.MethodPut, "/states/audio_settings", `{nope`)
	c.Assert(code, qt.Equals, http.StatusBadRequest)
	code, body = do(http.MethodPut, "/states/audio_settings", `null`)
	c.Assert(code, qt.Equals, http.StatusBadRequest)
	c.Assert(body, qt.JSONEquals, map[string]any{"error": "hub.Set audio_settings: hub: value must not be null"})

	code, _ = do(http.MethodGet, "/states/bad.name", "")
	c.Assert(code, qt.Equals, http.StatusBadRequest)

	code, body = do(http.MethodGet, "/metrics", "")
	c.Assert(code, qt.Equals, http.StatusOK)
	c.Assert(body, qt.Contains, `scrybe_hub_broadcasts_total{name="audio_settings"} 1`)
}

// ---------------------------------------------------------------------------
// Websocket
// ---------------------------------------------------------------------------

func TestWS_CommandsAndBroadcast(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	h := hub.New(persist.NewMemory())
	srv := newServer(c, h, nil)

	a, b := dial(c, srv), dial(c, srv)
	waitFor(c, func() bool { return h.Connections() == 2 })

	gotA := make(chan string, 4)
	gotB := make(chan string, 4)
	_, err := a.Listen(ctx, "overlay_update", func(p json.RawMessage) { gotA <- string(p) })
	c.Assert(err, qt.IsNil)
	_, err = b.Listen(ctx, "overlay_update", func(p json.RawMessage) { gotB <- string(p) })
	c.Assert(err, qt.IsNil)

	c.Assert(a.Invoke(ctx, "set_overlay", json.RawMessage(`{"x":1}`)), qt.IsNil)
	select {
	case p := <-gotB:
		c.Assert(p, qt.Equals, `{"x":1}`)
	case <-time.After(3 * time.Second):
		c.Fatal("b did not receive the update")
	}

	val, err := b.Call(ctx, "get_overlay", nil)
	c.Assert(err, qt.IsNil)
	c.Assert(string(val), qt.Equals, `{"x":1}`)

	// Backend-originated updates reach every client, including the last writer.
	_, err = h.Set(ctx, "overlay", json.RawMessage(`{"x":2}`))
	c.Assert(err, qt.IsNil)
	for _, ch := range []chan string{gotA, gotB} {
		select {
		case p := <-ch:
			c.Assert(p, qt.Equals, `{"x":2}`)
		case <-time.After(3 * time.Second):
			c.Fatal("client did not receive the backend update")
		}
	}
	// The sender of set_overlay never got its own value back.
	select {
	case p := <-gotA:
		c.Fatalf("unexpected event at a: %s", p)
	default:
	}

	err = a.Invoke(ctx, "launch_rockets", nil)
	c.Assert(err, qt.ErrorMatches, `wsclient.Invoke launch_rockets: hub: unknown command "launch_rockets"`)

	_, err = a.Call(ctx, "get_never_set", nil)
	c.Assert(err, qt.ErrorMatches, `.*hub: state not found`)
}

func TestWS_SyncedStoresConverge(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	h := hub.New(persist.NewMemory())
	srv := newServer(c, h, nil)

	sa := syncstore.New("audio_settings", audioSettings{Volume: 50}, persist.NewMemory(), dial(c, srv))
	c.Assert(sa.Init(ctx), qt.IsNil)
	defer sa.Close()
	flush(c, sa)

	sb := syncstore.New("audio_settings", audioSettings{}, persist.NewMemory(), dial(c, srv))
	c.Assert(sb.Init(ctx), qt.IsNil)
	defer sb.Close()
	flush(c, sb)
	// b's initial push reached a.
	waitFor(c, func() bool { return sa.Get().Volume == 0 })

	c.Assert(sa.Set(audioSettings{Volume: 80}), qt.IsNil)
	flush(c, sa)
	waitFor(c, func() bool { return sb.Get().Volume == 80 })
	// Any echo from b would be queued by now.
	flush(c, sb)

	st, err := h.Get(ctx, "audio_settings")
	c.Assert(err, qt.IsNil)
	c.Assert(st.Version, qt.Equals, uint64(3))
	c.Assert(string(st.Value), qt.JSONEquals, map[string]any{"volume": 80})

	_, err = h.Set(ctx, "audio_settings", json.RawMessage(`{"volume":5}`))
	c.Assert(err, qt.IsNil)
	waitFor(c, func() bool { return sa.Get().Volume == 5 && sb.Get().Volume == 5 })
	flush(c, sa)
	flush(c, sb)

	st, err = h.Get(ctx, "audio_settings")
	c.Assert(err, qt.IsNil)
	c.Assert(st.Version, qt.Equals, uint64(4))
}

func TestClose_DisconnectsClients(t *testing.T) {
	c := qt.New(t)
	h := hub.New(persist.NewMemory())
	srv := newServer(c, h, nil)
	cl := dial(c, srv)
	waitFor(c, func() bool { return h.Connections() == 1 })

	c.Assert(h.Close(), qt.IsNil)
	select {
	case <-cl.Done():
	case <-time.After(3 * time.Second):
		c.Fatal("client still connected")
	}
	err := cl.Invoke(context.Background(), "set_x", json.RawMessage(`1`))
	c.Assert(err, qt.ErrorIs, wsclient.ErrDisconnected)
}
