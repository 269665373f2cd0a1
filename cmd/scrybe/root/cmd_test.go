// End-to-end tests that run the scrybe CLI in-process against a temporary
// home. Output is captured through cobra's SetOut.
package rootcmd_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	rootcmd "github.com/synthlabs/scrybe/cmd/scrybe/root"
	"github.com/synthlabs/scrybe/internal/checkers"
	"github.com/synthlabs/scrybe/internal/config"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// newHome returns a fresh scrybe home and isolates the user's global config.
func newHome(c *qt.C) string {
	c.Helper()
	c.Setenv("HOME", c.TempDir())
	c.Setenv("SCRYBE_HOME", "")
	return c.TempDir()
}

// runCmd executes the root command with args and returns captured stdout.
func runCmd(c *qt.C, stdin io.Reader, args ...string) (string, error) {
	c.Helper()
	return runCmdContext(context.Background(), c, &bytes.Buffer{}, stdin, args...)
}

func runCmdContext(ctx context.Context, c *qt.C, out interface {
	io.Writer
	String() string
}, stdin io.Reader, args ...string,
) (string, error) {
	c.Helper()
	root := rootcmd.New()
	root.SetOut(out)
	root.SetErr(io.Discard)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

// syncBuffer is a bytes.Buffer safe for a command writing while a test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(c *qt.C, cond func() bool) {
	c.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Help / version / init
// ---------------------------------------------------------------------------

func TestHelp(t *testing.T) {
	c := qt.New(t)
	out, err := runCmd(c, nil, "--help")
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Contains, "Scrybe keeps JSON state in sync")
	for _, verb := range []string{"init", "get", "set", "reset", "list", "watch", "serve", "config", "mcp"} {
		c.Assert(out, qt.Contains, verb)
	}
}

func TestVersion(t *testing.T) {
	c := qt.New(t)
	out, err := runCmd(c, nil, "--version")
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Matches, `scrybe dev \(unknown, built unknown\)\n`)
}

func TestInit(t *testing.T) {
	c := qt.New(t)
	home := newHome(c)

	out, err := runCmd(c, nil, "--home", home, "init")
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Contains, "Scrybe home initialized at "+home)

	info, err := os.Stat(filepath.Join(home, "state"))
	c.Assert(err, qt.IsNil)
	c.Assert(info.IsDir(), qt.IsTrue)
}

// ---------------------------------------------------------------------------
// set / get / list / reset
// ---------------------------------------------------------------------------

func TestSetGetListReset(t *testing.T) {
	c := qt.New(t)
	home := newHome(c)

	out, err := runCmd(c, nil, "--home", home, "set", "audio_settings", `{"volume":80,"devices":[{"name":"mic"}]}`)
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Equals, "Set audio_settings (version 1)\n")

	// The on-disk document uses the envelope layout.
	data, err := os.ReadFile(filepath.Join(home, "state", "audio_settings.json"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), checkers.JSONPathEquals("$.object.value.volume"), float64(80))

	c.Run("get pretty prints", func(c *qt.C) {
		out, err := runCmd(c, nil, "--home", home, "get", "audio_settings")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.JSONEquals, map[string]any{"volume": 80, "devices": []any{map[string]any{"name": "mic"}}})
		c.Assert(strings.Count(out, "\n") > 1, qt.IsTrue)
	})

	c.Run("get compact with path", func(c *qt.C) {
		out, err := runCmd(c, nil, "--home", home, "get", "audio_settings", "--compact", "--path", "$.devices[0]")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Equals, `{"name":"mic"}`+"\n")
	})

	c.Run("set from stdin", func(c *qt.C) {
		out, err := runCmd(c, strings.NewReader(`{"visible": true}`+"\n"), "--home", home, "set", "overlay", "-")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Contains, "Set overlay")
	})

	c.Run("list", func(c *qt.C) {
		out, err := runCmd(c, nil, "--home", home, "list")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Equals, "audio_settings\noverlay\n")

		out, err = runCmd(c, nil, "--home", home, "list", "--json")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.JSONEquals, []string{"audio_settings", "overlay"})
	})

	c.Run("reset", func(c *qt.C) {
		out, err := runCmd(c, nil, "--home", home, "reset", "overlay")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Equals, "Reset overlay\n")

		_, err = runCmd(c, nil, "--home", home, "get", "overlay")
		c.Assert(err, qt.ErrorMatches, `no value persisted for "overlay"`)

		out, err = runCmd(c, nil, "--home", home, "reset", "never_set")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Equals, "Nothing persisted for never_set\n")
	})
}

func TestSet_FailurePath(t *testing.T) {
	c := qt.New(t)
	home := newHome(c)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "invalid JSON", args: []string{"set", "overlay", `{"a":`}, wantErr: `set: value is not valid JSON`},
		{name: "null", args: []string{"set", "overlay", `null`}, wantErr: `set: value must not be null`},
		{name: "invalid name", args: []string{"set", "a/b", `{}`}, wantErr: `service.Store: invalid store name: "a/b"`},
		{name: "missing value", args: []string{"set", "overlay"}, wantErr: `accepts 2 arg\(s\), received 1`},
		{name: "unknown log level", args: []string{"--log-level", "loud", "list"}, wantErr: `invalid log level "loud"`},
	}
	for _, tt := range tests {
		c.Run(tt.name, func(c *qt.C) {
			_, err := runCmd(c, nil, append([]string{"--home", home}, tt.args...)...)
			c.Assert(err, qt.ErrorMatches, tt.wantErr)
		})
	}
}

func TestList_Empty(t *testing.T) {
	c := qt.New(t)
	home := newHome(c)
	out, err := runCmd(c, nil, "--home", home, "list")
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Equals, "No synced states found.\n")
}

func TestSQLiteDriver(t *testing.T) {
	c := qt.New(t)
	home := newHome(c)
	cfg := config.Default()
	cfg.Persistence.Driver = config.DriverSQLite
	c.Assert(config.Save(filepath.Join(home, config.FileName), cfg), qt.IsNil)

	_, err := runCmd(c, nil, "--home", home, "set", "app_state", `{"theme":"dark"}`)
	c.Assert(err, qt.IsNil)
	out, err := runCmd(c, nil, "--home", home, "get", "app_state", "--compact")
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Equals, `{"theme":"dark"}`+"\n")

	_, err = os.Stat(filepath.Join(home, "state", "state.db"))
	c.Assert(err, qt.IsNil)
}

// ---------------------------------------------------------------------------
// watch
// ---------------------------------------------------------------------------

func TestWatch_PrintsCurrentValue(t *testing.T) {
	c := qt.New(t)
	home := newHome(c)

	_, err := runCmd(c, nil, "--home", home, "set", "overlay", `{"visible": true}`)
	c.Assert(err, qt.IsNil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := runCmdContext(ctx, c, &bytes.Buffer{}, nil, "--home", home, "watch", "overlay", "--count", "1")
	c.Assert(err, qt.IsNil)
	c.Assert(out, qt.Equals, `{"visible":true}`+"\n")
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

var listenRe = regexp.MustCompile(`Hub listening on (http://\S+) \(websocket (ws://\S+)/ws`)

func TestServe_StoresSyncThroughHub(t *testing.T) {
	c := qt.New(t)
	hubHome := newHome(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	errc := make(chan error, 1)
	go func() {
		_, err := runCmdContext(ctx, c, out, nil, "--home", hubHome, "serve", "--addr", "127.0.0.1:0")
		errc <- err
	}()
	waitFor(c, func() bool { return listenRe.MatchString(out.String()) })
	m := listenRe.FindStringSubmatch(out.String())
	httpBase, wsBase := m[1], m[2]

	// A client home pointed at the hub.
	clientHome := c.TempDir()
	cfg := config.Default()
	cfg.Remote.URL = wsBase + "/ws"
	c.Assert(config.Save(filepath.Join(clientHome, config.FileName), cfg), qt.IsNil)

	_, err := runCmd(c, nil, "--home", clientHome, "set", "audio_settings", `{"volume":80}`)
	c.Assert(err, qt.IsNil)

	resp, err := http.Get(httpBase + "/states/audio_settings")
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, qt.Equals, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body), checkers.JSONPathEquals("$.value.volume"), float64(80))

	// A second client home contributes another state.
	otherHome := c.TempDir()
	c.Assert(config.Save(filepath.Join(otherHome, config.FileName), cfg), qt.IsNil)
	_, err = runCmd(c, nil, "--home", otherHome, "set", "overlay", `{"visible":true}`)
	c.Assert(err, qt.IsNil)

	resp2, err := http.Get(httpBase + "/states")
	c.Assert(err, qt.IsNil)
	defer resp2.Body.Close()
	var states []map[string]any
	c.Assert(json.NewDecoder(resp2.Body).Decode(&states), qt.IsNil)
	c.Assert(states, qt.HasLen, 2)

	cancel()
	select {
	case err := <-errc:
		c.Assert(err, qt.IsNil)
	case <-time.After(10 * time.Second):
		c.Fatal("serve did not stop")
	}
	_, err = os.Stat(filepath.Join(hubHome, "hub.db"))
	c.Assert(err, qt.IsNil)
}

// ---------------------------------------------------------------------------
// config
// ---------------------------------------------------------------------------

func TestConfig(t *testing.T) {
	c := qt.New(t)
	home := newHome(c)

	c.Run("show reports the resolved home", func(c *qt.C) {
		out, err := runCmd(c, nil, "--home", home, "config")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Contains, "home: "+home)
		c.Assert(out, qt.Contains, "home_source: flag")
		c.Assert(out, qt.Contains, "driver: file")
	})

	c.Run("init writes a loadable template", func(c *qt.C) {
		out, err := runCmd(c, nil, "--home", home, "config", "init")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Contains, "Created "+filepath.Join(home, config.FileName))

		cfg, err := config.Load(filepath.Join(home, config.FileName))
		c.Assert(err, qt.IsNil)
		c.Assert(cfg, qt.DeepEquals, config.Default())

		out, err = runCmd(c, nil, "--home", home, "config", "init")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Contains, "Config already exists")

		out, err = runCmd(c, nil, "--home", home, "config", "init", "--force")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Contains, "Created")
	})

	c.Run("set-home and clear-home", func(c *qt.C) {
		target := filepath.Join(c.TempDir(), "persisted")
		out, err := runCmd(c, nil, "config", "set-home", target)
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Contains, "Persisted scrybe home: "+target)

		out, err = runCmd(c, nil, "config")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Contains, "home_source: config")

		out, err = runCmd(c, nil, "config", "clear-home")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Contains, "Cleared persisted scrybe home setting.")

		out, err = runCmd(c, nil, "config", "clear-home")
		c.Assert(err, qt.IsNil)
		c.Assert(out, qt.Contains, "No persisted scrybe home setting was found.")
	})
}
