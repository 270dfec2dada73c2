package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.olrik.dev/frontman/internal/db"
	"go.olrik.dev/frontman/internal/inject"
	"go.olrik.dev/frontman/internal/supervisor"
	"go.olrik.dev/frontman/internal/testutil/fakecompanion"
)

func TestMain(m *testing.M) {
	fakecompanion.RunIfRequested()
	os.Exit(m.Run())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)}))
}

// appHandler answers with the trust header it received.
var appHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-App", "1")
	io.WriteString(w, "psk="+r.Header.Get(inject.TrustHeader))
})

type testApp struct {
	srv    *httptest.Server
	engine *Engine
}

// newTestApp builds an engine in front of appHandler. mutate may adjust the
// options before the engine is created.
func newTestApp(t *testing.T, mutate func(*Options)) *testApp {
	t.Helper()

	srv := httptest.NewUnstartedServer(nil)
	port := srv.Listener.Addr().(*net.TCPAddr).Port

	exe, err := os.Executable()
	require.NoError(t, err)

	opts := Options{
		Name:           "test",
		Binary:         exe,
		Env:            fakecompanion.Env("serve"),
		StartupTimeout: 10 * time.Second,
		StopTimeout:    2 * time.Second,
		Stdout:         io.Discard,
		Stderr:         io.Discard,
		LocalAppPort:   port,
		Endpoints:      []string{"/graphql"},
		Logger:         quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	e, err := New(opts)
	require.NoError(t, err)

	srv.Config.Handler = e.Middleware(appHandler)
	srv.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Stop(ctx)
		srv.Close()
	})
	return &testApp{srv: srv, engine: e}
}

func (a *testApp) start(t *testing.T) supervisor.Address {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	addr, err := a.engine.Start(ctx)
	require.NoError(t, err)
	return addr
}

func TestEngine_RoundTripThroughCompanion(t *testing.T) {
	app := newTestApp(t, nil)
	addr := app.start(t)
	assert.NotZero(t, addr.Port)
	assert.Equal(t, supervisor.StateRunning, app.engine.State())

	resp, err := http.Post(app.srv.URL+"/graphql", "application/json", strings.NewReader(`{"query":"{a}"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(fakecompanion.PIDHeader), "request did not pass through the companion")
	assert.Equal(t, "1", resp.Header.Get("X-App"))
	assert.True(t, strings.HasPrefix(string(body), "psk="))
	assert.Greater(t, len(body), len("psk="), "companion did not present the shared secret")
}

func TestEngine_PassThroughBeforeStart(t *testing.T) {
	app := newTestApp(t, nil)

	resp, err := http.Post(app.srv.URL+"/graphql", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(fakecompanion.PIDHeader))
	assert.Equal(t, supervisor.StateNotStarted, app.engine.State())
	_, ok := app.engine.Address()
	assert.False(t, ok)
}

func TestEngine_UnmatchedPathSkipsCompanion(t *testing.T) {
	app := newTestApp(t, nil)
	app.start(t)

	resp, err := http.Get(app.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Empty(t, resp.Header.Get(fakecompanion.PIDHeader))
}

func TestEngine_ConfigIsRedacted(t *testing.T) {
	app := newTestApp(t, func(o *Options) { o.Secret = "s3cret" })

	cfg := app.engine.Config()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cret")
	assert.Contains(t, string(data), "<redacted>")

	// The companion still receives the real secret.
	app.start(t)
	resp, err := http.Get(app.engine.Supervisor().Cell().URI() + fakecompanion.ConfigPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "s3cret")
}

func TestEngine_Reload(t *testing.T) {
	t.Run("env mode", func(t *testing.T) {
		app := newTestApp(t, nil)
		err := app.engine.Reload(inject.Configuration{"cache": true})
		assert.ErrorIs(t, err, ErrReloadUnsupported)
	})

	t.Run("file mode", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "companion.json")
		app := newTestApp(t, func(o *Options) {
			o.ConfigMode = supervisor.ConfigModeFile
			o.ConfigPath = path
			o.Secret = "keep-me"
		})
		app.start(t)

		require.NoError(t, app.engine.Reload(inject.Configuration{"cache": map[string]any{"ttl": 5}}))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var written map[string]any
		require.NoError(t, json.Unmarshal(data, &written))
		assert.Equal(t, map[string]any{"ttl": float64(5)}, written["cache"])
		assert.Contains(t, string(data), "keep-me")
		assert.Contains(t, app.engine.Config(), "cache")
	})

	t.Run("invalid document", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "companion.json")
		app := newTestApp(t, func(o *Options) {
			o.ConfigMode = supervisor.ConfigModeFile
			o.ConfigPath = path
		})
		err := app.engine.Reload(inject.Configuration{inject.KeyOrigins: "nope"})
		assert.ErrorIs(t, err, inject.ErrInvalidConfiguration)
	})
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		want   error
	}{
		{"missing binary", func(o *Options) { o.Binary = "" }, ErrInvalidOptions},
		{"file mode without path", func(o *Options) { o.ConfigMode = supervisor.ConfigModeFile }, ErrInvalidOptions},
		{"unknown config mode", func(o *Options) { o.ConfigMode = supervisor.ConfigMode(9) }, ErrInvalidOptions},
		{"no endpoints", func(o *Options) { o.Endpoints = nil }, ErrInvalidOptions},
		{"bad port", func(o *Options) { o.LocalAppPort = 70000 }, ErrInvalidOptions},
		{"relative endpoint", func(o *Options) { o.Endpoints = []string{"graphql"} }, inject.ErrInvalidConfiguration},
		{"precise without frontends", func(o *Options) {
			o.Precise = true
			o.User = inject.Configuration{inject.KeyOrigins: []any{map[string]any{}}}
		}, inject.ErrInvalidConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{
				Binary:       "/bin/true",
				LocalAppPort: 8080,
				Endpoints:    []string{"/graphql"},
				Logger:       quietLogger(),
			}
			tt.mutate(&opts)
			_, err := New(opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEngine_PreciseRoutesFrontendPaths(t *testing.T) {
	e, err := New(Options{
		Binary:  "/bin/true",
		Precise: true,
		User: inject.Configuration{
			inject.KeyFrontends: []any{map[string]any{"paths": []any{"/a", "/b"}}},
			inject.KeyOrigins:   []any{map[string]any{"http": map[string]any{"url": "http://x"}}},
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, e.opts.routedEndpoints(e.config))
}

func TestEngine_EventsRecordedAndRelayed(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	reg := prometheus.NewRegistry()
	app := newTestApp(t, func(o *Options) {
		o.EventLog = store
		o.Registerer = reg
	})

	events, unsubscribe := app.engine.Subscribe()
	defer unsubscribe()

	app.start(t)

	select {
	case ev := <-events:
		assert.Equal(t, supervisor.EventReady, ev.Kind)
	case <-time.After(10 * time.Second):
		t.Fatal("no ready event relayed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.engine.Stop(ctx))

	// Stop drains the relay, so the stopped event is already recorded and the
	// subscriber channel is closed after it.
	var kinds []supervisor.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []supervisor.EventKind{supervisor.EventStopped}, kinds)

	recorded, err := store.GetCompanionEvents(db.EventFilter{Instance: "test"})
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, "stopped", recorded[0].EventType)
	assert.Equal(t, "ready", recorded[1].EventType)
	assert.NotZero(t, recorded[1].PID)
	assert.NotEmpty(t, recorded[1].Details)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
