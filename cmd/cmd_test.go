package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"go.olrik.dev/frontman/internal/core"
	"go.olrik.dev/frontman/internal/db"
	"go.olrik.dev/frontman/internal/inject"
	"go.olrik.dev/frontman/internal/testutil/fakecompanion"
)

func TestMain(m *testing.M) {
	fakecompanion.RunIfRequested()
	os.Exit(m.Run())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)}))
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"-q"}, args...))
	err := root.Execute()
	return out.String(), err
}

const checkOptions = `
listen    = "127.0.0.1:8080"
endpoints = ["/graphql"]
app { upstream = "http://127.0.0.1:4000" }
companion { binary = "/bin/true" }
companion_config { path = "companion.yaml" }
`

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "companion.yaml", "cache:\n  ttl: 30\n")
	options := writeFile(t, dir, core.DefaultOptionsFile, checkOptions)
	t.Setenv(EnvSecret, "do-not-print")

	out, err := execute(t, "--config", options, "check")
	require.NoError(t, err)
	assert.NotContains(t, out, "do-not-print")

	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, map[string]any{"ttl": float64(30)}, cfg["cache"])

	origins := cfg[inject.KeyOrigins].([]any)
	httpSection := origins[0].(map[string]any)["http"].(map[string]any)
	assert.Equal(t, "http://127.0.0.1:8080/graphql", httpSection["url"])
	assert.Equal(t, "<redacted>", httpSection["headers"].(map[string]any)[inject.TrustHeader])
}

func TestCheck_YAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "companion.yaml", "")
	options := writeFile(t, dir, core.DefaultOptionsFile, checkOptions)

	out, err := execute(t, "--config", options, "check", "--format", "yaml")
	require.NoError(t, err)

	var cfg map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Contains(t, cfg, inject.KeyFrontends)
	assert.Contains(t, cfg, inject.KeyOrigins)
}

func TestCheck_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "--config", filepath.Join(dir, "missing.hcl"), "check")
	assert.Error(t, err)

	options := writeFile(t, dir, core.DefaultOptionsFile, checkOptions)
	writeFile(t, dir, "companion.yaml", "origins: not-a-list\n")
	_, err = execute(t, "--config", options, "check")
	assert.ErrorIs(t, err, inject.ErrInvalidConfiguration)

	writeFile(t, dir, "companion.yaml", "")
	_, err = execute(t, "--config", options, "check", "--format", "toml")
	assert.Error(t, err)
}

func TestEvents(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "events.db")
	options := writeFile(t, dir, core.DefaultOptionsFile, checkOptions+"name = \"api\"\nevent_log = \"events.db\"\n")

	store, err := db.Open(dbPath)
	require.NoError(t, err)
	now := time.Now()
	for i, kind := range []string{"ready", "restarting", "ready"} {
		require.NoError(t, store.LogCompanionEvent(db.CompanionEvent{
			Instance:  "api",
			EventType: kind,
			PID:       100 + i,
			Timestamp: now.Add(time.Duration(i-3) * time.Minute),
		}))
	}
	require.NoError(t, store.LogCompanionEvent(db.CompanionEvent{Instance: "other", EventType: "ready", PID: 1}))
	require.NoError(t, store.Close())

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "--config", options, "events", "--json")
		require.NoError(t, err)

		var events []db.CompanionEvent
		require.NoError(t, json.Unmarshal([]byte(out), &events))
		require.Len(t, events, 3)
		assert.Equal(t, 102, events[0].PID)
		assert.Equal(t, "restarting", events[1].EventType)
	})

	t.Run("filtered", func(t *testing.T) {
		out, err := execute(t, "--config", options, "events", "--json", "-t", "ready", "-n", "1")
		require.NoError(t, err)

		var events []db.CompanionEvent
		require.NoError(t, json.Unmarshal([]byte(out), &events))
		require.Len(t, events, 1)
		assert.Equal(t, 102, events[0].PID)
	})

	t.Run("other instance", func(t *testing.T) {
		out, err := execute(t, "--config", options, "events", "--json", "-i", "other")
		require.NoError(t, err)

		var events []db.CompanionEvent
		require.NoError(t, json.Unmarshal([]byte(out), &events))
		require.Len(t, events, 1)
	})

	t.Run("summary", func(t *testing.T) {
		out, err := execute(t, "--config", options, "events", "--summary", "--json")
		require.NoError(t, err)

		var counts map[string]int
		require.NoError(t, json.Unmarshal([]byte(out), &counts))
		assert.Equal(t, map[string]int{"ready": 2, "restarting": 1}, counts)
	})

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "--config", options, "events")
		require.NoError(t, err)
		assert.Equal(t, 3, strings.Count(out, "\n"))
		assert.Contains(t, out, "restarting")
	})
}

func TestEvents_NoEventLog(t *testing.T) {
	options := writeFile(t, t.TempDir(), core.DefaultOptionsFile, checkOptions)
	_, err := execute(t, "--config", options, "events")
	assert.ErrorIs(t, err, errNoEventLog)
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 10, 15, 14, 30, 0, 0, time.UTC)
	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{input: "", want: time.Time{}},
		{input: "today", want: time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)},
		{input: "yesterday", want: time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)},
		{input: "90m", want: time.Date(2026, 10, 15, 13, 0, 0, 0, time.UTC)},
		{input: "2026-10-01", want: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)},
		{input: "last week", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseSince(tt.input, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		45 * time.Second:              "45s",
		5 * time.Minute:               "5m",
		5*time.Minute + 3*time.Second: "5m3s",
		2 * time.Hour:                 "2h",
		2*time.Hour + 15*time.Minute:  "2h15m",
		50 * time.Hour:                "2d2h",
		48 * time.Hour:                "2d",
	}
	for d, want := range tests {
		assert.Equal(t, want, formatDuration(d), d.String())
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "frontman "))

	out, err = execute(t, "version", "--short")
	require.NoError(t, err)
	assert.Equal(t, core.FormatVersion(core.Version)+"\n", out)
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRun(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "upstream psk="+r.Header.Get(inject.TrustHeader))
	}))
	defer upstream.Close()

	exe, err := os.Executable()
	require.NoError(t, err)

	dir := t.TempDir()
	listen := "127.0.0.1:" + strconv.Itoa(freePort(t))
	admin := "127.0.0.1:" + strconv.Itoa(freePort(t))
	options := writeFile(t, dir, core.DefaultOptionsFile, `
listen       = "`+listen+`"
admin_listen = "`+admin+`"
endpoints    = ["/graphql"]
event_log    = "state/events.db"
app { upstream = "`+upstream.URL+`" }
companion {
  binary       = "`+exe+`"
  env          = { `+fakecompanion.EnvMode+` = "serve" }
  stop_timeout = "2s"
  output       = "log"
}
`)
	opts, err := core.LoadOptions(options)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, opts, quietLogger()) }()

	waitHealthy(t, "http://"+admin+"/healthz")

	resp, err := http.Post("http://"+listen+"/graphql", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get(fakecompanion.PIDHeader))
	assert.True(t, strings.HasPrefix(string(body), "upstream psk="))
	assert.Greater(t, len(body), len("upstream psk="))

	resp, err = http.Get("http://" + listen + "/other")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get(fakecompanion.PIDHeader))
	assert.Equal(t, "upstream psk=", string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	store, err := db.Open(filepath.Join(dir, "state/events.db"))
	require.NoError(t, err)
	defer store.Close()
	counts, err := store.CountByType(core.DefaultName)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["ready"])
	assert.Equal(t, 1, counts["stopped"])
}

func waitHealthy(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("%s did not become healthy", url)
}
