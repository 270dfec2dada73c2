package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, Level(-1))
	assert.Equal(t, slog.LevelInfo, Level(0))
	assert.Equal(t, slog.LevelDebug, Level(1))
	assert.Equal(t, slog.LevelDebug, Level(3))
}

func TestNew_NoColorForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("Companion ready", "pid", 42)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "Companion ready")
	assert.Contains(t, out, "pid=42")
	assert.NotContains(t, out, "\x1b[", "escape codes must not be written to a non-terminal")
}

type record struct {
	Level  string `json:"level"`
	Msg    string `json:"msg"`
	Stream string `json:"stream"`
}

func decodeRecords(t *testing.T, buf *bytes.Buffer) []record {
	t.Helper()
	var records []record
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var r record
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		records = append(records, r)
	}
	return records
}

func TestLineWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	w := NewLineWriter(logger, slog.LevelInfo, "stdout")

	w.Write([]byte("first line\nsecond "))
	w.Write([]byte("line\r\n\npartial"))

	records := decodeRecords(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, "first line", records[0].Msg)
	assert.Equal(t, "second line", records[1].Msg)
	assert.Equal(t, "stdout", records[1].Stream)
	assert.Equal(t, "INFO", records[1].Level)

	w.Flush()
	records = decodeRecords(t, &buf)
	require.Len(t, records, 3)
	assert.Equal(t, "partial", records[2].Msg)

	w.Flush()
	assert.Len(t, decodeRecords(t, &buf), 3)
}

func TestLineWriter_LongLineIsSplit(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	w := NewLineWriter(logger, slog.LevelWarn, "stderr")

	n, err := w.Write(bytes.Repeat([]byte("x"), maxLine+10))
	require.NoError(t, err)
	assert.Equal(t, maxLine+10, n)

	records := decodeRecords(t, &buf)
	require.Len(t, records, 1)
	assert.Len(t, records[0].Msg, maxLine+10)
	assert.Equal(t, "WARN", records[0].Level)
}
