package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocument(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
		want map[string]any
	}{
		{
			name: "json",
			ext:  ".json",
			data: `{"cache": {"ttl": 60}, "origins": [{"http": {"url": "http://x"}}]}`,
			want: map[string]any{
				"cache":   map[string]any{"ttl": float64(60)},
				"origins": []any{map[string]any{"http": map[string]any{"url": "http://x"}}},
			},
		},
		{
			name: "jsonc with comments and trailing commas",
			ext:  ".jsonc",
			data: "{\n  // cache settings\n  \"cache\": {\"ttl\": 60,}\n  /* block */\n}",
			want: map[string]any{"cache": map[string]any{"ttl": float64(60)}},
		},
		{
			name: "yaml",
			ext:  ".yaml",
			data: "cache:\n  ttl: 60\norigins:\n  - http:\n      url: http://x\n",
			want: map[string]any{
				"cache":   map[string]any{"ttl": 60},
				"origins": []any{map[string]any{"http": map[string]any{"url": "http://x"}}},
			},
		},
		{
			name: "yaml with non-string keys",
			ext:  ".yml",
			data: "codes:\n  200: ok\n",
			want: map[string]any{"codes": map[string]any{"200": "ok"}},
		},
		{
			name: "empty json",
			ext:  ".json",
			data: "",
			want: map[string]any{},
		},
		{
			name: "empty yaml",
			ext:  ".yaml",
			data: "",
			want: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDocument([]byte(tt.data), tt.ext)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDocument_Errors(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
	}{
		{"unsupported extension", ".toml", "a = 1"},
		{"json list", ".json", `[1, 2]`},
		{"json trailing data", ".json", `{} {}`},
		{"broken json", ".json", `{"a":`},
		{"yaml list", ".yaml", "- a\n- b\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDocument([]byte(tt.data), tt.ext)
			assert.Error(t, err)
		})
	}
}

func TestLoadDocument(t *testing.T) {
	doc, err := LoadDocument("")
	require.NoError(t, err)
	assert.Empty(t, doc)

	path := filepath.Join(t.TempDir(), "companion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("persisted_queries: true\n"), 0o644))

	doc, err = LoadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"persisted_queries": true}, doc)

	_, err = LoadDocument(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
