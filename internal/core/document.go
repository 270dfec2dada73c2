package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// LoadDocument reads a partial companion configuration document. The format
// is chosen by extension: .yaml/.yml, or .json/.jsonc (comments and trailing
// commas allowed). An empty path yields an empty document.
func LoadDocument(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read companion config %s: %w", path, err)
	}

	doc, err := ParseDocument(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// ParseDocument decodes data according to ext (".yaml", ".yml", ".json" or
// ".jsonc"). The top level must be an object.
func ParseDocument(data []byte, ext string) (map[string]any, error) {
	var doc map[string]any

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return map[string]any{}, nil
			}
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		if dec.More() {
			return nil, fmt.Errorf("failed to parse JSON: trailing data after document")
		}
	default:
		return nil, fmt.Errorf("unsupported companion config format %q", ext)
	}

	if doc == nil {
		doc = map[string]any{}
	}
	return normalizeYAML(doc).(map[string]any), nil
}

// normalizeYAML converts map[any]any values (YAML keys that are not strings)
// into map[string]any so the document can be re-encoded as JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
