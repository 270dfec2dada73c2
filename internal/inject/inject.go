// Package inject builds the configuration document handed to the companion
// process. It merges a caller's partial document with the engine-managed
// frontends and origins sections.
package inject

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TrustHeader carries the shared secret on requests the companion makes back
// into the application.
const TrustHeader = "X-Frontman-Psk"

const (
	// DefaultFrontendHost is the listener host for the synthesized frontend.
	DefaultFrontendHost = "127.0.0.1"

	// secretBytes is the amount of entropy in a generated secret.
	secretBytes = 48
)

// Section keys managed by the engine.
const (
	KeyFrontends = "frontends"
	KeyOrigins   = "origins"
)

var (
	// ErrInvalidConfiguration is returned when a document is structurally
	// unusable by the companion.
	ErrInvalidConfiguration = errors.New("invalid companion configuration")

	// ErrMissingOption is returned when a required build parameter is unset.
	ErrMissingOption = errors.New("missing required option")
)

// Configuration is the companion's configuration document.
type Configuration map[string]any

// Frontend holds overrides for the synthesized frontend listener.
type Frontend struct {
	Host string
	Port int
}

// Params is the input to Build.
type Params struct {
	// User is the caller's partial (or, in precise mode, complete) document.
	User Configuration
	// Precise passes User through after a structural check.
	Precise bool

	Frontend Frontend
	// Origin holds extra fields for the http section of a synthesized origin.
	Origin map[string]any

	LocalAppPort int
	Endpoints    []string
	Secret       string
}

// Build returns the configuration to hand to the companion.
func Build(p Params) (Configuration, error) {
	if p.Precise {
		if err := Validate(p.User); err != nil {
			return nil, err
		}
		return Clone(p.User), nil
	}

	if err := p.validate(); err != nil {
		return nil, err
	}

	cfg := Clone(p.User)
	if cfg == nil {
		cfg = Configuration{}
	}

	host := p.Frontend.Host
	if host == "" {
		host = DefaultFrontendHost
	}
	paths := make([]any, 0, len(p.Endpoints))
	for _, e := range p.Endpoints {
		paths = append(paths, e)
	}
	cfg[KeyFrontends] = []any{
		map[string]any{
			"host":  host,
			"port":  p.Frontend.Port,
			"paths": paths,
		},
	}

	originURL := "http://127.0.0.1:" + strconv.Itoa(p.LocalAppPort) + p.Endpoints[0]

	origins, err := objectList(cfg, KeyOrigins)
	if err != nil {
		return nil, err
	}
	if len(origins) == 0 {
		httpSection := map[string]any{"url": originURL}
		mergeMissing(httpSection, Clone(p.Origin))
		setSecret(httpSection, p.Secret)
		cfg[KeyOrigins] = []any{map[string]any{"http": httpSection}}
		return cfg, nil
	}

	for _, origin := range origins {
		httpSection, ok := origin["http"].(map[string]any)
		if !ok {
			continue
		}
		mergeMissing(httpSection, map[string]any{"url": originURL})
		mergeMissing(httpSection, Clone(p.Origin))
		setSecret(httpSection, p.Secret)
	}
	return cfg, nil
}

func (p Params) validate() error {
	var missing []string
	if p.LocalAppPort <= 0 || p.LocalAppPort > 65535 {
		missing = append(missing, "local app port")
	}
	if len(p.Endpoints) == 0 {
		missing = append(missing, "endpoints")
	}
	if p.Secret == "" {
		missing = append(missing, "secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingOption, strings.Join(missing, ", "))
	}
	for _, e := range p.Endpoints {
		if !strings.HasPrefix(e, "/") {
			return fmt.Errorf("%w: endpoint %q must start with /", ErrInvalidConfiguration, e)
		}
	}
	if p.Frontend.Port < 0 || p.Frontend.Port > 65535 {
		return fmt.Errorf("%w: frontend port %d out of range", ErrInvalidConfiguration, p.Frontend.Port)
	}
	return nil
}

// Validate performs the structural check applied to precise documents: at
// least one frontend and one origin, each section a list of objects.
func Validate(cfg Configuration) error {
	if cfg == nil {
		return fmt.Errorf("%w: document is empty", ErrInvalidConfiguration)
	}
	frontends, err := objectList(cfg, KeyFrontends)
	if err != nil {
		return err
	}
	if len(frontends) == 0 {
		return fmt.Errorf("%w: at least one entry in %q is required", ErrInvalidConfiguration, KeyFrontends)
	}
	origins, err := objectList(cfg, KeyOrigins)
	if err != nil {
		return err
	}
	if len(origins) == 0 {
		return fmt.Errorf("%w: at least one entry in %q is required", ErrInvalidConfiguration, KeyOrigins)
	}
	return nil
}

// objectList returns the entries of a list-of-objects section. A missing
// section is an empty list.
func objectList(cfg Configuration, key string) ([]map[string]any, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be a list, got %T", ErrInvalidConfiguration, key, raw)
	}
	out := make([]map[string]any, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s[%d] must be an object, got %T", ErrInvalidConfiguration, key, i, item)
		}
		out = append(out, obj)
	}
	return out, nil
}

// mergeMissing copies keys from src into dst that dst does not already have.
func mergeMissing(dst, src map[string]any) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}

// setSecret puts the trust header into an origin's http section, overwriting
// any previous value.
func setSecret(httpSection map[string]any, secret string) {
	headers, ok := httpSection["headers"].(map[string]any)
	if !ok {
		headers = map[string]any{}
		httpSection["headers"] = headers
	}
	headers[TrustHeader] = secret
}

// Redact returns a copy of cfg with every trust header value masked.
func Redact(cfg Configuration) Configuration {
	out := Clone(cfg)
	origins, err := objectList(out, KeyOrigins)
	if err != nil {
		return out
	}
	for _, origin := range origins {
		httpSection, ok := origin["http"].(map[string]any)
		if !ok {
			continue
		}
		if headers, ok := httpSection["headers"].(map[string]any); ok {
			if _, ok := headers[TrustHeader]; ok {
				headers[TrustHeader] = "<redacted>"
			}
		}
	}
	return out
}

// Marshal serializes the document as JSON.
func Marshal(cfg Configuration) ([]byte, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal companion configuration: %w", err)
	}
	return data, nil
}

// GenerateSecret returns a new random shared secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate shared secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
