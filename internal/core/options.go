package core

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	// DefaultOptionsFile is looked up in the working directory.
	DefaultOptionsFile = "frontman.hcl"

	DefaultName           = "frontman"
	DefaultListen         = "127.0.0.1:8080"
	DefaultStartupTimeout = 30 * time.Second
	DefaultStopTimeout    = 10 * time.Second

	ConfigModeEnv  = "env"
	ConfigModeFile = "file"

	OutputInherit = "inherit"
	OutputLog     = "log"

	// Forever is accepted for startup_timeout to wait without a bound.
	Forever = "forever"
)

var ErrInvalidOptions = errors.New("invalid options")

// Options is the validated content of an options file.
type Options struct {
	Path        string   // File the options were loaded from
	Name        string   // Instance name recorded with lifecycle events
	Listen      string   // Address the fronted application is served on
	AdminListen string   // Address of the status/metrics endpoint (empty disables it)
	Endpoints   []string // Path prefixes routed to the companion
	DumpTraffic bool
	EventLog    string // SQLite event log path (empty disables it)

	App             AppOptions
	Companion       CompanionOptions
	CompanionConfig CompanionConfigOptions
	Frontend        FrontendOptions
}

// AppOptions describes the application being fronted.
type AppOptions struct {
	Upstream string
	Port     int // Derived from Upstream
}

// CompanionOptions describes how the companion is launched.
type CompanionOptions struct {
	Binary         string
	Args           []string
	Env            map[string]string
	ConfigMode     string
	ConfigPath     string
	StartupTimeout time.Duration // Negative waits forever
	StopTimeout    time.Duration
	Output         string
}

// CompanionConfigOptions points at the user's partial companion document.
type CompanionConfigOptions struct {
	Path    string
	Precise bool
}

// FrontendOptions overrides the synthesized companion frontend.
type FrontendOptions struct {
	Host string
	Port int
}

// HCL parsing structs

type hclOptions struct {
	Name            string              `hcl:"name,optional"`
	Listen          string              `hcl:"listen,optional"`
	AdminListen     string              `hcl:"admin_listen,optional"`
	Endpoints       []string            `hcl:"endpoints,optional"`
	DumpTraffic     bool                `hcl:"dump_traffic,optional"`
	EventLog        string              `hcl:"event_log,optional"`
	App             *hclApp             `hcl:"app,block"`
	Companion       *hclCompanion       `hcl:"companion,block"`
	CompanionConfig *hclCompanionConfig `hcl:"companion_config,block"`
	Frontend        *hclFrontend        `hcl:"frontend,block"`
}

type hclApp struct {
	Upstream string `hcl:"upstream"`
}

type hclCompanion struct {
	Binary         string            `hcl:"binary"`
	Args           []string          `hcl:"args,optional"`
	Env            map[string]string `hcl:"env,optional"`
	ConfigMode     string            `hcl:"config_mode,optional"`
	ConfigPath     string            `hcl:"config_path,optional"`
	StartupTimeout string            `hcl:"startup_timeout,optional"`
	StopTimeout    string            `hcl:"stop_timeout,optional"`
	Output         string            `hcl:"output,optional"`
}

type hclCompanionConfig struct {
	Path    string `hcl:"path,optional"`
	Precise bool   `hcl:"precise,optional"`
}

type hclFrontend struct {
	Host string `hcl:"host,optional"`
	Port int    `hcl:"port,optional"`
}

// LoadOptions loads and validates an HCL options file. Relative paths in
// the file are resolved against the file's directory.
func LoadOptions(filename string) (*Options, error) {
	var raw hclOptions
	if err := hclsimple.DecodeFile(filename, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse HCL options: %w", err)
	}

	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve options path: %w", err)
	}
	opts, err := raw.convert(filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	opts.Path = abs
	return opts, nil
}

func (raw *hclOptions) convert(baseDir string) (*Options, error) {
	opts := &Options{
		Name:        raw.Name,
		Listen:      raw.Listen,
		AdminListen: raw.AdminListen,
		Endpoints:   raw.Endpoints,
		DumpTraffic: raw.DumpTraffic,
		EventLog:    resolvePath(baseDir, raw.EventLog),
	}

	if raw.App == nil {
		return nil, fmt.Errorf("%w: app block is required", ErrInvalidOptions)
	}
	port, err := upstreamPort(raw.App.Upstream)
	if err != nil {
		return nil, err
	}
	opts.App = AppOptions{Upstream: raw.App.Upstream, Port: port}

	if raw.Companion == nil {
		return nil, fmt.Errorf("%w: companion block is required", ErrInvalidOptions)
	}
	c := raw.Companion
	opts.Companion = CompanionOptions{
		Binary:     resolveBinary(baseDir, c.Binary),
		Args:       c.Args,
		Env:        c.Env,
		ConfigMode: c.ConfigMode,
		ConfigPath: resolvePath(baseDir, c.ConfigPath),
		Output:     c.Output,
	}
	if opts.Companion.StartupTimeout, err = parseTimeout("startup_timeout", c.StartupTimeout, DefaultStartupTimeout, true); err != nil {
		return nil, err
	}
	if opts.Companion.StopTimeout, err = parseTimeout("stop_timeout", c.StopTimeout, DefaultStopTimeout, false); err != nil {
		return nil, err
	}

	if raw.CompanionConfig != nil {
		opts.CompanionConfig = CompanionConfigOptions{
			Path:    resolvePath(baseDir, raw.CompanionConfig.Path),
			Precise: raw.CompanionConfig.Precise,
		}
	}
	if raw.Frontend != nil {
		opts.Frontend = FrontendOptions{Host: raw.Frontend.Host, Port: raw.Frontend.Port}
	}

	opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *Options) withDefaults() {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Listen == "" {
		o.Listen = DefaultListen
	}
	if o.Companion.ConfigMode == "" {
		o.Companion.ConfigMode = ConfigModeEnv
	}
	if o.Companion.Output == "" {
		o.Companion.Output = OutputInherit
	}
	if o.Companion.StartupTimeout == 0 {
		o.Companion.StartupTimeout = DefaultStartupTimeout
	}
	if o.Companion.StopTimeout == 0 {
		o.Companion.StopTimeout = DefaultStopTimeout
	}
}

// Validate checks cross-field constraints.
func (o *Options) Validate() error {
	if o.Companion.Binary == "" {
		return fmt.Errorf("%w: companion.binary is required", ErrInvalidOptions)
	}
	switch o.Companion.ConfigMode {
	case ConfigModeEnv:
	case ConfigModeFile:
		if o.Companion.ConfigPath == "" {
			return fmt.Errorf("%w: companion.config_path is required when config_mode is %q", ErrInvalidOptions, ConfigModeFile)
		}
	default:
		return fmt.Errorf("%w: companion.config_mode must be %q or %q, got %q",
			ErrInvalidOptions, ConfigModeEnv, ConfigModeFile, o.Companion.ConfigMode)
	}
	switch o.Companion.Output {
	case OutputInherit, OutputLog:
	default:
		return fmt.Errorf("%w: companion.output must be %q or %q, got %q",
			ErrInvalidOptions, OutputInherit, OutputLog, o.Companion.Output)
	}

	if !o.CompanionConfig.Precise {
		if len(o.Endpoints) == 0 {
			return fmt.Errorf("%w: at least one endpoint is required", ErrInvalidOptions)
		}
		for _, e := range o.Endpoints {
			if !strings.HasPrefix(e, "/") {
				return fmt.Errorf("%w: endpoint %q must start with /", ErrInvalidOptions, e)
			}
		}
	}
	if o.CompanionConfig.Precise && o.CompanionConfig.Path == "" {
		return fmt.Errorf("%w: companion_config.path is required in precise mode", ErrInvalidOptions)
	}

	if o.Frontend.Port < 0 || o.Frontend.Port > 65535 {
		return fmt.Errorf("%w: frontend.port %d out of range", ErrInvalidOptions, o.Frontend.Port)
	}
	if _, _, err := net.SplitHostPort(o.Listen); err != nil {
		return fmt.Errorf("%w: listen %q: %v", ErrInvalidOptions, o.Listen, err)
	}
	if o.AdminListen != "" {
		if _, _, err := net.SplitHostPort(o.AdminListen); err != nil {
			return fmt.Errorf("%w: admin_listen %q: %v", ErrInvalidOptions, o.AdminListen, err)
		}
	}
	return nil
}

// CompanionEnv renders Companion.Env as KEY=value pairs.
func (o *Options) CompanionEnv() []string {
	env := make([]string, 0, len(o.Companion.Env))
	for k, v := range o.Companion.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func upstreamPort(upstream string) (int, error) {
	if upstream == "" {
		return 0, fmt.Errorf("%w: app.upstream is required", ErrInvalidOptions)
	}
	u, err := url.Parse(upstream)
	if err != nil || u.Host == "" {
		return 0, fmt.Errorf("%w: app.upstream %q is not an absolute URL", ErrInvalidOptions, upstream)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return 0, fmt.Errorf("%w: app.upstream %q must use http or https", ErrInvalidOptions, upstream)
	}
	portStr := u.Port()
	if portStr == "" {
		if u.Scheme == "https" {
			return 443, nil
		}
		return 80, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: app.upstream %q has an invalid port", ErrInvalidOptions, upstream)
	}
	return port, nil
}

func parseTimeout(name, value string, def time.Duration, allowForever bool) (time.Duration, error) {
	switch {
	case value == "":
		return def, nil
	case allowForever && value == Forever:
		return -1, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: companion.%s: %v", ErrInvalidOptions, name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: companion.%s must be positive", ErrInvalidOptions, name)
	}
	return d, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func resolvePath(baseDir, path string) string {
	if path == "" {
		return ""
	}
	path = ExpandPath(path)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// resolveBinary resolves binaries given as a relative path; bare names are
// left for PATH lookup.
func resolveBinary(baseDir, binary string) string {
	if binary == "" || !strings.ContainsRune(binary, filepath.Separator) {
		return binary
	}
	return resolvePath(baseDir, binary)
}
