// Package engine wires the configuration injector, the companion supervisor
// and the request router into one unit with a single secret.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.olrik.dev/frontman/internal/db"
	"go.olrik.dev/frontman/internal/inject"
	"go.olrik.dev/frontman/internal/router"
	"go.olrik.dev/frontman/internal/supervisor"
)

var (
	ErrInvalidOptions    = errors.New("invalid engine options")
	ErrReloadUnsupported = errors.New("reload requires config mode file")
)

// EventReloaded is recorded in the event log after Reload rewrites the file.
const EventReloaded = "reloaded"

// Options configures an Engine.
type Options struct {
	// Name identifies this instance in the event log.
	Name string

	// Companion process.
	Binary         string
	ExtraArgs      []string
	Env            []string
	Dir            string
	ConfigMode     supervisor.ConfigMode
	ConfigPath     string
	StartupTimeout time.Duration // Zero means supervisor.DefaultStartupTimeout; negative waits forever
	StopTimeout    time.Duration
	Stdout         io.Writer
	Stderr         io.Writer

	// Companion configuration document.
	User         inject.Configuration
	Precise      bool
	Frontend     inject.Frontend
	Origin       map[string]any
	LocalAppPort int
	Endpoints    []string
	// Secret overrides the generated shared secret. Precise documents that
	// carry their own trust header need it.
	Secret string

	// Router.
	DumpTraffic bool
	DumpSink    io.Writer
	Transport   http.RoundTripper

	// EventLog, when set, receives every lifecycle event.
	EventLog *db.DB
	// Registerer, when set, receives supervisor and router metrics.
	Registerer prometheus.Registerer

	Logger *slog.Logger
}

// Engine is the composition root.
type Engine struct {
	opts   Options
	secret string
	logger *slog.Logger

	sup    *supervisor.Supervisor
	router *router.Router
	events *supervisor.Broadcaster

	mu     sync.Mutex
	config inject.Configuration

	unsubscribe func()
	relayDone   chan struct{}
	closeOnce   sync.Once
}

// New validates opts, generates the shared secret and builds the companion
// configuration. No process is started.
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "frontman"
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	secret := opts.Secret
	if secret == "" {
		var err error
		if secret, err = inject.GenerateSecret(); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		opts:      opts,
		secret:    secret,
		logger:    opts.Logger,
		events:    supervisor.NewBroadcaster(opts.Logger),
		relayDone: make(chan struct{}),
	}

	config, err := e.build(opts.User)
	if err != nil {
		return nil, err
	}
	e.config = config

	var supMetrics *supervisor.Metrics
	var routerMetrics *router.Metrics
	if opts.Registerer != nil {
		supMetrics = supervisor.NewMetrics(opts.Registerer)
		routerMetrics = router.NewMetrics(opts.Registerer)
	}

	e.sup = supervisor.New(supervisor.Options{
		Binary:         opts.Binary,
		ExtraArgs:      opts.ExtraArgs,
		Env:            opts.Env,
		Dir:            opts.Dir,
		ConfigMode:     opts.ConfigMode,
		ConfigPath:     opts.ConfigPath,
		Stdout:         opts.Stdout,
		Stderr:         opts.Stderr,
		StartupTimeout: opts.StartupTimeout,
		StopTimeout:    opts.StopTimeout,
		Logger:         opts.Logger.With("component", "supervisor"),
		Metrics:        supMetrics,
	})

	e.router = router.New(router.Options{
		Endpoints:   opts.routedEndpoints(config),
		Upstream:    e.sup.Cell(),
		Secret:      secret,
		DumpTraffic: opts.DumpTraffic,
		DumpSink:    opts.DumpSink,
		Transport:   opts.Transport,
		Logger:      opts.Logger.With("component", "router"),
		Metrics:     routerMetrics,
	})

	events, unsubscribe := e.sup.Subscribe()
	e.unsubscribe = unsubscribe
	go e.relay(events)

	return e, nil
}

func (o Options) validate() error {
	if o.Binary == "" {
		return fmt.Errorf("%w: companion binary is required", ErrInvalidOptions)
	}
	switch o.ConfigMode {
	case supervisor.ConfigModeEnv:
	case supervisor.ConfigModeFile:
		if o.ConfigPath == "" {
			return fmt.Errorf("%w: config path is required in file mode", ErrInvalidOptions)
		}
	default:
		return fmt.Errorf("%w: unknown config mode %d", ErrInvalidOptions, o.ConfigMode)
	}
	if !o.Precise {
		if len(o.Endpoints) == 0 {
			return fmt.Errorf("%w: at least one endpoint is required", ErrInvalidOptions)
		}
		if o.LocalAppPort <= 0 || o.LocalAppPort > 65535 {
			return fmt.Errorf("%w: local app port %d out of range", ErrInvalidOptions, o.LocalAppPort)
		}
	}
	return nil
}

// routedEndpoints returns the prefixes the router forwards. Precise documents
// without explicit endpoints route the paths of their frontends.
func (o Options) routedEndpoints(config inject.Configuration) []string {
	if len(o.Endpoints) > 0 || !o.Precise {
		return o.Endpoints
	}
	var paths []string
	frontends, _ := config[inject.KeyFrontends].([]any)
	for _, f := range frontends {
		fe, ok := f.(map[string]any)
		if !ok {
			continue
		}
		list, _ := fe["paths"].([]any)
		for _, p := range list {
			if s, ok := p.(string); ok {
				paths = append(paths, s)
			}
		}
	}
	return paths
}

func (e *Engine) build(user inject.Configuration) (inject.Configuration, error) {
	return inject.Build(inject.Params{
		User:         user,
		Precise:      e.opts.Precise,
		Frontend:     e.opts.Frontend,
		Origin:       e.opts.Origin,
		LocalAppPort: e.opts.LocalAppPort,
		Endpoints:    e.opts.Endpoints,
		Secret:       e.secret,
	})
}

// Start launches the companion and waits until it is ready.
func (e *Engine) Start(ctx context.Context) (supervisor.Address, error) {
	e.mu.Lock()
	doc, err := inject.Marshal(e.config)
	e.mu.Unlock()
	if err != nil {
		return supervisor.Address{}, err
	}

	e.logger.Info("Starting companion",
		"binary", e.opts.Binary,
		"config_mode", e.opts.ConfigMode.String(),
		"endpoints", e.opts.Endpoints)

	addr, err := e.sup.Start(ctx, doc)
	if err != nil {
		return supervisor.Address{}, fmt.Errorf("failed to start companion: %w", err)
	}
	return addr, nil
}

// Stop stops the companion, drains the event relay and closes subscriber
// channels. The engine cannot be started again.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.sup.Stop(ctx)
	e.closeRelay()
	return err
}

func (e *Engine) closeRelay() {
	e.closeOnce.Do(func() {
		e.unsubscribe()
		<-e.relayDone
		e.events.Close()
	})
}

// relay logs and records supervisor events and re-broadcasts them to
// engine subscribers.
func (e *Engine) relay(events <-chan supervisor.Event) {
	defer close(e.relayDone)
	for ev := range events {
		e.logEvent(ev)
		e.record(ev.Time, string(ev.Kind), ev.PID, ev.Details())
		e.events.Broadcast(ev)
	}
}

func (e *Engine) logEvent(ev supervisor.Event) {
	attrs := []any{"event", string(ev.Kind), "pid", ev.PID}
	switch ev.Kind {
	case supervisor.EventReady:
		e.logger.Info("Companion listening", append(attrs, "address", ev.Address.String())...)
	case supervisor.EventRestarting:
		e.logger.Warn("Companion restarting", append(attrs, "reason", ev.Reason)...)
	case supervisor.EventFatalConfigError:
		e.logger.Error("Companion configuration rejected", append(attrs, "reason", ev.Reason)...)
	case supervisor.EventSideChannelError, supervisor.EventFailed:
		e.logger.Error("Companion failure", append(attrs, "details", ev.Details())...)
	default:
		e.logger.Debug("Companion event", attrs...)
	}
}

func (e *Engine) record(at time.Time, kind string, pid int, details string) {
	if e.opts.EventLog == nil {
		return
	}
	err := e.opts.EventLog.LogCompanionEvent(db.CompanionEvent{
		Instance:  e.opts.Name,
		EventType: kind,
		PID:       pid,
		Details:   details,
		Timestamp: at,
	})
	if err != nil {
		e.logger.Warn("Failed to record lifecycle event", "event", kind, "error", err)
	}
}

// Middleware returns next wrapped with the routing decision.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return e.router.Middleware(next)
}

// Subscribe returns lifecycle events after they have been logged and
// recorded.
func (e *Engine) Subscribe() (<-chan supervisor.Event, func()) {
	return e.events.Subscribe()
}

// Address returns the companion's current address.
func (e *Engine) Address() (supervisor.Address, bool) {
	return e.sup.Address()
}

// State returns the supervisor state.
func (e *Engine) State() supervisor.State {
	return e.sup.State()
}

// Supervisor exposes the supervisor for status reporting.
func (e *Engine) Supervisor() *supervisor.Supervisor {
	return e.sup
}

// Config returns the current companion configuration with the secret
// redacted.
func (e *Engine) Config() inject.Configuration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return inject.Redact(e.config)
}

// Reload rebuilds the configuration from a new user document and rewrites
// the companion's configuration file, which the companion picks up on its
// own. The engine-managed sections and the secret are unchanged.
func (e *Engine) Reload(user inject.Configuration) error {
	if e.opts.ConfigMode != supervisor.ConfigModeFile {
		return ErrReloadUnsupported
	}

	config, err := e.build(user)
	if err != nil {
		return err
	}
	doc, err := inject.Marshal(config)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := supervisor.WriteConfigFile(e.opts.ConfigPath, doc); err != nil {
		return err
	}
	e.config = config

	e.logger.Info("Companion configuration rewritten", "path", e.opts.ConfigPath)
	e.record(time.Now(), EventReloaded, e.sup.PID(), e.opts.ConfigPath)
	return nil
}
