package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"go.olrik.dev/frontman/internal/admin"
	"go.olrik.dev/frontman/internal/core"
	"go.olrik.dev/frontman/internal/db"
	"go.olrik.dev/frontman/internal/engine"
	"go.olrik.dev/frontman/internal/inject"
	"go.olrik.dev/frontman/internal/supervisor"
	"go.olrik.dev/frontman/internal/watch"
)

// shutdownGrace is added to the companion stop timeout when draining.
const shutdownGrace = 5 * time.Second

func NewRunCommand(flags *globalFlags) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the companion and serve the application",
		Long: `Start the companion, wait for it to report its address and serve the
application on the listen address. Requests under the configured endpoints
are routed through the companion; everything else goes straight to the
application upstream.

Stops the companion and drains open requests on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, opts, slog.Default())
		},
	}

	return runCmd
}

// run serves until ctx is done or a listener fails.
func run(ctx context.Context, opts *core.Options, logger *slog.Logger) error {
	upstream, err := url.Parse(opts.App.Upstream)
	if err != nil {
		return fmt.Errorf("invalid app upstream: %w", err)
	}

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.Listen, err)
	}
	defer ln.Close()
	appPort := ln.Addr().(*net.TCPAddr).Port

	eo, err := engineOptions(opts, appPort, logger)
	if err != nil {
		return err
	}
	defer flushOutput(eo.Stdout, eo.Stderr)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	eo.Registerer = reg

	if opts.EventLog != "" {
		if err := os.MkdirAll(dirOf(opts.EventLog), 0o755); err != nil {
			return fmt.Errorf("failed to create event log directory: %w", err)
		}
		store, err := db.Open(opts.EventLog)
		if err != nil {
			return err
		}
		defer store.Close()
		eo.EventLog = store
	}

	e, err := engine.New(eo)
	if err != nil {
		return err
	}

	if _, err := e.Start(ctx); err != nil {
		stopEngine(e, opts.Companion.StopTimeout, logger)
		return err
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)

	servers := []*http.Server{{
		Handler:           e.Middleware(proxy),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}}
	serveErr := make(chan error, 2)
	go serve(servers[0], ln, serveErr)
	logger.Info("Serving application",
		"listen", ln.Addr().String(),
		"upstream", upstream.String(),
		"endpoints", opts.Endpoints)

	if opts.AdminListen != "" {
		adminLn, err := net.Listen("tcp", opts.AdminListen)
		if err != nil {
			shutdown(servers, logger)
			stopEngine(e, opts.Companion.StopTimeout, logger)
			return fmt.Errorf("failed to listen on %s: %w", opts.AdminListen, err)
		}
		adminSrv := &http.Server{
			Handler: admin.Handler(admin.Options{
				Name:      opts.Name,
				Version:   core.FormatVersion(core.Version),
				Companion: e.Supervisor(),
				Gatherer:  reg,
				Logger:    logger.With("component", "admin"),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, adminSrv)
		go serve(adminSrv, adminLn, serveErr)
		logger.Info("Serving admin endpoints", "listen", adminLn.Addr().String())
	}

	if opts.Companion.ConfigMode == core.ConfigModeFile && opts.CompanionConfig.Path != "" {
		path := opts.CompanionConfig.Path
		err := watch.File(ctx, path, watch.DefaultDebounce, logger.With("component", "watch"), func() {
			reloadDocument(e, path, logger)
		})
		if err != nil {
			logger.Warn("Companion configuration will not be reloaded", "path", path, "error", err)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-serveErr:
		logger.Error("Listener failed, shutting down", "error", runErr)
	}

	shutdown(servers, logger)
	stopEngine(e, opts.Companion.StopTimeout, logger)
	return runErr
}

func serve(srv *http.Server, ln net.Listener, errs chan<- error) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- err
	}
}

// reloadDocument re-reads the partial document and hands it to the engine.
func reloadDocument(e *engine.Engine, path string, logger *slog.Logger) {
	doc, err := core.LoadDocument(path)
	if err != nil {
		logger.Error("Failed to read companion configuration, keeping the current one", "path", path, "error", err)
		return
	}
	if err := e.Reload(inject.Configuration(doc)); err != nil {
		logger.Error("Failed to reload companion configuration", "path", path, "error", err)
	}
}

func shutdown(servers []*http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Failed to drain HTTP server", "error", err)
		}
	}
}

func stopEngine(e *engine.Engine, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+shutdownGrace)
	defer cancel()
	if err := e.Stop(ctx); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		logger.Warn("Failed to stop companion cleanly", "error", err)
	}
}
