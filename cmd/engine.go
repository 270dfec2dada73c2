package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"go.olrik.dev/frontman/internal/core"
	"go.olrik.dev/frontman/internal/engine"
	"go.olrik.dev/frontman/internal/inject"
	"go.olrik.dev/frontman/internal/logging"
	"go.olrik.dev/frontman/internal/supervisor"
)

// EnvSecret supplies the shared secret instead of generating one. Precise
// documents that set the trust header themselves need it.
const EnvSecret = "FRONTMAN_PSK"

// loadOptions reads the options file named by --config.
func loadOptions(flags *globalFlags) (*core.Options, error) {
	return core.LoadOptions(core.ExpandPath(flags.optionsPath))
}

// listenPort is the port the companion calls back into. A zero port in the
// options means the kernel picks one when the listener is bound.
func listenPort(listen string) (int, error) {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	return strconv.Atoi(port)
}

// engineOptions maps the options file onto engine options. appPort is the
// port the companion's origin points at.
func engineOptions(opts *core.Options, appPort int, logger *slog.Logger) (engine.Options, error) {
	user, err := core.LoadDocument(opts.CompanionConfig.Path)
	if err != nil {
		return engine.Options{}, err
	}

	mode := supervisor.ConfigModeEnv
	if opts.Companion.ConfigMode == core.ConfigModeFile {
		mode = supervisor.ConfigModeFile
	}

	startup := opts.Companion.StartupTimeout
	if startup < 0 {
		startup = supervisor.WaitForever
	}

	eo := engine.Options{
		Name:           opts.Name,
		Binary:         opts.Companion.Binary,
		ExtraArgs:      opts.Companion.Args,
		Env:            opts.CompanionEnv(),
		Dir:            dirOf(opts.Path),
		ConfigMode:     mode,
		ConfigPath:     opts.Companion.ConfigPath,
		StartupTimeout: startup,
		StopTimeout:    opts.Companion.StopTimeout,
		User:           inject.Configuration(user),
		Precise:        opts.CompanionConfig.Precise,
		Frontend:       inject.Frontend{Host: opts.Frontend.Host, Port: opts.Frontend.Port},
		LocalAppPort:   appPort,
		Endpoints:      opts.Endpoints,
		Secret:         os.Getenv(EnvSecret),
		DumpTraffic:    opts.DumpTraffic,
		Logger:         logger,
	}

	if opts.Companion.Output == core.OutputLog {
		companionLogger := logger.With("component", "companion")
		eo.Stdout = logging.NewLineWriter(companionLogger, slog.LevelInfo, "stdout")
		eo.Stderr = logging.NewLineWriter(companionLogger, slog.LevelWarn, "stderr")
	}
	return eo, nil
}

// flushOutput writes out partial lines left in companion output sinks.
func flushOutput(writers ...io.Writer) {
	for _, w := range writers {
		if lw, ok := w.(*logging.LineWriter); ok {
			lw.Flush()
		}
	}
}

// dirOf is the companion's working directory: the options file's directory.
func dirOf(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Dir(path)
}
