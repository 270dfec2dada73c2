// Package fakecompanion turns a test binary into a stand-in companion
// process. A package's TestMain calls RunIfRequested before m.Run; when the
// supervisor re-executes the test binary with EnvMode set, the binary
// behaves as the companion and never reaches the test runner.
//
// Modes:
//
//	serve        report an address, proxy requests to the first origin
//	fatal        exit with the invalid-configuration code
//	crash        exit 3 without reporting
//	silent       never report, wait for a signal
//	garbage      write a malformed report, then wait
//	stubborn     like serve, but ignore SIGTERM
//	slow         like serve, after a half-second delay
//
// In serve and stubborn modes SIGUSR1 makes the companion exit with the
// invalid-configuration code.
//
// Sequence chains modes across spawns: the n-th spawn runs the n-th mode and
// the last one repeats. The spawn count lives in a counter file.
package fakecompanion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// EnvMode selects the fake behavior.
	EnvMode = "FRONTMAN_FAKE_COMPANION"
	// EnvCounter names the spawn counter file of a Sequence.
	EnvCounter = "FRONTMAN_FAKE_COMPANION_COUNTER"
	// ConfigEnvVar is read for -config=env.
	ConfigEnvVar = "COMPANION_CONFIG"

	// PIDHeader is set on every response served by the fake.
	PIDHeader = "X-Companion-Pid"
	// PIDPath returns the fake's pid without contacting the origin.
	PIDPath = "/__companion/pid"
	// ConfigPath echoes the document the fake was started with.
	ConfigPath = "/__companion/config"

	fatalExitCode = 78
)

// Env returns the environment entry selecting mode.
func Env(mode string) []string {
	return []string{EnvMode + "=" + mode}
}

// Sequence returns the environment selecting modes for successive spawns,
// counted in counterPath.
func Sequence(counterPath string, modes ...string) []string {
	return []string{
		EnvMode + "=" + strings.Join(modes, ","),
		EnvCounter + "=" + counterPath,
	}
}

// RunIfRequested runs the fake and exits when EnvMode is set.
func RunIfRequested() {
	mode := os.Getenv(EnvMode)
	if mode == "" {
		return
	}
	if strings.Contains(mode, ",") {
		var err error
		if mode, err = nextMode(strings.Split(mode, ","), os.Getenv(EnvCounter)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	os.Exit(run(mode, os.Args[1:]))
}

// nextMode bumps the spawn counter and returns the mode for this spawn.
func nextMode(modes []string, counterPath string) (string, error) {
	if counterPath == "" {
		return "", fmt.Errorf("%s is not set", EnvCounter)
	}
	n := 0
	if data, err := os.ReadFile(counterPath); err == nil {
		n, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}
	if err := os.WriteFile(counterPath, []byte(strconv.Itoa(n+1)), 0o644); err != nil {
		return "", err
	}
	return modes[min(n, len(modes)-1)], nil
}

func run(mode string, args []string) int {
	switch mode {
	case "fatal":
		return fatalExitCode
	case "crash":
		return 3
	case "silent":
		waitForSignal()
		return 0
	case "garbage":
		reporter, err := openReporter(args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		reporter.Write([]byte(`{"ip": "127.0.0.1", "port": `))
		reporter.Close()
		waitForSignal()
		return 0
	case "serve":
		return serve(args, false)
	case "stubborn":
		return serve(args, true)
	case "slow":
		time.Sleep(500 * time.Millisecond)
		return serve(args, false)
	default:
		fmt.Fprintf(os.Stderr, "unknown fake companion mode %q\n", mode)
		return 2
	}
}

func waitForSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs
}

func openReporter(args []string) (*os.File, error) {
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "-listening-reporter-fd="); ok {
			fd, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("bad reporter fd %q: %w", v, err)
			}
			return os.NewFile(uintptr(fd), "reporter"), nil
		}
	}
	return nil, fmt.Errorf("no -listening-reporter-fd argument")
}

func loadConfig(args []string) ([]byte, error) {
	for _, arg := range args {
		v, ok := strings.CutPrefix(arg, "-config=")
		if !ok {
			continue
		}
		if v == "env" {
			return []byte(os.Getenv(ConfigEnvVar)), nil
		}
		return os.ReadFile(v)
	}
	return nil, fmt.Errorf("no -config argument")
}

type origin struct {
	URL     string
	Headers map[string]string
}

func firstOrigin(doc []byte) origin {
	var cfg struct {
		Origins []struct {
			HTTP struct {
				URL     string            `json:"url"`
				Headers map[string]string `json:"headers"`
			} `json:"http"`
		} `json:"origins"`
	}
	if err := json.Unmarshal(doc, &cfg); err != nil || len(cfg.Origins) == 0 {
		return origin{}
	}
	return origin{URL: cfg.Origins[0].HTTP.URL, Headers: cfg.Origins[0].HTTP.Headers}
}

func serve(args []string, ignoreTerm bool) int {
	// Signals must be caught before the report goes out.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)

	doc, err := loadConfig(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	reporter, err := openReporter(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	pid := strconv.Itoa(os.Getpid())
	mux := http.NewServeMux()
	mux.HandleFunc(PIDPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(PIDHeader, pid)
		io.WriteString(w, pid)
	})
	mux.HandleFunc(ConfigPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(PIDHeader, pid)
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Re-read so file-mode reloads are picked up.
		current, err := loadConfig(args)
		if err != nil {
			current = doc
		}
		o := firstOrigin(current)
		if o.URL == "" {
			http.Error(w, "no origin configured", http.StatusBadGateway)
			return
		}
		req, err := http.NewRequestWithContext(r.Context(), r.Method, o.URL, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		req.Header = r.Header.Clone()
		for k, v := range o.Headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set(PIDHeader, pid)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go srv.Serve(ln)

	tcp := ln.Addr().(*net.TCPAddr)
	json.NewEncoder(reporter).Encode(map[string]any{"ip": tcp.IP.String(), "port": tcp.Port})
	reporter.Close()
	fmt.Fprintf(os.Stdout, "fake companion listening on %s\n", ln.Addr())

	for sig := range sigs {
		switch sig {
		case syscall.SIGUSR1:
			return fatalExitCode
		case syscall.SIGTERM:
			if ignoreTerm {
				continue
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		srv.Shutdown(ctx)
		cancel()
		return 0
	}
	return 0
}
