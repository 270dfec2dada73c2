// Package admin serves the operator endpoints: companion status, health and
// Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.olrik.dev/frontman/internal/supervisor"
)

// statsTimeout bounds the process sampling done for /status.
const statsTimeout = 2 * time.Second

// Companion is the view of the supervised process the endpoints report on.
// *supervisor.Supervisor implements it.
type Companion interface {
	State() supervisor.State
	Address() (supervisor.Address, bool)
	PID() int
	Alive() bool
	Restarts() int
	Stats(ctx context.Context) (supervisor.ProcessStats, error)
}

// Options configures the admin handler.
type Options struct {
	Name      string
	Version   string
	Companion Companion
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Status is the /status payload.
type Status struct {
	Name     string                   `json:"name"`
	Version  string                   `json:"version"`
	State    string                   `json:"state"`
	Address  string                   `json:"address,omitempty"`
	PID      int                      `json:"pid,omitempty"`
	Alive    bool                     `json:"alive"`
	Restarts int                      `json:"restarts"`
	Stats    *supervisor.ProcessStats `json:"stats,omitempty"`
}

type server struct {
	opts   Options
	logger *slog.Logger
}

// Handler returns the admin mux.
func Handler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &server{opts: opts, logger: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
	}
	return mux
}

func (s *server) status(ctx context.Context) Status {
	c := s.opts.Companion
	st := Status{
		Name:     s.opts.Name,
		Version:  s.opts.Version,
		State:    c.State().String(),
		PID:      c.PID(),
		Alive:    c.Alive(),
		Restarts: c.Restarts(),
	}
	if addr, ok := c.Address(); ok {
		st.Address = addr.String()
	}
	if st.PID != 0 {
		ctx, cancel := context.WithTimeout(ctx, statsTimeout)
		defer cancel()
		if stats, err := c.Stats(ctx); err == nil {
			st.Stats = &stats
		} else {
			s.logger.Debug("Failed to sample companion stats", "pid", st.PID, "error", err)
		}
	}
	return st
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.opts.Companion.State()
	code := http.StatusOK
	if state != supervisor.StateRunning {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"state": state.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
