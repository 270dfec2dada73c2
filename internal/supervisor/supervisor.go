// Package supervisor runs the companion process: it spawns it, learns its
// listening address over a side channel, restarts it when it crashes and
// stops it on request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ConfigMode selects how the configuration document reaches the companion.
type ConfigMode int

const (
	// ConfigModeEnv passes the document in an environment variable (-config=env).
	ConfigModeEnv ConfigMode = iota
	// ConfigModeFile writes the document to a file (-config=<path>).
	ConfigModeFile
)

func (m ConfigMode) String() string {
	switch m {
	case ConfigModeEnv:
		return "env"
	case ConfigModeFile:
		return "file"
	default:
		return "unknown"
	}
}

const (
	// DefaultConfigEnvVar carries the document in ConfigModeEnv.
	DefaultConfigEnvVar = "COMPANION_CONFIG"
	// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL.
	DefaultStopTimeout = 10 * time.Second
	// DefaultStartupTimeout bounds the wait for the address report.
	DefaultStartupTimeout = 30 * time.Second
	// WaitForever disables the startup timeout.
	WaitForever time.Duration = -1

	// reporterFD is the descriptor number of the side channel in the child.
	// ExtraFiles[0] always lands on fd 3.
	reporterFD = 3
)

// Options configures a Supervisor.
type Options struct {
	// Binary is the companion executable.
	Binary string
	// ExtraArgs are appended verbatim after the engine-managed flags.
	ExtraArgs []string
	// Env is added to the inherited environment ("KEY=value").
	Env []string
	// Dir is the working directory; empty means the current one.
	Dir string

	ConfigMode ConfigMode
	// ConfigPath is where the document is written in ConfigModeFile.
	ConfigPath string
	// ConfigEnvVar overrides DefaultConfigEnvVar in ConfigModeEnv.
	ConfigEnvVar string

	// Stdout and Stderr receive the companion's output. Nil inherits ours.
	Stdout io.Writer
	Stderr io.Writer

	// StartupTimeout bounds the wait for the address report of every spawn.
	// Zero means DefaultStartupTimeout; negative waits indefinitely.
	StartupTimeout time.Duration
	// StopTimeout is the grace period before Stop escalates to SIGKILL.
	StopTimeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// Supervisor owns at most one companion process at a time.
type Supervisor struct {
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	cell    AddressCell
	events  *Broadcaster

	started atomic.Bool

	mu       sync.Mutex
	state    State
	child    *child
	doc      []byte
	stopping bool
	aborted  bool
	restarts int
}

// child is one spawned companion process.
type child struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	ready   chan Address
	sideErr chan error
	exited  chan *ExitError
	dead    chan struct{} // closed once the process is reaped
	done    chan struct{} // closed once the exit has been handled
}

type startResult struct {
	addr Address
	err  error
}

// startWait carries the pending outcome of Start across respawns that
// happen before the first address report.
type startWait struct {
	result   chan<- startResult
	deadline time.Time // zero waits forever
}

func (w *startWait) pending() bool {
	return w != nil && w.result != nil
}

func (w *startWait) reply(r startResult) {
	if w.pending() {
		w.result <- r
		w.result = nil
	}
}

// New creates a supervisor. Nothing is spawned until Start.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConfigEnvVar == "" {
		opts.ConfigEnvVar = DefaultConfigEnvVar
	}
	if opts.StartupTimeout == 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	s := &Supervisor{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		events:  NewBroadcaster(opts.Logger),
	}
	s.metrics.setState(StateNotStarted)
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Address returns the companion's address while it is reachable.
func (s *Supervisor) Address() (Address, bool) {
	return s.cell.Load()
}

// Cell exposes the address cell for request routing.
func (s *Supervisor) Cell() *AddressCell {
	return &s.cell
}

// Restarts returns how many times the companion has been respawned.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Subscribe returns a channel of lifecycle events and a function that ends
// the subscription.
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}

// Start launches the companion with the given configuration document and
// blocks until it reports its listening address. Transient exits before the
// report respawn the companion; the startup timeout bounds the whole wait.
// It may be called once.
func (s *Supervisor) Start(ctx context.Context, doc []byte) (Address, error) {
	if !s.started.CompareAndSwap(false, true) {
		return Address{}, ErrAlreadyStarted
	}
	if s.opts.Binary == "" {
		s.fail()
		return Address{}, fmt.Errorf("companion binary is not set")
	}

	if s.opts.ConfigMode == ConfigModeFile {
		if err := WriteConfigFile(s.opts.ConfigPath, doc); err != nil {
			s.fail()
			return Address{}, err
		}
	}

	s.mu.Lock()
	s.doc = append([]byte(nil), doc...)
	s.setStateLocked(StateStarting)
	c, err := s.spawnLocked()
	if err != nil {
		s.setStateLocked(StateFailedFatal)
		s.mu.Unlock()
		return Address{}, err
	}
	s.child = c
	s.mu.Unlock()

	result := make(chan startResult, 1)
	wait := &startWait{result: result}
	if d := s.opts.StartupTimeout; d > 0 {
		wait.deadline = time.Now().Add(d)
	}
	go s.monitor(c, wait)

	select {
	case r := <-result:
		return r.addr, r.err
	case <-ctx.Done():
		s.abort(nil)
		return Address{}, ctx.Err()
	}
}

// Stop terminates the companion and waits until it has exited.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.child
	if c == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.stopping = true
	s.mu.Unlock()

	s.logger.Info("Stopping companion", "pid", c.pid)
	s.signal(c, syscall.SIGTERM)

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return nil
	case <-timer.C:
		s.logger.Warn("Companion did not stop gracefully, force killing", "pid", c.pid)
		s.signal(c, syscall.SIGKILL)
		<-c.done
		return nil
	case <-ctx.Done():
		s.signal(c, syscall.SIGKILL)
		<-c.done
		return ctx.Err()
	}
}

// fail marks a Start that could not spawn anything.
func (s *Supervisor) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(StateFailedFatal)
}

func (s *Supervisor) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("Companion state change", "from", s.state.String(), "to", state.String())
	s.state = state
	s.metrics.setState(state)
}

// spawnLocked launches a companion using the retained document.
func (s *Supervisor) spawnLocked() (*child, error) {
	reportR, reportW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create side channel: %w", err)
	}

	configArg := "-config=env"
	if s.opts.ConfigMode == ConfigModeFile {
		configArg = "-config=" + s.opts.ConfigPath
	}
	args := []string{configArg, "-listening-reporter-fd=" + strconv.Itoa(reporterFD)}
	args = append(args, s.opts.ExtraArgs...)

	cmd := exec.Command(s.opts.Binary, args...)
	cmd.Dir = s.opts.Dir
	cmd.Env = append(os.Environ(), s.opts.Env...)
	if s.opts.ConfigMode == ConfigModeEnv {
		cmd.Env = append(cmd.Env, s.opts.ConfigEnvVar+"="+string(s.doc))
	}
	cmd.ExtraFiles = []*os.File{reportW}
	cmd.SysProcAttr = sysProcAttr()

	// Files the child inherits; our copies are closed once it has started.
	childEnds := []*os.File{reportW}
	parentEnds := []*os.File{reportR}

	stdout, err := s.outputFile(s.opts.Stdout, os.Stdout, "stdout", &childEnds, &parentEnds)
	if err != nil {
		closeFiles(childEnds)
		closeFiles(parentEnds)
		return nil, err
	}
	cmd.Stdout = stdout
	stderr, err := s.outputFile(s.opts.Stderr, os.Stderr, "stderr", &childEnds, &parentEnds)
	if err != nil {
		closeFiles(childEnds)
		closeFiles(parentEnds)
		return nil, err
	}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		closeFiles(childEnds)
		closeFiles(parentEnds)
		return nil, fmt.Errorf("failed to start companion %s: %w", s.opts.Binary, err)
	}
	closeFiles(childEnds)

	c := &child{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		ready:     make(chan Address, 1),
		sideErr:   make(chan error, 1),
		exited:    make(chan *ExitError, 1),
		dead:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.metrics.spawned()
	s.logger.Info("Started companion", "pid", c.pid, "binary", s.opts.Binary, "config_mode", s.opts.ConfigMode.String())

	go watchSideChannel(reportR, c)
	go func() {
		err := cmd.Wait()
		close(c.dead)
		c.exited <- exitStatus(cmd.ProcessState, err)
	}()

	return c, nil
}

// outputFile returns the file a child stream is attached to. Without a sink
// the child inherits ours; with a sink we own a pipe and copy from it.
func (s *Supervisor) outputFile(sink io.Writer, inherit *os.File, name string, childEnds, parentEnds *[]*os.File) (*os.File, error) {
	if sink == nil {
		return inherit, nil
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s pipe: %w", name, err)
	}
	*childEnds = append(*childEnds, w)
	*parentEnds = append(*parentEnds, r)
	go func() {
		defer r.Close()
		if _, err := io.Copy(sink, r); err != nil {
			s.logger.Debug("Companion output copy ended", "stream", name, "error", err)
		}
	}()
	return w, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// exitStatus converts the result of Wait into an ExitError.
func exitStatus(state *os.ProcessState, waitErr error) *ExitError {
	if state == nil {
		// Wait failed without reaping; treat as an abnormal exit.
		return &ExitError{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return &ExitError{Code: -1, Signal: ws.Signal()}
	}
	return &ExitError{Code: state.ExitCode()}
}

// monitor drives one child from spawn to exit. wait is non-nil while Start
// is still blocked and receives its outcome; its deadline then replaces the
// per-spawn startup timeout.
func (s *Supervisor) monitor(c *child, wait *startWait) {
	var deadline time.Time
	if wait.pending() {
		deadline = wait.deadline
	} else if d := s.opts.StartupTimeout; d > 0 {
		deadline = c.startedAt.Add(d)
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case addr := <-c.ready:
			timeout = nil
			s.markReady(c, addr, wait)

		case err := <-c.sideErr:
			timeout = nil
			s.logger.Error("Companion sent a malformed address report", "pid", c.pid, "error", err)
			s.events.Broadcast(Event{Kind: EventSideChannelError, PID: c.pid, Err: err})
			if wait.pending() {
				s.abort(c)
				wait.reply(startResult{err: err})
			} else {
				s.signal(c, syscall.SIGKILL)
			}

		case <-timeout:
			timeout = nil
			s.logger.Warn("Companion did not report its address in time, killing it",
				"pid", c.pid, "timeout", s.opts.StartupTimeout)
			if wait.pending() {
				s.abort(c)
				wait.reply(startResult{err: fmt.Errorf("%w (%s)", ErrStartupTimeout, s.opts.StartupTimeout)})
			} else {
				s.signal(c, syscall.SIGKILL)
			}

		case exit := <-c.exited:
			// The report may have landed just before the exit.
			select {
			case addr := <-c.ready:
				s.markReady(c, addr, wait)
			default:
			}
			s.handleExit(c, exit, wait)
			return
		}
	}
}

func (s *Supervisor) markReady(c *child, addr Address, wait *startWait) {
	s.mu.Lock()
	if s.aborted || s.stopping || s.child != c {
		s.mu.Unlock()
		return
	}
	s.cell.Store(addr)
	s.setStateLocked(StateRunning)
	s.mu.Unlock()

	s.metrics.ready(time.Since(c.startedAt))
	s.logger.Info("Companion ready", "pid", c.pid, "address", addr.String())
	s.events.Broadcast(Event{Kind: EventReady, PID: c.pid, Address: addr})
	wait.reply(startResult{addr: addr})
}

// handleExit classifies a child exit and either finishes or respawns.
func (s *Supervisor) handleExit(c *child, exit *ExitError, wait *startWait) {
	defer close(c.done)

	// Stop routing to the dead listener before anything else.
	s.cell.Clear()

	s.mu.Lock()
	if s.child == c {
		s.child = nil
	}

	switch {
	case s.stopping:
		s.setStateLocked(StateStoppedByUser)
		s.mu.Unlock()
		s.metrics.exited("stopped")
		s.logger.Info("Companion stopped", "pid", c.pid)
		s.events.Broadcast(Event{Kind: EventStopped, PID: c.pid})
		wait.reply(startResult{err: ErrStopped})

	case s.aborted:
		s.setStateLocked(StateFailedFatal)
		s.mu.Unlock()
		s.metrics.exited("aborted")
		s.logger.Debug("Aborted companion exited", "pid", c.pid, "status", exit.Error())

	case exit.Fatal():
		s.setStateLocked(StateFailedFatal)
		s.mu.Unlock()
		s.metrics.exited("fatal")
		s.logger.Error("Companion rejected its configuration, not restarting", "pid", c.pid, "code", exit.Code)
		s.events.Broadcast(Event{Kind: EventFatalConfigError, PID: c.pid, Reason: exit.Error()})
		wait.reply(startResult{err: fmt.Errorf("%w: %w", ErrFatalConfig, exit)})

	default:
		s.restartLocked(c, exit, wait)
	}
}

// restartLocked respawns after a transient exit. Called with s.mu held;
// releases it.
func (s *Supervisor) restartLocked(old *child, exit *ExitError, wait *startWait) {
	s.setStateLocked(StateRestarting)
	s.restarts++
	next, err := s.spawnLocked()
	if err != nil {
		s.setStateLocked(StateFailedFatal)
		s.mu.Unlock()
		s.metrics.exited("transient")
		s.logger.Error("Failed to respawn companion", "error", err)
		s.events.Broadcast(Event{Kind: EventRestarting, PID: old.pid, Reason: exit.Error()})
		s.events.Broadcast(Event{Kind: EventFailed, PID: old.pid, Reason: "respawn failed", Err: err})
		wait.reply(startResult{err: err})
		return
	}
	s.child = next
	s.mu.Unlock()

	s.metrics.exited("transient")
	s.metrics.restarted()
	s.logger.Warn("Companion crashed, restarting",
		"old_pid", old.pid, "new_pid", next.pid, "status", exit.Error())
	s.events.Broadcast(Event{Kind: EventRestarting, PID: old.pid, Reason: exit.Error()})

	if !wait.pending() {
		wait = nil
	}
	go s.monitor(next, wait)
}

// abort gives up during the initial start and kills the current child, and
// c as well when it is a different one. Nothing is respawned afterwards.
func (s *Supervisor) abort(c *child) {
	s.mu.Lock()
	s.aborted = true
	current := s.child
	s.child = nil
	s.setStateLocked(StateFailedFatal)
	s.mu.Unlock()

	if current != nil {
		s.signal(current, syscall.SIGKILL)
	}
	if c != nil && c != current {
		s.signal(c, syscall.SIGKILL)
	}
}

// signal sends sig to the child's process group, falling back to the
// process itself.
func (s *Supervisor) signal(c *child, sig syscall.Signal) {
	select {
	case <-c.dead:
		return
	default:
	}
	if err := unix.Kill(-c.pid, sig); err != nil {
		if err := c.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("Failed to signal companion", "pid", c.pid, "signal", sig.String(), "error", err)
		}
	}
}

// WriteConfigFile atomically replaces the configuration file.
func WriteConfigFile(path string, doc []byte) error {
	if path == "" {
		return fmt.Errorf("companion config path is not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, doc, 0o600); err != nil {
		return fmt.Errorf("failed to write companion config temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename companion config file: %w", err)
	}
	return nil
}
