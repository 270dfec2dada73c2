package supervisor

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies a lifecycle notification.
type EventKind string

const (
	// EventReady - companion reported its address (after first start or a restart)
	EventReady EventKind = "ready"
	// EventRestarting - companion crashed and is being respawned
	EventRestarting EventKind = "restarting"
	// EventFatalConfigError - companion exited with FatalExitCode
	EventFatalConfigError EventKind = "fatal_config_error"
	// EventSideChannelError - companion wrote an unusable address report
	EventSideChannelError EventKind = "side_channel_error"
	// EventFailed - a respawn could not be performed
	EventFailed EventKind = "failed"
	// EventStopped - Stop completed
	EventStopped EventKind = "stopped"
)

// Event is a lifecycle notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Time    time.Time
	PID     int
	Address Address // EventReady
	Reason  string  // EventRestarting, EventFatalConfigError, EventFailed
	Err     error   // EventSideChannelError, EventFailed
}

// Details renders the kind-specific payload as a single line.
func (e Event) Details() string {
	switch e.Kind {
	case EventReady:
		return e.Address.String()
	case EventSideChannelError:
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// eventBufferSize is the per-subscriber channel capacity.
const eventBufferSize = 64

// Broadcaster fans lifecycle events out to subscribers
type Broadcaster struct {
	clients map[chan Event]struct{}
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewBroadcaster creates an empty broadcaster
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		clients: make(map[chan Event]struct{}),
		logger:  logger,
	}
}

// Subscribe registers a new subscriber. The returned function unsubscribes
// and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, eventBufferSize)
	b.clients[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(ch) })
	}
}

func (b *Broadcaster) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[ch]; !ok {
		return
	}
	delete(b.clients, ch)
	close(ch)
}

// Broadcast delivers an event to every subscriber. A subscriber whose buffer
// is full misses the event rather than stalling the supervisor.
func (b *Broadcaster) Broadcast(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.clients {
		select {
		case ch <- e:
		default:
			b.logger.Warn("Dropping lifecycle event for slow subscriber", "event", string(e.Kind))
		}
	}
}

// Close unsubscribes everyone.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}
