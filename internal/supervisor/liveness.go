package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time resource snapshot of the companion.
type ProcessStats struct {
	PID        int           `json:"pid"`
	CPUPercent float64       `json:"cpu_percent"`
	RSSBytes   uint64        `json:"rss_bytes"`
	Threads    int32         `json:"threads"`
	Uptime     time.Duration `json:"uptime"`
}

// PID returns the pid of the owned companion, or 0 if there is none.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return 0
	}
	return s.child.pid
}

// Alive reports whether the owned companion process exists.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	c := s.child
	s.mu.Unlock()

	if c == nil {
		return false
	}
	select {
	case <-c.dead:
		return false
	default:
	}

	exists, err := process.PidExists(int32(c.pid))
	if err != nil {
		s.logger.Debug("Failed to check companion liveness", "pid", c.pid, "error", err)
		return false
	}
	return exists
}

// Stats samples CPU and memory usage of the owned companion.
func (s *Supervisor) Stats(ctx context.Context) (ProcessStats, error) {
	s.mu.Lock()
	c := s.child
	s.mu.Unlock()

	if c == nil {
		return ProcessStats{}, ErrNotRunning
	}

	proc, err := process.NewProcessWithContext(ctx, int32(c.pid))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("failed to inspect companion process %d: %w", c.pid, err)
	}

	stats := ProcessStats{
		PID:    c.pid,
		Uptime: time.Since(c.startedAt),
	}
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = threads
	}
	return stats, nil
}
