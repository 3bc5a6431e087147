package worker

import (
	"context"
	"fmt"
	"time"

	gproc "github.com/shirou/gopsutil/v4/process"
)

// ProcessStats is a point-in-time resource snapshot of the worker
type ProcessStats struct {
	PID        int       `json:"pid"`
	RSSBytes   uint64    `json:"rssBytes"`
	CPUPercent float64   `json:"cpuPercent"`
	Threads    int32     `json:"threads"`
	StartedAt  time.Time `json:"startedAt"`
}

// Stats samples resource usage of the live worker
func (s *Supervisor) Stats(ctx context.Context) (*ProcessStats, error) {
	pid := s.PID()
	if pid == 0 {
		return nil, ErrNotRunning
	}

	proc, err := gproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect worker %d: %w", pid, err)
	}

	stats := &ProcessStats{PID: pid}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker memory: %w", err)
	}
	stats.RSSBytes = mem.RSS

	// Platforms without these counters still report memory
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = threads
	}
	if created, err := proc.CreateTimeWithContext(ctx); err == nil {
		stats.StartedAt = time.UnixMilli(created)
	}
	return stats, nil
}
