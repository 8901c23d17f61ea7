// Package monitor reports process and relay health for the status endpoint.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/grouprelay/backend/internal/pipeline"
	"github.com/grouprelay/backend/internal/session"
)

type StatusSource interface {
	Status() session.Status
}

type ObserverCounter interface {
	ClientCount() int
}

type PipelineStats interface {
	Stats() pipeline.Stats
}

// ProcessStats describes the relay process itself.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Goroutines int     `json:"goroutines"`
}

type Report struct {
	Session     session.Status `json:"session"`
	Observers   int            `json:"observers"`
	Pipeline    pipeline.Stats `json:"pipeline"`
	Process     ProcessStats   `json:"process"`
	Uptime      string         `json:"uptime"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

type Reporter struct {
	status    StatusSource
	observers ObserverCounter
	pipeline  PipelineStats
	log       *slog.Logger

	proc    *process.Process
	started time.Time
	now     func() time.Time
}

func NewReporter(status StatusSource, observers ObserverCounter, pipe PipelineStats, logger *slog.Logger) *Reporter {
	r := &Reporter{
		status:    status,
		observers: observers,
		pipeline:  pipe,
		log:       logger,
		started:   time.Now(),
		now:       time.Now,
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("process stats unavailable", "error", err)
	} else {
		r.proc = proc
	}
	return r
}

// Report collects a snapshot. Process stats that cannot be read are left
// zero.
func (r *Reporter) Report(ctx context.Context) Report {
	now := r.now()
	rep := Report{
		Session:     r.status.Status(),
		Observers:   r.observers.ClientCount(),
		Pipeline:    r.pipeline.Stats(),
		Process:     ProcessStats{PID: int32(os.Getpid()), Goroutines: runtime.NumGoroutine()},
		Uptime:      now.Sub(r.started).Truncate(time.Second).String(),
		GeneratedAt: now,
	}
	if r.proc == nil {
		return rep
	}
	if mem, err := r.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		rep.Process.RSSBytes = mem.RSS
	} else if err != nil {
		r.log.Debug("could not read memory info", "error", err)
	}
	if cpu, err := r.proc.CPUPercentWithContext(ctx); err == nil {
		rep.Process.CPUPercent = cpu
	} else {
		r.log.Debug("could not read cpu usage", "error", err)
	}
	return rep
}

// Run logs a health line every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep := r.Report(ctx)
			r.log.Debug("relay health",
				"state", rep.Session.Session.State,
				"observers", rep.Observers,
				"in_flight", rep.Pipeline.InFlight,
				"rss_bytes", rep.Process.RSSBytes,
			)
		}
	}
}
