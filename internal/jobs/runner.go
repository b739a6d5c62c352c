package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/telemyapp/aegis-broker/internal/metrics"
)

// Broker is the set of periodic maintenance operations the runner drives.
type Broker interface {
	FlushTraffic(context.Context) error
	ReapSessions(context.Context) error
	ReloadNodes(context.Context) error
}

type Intervals struct {
	Flush      time.Duration
	Reap       time.Duration
	NodeReload time.Duration
}

type Runner struct {
	broker    Broker
	intervals Intervals
	log       *slog.Logger
	wg        sync.WaitGroup
}

func NewRunner(b Broker, intervals Intervals, logger *slog.Logger) *Runner {
	if intervals.Flush <= 0 {
		intervals.Flush = 5 * time.Second
	}
	if intervals.Reap <= 0 {
		intervals.Reap = 3 * time.Second
	}
	if intervals.NodeReload <= 0 {
		intervals.NodeReload = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{broker: b, intervals: intervals, log: logger.With("component", "jobs")}
}

// Start launches one goroutine per job. Jobs stop when ctx is cancelled; use
// Wait to block until they have returned.
func (r *Runner) Start(ctx context.Context) {
	r.spawn(ctx, "traffic_flush", r.intervals.Flush, r.broker.FlushTraffic)
	r.spawn(ctx, "session_reap", r.intervals.Reap, r.broker.ReapSessions)
	r.spawn(ctx, "node_reload", r.intervals.NodeReload, r.broker.ReloadNodes)
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) spawn(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runEvery(ctx, name, interval, fn)
	}()
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := r.call(ctx, name, fn)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		r.log.Error("job run failed", "job", name, "duration_ms", int64(durMs), "err", err)
		labels["status"] = "error"
	} else {
		r.log.Debug("job run", "job", name, "duration_ms", int64(durMs))
		labels["status"] = "ok"
	}
	metrics.Default().IncCounter("aegis_job_runs_total", labels)
	metrics.Default().ObserveHistogram("aegis_job_duration_ms", durMs, map[string]string{"job": name})
}

// call runs fn, reporting a panic as an error.
func (r *Runner) call(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("job panicked", "job", name, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}
