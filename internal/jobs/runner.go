package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/telemyapp/linkgate/internal/metrics"
)

// MessageCounterRetention is how long per-day message counters are kept.
const MessageCounterRetention = 400 * 24 * time.Hour

type Store interface {
	ExpirePairingCodes(context.Context) error
	PruneMessageCounters(ctx context.Context, retention time.Duration) error
}

type Task struct {
	Name     string
	Interval time.Duration
	Run      func(context.Context) error
}

// StoreTasks are the maintenance jobs run by the jobs worker.
func StoreTasks(store Store) []Task {
	return []Task{
		{Name: "expire_pairing_codes", Interval: time.Minute, Run: store.ExpirePairingCodes},
		{Name: "prune_message_counters", Interval: 6 * time.Hour, Run: func(c context.Context) error {
			return store.PruneMessageCounters(c, MessageCounterRetention)
		}},
	}
}

type Runner struct {
	tasks  []Task
	logger *zap.Logger
}

func NewRunner(logger *zap.Logger, tasks ...Task) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{tasks: tasks, logger: logger}
}

// Start runs every task once immediately and then on its interval until ctx
// is done.
func (r *Runner) Start(ctx context.Context) {
	for _, t := range r.tasks {
		go r.runEvery(ctx, t)
	}
}

func (r *Runner) runEvery(ctx context.Context, t Task) {
	r.runOnce(ctx, t.Name, t.Run)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, t.Name, t.Run)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		r.logger.Warn("job_run", zap.String("job", name), zap.String("status", "error"), zap.Float64("duration_ms", durMs), zap.Error(err))
		labels["status"] = "error"
		metrics.Default().IncCounter("linkgate_job_runs_total", labels)
		metrics.Default().ObserveHistogram("linkgate_job_duration_ms", durMs, map[string]string{"job": name})
		return
	}
	r.logger.Debug("job_run", zap.String("job", name), zap.String("status", "ok"), zap.Float64("duration_ms", durMs))
	labels["status"] = "ok"
	metrics.Default().IncCounter("linkgate_job_runs_total", labels)
	metrics.Default().ObserveHistogram("linkgate_job_duration_ms", durMs, map[string]string{"job": name})
}
