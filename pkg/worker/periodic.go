package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sociofly/notification-engine/pkg/logger"
)

// Job is a named task run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner runs each job on its own ticker until the context is cancelled.
type Runner struct {
	jobs   []Job
	logger *logger.Logger
	wg     sync.WaitGroup
}

func NewRunner(log *logger.Logger, jobs ...Job) *Runner {
	// Config validation instead of defaults
	for _, j := range jobs {
		if j.Interval <= 0 {
			panic(fmt.Sprintf("job %q: Interval must be greater than 0", j.Name))
		}
		if j.Run == nil {
			panic(fmt.Sprintf("job %q: Run must be set", j.Name))
		}
	}
	return &Runner{jobs: jobs, logger: log}
}

// Start launches every job and returns immediately.
func (r *Runner) Start(ctx context.Context) {
	for _, j := range r.jobs {
		r.wg.Add(1)
		go func(j Job) {
			defer r.wg.Done()
			r.loop(ctx, j)
		}(j)
	}
}

// Wait blocks until every job loop has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	r.logger.Info("Starting periodic job", "job", j.Name, "interval", j.Interval.String())

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Shutting down periodic job", "job", j.Name)
			return
		case <-ticker.C:
			r.runOnce(ctx, j)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, j Job) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error(fmt.Errorf("panic: %v", p), "Periodic job panicked", "job", j.Name)
		}
	}()
	if err := j.Run(ctx); err != nil {
		r.logger.Error(err, "Periodic job failed", "job", j.Name)
	}
}
