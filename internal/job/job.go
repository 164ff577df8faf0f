// Package job runs the reconciliation pipeline as a single-flight
// background job. A trigger while a run is active is a silent no-op;
// nothing is queued.
package job

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Stage is one named step of the pipeline.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result describes one finished or in-flight run.
type Result struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Running    bool       `json:"running"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
}

// Runner executes the stages sequentially. Stage errors never propagate to
// the caller that triggered the run; they are converted into the result's
// failure text.
type Runner struct {
	stages  []Stage
	log     *logrus.Entry
	running atomic.Bool

	mu   sync.Mutex
	last *Result
	done sync.WaitGroup
}

// NewRunner builds a Runner over the given stages.
func NewRunner(stages []Stage, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{stages: stages, log: log}
}

// TryStart launches a run on a background goroutine. It reports the run ID
// and true, or "" and false when a run is already active.
func (r *Runner) TryStart(ctx context.Context) (string, bool) {
	if !r.running.CompareAndSwap(false, true) {
		return "", false
	}
	id := uuid.NewString()
	result := &Result{ID: id, StartedAt: time.Now().UTC(), Running: true}
	r.mu.Lock()
	r.last = result
	r.mu.Unlock()

	r.done.Add(1)
	go func() {
		defer r.done.Done()
		err := r.run(ctx, id)
		now := time.Now().UTC()
		r.mu.Lock()
		result.FinishedAt = &now
		result.Running = false
		result.Success = err == nil
		if err != nil {
			result.Error = err.Error()
		}
		r.mu.Unlock()
		r.running.Store(false)
	}()
	return id, true
}

// Status returns a copy of the latest run's result, or false when nothing
// has run yet.
func (r *Runner) Status() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Result{}, false
	}
	return *r.last, true
}

// Wait blocks until the active run, if any, has finished.
func (r *Runner) Wait() {
	r.done.Wait()
}

func (r *Runner) run(ctx context.Context, id string) error {
	log := r.log.WithField("run_id", id)
	log.Info("pipeline run started")
	for _, stage := range r.stages {
		stageLog := log.WithField("stage", stage.Name)
		start := time.Now()
		if err := stage.Run(ctx); err != nil {
			stageLog.WithError(err).Error("stage failed")
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		stageLog.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("stage finished")
	}
	log.Info("pipeline run finished")
	return nil
}
