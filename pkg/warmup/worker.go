// Package warmup runs the readiness gate on a timer so that critical assets
// stay warm in origin and CDN caches, and regressions show up in run history.
package warmup

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/klazomenai/splash-gate/pkg/gate"
	"github.com/klazomenai/splash-gate/pkg/logging"
	"github.com/klazomenai/splash-gate/pkg/runner"
)

// SourceWarmup tags runs started by the worker.
const SourceWarmup = "warmup"

// WorkerConfig holds the worker schedule.
type WorkerConfig struct {
	Interval time.Duration // How often to run the gate; zero disables the worker
}

// Worker periodically runs the gate against a fixed asset list.
type Worker struct {
	config *WorkerConfig
	runner *runner.Runner
	assets []gate.Asset
	logger *log.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWorker creates a new warm-up worker
func NewWorker(config *WorkerConfig, r *runner.Runner, assets []gate.Asset) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		config:   config,
		runner:   r,
		assets:   assets,
		logger:   logging.Logger.WithPrefix("warmup"),
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start runs the worker loop until Stop. It returns at once when the
// interval is zero.
func (w *Worker) Start() {
	if w.config.Interval <= 0 {
		w.logger.Info("ℹ️  warm-up worker disabled")
		close(w.doneChan)
		return
	}
	w.logger.Info("🔄 starting warm-up worker", "interval", w.config.Interval, "assets", len(w.assets))

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	// Run immediately on start
	w.processRun()

	for {
		select {
		case <-ticker.C:
			w.processRun()
		case <-w.stopChan:
			w.logger.Info("🛑 warm-up worker stopping...")
			close(w.doneChan)
			return
		}
	}
}

// Stop aborts an in-flight run and waits for the loop to exit.
func (w *Worker) Stop() {
	w.cancel()
	close(w.stopChan)
	<-w.doneChan
	w.logger.Info("✅ warm-up worker stopped")
}

// processRun executes one gate run and reports its outcome.
func (w *Worker) processRun() gate.Result {
	runID := uuid.New().String()
	res := w.runner.Execute(w.ctx, runID, SourceWarmup, w.assets, nil)
	if res.Reason == gate.ReasonCancelled {
		return res
	}

	success, failure, timedOut := res.Counts()
	switch {
	case res.Reason != gate.ReasonSettled:
		w.logger.Warn("⚠️  warm-up run did not settle",
			"run_id", runID, "reason", res.Reason, "progress", res.Progress)
	case failure > 0 || timedOut > 0:
		w.logger.Warn("⚠️  warm-up run had failing assets",
			"run_id", runID, "failure", failure, "timed_out", timedOut)
		for _, p := range res.Probes {
			if p.Outcome != gate.OutcomeSuccess {
				w.logger.Warn("❌ asset not ready", "unit", p.Unit, "outcome", p.Outcome, "err", p.Err)
			}
		}
	default:
		w.logger.Info("✅ warm-up cycle complete",
			"run_id", runID, "success", success, "elapsed", res.Elapsed.Round(time.Millisecond))
	}
	return res
}
