// Package runner executes gate runs whose states and result are persisted.
package runner

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/klazomenai/splash-gate/pkg/gate"
	"github.com/klazomenai/splash-gate/pkg/logging"
	"github.com/klazomenai/splash-gate/pkg/storage"
)

// storeWriteTimeout bounds each Redis write made on behalf of a run.
const storeWriteTimeout = 2 * time.Second

// Runner couples a gate with the run store.
type Runner struct {
	gate   *gate.Gate
	store  *storage.RunStore
	logger *log.Logger
}

// New creates a Runner. A nil store runs the gate without persistence.
func New(g *gate.Gate, store *storage.RunStore) *Runner {
	return &Runner{gate: g, store: store, logger: logging.Logger.WithPrefix("runner")}
}

// Gate returns the underlying gate.
func (r *Runner) Gate() *gate.Gate {
	return r.gate
}

// Execute runs the gate for runID. Each state goes to emit (which may be nil)
// and to the store. Storage failures are logged and never affect the run.
func (r *Runner) Execute(ctx context.Context, runID, source string, assets []gate.Asset, emit func(gate.State)) gate.Result {
	if err := r.create(ctx, runID, source, assets); err != nil {
		r.logger.Warn("⚠️  failed to create run record", "run_id", runID, "err", err)
	}
	return r.run(ctx, runID, source, assets, emit)
}

// Launch creates the run record, then runs the gate in the background. The
// returned channel yields the Result once and is closed.
func (r *Runner) Launch(ctx context.Context, runID, source string, assets []gate.Asset) (<-chan gate.Result, error) {
	if err := r.create(ctx, runID, source, assets); err != nil {
		return nil, err
	}
	done := make(chan gate.Result, 1)
	go func() {
		defer close(done)
		done <- r.run(ctx, runID, source, assets, nil)
	}()
	return done, nil
}

func (r *Runner) create(ctx context.Context, runID, source string, assets []gate.Asset) error {
	if r.store == nil {
		return nil
	}
	return r.write(context.WithoutCancel(ctx), func(c context.Context) error {
		return r.store.CreateRun(c, &storage.RunRecord{ID: runID, Source: source, Assets: assets})
	})
}

func (r *Runner) run(ctx context.Context, runID, source string, assets []gate.Asset, emit func(gate.State)) gate.Result {
	// writes outlive a cancelled request so the record still closes
	wctx := context.WithoutCancel(ctx)

	res := r.gate.Run(ctx, assets, func(st gate.State) {
		if emit != nil {
			emit(st)
		}
		if r.store == nil {
			return
		}
		if err := r.write(wctx, func(c context.Context) error { return r.store.RecordState(c, runID, st) }); err != nil {
			r.logger.Warn("⚠️  failed to record state", "run_id", runID, "progress", st.Progress, "err", err)
		}
	})

	if r.store != nil {
		if err := r.write(wctx, func(c context.Context) error { return r.store.CompleteRun(c, runID, res) }); err != nil {
			r.logger.Warn("⚠️  failed to complete run record", "run_id", runID, "err", err)
		}
	}

	success, failure, timedOut := res.Counts()
	r.logger.Info("gate closed",
		"run_id", runID,
		"source", source,
		"reason", res.Reason,
		"progress", res.Progress,
		"success", success,
		"failure", failure,
		"timed_out", timedOut,
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)
	return res
}

func (r *Runner) write(ctx context.Context, fn func(context.Context) error) error {
	c, cancel := context.WithTimeout(ctx, storeWriteTimeout)
	defer cancel()
	return fn(c)
}
