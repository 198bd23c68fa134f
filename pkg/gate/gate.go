// Package gate decides when a splash screen may stop showing.
//
// A gate run probes a fixed list of critical assets plus one virtual fonts
// unit, all concurrently. Every settled probe, whatever its outcome, advances
// progress. The gate closes once every probe has settled or the ceiling
// timeout fires, whichever comes first, then waits a short exit delay before
// emitting the terminal loading=false state.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/klazomenai/splash-gate/pkg/logging"
)

const (
	// DefaultProbeTimeout bounds a single probe.
	DefaultProbeTimeout = 2500 * time.Millisecond
	// DefaultCeiling bounds the whole run.
	DefaultCeiling = 3 * time.Second
	// DefaultExitDelay is the pause between closing and the terminal state.
	DefaultExitDelay = 300 * time.Millisecond

	fontsUnit = "fonts"
)

// Config holds the gate timing constants.
type Config struct {
	ProbeTimeout time.Duration // upper bound for one probe
	Ceiling      time.Duration // maximum wait before closing regardless of probes
	ExitDelay    time.Duration // not counted toward progress
}

// DefaultConfig returns the default timing constants.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout: DefaultProbeTimeout,
		Ceiling:      DefaultCeiling,
		ExitDelay:    DefaultExitDelay,
	}
}

// Hooks observe a run. They are called from the run's own goroutine, so a
// slow hook delays the run.
type Hooks struct {
	OnPhase func(Phase)
	OnProbe func(ProbeReport)
	OnClose func(Result)
}

// Option configures a Gate.
type Option func(*Gate)

// WithHooks installs run observers.
func WithHooks(h Hooks) Option {
	return func(g *Gate) { g.hooks = h }
}

// WithLogger replaces the shared logger.
func WithLogger(l *log.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// Gate runs readiness probes. A Gate holds no per-run state and may start
// any number of independent runs.
type Gate struct {
	config  Config
	probers Probers
	hooks   Hooks
	logger  *log.Logger
}

// New creates a gate. Non-positive timeouts fall back to the defaults; a
// negative exit delay is treated as zero. A probe timeout at or above the
// ceiling is clamped below it so that hung probes settle on their own.
func New(config Config, probers Probers, opts ...Option) *Gate {
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.Ceiling <= 0 {
		config.Ceiling = DefaultCeiling
	}
	if config.ExitDelay < 0 {
		config.ExitDelay = 0
	}
	requested := config.ProbeTimeout
	config.ProbeTimeout = ClampProbeTimeout(config.ProbeTimeout, config.Ceiling)

	g := &Gate{
		config:  config,
		probers: probers,
		logger:  logging.Logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	if requested != config.ProbeTimeout {
		g.logger.Warn("⚠️  probe timeout not below ceiling, clamped",
			"requested", requested, "ceiling", config.Ceiling, "probe_timeout", config.ProbeTimeout)
	}
	return g
}

// ClampProbeTimeout returns probe when it is below ceiling, otherwise the
// same fraction of the ceiling the defaults use (2.5s of 3s).
func ClampProbeTimeout(probe, ceiling time.Duration) time.Duration {
	if probe < ceiling {
		return probe
	}
	return ceiling - ceiling/6
}

// Config returns the effective timing constants.
func (g *Gate) Config() Config {
	return g.config
}

type unit struct {
	name  string
	kind  string
	probe func(ctx context.Context) error
}

// prepare builds one unit per asset plus the fonts unit. It recovers from
// panics so that a broken prober setup degrades to a ceiling close.
func (g *Gate) prepare(assets []Asset) (units []unit, err error) {
	defer func() {
		if r := recover(); r != nil {
			units = nil
			err = fmt.Errorf("wiring probes: %v", r)
		}
	}()

	units = make([]unit, 0, len(assets)+1)
	fonts := g.probers.Fonts
	units = append(units, unit{
		name: fontsUnit,
		kind: fontsUnit,
		probe: func(ctx context.Context) error {
			if fonts == nil {
				return nil
			}
			return fonts.Ready(ctx)
		},
	})
	for _, a := range assets {
		pr, err := g.probers.forKind(a.Kind)
		if err != nil {
			return nil, fmt.Errorf("asset %q (%s): %w", a.URL, a.Kind, err)
		}
		url := a.URL
		units = append(units, unit{
			name:  url,
			kind:  a.Kind.String(),
			probe: func(ctx context.Context) error { return pr.Probe(ctx, url) },
		})
	}
	return units, nil
}

// settle runs one probe against its own timeout. Whichever finishes first,
// the probe or the timer, decides the outcome. The report channel is
// buffered for every unit, so settle never blocks after the run has moved on.
func (g *Gate) settle(ctx context.Context, u unit, reports chan<- ProbeReport) {
	started := time.Now()
	pctx, cancel := context.WithTimeout(ctx, g.config.ProbeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panicked: %v", r)
			}
		}()
		done <- u.probe(pctx)
	}()

	rep := ProbeReport{Unit: u.name, Kind: u.kind}
	select {
	case err := <-done:
		switch {
		case err == nil:
			rep.Outcome = OutcomeSuccess
		case pctx.Err() == context.DeadlineExceeded:
			rep.Outcome = OutcomeTimedOut
		default:
			rep.Outcome = OutcomeFailure
			rep.Err = err.Error()
		}
	case <-pctx.Done():
		rep.Outcome = OutcomeTimedOut
	}
	rep.Elapsed = time.Since(started)
	reports <- rep
}

// run is the state owned by a single Run call.
type run struct {
	ctx       context.Context
	emit      func(State)
	hooks     Hooks
	logger    *log.Logger
	started   time.Time
	total     int
	completed int
	progress  int
	probes    []ProbeReport
}

// send forwards a state unless the run has been cancelled. Every emission
// goes through here.
func (r *run) send(s State) {
	if r.ctx.Err() != nil || r.emit == nil {
		return
	}
	r.emit(s)
}

func (r *run) enter(p Phase) {
	r.logger.Debug("gate phase", "phase", p, "progress", r.progress)
	if r.hooks.OnPhase != nil {
		r.hooks.OnPhase(p)
	}
}

func (r *run) record(rep ProbeReport) {
	r.completed++
	r.progress = Progress(r.completed, r.total)
	r.probes = append(r.probes, rep)
	if rep.Outcome != OutcomeSuccess {
		r.logger.Debug("probe did not succeed", "unit", rep.Unit, "outcome", rep.Outcome, "err", rep.Err)
	}
	if r.hooks.OnProbe != nil {
		r.hooks.OnProbe(rep)
	}
	r.send(State{Loading: true, Progress: r.progress})
}

func (r *run) finish(reason CloseReason) Result {
	res := Result{
		Completed: r.completed,
		Total:     r.total,
		Progress:  r.progress,
		Reason:    reason,
		Probes:    r.probes,
		Elapsed:   time.Since(r.started),
	}
	if r.hooks.OnClose != nil {
		r.hooks.OnClose(res)
	}
	return res
}

// Run probes assets and blocks until the gate has closed or ctx is done.
// emit receives progress=0 first, one state per settled probe, and finally
// one loading=false state. Once ctx is cancelled emit is never called again
// and the Result carries ReasonCancelled.
func (g *Gate) Run(ctx context.Context, assets []Asset, emit func(State)) Result {
	r := &run{
		ctx:     ctx,
		emit:    emit,
		hooks:   g.hooks,
		logger:  g.logger,
		started: time.Now(),
		total:   len(assets) + 1,
	}
	r.enter(PhaseInitializing)
	r.send(State{Loading: true, Progress: 0})

	probeCtx, stopProbes := context.WithCancel(ctx)
	defer stopProbes()

	ceiling := time.NewTimer(g.config.Ceiling)
	defer ceiling.Stop()

	reason := ReasonSettled
	r.enter(PhaseProbing)
	units, err := g.prepare(assets)
	if err != nil {
		g.logger.Warn("⚠️  probe wiring failed, closing at ceiling", "err", err, "ceiling", g.config.Ceiling)
		reason = ReasonWiringFailed
		select {
		case <-ceiling.C:
		case <-ctx.Done():
			return r.finish(ReasonCancelled)
		}
	} else {
		reports := make(chan ProbeReport, len(units))
		for _, u := range units {
			go g.settle(probeCtx, u, reports)
		}
	probing:
		for r.completed < r.total {
			select {
			case rep := <-reports:
				r.record(rep)
			case <-ceiling.C:
				reason = ReasonCeiling
				break probing
			case <-ctx.Done():
				return r.finish(ReasonCancelled)
			}
		}
	}

	stopProbes()
	r.enter(PhaseClosing)

	exit := time.NewTimer(g.config.ExitDelay)
	defer exit.Stop()
	select {
	case <-exit.C:
	case <-ctx.Done():
		return r.finish(ReasonCancelled)
	}
	if ctx.Err() != nil {
		return r.finish(ReasonCancelled)
	}

	r.send(State{Loading: false, Progress: r.progress})
	r.enter(PhaseClosed)
	return r.finish(reason)
}
