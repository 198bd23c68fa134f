package gate

import "context"

// Stream is a running gate exposed as a channel of states.
type Stream struct {
	states chan State
	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Start launches a run in the background. The returned stream yields
// progress=0, one state per settled probe and the terminal loading=false
// state, then closes. Intended to run once per page load.
func (g *Gate) Start(ctx context.Context, assets []Asset) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		// initial state + one per unit + terminal state
		states: make(chan State, len(assets)+3),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.states)
		defer cancel()
		s.result = g.Run(ctx, assets, func(st State) { s.states <- st })
	}()
	return s
}

// States returns the state channel. It is closed when the run ends.
func (s *Stream) States() <-chan State {
	return s.states
}

// Done is closed once the run has ended and Wait will not block.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Stop tears the run down: pending timers and probes are cancelled and
// states still buffered are discarded, so nothing is observed afterwards.
func (s *Stream) Stop() {
	s.cancel()
	<-s.done
	for range s.states {
	}
}

// Wait blocks until the run ends and returns its result.
func (s *Stream) Wait() Result {
	<-s.done
	return s.result
}
