package collabkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"

	"github.com/c0deZ3R0/go-collab-kit/errors"
)

// autosaveMaxRetries bounds the exponential backoff per document per
// autosave tick.
const autosaveMaxRetries = 3

// scheduler runs the engine's periodic work on three independent
// tickers: operation flush, cursor sweep, and autosave. Start and Stop
// are safe to call from any goroutine; Stop waits for the loops to
// exit.
type scheduler struct {
	engine *Engine

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    sync.WaitGroup
}

func newScheduler(e *Engine) *scheduler {
	return &scheduler{engine: e}
}

func (s *scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.E(
			errors.Op("Start"),
			errors.Component("scheduler"),
			errors.KindValidation,
			fmt.Errorf("scheduler already running"),
		)
	}
	s.stop = make(chan struct{})
	s.running = true

	// Local copy: Stop replaces s.stop for the next Start, the loops
	// keep watching the channel they were born with.
	stop := s.stop
	s.done.Add(3)
	go s.flushLoop(ctx, stop)
	go s.sweepLoop(ctx, stop)
	go s.autosaveLoop(ctx, stop)
	return nil
}

func (s *scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stop)
	s.running = false
	s.mu.Unlock()
	s.done.Wait()
}

func (s *scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *scheduler) flushLoop(ctx context.Context, stop chan struct{}) {
	defer s.done.Done()
	ticker := s.engine.clock.NewTicker(s.engine.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.engine.flushAll(ctx)
		}
	}
}

func (s *scheduler) sweepLoop(ctx context.Context, stop chan struct{}) {
	defer s.done.Done()
	ticker := s.engine.clock.NewTicker(s.engine.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.engine.sweepCursors()
		}
	}
}

func (s *scheduler) autosaveLoop(ctx context.Context, stop chan struct{}) {
	defer s.done.Done()
	ticker := s.engine.clock.NewTicker(s.engine.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.engine.autosaveAll(ctx)
		}
	}
}

// sweepCursors evicts stale cursors, called by the sweep tick.
func (e *Engine) sweepCursors() {
	evicted := e.cursors.Sweep(e.clock.Now().UTC())
	if evicted == 0 {
		return
	}
	e.metrics.RecordCursorSweep(evicted)
	e.logger.Debug("Stale cursors evicted", "count", evicted)
}

// autosaveAll snapshots every dirty document. Retryable storage
// failures back off exponentially; anything else fails the document's
// save immediately and moves on to the next.
func (e *Engine) autosaveAll(ctx context.Context) {
	start := e.clock.Now()
	saved := 0
	for _, id := range e.store.ids() {
		st, ok := e.store.state(id)
		if !ok {
			continue
		}
		st.mu.Lock()
		dirty := st.dirty
		st.mu.Unlock()
		if !dirty {
			continue
		}

		save := func() error {
			err := e.persistState(ctx, st)
			if err != nil && !errors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), autosaveMaxRetries),
			ctx,
		)
		if err := backoff.Retry(save, policy); err != nil {
			e.metrics.RecordEngineErrors(string(errors.OpAutosave), string(errors.KindStorage))
			e.logger.Error("Autosave failed", "document_id", id, "error", err)
			continue
		}
		saved++
	}
	if saved > 0 {
		e.metrics.RecordAutosave(saved, e.clock.Now().Sub(start))
		e.logger.Debug("Autosave completed", "documents", saved)
	}
}
