// Package engine drives the competition flow: the current-state
// singleton, the NEXT transition, weight declarations, and attempt
// finalization from completed ballots.
//
// All state-changing commands for a meet execute in a total order behind
// a per-meet lock; commands against different meets run in parallel. The
// engine publishes through an event.Publisher port and never imports the
// broker.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streetlift/meetd/internal/event"
	"github.com/streetlift/meetd/internal/meet"
	"github.com/streetlift/meetd/internal/store"
	"github.com/streetlift/meetd/internal/tally"
)

// Engine is the attempt state machine. Create one per process via New,
// hand it its dependencies, and tear it down after the broker.
type Engine struct {
	store *store.Store
	tally *tally.Tally
	pub   event.Publisher
	now   func() time.Time

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex // per-meet command serialization

	stateMu sync.Mutex
	cur     meet.CurrentState
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the wall clock. Tests use a fixed instant.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. The publisher may be event.Discard for offline
// commands.
func New(s *store.Store, t *tally.Tally, pub event.Publisher, opts ...Option) *Engine {
	e := &Engine{
		store: s,
		tally: t,
		pub:   pub,
		now:   time.Now,
		locks: make(map[int64]*sync.Mutex),
		cur:   meet.CurrentState{Phase: meet.PhaseIdle},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore loads the persisted current state. Called once at startup so an
// interrupted meet resumes where it stopped. Ballots are not persisted;
// judges re-submit votes for the attempt in progress.
func (e *Engine) Restore(ctx context.Context) error {
	cs, err := e.store.LoadCurrentState(ctx)
	if err != nil {
		return err
	}
	e.stateMu.Lock()
	e.cur = cs
	e.stateMu.Unlock()
	slog.Info("state restored", "phase", cs.Phase, "round", cs.Round)
	return nil
}

// Current returns a copy of the current state.
func (e *Engine) Current() meet.CurrentState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.cur
}

// lockFor returns the command lock for a meet, creating it on first use.
func (e *Engine) lockFor(meetID int64) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[meetID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[meetID] = mu
	}
	return mu
}

// setState replaces the singleton and persists it. Callers hold the meet
// lock.
func (e *Engine) setState(ctx context.Context, cs meet.CurrentState) error {
	if err := e.store.SaveCurrentState(ctx, cs); err != nil {
		return err
	}
	e.stateMu.Lock()
	e.cur = cs
	e.stateMu.Unlock()
	return nil
}

// failToIdle is the Fatal path: the affected meet drops to IDLE and waits
// for an operator. Other meets keep serving.
func (e *Engine) failToIdle(ctx context.Context, meetID int64, err error) {
	slog.Error("fatal flow error, meet goes idle", "meet_id", meetID, "error", err)
	idle := meet.CurrentState{Phase: meet.PhaseIdle}
	if saveErr := e.setState(ctx, idle); saveErr != nil {
		slog.Error("could not persist idle state", "error", saveErr)
	}
	e.publishState(ctx, meetID, 0)
}

func (e *Engine) publishState(ctx context.Context, meetID, attemptID int64) {
	cs := e.Current()
	e.pub.Publish(ctx, event.Event{
		Type:     event.TypeStateUpdate,
		MeetID:   meetID,
		Audience: event.MeetWide,
		Payload: event.StateUpdate{
			Phase:          cs.Phase,
			MeetID:         cs.MeetID,
			FlightID:       cs.FlightID,
			GroupID:        cs.GroupID,
			LiftID:         cs.LiftID,
			Round:          cs.Round,
			RegistrationID: cs.RegistrationID,
			AttemptID:      attemptID,
		},
	})
}
