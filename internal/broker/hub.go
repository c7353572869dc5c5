// Package broker manages judge, director and viewer sessions over
// websockets and routes realtime events between devices and the flow
// engine.
//
// The broker depends on a command port (implemented by the engine) and
// acts as the engine's event sink. Command dispatch is serialized per
// meet inside the engine; event fanout here is concurrent and each
// recipient's delivery is independent, so a slow viewer never blocks a
// judge.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/streetlift/meetd/internal/event"
	"github.com/streetlift/meetd/internal/meet"
	"github.com/streetlift/meetd/internal/tally"
)

// Commands is the broker's inbound port into the flow engine.
type Commands interface {
	Next(ctx context.Context, meetID int64) error
	DeclareWeight(ctx context.Context, meetID, regID, liftID int64, attemptNo int, kg float64) error
	RegisterVote(ctx context.Context, meetID, attemptID int64, role meet.JudgeRole, vote meet.Vote) (tally.Result, error)
	StartTimer(ctx context.Context, meetID int64, duration time.Duration) error
	StopTimer(ctx context.Context, meetID int64) error
}

// MeetResolver resolves a meet code to the local meet row at session join.
// Implemented by *store.Store.
type MeetResolver interface {
	MeetByCode(ctx context.Context, code string) (meet.Meet, error)
}

// Hub owns all sessions and the fanout loop.
type Hub struct {
	cmds   Commands
	meets  MeetResolver
	secret []byte

	register   chan *Session
	unregister chan *Session
	broadcast  chan event.Event
	quit       chan struct{}
	done       chan struct{}

	mu     sync.RWMutex
	byMeet map[int64]map[*Session]bool
}

// NewHub creates a hub. secret signs and verifies session tokens.
func NewHub(cmds Commands, meets MeetResolver, secret []byte) *Hub {
	return &Hub{
		cmds:       cmds,
		meets:      meets,
		secret:     secret,
		register:   make(chan *Session),
		unregister: make(chan *Session, 64),
		broadcast:  make(chan event.Event, 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		byMeet:     make(map[int64]map[*Session]bool),
	}
}

// SetCommands wires the inbound command port. The engine publishes
// through the hub, so the two are constructed before either knows the
// other; call SetCommands before Run.
func (h *Hub) SetCommands(cmds Commands) {
	h.cmds = cmds
}

// Run is the fanout loop. Call from one goroutine; returns after Stop.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case s := <-h.register:
			h.addSession(s)

		case s := <-h.unregister:
			h.removeSession(s)

		case ev := <-h.broadcast:
			h.fanout(ev)

		case <-h.quit:
			h.closeAll()
			return
		}
	}
}

// Stop shuts the hub down and waits for the loop to drain.
func (h *Hub) Stop() {
	close(h.quit)
	<-h.done
}

// Publish implements event.Publisher. Never blocks the engine: if the
// fanout queue is saturated the event is dropped with an error log, and
// affected clients recover on reconnect.
func (h *Hub) Publish(_ context.Context, ev event.Event) {
	select {
	case h.broadcast <- ev:
	default:
		slog.Error("event fanout queue full, dropping", "type", ev.Type, "meet_id", ev.MeetID)
	}
}

func (h *Hub) addSession(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions := h.byMeet[s.meetID]
	if sessions == nil {
		sessions = make(map[*Session]bool)
		h.byMeet[s.meetID] = sessions
	}
	sessions[s] = true
	slog.Info("session joined", "session_id", s.id, "meet_id", s.meetID, "role", s.role)
}

func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions := h.byMeet[s.meetID]
	if sessions == nil || !sessions[s] {
		return // disconnects are idempotent
	}
	delete(sessions, s)
	if len(sessions) == 0 {
		delete(h.byMeet, s.meetID)
	}
	s.shutdown()
	slog.Info("session left", "session_id", s.id, "meet_id", s.meetID, "role", s.role)
}

// fanout delivers an event to every session whose audience matches.
// A session with a full send buffer drops timer events and is closed for
// anything else: correctness requires fresh state, so a client that
// cannot keep up is told to reconnect.
func (h *Hub) fanout(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	droppable := ev.Type == event.TypeTimerStarted || ev.Type == event.TypeTimerStopped

	h.mu.RLock()
	var slow []*Session
	for s := range h.byMeet[ev.MeetID] {
		if s.audience&ev.Audience == 0 {
			continue
		}
		select {
		case s.send <- data:
		default:
			if !droppable {
				slow = append(slow, s)
			}
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		slog.Warn("session cannot keep up, closing", "session_id", s.id)
		s.conn.Close()
		select {
		case h.unregister <- s:
		default:
			// readPump will re-enqueue the unregister
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sessions := range h.byMeet {
		for s := range sessions {
			s.shutdown()
			s.conn.Close()
		}
	}
	h.byMeet = make(map[int64]map[*Session]bool)
}

// SessionCount reports the number of live sessions for a meet.
func (h *Hub) SessionCount(meetID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byMeet[meetID])
}
