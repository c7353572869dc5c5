// Package event defines the realtime event catalog and the ports between
// the flow engine and the broker.
//
// The engine depends only on Publisher; the broker depends only on the
// engine's command surface. Dependency flows one way and tests substitute
// in-memory fakes on either side.
package event

import (
	"context"
	"time"

	"github.com/streetlift/meetd/internal/meet"
)

// Audience is the set of channels an event is delivered to.
type Audience uint8

const (
	Judges Audience = 1 << iota
	Director
	Viewers

	// MeetWide reaches every session joined to the meet.
	MeetWide = Judges | Director | Viewers
)

// Event types, wire values.
const (
	TypeStateUpdate   = "state.update"
	TypeQueueUpdate   = "queue.update"
	TypeWeightUpdated = "weight.updated"
	TypeAttemptResult = "attempt.result"
	TypeRankingUpdate = "ranking.update"
	TypeTallyCount    = "tally.count"
	TypeTimerStarted  = "timer.started"
	TypeTimerStopped  = "timer.stopped"
	TypeMeetFinished  = "meet.finished"
)

// Event is one published realtime event.
type Event struct {
	Type     string   `json:"type"`
	MeetID   int64    `json:"meet_id"`
	Audience Audience `json:"-"`
	Payload  any      `json:"payload"`
}

// Publisher is the engine's outbound port. Implementations must not block
// the caller on slow recipients; fanout is the broker's problem.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Discard is a Publisher that drops everything. Useful in tests and for
// offline commands.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// StateUpdate mirrors the current-state singleton.
type StateUpdate struct {
	Phase          meet.Phase `json:"phase"`
	MeetID         *int64     `json:"meet_id"`
	FlightID       *int64     `json:"flight_id"`
	GroupID        *int64     `json:"group_id"`
	LiftID         *int64     `json:"lift_id"`
	Round          int        `json:"round"`
	RegistrationID *int64     `json:"registration_id"`
	AttemptID      int64      `json:"attempt_id,omitempty"`
}

// QueueItem is one position of the director's next-up queue.
type QueueItem struct {
	RegistrationID int64   `json:"registration_id"`
	AttemptID      int64   `json:"attempt_id,omitempty"`
	DeclaredKg     float64 `json:"declared_kg"`
}

// QueueUpdate is the recomputed next-up queue, director channel only.
type QueueUpdate struct {
	GroupID int64       `json:"group_id"`
	LiftID  int64       `json:"lift_id"`
	Round   int         `json:"round"`
	Queue   []QueueItem `json:"queue"`
}

// WeightUpdated announces a declared weight.
type WeightUpdated struct {
	RegistrationID int64   `json:"registration_id"`
	LiftID         int64   `json:"lift_id"`
	AttemptNo      int     `json:"attempt_no"`
	WeightKg       float64 `json:"weight_kg"`
}

// AttemptResult announces a finalized attempt with the full ballot.
type AttemptResult struct {
	AttemptID int64                        `json:"attempt_id"`
	Outcome   meet.AttemptStatus           `json:"outcome"`
	Votes     map[meet.JudgeRole]meet.Vote `json:"votes"`
}

// TallyCount is the aggregated ballot progress. Broadcast to director and
// viewers, never to other judges.
type TallyCount struct {
	AttemptID int64 `json:"attempt_id"`
	Count     int   `json:"count"`
}

// RankingRow is one line of a published ranking.
type RankingRow struct {
	RegistrationID int64   `json:"registration_id"`
	CF             string  `json:"cf"`
	GivenName      string  `json:"given_name"`
	FamilyName     string  `json:"family_name"`
	Category       string  `json:"category,omitempty"`
	Placement      int     `json:"placement,omitempty"`
	Total          float64 `json:"total"`
	RIS            float64 `json:"ris"`
}

// RankingUpdate carries category placements and the absolute list.
type RankingUpdate struct {
	Categories []RankingRow `json:"categories"`
	Absolute   []RankingRow `json:"absolute"`
}

// TimerStarted carries the wall-clock start and duration; clients compute
// remaining time locally, there is no per-tick broadcast.
type TimerStarted struct {
	StartTS   time.Time `json:"start_ts"`
	DurationS int64     `json:"duration_s"`
}

// TimerStopped signals the platform timer was stopped.
type TimerStopped struct{}

// MeetFinished signals the flight is complete.
type MeetFinished struct {
	Reason string `json:"reason"`
}
