package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/streetlift/meetd/internal/event"
	"github.com/streetlift/meetd/internal/meet"
	"github.com/streetlift/meetd/internal/order"
	"github.com/streetlift/meetd/internal/rank"
	"github.com/streetlift/meetd/internal/tally"
)

// Initialize points the machine at a flight: first group by ord, round 1,
// current registration from the queue head.
// Fails NotReady when the flight has no groups or the first group has no
// entries with declared openers.
func (e *Engine) Initialize(ctx context.Context, meetID, flightID, liftID int64) error {
	const op = "engine.Initialize"
	mu := e.lockFor(meetID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := e.store.MeetByID(ctx, meetID); err != nil {
		return err
	}
	flight, err := e.store.FlightByID(ctx, flightID)
	if err != nil {
		return err
	}
	if flight.MeetID != meetID {
		return meet.E(meet.KindBadInput, op,
			"flight %d belongs to meet %d, not %d", flightID, flight.MeetID, meetID)
	}
	lifts, err := e.store.LiftsForMeet(ctx, meetID)
	if err != nil {
		return err
	}
	if indexOfLift(lifts, liftID) < 0 {
		return meet.E(meet.KindBadInput, op, "lift %d is not part of meet %d", liftID, meetID)
	}

	groups, err := e.store.GroupsForFlight(ctx, flightID)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return meet.E(meet.KindNotReady, op, "flight %d has no groups", flightID)
	}

	queue, err := order.Queue(ctx, e.store, groups[0].ID, liftID, 1)
	if err != nil {
		return err
	}
	if len(queue) == 0 {
		return meet.E(meet.KindNotReady, op,
			"first group %d has no entries with openers", groups[0].ID)
	}

	cs := meet.CurrentState{
		Phase:          meet.PhaseActive,
		MeetID:         &meetID,
		FlightID:       &flightID,
		GroupID:        &groups[0].ID,
		LiftID:         &liftID,
		Round:          1,
		RegistrationID: &queue[0].RegistrationID,
	}
	if err := e.setState(ctx, cs); err != nil {
		return err
	}

	slog.Info("flight initialized",
		"meet_id", meetID, "flight_id", flightID, "group_id", groups[0].ID,
		"lift_id", liftID, "on_deck", queue[0].RegistrationID)

	e.publishState(ctx, meetID, queue[0].AttemptID)
	e.publishQueue(ctx, meetID, groups[0].ID, liftID, 1, queue)
	return nil
}

// DeclareWeight records a declared weight through the store and publishes
// the change. Declarations for round r+1 are expected while round r is
// live, so this never touches the current pointer.
func (e *Engine) DeclareWeight(ctx context.Context, meetID, regID, liftID int64, attemptNo int, kg float64) error {
	const op = "engine.DeclareWeight"
	mu := e.lockFor(meetID)
	mu.Lock()
	defer mu.Unlock()

	reg, err := e.store.RegistrationByID(ctx, regID)
	if err != nil {
		return err
	}
	if reg.MeetID != meetID {
		return meet.E(meet.KindBadInput, op,
			"registration %d belongs to meet %d, not %d", regID, reg.MeetID, meetID)
	}

	if err := e.store.DeclareAttempt(ctx, regID, liftID, attemptNo, kg); err != nil {
		return err
	}

	e.pub.Publish(ctx, event.Event{
		Type:     event.TypeWeightUpdated,
		MeetID:   meetID,
		Audience: event.MeetWide,
		Payload: event.WeightUpdated{
			RegistrationID: regID,
			LiftID:         liftID,
			AttemptNo:      attemptNo,
			WeightKg:       kg,
		},
	})

	// A declaration can reorder the live queue.
	cs := e.Current()
	if cs.Phase == meet.PhaseActive && cs.MeetID != nil && *cs.MeetID == meetID {
		queue, err := order.Queue(ctx, e.store, *cs.GroupID, *cs.LiftID, cs.Round)
		if err != nil {
			slog.Error("queue recompute after declaration failed", "error", err)
			return nil
		}
		e.publishQueue(ctx, meetID, *cs.GroupID, *cs.LiftID, cs.Round, queue)
	}
	return nil
}

// Next advances the current registration pointer:
//
//  1. recompute the queue for (group, lift, round); head becomes current
//  2. exhausted round: bump round up to 3
//  3. exhausted group: next group by ord, round 1, same lift
//  4. exhausted flight for this lift: next lift, first group, round 1
//  5. nothing left: FINISHED
//
// A NEXT in FINISHED is a no-op success so the director can retry freely.
// A group whose athletes have not declared anything yet parks the machine
// in BETWEEN_GROUPS with no current registration.
func (e *Engine) Next(ctx context.Context, meetID int64) error {
	const op = "engine.Next"
	mu := e.lockFor(meetID)
	mu.Lock()
	defer mu.Unlock()

	cs := e.Current()
	if cs.Phase == meet.PhaseFinished {
		return nil
	}
	if cs.Phase == meet.PhaseIdle || cs.MeetID == nil || *cs.MeetID != meetID {
		return meet.E(meet.KindStateConflict, op, "no active flight for meet %d", meetID)
	}

	lifts, err := e.store.LiftsForMeet(ctx, meetID)
	if err != nil {
		return err
	}
	groups, err := e.store.GroupsForFlight(ctx, *cs.FlightID)
	if err != nil {
		return err
	}
	liftIdx := indexOfLift(lifts, *cs.LiftID)
	groupIdx := indexOfGroup(groups, *cs.GroupID)
	if liftIdx < 0 || groupIdx < 0 {
		e.failToIdle(ctx, meetID, meet.E(meet.KindFatal, op,
			"current state references lift %d / group %d not in meet", *cs.LiftID, *cs.GroupID))
		return meet.E(meet.KindFatal, op, "corrupt current state; meet reset to idle")
	}

	round := cs.Round
	// A machine parked between groups re-checks the same group first.
	advancedGroup := cs.Phase == meet.PhaseBetweenGroups
	for {
		queue, err := order.Queue(ctx, e.store, groups[groupIdx].ID, lifts[liftIdx].ID, round)
		if err != nil {
			return err
		}
		if len(queue) > 0 {
			next := meet.CurrentState{
				Phase:          meet.PhaseActive,
				MeetID:         &meetID,
				FlightID:       cs.FlightID,
				GroupID:        &groups[groupIdx].ID,
				LiftID:         &lifts[liftIdx].ID,
				Round:          round,
				RegistrationID: &queue[0].RegistrationID,
			}
			if err := e.setState(ctx, next); err != nil {
				return err
			}
			e.publishState(ctx, meetID, queue[0].AttemptID)
			e.publishQueue(ctx, meetID, groups[groupIdx].ID, lifts[liftIdx].ID, round, queue)
			return nil
		}

		if advancedGroup && round == 1 {
			waiting, err := e.groupNotStarted(ctx, groups[groupIdx].ID, lifts[liftIdx].ID)
			if err != nil {
				return err
			}
			if waiting {
				next := meet.CurrentState{
					Phase:    meet.PhaseBetweenGroups,
					MeetID:   &meetID,
					FlightID: cs.FlightID,
					GroupID:  &groups[groupIdx].ID,
					LiftID:   &lifts[liftIdx].ID,
					Round:    1,
				}
				if err := e.setState(ctx, next); err != nil {
					return err
				}
				slog.Info("waiting on next group",
					"group_id", groups[groupIdx].ID, "lift_id", lifts[liftIdx].ID)
				e.publishState(ctx, meetID, 0)
				return nil
			}
		}

		switch {
		case round < meet.MaxRound:
			round++
		case groupIdx+1 < len(groups):
			groupIdx++
			round = 1
			advancedGroup = true
		case liftIdx+1 < len(lifts):
			liftIdx++
			groupIdx = 0
			round = 1
			advancedGroup = true
		default:
			next := meet.CurrentState{
				Phase:    meet.PhaseFinished,
				MeetID:   &meetID,
				FlightID: cs.FlightID,
			}
			if err := e.setState(ctx, next); err != nil {
				return err
			}
			slog.Info("flight finished", "meet_id", meetID, "flight_id", *cs.FlightID)
			e.publishState(ctx, meetID, 0)
			e.pub.Publish(ctx, event.Event{
				Type:     event.TypeMeetFinished,
				MeetID:   meetID,
				Audience: event.MeetWide,
				Payload:  event.MeetFinished{Reason: "all groups and lifts complete"},
			})
			return nil
		}
	}
}

// groupNotStarted reports whether a group has entries but no declared
// openers or attempts at all for the lift. Such a group is still weighing
// in; the machine parks rather than skipping it.
func (e *Engine) groupNotStarted(ctx context.Context, groupID, liftID int64) (bool, error) {
	declared, err := e.store.DeclaredWeights(ctx, groupID, liftID, 1)
	if err != nil {
		return false, err
	}
	if len(declared) == 0 {
		return false, nil
	}
	for _, dw := range declared {
		if dw.HasOpener || dw.HasAttempt {
			return false, nil
		}
	}
	return true, nil
}

// RegisterVote records a judge's vote. The aggregated count goes to
// director and viewer sessions; when the third role lands, the attempt is
// finalized through the store and the result broadcast.
func (e *Engine) RegisterVote(ctx context.Context, meetID, attemptID int64, role meet.JudgeRole, vote meet.Vote) (tally.Result, error) {
	const op = "engine.RegisterVote"

	// A vote may only open or extend a ballot on a live attempt of this
	// meet. Anything else is rejected before it touches the tally.
	attempt, err := e.store.AttemptByID(ctx, attemptID)
	if err != nil {
		return tally.Result{}, err
	}
	if attempt.Status.Finalized() {
		return tally.Result{}, meet.E(meet.KindStateConflict, op,
			"attempt %d is already %s", attemptID, attempt.Status)
	}
	reg, err := e.store.RegistrationByID(ctx, attempt.RegistrationID)
	if err != nil {
		return tally.Result{}, err
	}
	if reg.MeetID != meetID {
		return tally.Result{}, meet.E(meet.KindBadInput, op,
			"attempt %d belongs to meet %d, not %d", attemptID, reg.MeetID, meetID)
	}

	res, err := e.tally.RegisterVote(attemptID, role, vote)
	if err != nil {
		return tally.Result{}, err
	}

	e.pub.Publish(ctx, event.Event{
		Type:     event.TypeTallyCount,
		MeetID:   meetID,
		Audience: event.Director | event.Viewers,
		Payload:  event.TallyCount{AttemptID: attemptID, Count: len(res.Snapshot)},
	})

	if res.Complete {
		if err := e.FinalizeFromTally(ctx, meetID, attemptID, res.Outcome, res.Snapshot); err != nil {
			// A complete ballot that cannot finalize would re-fire on
			// every later vote; drop it and let the judges re-submit.
			e.tally.Clear(attemptID)
			return res, err
		}
	}
	return res, nil
}

// FinalizeFromTally persists a completed ballot's outcome and publishes
// the attempt result and refreshed rankings. It never advances the
// current pointer: advancement is always director-triggered.
func (e *Engine) FinalizeFromTally(ctx context.Context, meetID, attemptID int64, outcome meet.AttemptStatus, votes map[meet.JudgeRole]meet.Vote) error {
	const op = "engine.FinalizeFromTally"
	mu := e.lockFor(meetID)
	mu.Lock()
	defer mu.Unlock()

	attempt, err := e.store.AttemptByID(ctx, attemptID)
	if err != nil {
		return err
	}
	reg, err := e.store.RegistrationByID(ctx, attempt.RegistrationID)
	if err != nil {
		return err
	}
	if reg.MeetID != meetID {
		return meet.E(meet.KindBadInput, op,
			"attempt %d belongs to meet %d, not %d", attemptID, reg.MeetID, meetID)
	}

	if err := e.store.FinalizeAttempt(ctx, attemptID, outcome); err != nil {
		return err
	}
	e.tally.Clear(attemptID)

	slog.Info("attempt finalized",
		"attempt_id", attemptID, "registration_id", attempt.RegistrationID,
		"outcome", outcome)

	e.pub.Publish(ctx, event.Event{
		Type:     event.TypeAttemptResult,
		MeetID:   meetID,
		Audience: event.MeetWide,
		Payload: event.AttemptResult{
			AttemptID: attemptID,
			Outcome:   outcome,
			Votes:     votes,
		},
	})

	if err := e.publishRankings(ctx, meetID); err != nil {
		// The outcome is durable; a ranking hiccup must not fail the ballot.
		slog.Error("ranking recompute failed", "meet_id", meetID, "error", err)
	}
	return nil
}

// StartTimer stamps the platform timer and broadcasts start. Clients
// compute remaining time locally; there is no per-tick broadcast.
func (e *Engine) StartTimer(ctx context.Context, meetID int64, duration time.Duration) error {
	const op = "engine.StartTimer"
	mu := e.lockFor(meetID)
	mu.Lock()
	defer mu.Unlock()

	cs := e.Current()
	if cs.MeetID == nil || *cs.MeetID != meetID {
		return meet.E(meet.KindStateConflict, op, "no active flight for meet %d", meetID)
	}

	start := e.now()
	cs.TimerStart = &start
	cs.TimerDuration = duration
	if err := e.setState(ctx, cs); err != nil {
		return err
	}

	e.pub.Publish(ctx, event.Event{
		Type:     event.TypeTimerStarted,
		MeetID:   meetID,
		Audience: event.MeetWide,
		Payload:  event.TimerStarted{StartTS: start, DurationS: int64(duration.Seconds())},
	})
	return nil
}

// StopTimer clears the platform timer and broadcasts stop.
func (e *Engine) StopTimer(ctx context.Context, meetID int64) error {
	const op = "engine.StopTimer"
	mu := e.lockFor(meetID)
	mu.Lock()
	defer mu.Unlock()

	cs := e.Current()
	if cs.MeetID == nil || *cs.MeetID != meetID {
		return meet.E(meet.KindStateConflict, op, "no active flight for meet %d", meetID)
	}

	cs.TimerStart = nil
	cs.TimerDuration = 0
	if err := e.setState(ctx, cs); err != nil {
		return err
	}

	e.pub.Publish(ctx, event.Event{
		Type:     event.TypeTimerStopped,
		MeetID:   meetID,
		Audience: event.MeetWide,
		Payload:  event.TimerStopped{},
	})
	return nil
}

// Reset returns the machine to IDLE. Operator recovery: in-flight ballots
// are dropped and the director re-initializes.
func (e *Engine) Reset(ctx context.Context, meetID int64) error {
	mu := e.lockFor(meetID)
	mu.Lock()
	defer mu.Unlock()

	e.tally.ClearAll()
	if err := e.setState(ctx, meet.CurrentState{Phase: meet.PhaseIdle}); err != nil {
		return err
	}
	slog.Info("state reset to idle", "meet_id", meetID)
	e.publishState(ctx, meetID, 0)
	return nil
}

func (e *Engine) publishQueue(ctx context.Context, meetID, groupID, liftID int64, round int, queue []order.Slot) {
	items := make([]event.QueueItem, 0, len(queue))
	for _, s := range queue {
		items = append(items, event.QueueItem{
			RegistrationID: s.RegistrationID,
			AttemptID:      s.AttemptID,
			DeclaredKg:     s.DeclaredKg,
		})
	}
	e.pub.Publish(ctx, event.Event{
		Type:     event.TypeQueueUpdate,
		MeetID:   meetID,
		Audience: event.Director,
		Payload: event.QueueUpdate{
			GroupID: groupID,
			LiftID:  liftID,
			Round:   round,
			Queue:   items,
		},
	})
}

func (e *Engine) publishRankings(ctx context.Context, meetID int64) error {
	entries, err := e.store.ResultEntries(ctx, meetID)
	if err != nil {
		return err
	}
	lifts, err := e.store.LiftsForMeet(ctx, meetID)
	if err != nil {
		return err
	}

	placed := rank.Placements(entries, lifts)
	catRows := make([]event.RankingRow, 0, len(placed))
	for _, p := range placed {
		catRows = append(catRows, event.RankingRow{
			RegistrationID: p.RegistrationID,
			CF:             p.CF,
			GivenName:      p.GivenName,
			FamilyName:     p.FamilyName,
			Category:       fmt.Sprintf("%s/%s/%s", p.Category.Sex, p.Category.WeightCat, p.Category.AgeCat),
			Placement:      p.Placement,
			Total:          p.Total,
			RIS:            rank.RIS(p.Total, p.Bodyweight, p.Sex),
		})
	}

	scored := rank.Absolute(entries, lifts)
	absRows := make([]event.RankingRow, 0, len(scored))
	for _, s := range scored {
		absRows = append(absRows, event.RankingRow{
			RegistrationID: s.RegistrationID,
			CF:             s.CF,
			GivenName:      s.GivenName,
			FamilyName:     s.FamilyName,
			Total:          s.Total,
			RIS:            s.RIS,
		})
	}

	e.pub.Publish(ctx, event.Event{
		Type:     event.TypeRankingUpdate,
		MeetID:   meetID,
		Audience: event.MeetWide,
		Payload:  event.RankingUpdate{Categories: catRows, Absolute: absRows},
	})
	return nil
}

func indexOfLift(lifts []meet.Lift, id int64) int {
	for i, l := range lifts {
		if l.ID == id {
			return i
		}
	}
	return -1
}

func indexOfGroup(groups []meet.Group, id int64) int {
	for i, g := range groups {
		if g.ID == id {
			return i
		}
	}
	return -1
}
