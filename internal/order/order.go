// Package order computes the next-up queue for a (group, lift, round).
//
// The queue is recomputed on every query from the group's declared
// weights; it never depends on previous outcomes. The algorithm runs on a
// single batched lookup so latency is independent of group size.
package order

import (
	"context"
	"fmt"
	"sort"

	"github.com/streetlift/meetd/internal/meet"
	"github.com/streetlift/meetd/internal/store"
)

// Source provides the batched declaration lookup. Implemented by
// *store.Store; tests substitute an in-memory fake.
type Source interface {
	DeclaredWeights(ctx context.Context, groupID, liftID int64, round int) ([]store.DeclaredWeight, error)
}

// Slot is one position in the queue. The first slot is on deck.
type Slot struct {
	RegistrationID int64
	AttemptID      int64 // attempt row for this round; 0 in round 1 before weigh-in seeded it
	DeclaredKg     float64
	Bodyweight     float64
	StartOrd       int
}

// Queue returns the ordered list of registrations still to attempt in the
// given round.
//
// Exclusions:
//   - round 1 athletes without a declared opener
//   - round > 1 athletes whose round attempt does not exist yet or has
//     zero weight (deferred: they have not declared)
//   - athletes whose round attempt is already finalized
//
// Sort key: declared weight ASC (the bar only goes up), bodyweight DESC
// (heavier athlete lifts first on a shared weight), start_ord ASC.
func Queue(ctx context.Context, src Source, groupID, liftID int64, round int) ([]Slot, error) {
	if round < 1 || round > meet.MaxRound {
		return nil, meet.E(meet.KindBadInput, "order.Queue", "round %d out of range 1..%d", round, meet.MaxRound)
	}

	declared, err := src.DeclaredWeights(ctx, groupID, liftID, round)
	if err != nil {
		return nil, fmt.Errorf("declared weights for group %d: %w", groupID, err)
	}

	var slots []Slot
	for _, dw := range declared {
		if dw.HasAttempt && dw.AttemptStatus.Finalized() {
			continue
		}

		var kg float64
		switch {
		case round == 1:
			if !dw.HasOpener || dw.OpenerKg <= 0 {
				continue
			}
			kg = dw.OpenerKg
			// a re-declared first attempt supersedes the opener
			if dw.HasAttempt && dw.AttemptKg > 0 {
				kg = dw.AttemptKg
			}
		default:
			if !dw.HasAttempt || dw.AttemptKg <= 0 {
				continue // deferred: no declaration for this round yet
			}
			kg = dw.AttemptKg
		}

		slots = append(slots, Slot{
			RegistrationID: dw.RegistrationID,
			AttemptID:      dw.AttemptID,
			DeclaredKg:     kg,
			Bodyweight:     dw.Bodyweight,
			StartOrd:       dw.StartOrd,
		})
	}

	sort.Slice(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.DeclaredKg != b.DeclaredKg {
			return a.DeclaredKg < b.DeclaredKg
		}
		if a.Bodyweight != b.Bodyweight {
			return a.Bodyweight > b.Bodyweight
		}
		return a.StartOrd < b.StartOrd
	})

	return slots, nil
}
