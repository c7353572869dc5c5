// Package tally accumulates judge votes per attempt and decides the
// majority outcome.
//
// State is process-local and intentionally volatile: a restart loses
// in-flight ballots, judges re-submit, and finalized attempts are
// unaffected because their outcome is already persisted.
package tally

import (
	"sync"

	"github.com/streetlift/meetd/internal/meet"
)

// rolesNeeded is the number of distinct judge roles for a complete ballot.
const rolesNeeded = 3

// Result is the outcome of registering a vote.
type Result struct {
	// Complete is true once all three roles have voted.
	Complete bool

	// Outcome is the majority decision; only meaningful when Complete.
	Outcome meet.AttemptStatus

	// Snapshot is the full ballot at registration time. Roles that have
	// not voted are absent.
	Snapshot map[meet.JudgeRole]meet.Vote
}

// Tally is the in-memory per-attempt vote accumulator.
// All methods are safe under concurrent calls; state is guarded by a
// single mutex and critical sections are a map update plus a three-entry
// majority check.
type Tally struct {
	mu      sync.Mutex
	ballots map[int64]map[meet.JudgeRole]meet.Vote
}

// New creates an empty tally.
func New() *Tally {
	return &Tally{ballots: make(map[int64]map[meet.JudgeRole]meet.Vote)}
}

// RegisterVote stores or overwrites a judge's vote on an attempt.
// A duplicate role overwrites the previous value; the count never exceeds
// three. Fails with BadInput on an unknown role or vote.
func (t *Tally) RegisterVote(attemptID int64, role meet.JudgeRole, vote meet.Vote) (Result, error) {
	if !role.Valid() {
		return Result{}, meet.E(meet.KindBadInput, "tally.RegisterVote", "unknown judge role %q", role)
	}
	if !vote.Valid() {
		return Result{}, meet.E(meet.KindBadInput, "tally.RegisterVote", "unknown vote %q", vote)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ballot := t.ballots[attemptID]
	if ballot == nil {
		ballot = make(map[meet.JudgeRole]meet.Vote, rolesNeeded)
		t.ballots[attemptID] = ballot
	}
	ballot[role] = vote

	res := Result{Snapshot: snapshot(ballot)}
	if len(ballot) == rolesNeeded {
		res.Complete = true
		res.Outcome = outcome(ballot)
	}
	return res, nil
}

// outcome applies the majority rule: at least two WHITE is VALID, at
// least two RED is INVALID. With exactly three roles this is total.
func outcome(ballot map[meet.JudgeRole]meet.Vote) meet.AttemptStatus {
	white := 0
	for _, v := range ballot {
		if v == meet.VoteWhite {
			white++
		}
	}
	if white >= 2 {
		return meet.StatusValid
	}
	return meet.StatusInvalid
}

// HasVoted reports whether the given role already voted on the attempt.
func (t *Tally) HasVoted(attemptID int64, role meet.JudgeRole) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ballots[attemptID][role]
	return ok
}

// VoteCount returns the number of distinct roles that voted on the attempt.
func (t *Tally) VoteCount(attemptID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ballots[attemptID])
}

// Clear drops the ballot for one attempt. Called on finalize.
func (t *Tally) Clear(attemptID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ballots, attemptID)
}

// ClearAll drops every in-flight ballot. Operator recovery only.
func (t *Tally) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ballots = make(map[int64]map[meet.JudgeRole]meet.Vote)
}

func snapshot(ballot map[meet.JudgeRole]meet.Vote) map[meet.JudgeRole]meet.Vote {
	out := make(map[meet.JudgeRole]meet.Vote, len(ballot))
	for r, v := range ballot {
		out[r] = v
	}
	return out
}
