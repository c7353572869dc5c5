package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streetlift/meetd/internal/meet"
	"github.com/streetlift/meetd/internal/store"
	"github.com/streetlift/meetd/internal/testutil"
)

func TestOpen_CreatesSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meet.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Re-opening an initialized database must not fail.
	st, err = store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	cs, err := st.LoadCurrentState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, meet.PhaseIdle, cs.Phase)
}

func TestCreateAthlete_IdempotentByCF(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	a := meet.Athlete{
		CF: "DUPCHK85D04H501W", GivenName: "Luca", FamilyName: "Neri",
		Sex: meet.SexMale, BirthDate: time.Date(1985, 4, 4, 0, 0, 0, 0, time.UTC),
	}
	id1, err := f.Store.CreateAthlete(ctx, a)
	require.NoError(t, err)

	// Second ingest with different attributes: the first row wins.
	a.GivenName = "Lucas"
	id2, err := f.Store.CreateAthlete(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	got, err := f.Store.AthleteByCF(ctx, a.CF)
	require.NoError(t, err)
	assert.Equal(t, "Luca", got.GivenName)
}

func TestCreateRegistration_RejectsUnquantizedBodyweight(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	_, err := f.Store.CreateRegistration(ctx, meet.Registration{
		MeetID: f.MeetID, AthleteID: 1, Bodyweight: 74.3,
	})
	require.Error(t, err)
	assert.True(t, meet.IsBadInput(err))
}

func TestSetOpener_SeedsFirstAttemptPending(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	require.NoError(t, f.Store.SetOpener(ctx, f.Regs["Marco"], f.Lifts["MU"], 30))

	attempts, err := f.Store.AttemptsFor(ctx, f.Regs["Marco"], f.Lifts["MU"])
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].No)
	assert.Equal(t, 30.0, attempts[0].WeightKg)
	assert.Equal(t, meet.StatusPending, attempts[0].Status)
}

func TestSetOpener_RedeclareUpdatesUntilFinalized(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	require.NoError(t, f.Store.SetOpener(ctx, f.Regs["Marco"], f.Lifts["MU"], 30))
	require.NoError(t, f.Store.SetOpener(ctx, f.Regs["Marco"], f.Lifts["MU"], 32.5))

	attempts, err := f.Store.AttemptsFor(ctx, f.Regs["Marco"], f.Lifts["MU"])
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 32.5, attempts[0].WeightKg)

	require.NoError(t, f.Store.FinalizeAttempt(ctx, attempts[0].ID, meet.StatusValid))

	err = f.Store.SetOpener(ctx, f.Regs["Marco"], f.Lifts["MU"], 35)
	require.Error(t, err)
	assert.True(t, meet.IsStateConflict(err))
}

func TestDeclareAttempt_RequiresFinalizedPredecessor(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	// No attempt 1 at all.
	err := f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["MU"], 2, 35)
	require.Error(t, err)
	assert.True(t, meet.IsStateConflict(err))

	// Attempt 1 exists but is still pending.
	require.NoError(t, f.Store.SetOpener(ctx, f.Regs["Marco"], f.Lifts["MU"], 30))
	err = f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["MU"], 2, 35)
	require.Error(t, err)
	assert.True(t, meet.IsStateConflict(err))

	// Finalized predecessor unlocks the declaration.
	attempts, err := f.Store.AttemptsFor(ctx, f.Regs["Marco"], f.Lifts["MU"])
	require.NoError(t, err)
	require.NoError(t, f.Store.FinalizeAttempt(ctx, attempts[0].ID, meet.StatusInvalid))
	require.NoError(t, f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["MU"], 2, 35))
}

func TestDeclareAttempt_BadInput(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	err := f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["MU"], 0, 30)
	assert.True(t, meet.IsBadInput(err))

	err = f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["MU"], meet.MaxAttemptNo+1, 30)
	assert.True(t, meet.IsBadInput(err))

	err = f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["MU"], 1, 30.2)
	assert.True(t, meet.IsBadInput(err))
}

func TestDeclareAttempt_RedeclarePendingOverwrites(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	require.NoError(t, f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["MU"], 1, 30))
	require.NoError(t, f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["MU"], 1, 32.5))

	attempts, err := f.Store.AttemptsFor(ctx, f.Regs["Marco"], f.Lifts["MU"])
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 32.5, attempts[0].WeightKg)
}

func TestFinalizeAttempt_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	require.NoError(t, f.Store.SetOpener(ctx, f.Regs["Marco"], f.Lifts["MU"], 30))
	attempts, err := f.Store.AttemptsFor(ctx, f.Regs["Marco"], f.Lifts["MU"])
	require.NoError(t, err)
	attemptID := attempts[0].ID

	require.NoError(t, f.Store.FinalizeAttempt(ctx, attemptID, meet.StatusValid))

	// A second finalization must not flip the outcome.
	err = f.Store.FinalizeAttempt(ctx, attemptID, meet.StatusInvalid)
	require.Error(t, err)
	assert.True(t, meet.IsStateConflict(err))

	got, err := f.Store.AttemptByID(ctx, attemptID)
	require.NoError(t, err)
	assert.Equal(t, meet.StatusValid, got.Status)
}

func TestFinalizeAttempt_UnknownAttempt(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	err := f.Store.FinalizeAttempt(ctx, 9999, meet.StatusValid)
	require.Error(t, err)
	assert.True(t, meet.IsNotFound(err))
}

func TestFinalizeAttempt_RejectsPendingOutcome(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	err := f.Store.FinalizeAttempt(ctx, 1, meet.StatusPending)
	require.Error(t, err)
	assert.True(t, meet.IsBadInput(err))
}

func TestResultEntries_BestExcludesFourthAttempt(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	reg := f.Regs["Marco"]
	lift := f.Lifts["MU"]

	require.NoError(t, f.Store.SetOpener(ctx, reg, lift, 30))
	finalizeLatest := func(outcome meet.AttemptStatus) {
		attempts, err := f.Store.AttemptsFor(ctx, reg, lift)
		require.NoError(t, err)
		last := attempts[len(attempts)-1]
		require.NoError(t, f.Store.FinalizeAttempt(ctx, last.ID, outcome))
	}

	finalizeLatest(meet.StatusValid)
	require.NoError(t, f.Store.DeclareAttempt(ctx, reg, lift, 2, 35))
	finalizeLatest(meet.StatusInvalid)
	require.NoError(t, f.Store.DeclareAttempt(ctx, reg, lift, 3, 35))
	finalizeLatest(meet.StatusValid)

	// Fourth attempt beats the total but only counts for records.
	require.NoError(t, f.Store.DeclareAttempt(ctx, reg, lift, 4, 40))
	finalizeLatest(meet.StatusValid)

	entries, err := f.Store.ResultEntries(ctx, f.MeetID)
	require.NoError(t, err)

	var marco *struct{ best, record float64 }
	for _, e := range entries {
		if e.RegistrationID == reg {
			marco = &struct{ best, record float64 }{e.Best["MU"], e.RecordBest["MU"]}
		}
	}
	require.NotNil(t, marco)
	assert.Equal(t, 35.0, marco.best)
	assert.Equal(t, 40.0, marco.record)
}

func TestSaveAndLoadCurrentState_RoundTrips(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)

	meetID := f.MeetID
	flightID := f.FlightID
	groupID := f.GroupA
	liftID := f.Lifts["MU"]
	regID := f.Regs["Marco"]
	start := time.Date(2026, 4, 18, 10, 30, 0, 0, time.UTC)

	in := meet.CurrentState{
		Phase:          meet.PhaseActive,
		MeetID:         &meetID,
		FlightID:       &flightID,
		GroupID:        &groupID,
		LiftID:         &liftID,
		Round:          2,
		RegistrationID: &regID,
		TimerStart:     &start,
		TimerDuration:  time.Minute,
	}
	require.NoError(t, f.Store.SaveCurrentState(ctx, in))

	out, err := f.Store.LoadCurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, meet.PhaseActive, out.Phase)
	require.NotNil(t, out.MeetID)
	assert.Equal(t, meetID, *out.MeetID)
	assert.Equal(t, 2, out.Round)
	require.NotNil(t, out.TimerStart)
	assert.True(t, start.Equal(*out.TimerStart))
	assert.Equal(t, time.Minute, out.TimerDuration)
}

func TestDeclaredWeights_BatchesWholeGroup(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	f.SetOpeners(t, "MU", map[string]float64{"Marco": 30, "Ivan": 32.5, "Fabio": 35})

	rows, err := f.Store.DeclaredWeights(ctx, f.GroupA, f.Lifts["MU"], 1)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byReg := make(map[int64]store.DeclaredWeight, len(rows))
	for _, r := range rows {
		byReg[r.RegistrationID] = r
	}
	marco := byReg[f.Regs["Marco"]]
	assert.True(t, marco.HasOpener)
	assert.Equal(t, 30.0, marco.OpenerKg)
	assert.True(t, marco.HasAttempt)
	assert.Equal(t, meet.StatusPending, marco.AttemptStatus)
	assert.Equal(t, 74.5, marco.Bodyweight)
}
