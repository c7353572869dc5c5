package archive_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streetlift/meetd/internal/archive"
	"github.com/streetlift/meetd/internal/meet"
	"github.com/streetlift/meetd/internal/testutil"
)

func openArchive(t *testing.T) *archive.Archive {
	t.Helper()
	a, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// finishMeet runs Marco through one valid attempt per lift so the local
// catalog holds a completed result set.
func finishMeet(t *testing.T, f *testutil.Fixture) {
	t.Helper()
	ctx := context.Background()
	weights := map[string]float64{"MU": 30, "DIP": 60, "SQ": 110}
	for code, kg := range weights {
		require.NoError(t, f.Store.SetOpener(ctx, f.Regs["Marco"], f.Lifts[code], kg))
		attempts, err := f.Store.AttemptsFor(ctx, f.Regs["Marco"], f.Lifts[code])
		require.NoError(t, err)
		require.NoError(t, f.Store.FinalizeAttempt(ctx, attempts[0].ID, meet.StatusValid))
	}
}

func TestSync_UploadsResultsAndRecords(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	finishMeet(t, f)
	remote := openArchive(t)

	clock := testutil.NewFixedClock(time.Date(2026, 4, 19, 9, 0, 0, 0, time.UTC))
	report, err := archive.NewResolver(f.Store, remote).WithClock(clock.Now).Sync(ctx, f.MeetCode, false)
	require.NoError(t, err)

	assert.Equal(t, f.MeetCode, report.MeetCode)
	assert.Equal(t, 3, report.Athletes)
	assert.Equal(t, 3, report.Results, "every registration gets a result row")
	assert.Equal(t, 3, report.RecordsPromoted, "empty archive: every best is a record")

	synced, err := remote.HasMeet(ctx, f.MeetCode)
	require.NoError(t, err)
	assert.True(t, synced)

	rec, ok, err := remote.RecordFor(ctx, "-75", "SENIOR", "SQ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 110.0, rec.WeightKg)
	assert.Equal(t, "MRCRSS90A01H501X", rec.CF)
	assert.Equal(t, f.MeetCode, rec.MeetCode)
}

func TestSync_RecordPromotionIsStrictlyGreater(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	finishMeet(t, f)
	remote := openArchive(t)

	// Pre-existing records: one that ties Marco's squat and one below his
	// dip.
	_, err := remote.DB().ExecContext(ctx, `
		INSERT INTO records (weight_cat_name, age_cat_name, lift_code, weight_kg, bodyweight, cf, meet_code, date)
		VALUES ('-75', 'SENIOR', 'SQ', 110, 70, 'OLDCF0000000000A', 'OLD-2025', '2025-06-01'),
		       ('-75', 'SENIOR', 'DIP', 50, 70, 'OLDCF0000000000A', 'OLD-2025', '2025-06-01')
	`)
	require.NoError(t, err)

	report, err := archive.NewResolver(f.Store, remote).Sync(ctx, f.MeetCode, false)
	require.NoError(t, err)

	// MU (no standing record) and DIP (60 > 50) promote; the squat tie
	// does not.
	assert.Equal(t, 2, report.RecordsPromoted)

	sq, ok, err := remote.RecordFor(ctx, "-75", "SENIOR", "SQ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "OLDCF0000000000A", sq.CF, "equal weight keeps the standing record")

	dip, ok, err := remote.RecordFor(ctx, "-75", "SENIOR", "DIP")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 60.0, dip.WeightKg)
	assert.Equal(t, "MRCRSS90A01H501X", dip.CF)
}

func TestSync_RecordsPromotedCountsFinalRecords(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	remote := openArchive(t)

	// Marco and Fabio share -75/SENIOR and both beat the empty standing
	// squat record; the report counts the record once.
	for name, kg := range map[string]float64{"Marco": 100, "Fabio": 105} {
		require.NoError(t, f.Store.SetOpener(ctx, f.Regs[name], f.Lifts["SQ"], kg))
		attempts, err := f.Store.AttemptsFor(ctx, f.Regs[name], f.Lifts["SQ"])
		require.NoError(t, err)
		require.NoError(t, f.Store.FinalizeAttempt(ctx, attempts[0].ID, meet.StatusValid))
	}

	report, err := archive.NewResolver(f.Store, remote).Sync(ctx, f.MeetCode, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RecordsPromoted, "one category record, two claimants")

	rec, ok, err := remote.RecordFor(ctx, "-75", "SENIOR", "SQ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 105.0, rec.WeightKg)
	assert.Equal(t, "FBOVRD92C03L219Z", rec.CF, "the heavier lift holds the record")
}

func TestSync_FourthAttemptCountsForRecordsOnly(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	finishMeet(t, f)
	remote := openArchive(t)

	// Record attempt beyond the squat total.
	require.NoError(t, f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["SQ"], 2, 115))
	attempts, err := f.Store.AttemptsFor(ctx, f.Regs["Marco"], f.Lifts["SQ"])
	require.NoError(t, err)
	require.NoError(t, f.Store.FinalizeAttempt(ctx, attempts[1].ID, meet.StatusInvalid))
	require.NoError(t, f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["SQ"], 3, 115))
	attempts, err = f.Store.AttemptsFor(ctx, f.Regs["Marco"], f.Lifts["SQ"])
	require.NoError(t, err)
	require.NoError(t, f.Store.FinalizeAttempt(ctx, attempts[2].ID, meet.StatusInvalid))
	require.NoError(t, f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["SQ"], 4, 120))
	attempts, err = f.Store.AttemptsFor(ctx, f.Regs["Marco"], f.Lifts["SQ"])
	require.NoError(t, err)
	require.NoError(t, f.Store.FinalizeAttempt(ctx, attempts[3].ID, meet.StatusValid))

	_, err = archive.NewResolver(f.Store, remote).Sync(ctx, f.MeetCode, false)
	require.NoError(t, err)

	rec, ok, err := remote.RecordFor(ctx, "-75", "SENIOR", "SQ")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 120.0, rec.WeightKg, "record reflects the fourth attempt")

	var best float64
	err = remote.DB().QueryRowContext(ctx, `
		SELECT rl.best_kg FROM result_lifts rl
		JOIN results r ON r.id = rl.result_id
		WHERE r.cf = 'MRCRSS90A01H501X' AND rl.lift_code = 'SQ'
	`).Scan(&best)
	require.NoError(t, err)
	assert.Equal(t, 110.0, best, "the total keeps the three-attempt best")
}

func TestSync_AlreadySyncedWithoutForce(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	finishMeet(t, f)
	remote := openArchive(t)
	resolver := archive.NewResolver(f.Store, remote)

	_, err := resolver.Sync(ctx, f.MeetCode, false)
	require.NoError(t, err)

	_, err = resolver.Sync(ctx, f.MeetCode, false)
	assert.ErrorIs(t, err, archive.ErrAlreadySynced)

	// The archive is unchanged.
	var results int
	require.NoError(t, remote.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE meet_code = ?`, f.MeetCode).Scan(&results))
	assert.Equal(t, 3, results)
}

func TestSync_ForceReplacesResults(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	finishMeet(t, f)
	remote := openArchive(t)
	resolver := archive.NewResolver(f.Store, remote)

	_, err := resolver.Sync(ctx, f.MeetCode, false)
	require.NoError(t, err)

	// A correction lands locally after the first upload.
	require.NoError(t, f.Store.DeclareAttempt(ctx, f.Regs["Marco"], f.Lifts["SQ"], 2, 112.5))
	attempts, err := f.Store.AttemptsFor(ctx, f.Regs["Marco"], f.Lifts["SQ"])
	require.NoError(t, err)
	require.NoError(t, f.Store.FinalizeAttempt(ctx, attempts[1].ID, meet.StatusValid))

	report, err := resolver.Sync(ctx, f.MeetCode, true)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Results)

	// Still one result per athlete, with the corrected best.
	var results int
	require.NoError(t, remote.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM results WHERE meet_code = ?`, f.MeetCode).Scan(&results))
	assert.Equal(t, 3, results)

	var best float64
	require.NoError(t, remote.DB().QueryRowContext(ctx, `
		SELECT rl.best_kg FROM result_lifts rl
		JOIN results r ON r.id = rl.result_id
		WHERE r.cf = 'MRCRSS90A01H501X' AND rl.lift_code = 'SQ'
	`).Scan(&best))
	assert.Equal(t, 112.5, best)
}

func TestSync_UnknownMeet(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	remote := openArchive(t)

	_, err := archive.NewResolver(f.Store, remote).Sync(ctx, "NOPE", false)
	require.Error(t, err)
	assert.True(t, meet.IsNotFound(err))
}

func TestUpsertAthlete_Idempotent(t *testing.T) {
	ctx := context.Background()
	remote := openArchive(t)

	a := meet.Athlete{
		CF: "MRCRSS90A01H501X", GivenName: "Marco", FamilyName: "Rossi",
		Sex: meet.SexMale, BirthDate: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, remote.UpsertAthlete(ctx, a))
	a.GivenName = "Mark"
	require.NoError(t, remote.UpsertAthlete(ctx, a))

	var name string
	require.NoError(t, remote.DB().QueryRowContext(ctx,
		`SELECT given_name FROM athletes WHERE cf = ?`, a.CF).Scan(&name))
	assert.Equal(t, "Marco", name, "first ingest wins")
}
