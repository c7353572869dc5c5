package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/streetlift/meetd/internal/meet"
	"github.com/streetlift/meetd/internal/store"
)

// Fixture is a seeded local catalog with one three-lift meet, one
// flight, two groups, and three weighed-in athletes in group A.
//
// Group A (start order): Marco (74.5 kg), Ivan (82.5 kg), Fabio
// (74.5 kg). Group B is empty until a test adds entries. Openers are
// not set; each test declares the weights its scenario needs.
type Fixture struct {
	Store *store.Store

	MeetID   int64
	MeetCode string
	FlightID int64
	GroupA   int64
	GroupB   int64

	// Lifts maps lift code (MU, DIP, SQ) to id.
	Lifts map[string]int64

	// Regs maps athlete given name to registration id.
	Regs map[string]int64

	WeightCat75  int64
	WeightCat85  int64
	AgeCatSenior int64
}

// NewFixture opens a store in t.TempDir and seeds the standard meet.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "meet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mt, err := st.CreateMeetType(ctx, "Streetlifting 3-lift", []string{"MU", "DIP", "SQ"})
	require.NoError(t, err)

	f := &Fixture{
		Store:    st,
		MeetCode: "REG-2026-04",
		Lifts:    make(map[string]int64, len(mt.Lifts)),
		Regs:     make(map[string]int64, 3),
	}
	for _, l := range mt.Lifts {
		f.Lifts[l.Code] = l.ID
	}

	f.MeetID, err = st.CreateMeet(ctx, meet.Meet{
		Code:       f.MeetCode,
		Name:       "Regional Spring Meet",
		Date:       time.Date(2026, 4, 18, 0, 0, 0, 0, time.UTC),
		Level:      meet.LevelRegional,
		Regulation: "2026",
		MeetTypeID: mt.ID,
	})
	require.NoError(t, err)

	f.WeightCat75, err = st.CreateWeightCategory(ctx, meet.WeightCategory{
		Name: "-75", Sex: meet.SexMale, MinKg: 0, MaxKg: 75,
	})
	require.NoError(t, err)
	f.WeightCat85, err = st.CreateWeightCategory(ctx, meet.WeightCategory{
		Name: "-85", Sex: meet.SexMale, MinKg: 75, MaxKg: 85,
	})
	require.NoError(t, err)
	f.AgeCatSenior, err = st.CreateAgeCategory(ctx, meet.AgeCategory{
		Name: "SENIOR", MinAge: 24, MaxAge: 39,
	})
	require.NoError(t, err)

	f.FlightID, err = st.CreateFlight(ctx, meet.Flight{MeetID: f.MeetID, Name: "Morning", Ord: 1})
	require.NoError(t, err)
	f.GroupA, err = st.CreateGroup(ctx, meet.Group{FlightID: f.FlightID, Name: "A", Ord: 1})
	require.NoError(t, err)
	f.GroupB, err = st.CreateGroup(ctx, meet.Group{FlightID: f.FlightID, Name: "B", Ord: 2})
	require.NoError(t, err)

	athletes := []struct {
		cf, given, family string
		bodyweight        float64
		weightCat         int64
		startOrd          int
	}{
		{"MRCRSS90A01H501X", "Marco", "Rossi", 74.5, f.WeightCat75, 1},
		{"IVNBNC88B02F205Y", "Ivan", "Bianchi", 82.5, f.WeightCat85, 2},
		{"FBOVRD92C03L219Z", "Fabio", "Verdi", 74.5, f.WeightCat75, 3},
	}
	for _, a := range athletes {
		athleteID, err := st.CreateAthlete(ctx, meet.Athlete{
			CF: a.cf, GivenName: a.given, FamilyName: a.family,
			Sex: meet.SexMale, BirthDate: time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)

		wc := a.weightCat
		ac := f.AgeCatSenior
		regID, err := st.CreateRegistration(ctx, meet.Registration{
			MeetID: f.MeetID, AthleteID: athleteID, Bodyweight: a.bodyweight,
			WeightCatID: &wc, AgeCatID: &ac,
		})
		require.NoError(t, err)
		f.Regs[a.given] = regID

		_, err = st.AddGroupEntry(ctx, meet.GroupEntry{
			GroupID: f.GroupA, RegistrationID: regID, StartOrd: a.startOrd,
		})
		require.NoError(t, err)
	}

	return f
}

// SetOpeners sets the opener for every group-A athlete on one lift.
// Keys are given names, values kilograms.
func (f *Fixture) SetOpeners(t *testing.T, liftCode string, openers map[string]float64) {
	t.Helper()
	ctx := context.Background()
	for name, kg := range openers {
		require.NoError(t, f.Store.SetOpener(ctx, f.Regs[name], f.Lifts[liftCode], kg))
	}
}
