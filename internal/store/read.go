package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/streetlift/meetd/internal/meet"
	"github.com/streetlift/meetd/internal/rank"
)

// AthleteByCF returns the athlete with the given fiscal code.
// Fails with NotFound if no athlete carries that CF.
func (s *Store) AthleteByCF(ctx context.Context, cf string) (meet.Athlete, error) {
	return s.athleteWhere(ctx, `cf = ?`, cf)
}

// AthleteByID returns the athlete with the given local id.
func (s *Store) AthleteByID(ctx context.Context, id int64) (meet.Athlete, error) {
	return s.athleteWhere(ctx, `id = ?`, id)
}

func (s *Store) athleteWhere(ctx context.Context, where string, arg any) (meet.Athlete, error) {
	var a meet.Athlete
	var sex, birth string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cf, given_name, family_name, sex, birth_date
		FROM athletes WHERE `+where, arg).
		Scan(&a.ID, &a.CF, &a.GivenName, &a.FamilyName, &sex, &birth)
	if errors.Is(err, sql.ErrNoRows) {
		return meet.Athlete{}, meet.E(meet.KindNotFound, "store.Athlete", "athlete %v not found", arg)
	}
	if err != nil {
		return meet.Athlete{}, fmt.Errorf("query athlete: %w", err)
	}
	a.Sex = meet.Sex(sex)
	a.BirthDate, err = time.Parse(dateLayout, birth)
	if err != nil {
		return meet.Athlete{}, fmt.Errorf("parse birth date: %w", err)
	}
	return a, nil
}

// MeetByCode returns the meet with the given external code.
func (s *Store) MeetByCode(ctx context.Context, code string) (meet.Meet, error) {
	return s.meetWhere(ctx, `code = ?`, code)
}

// MeetByID returns the meet with the given local id.
func (s *Store) MeetByID(ctx context.Context, id int64) (meet.Meet, error) {
	return s.meetWhere(ctx, `id = ?`, id)
}

func (s *Store) meetWhere(ctx context.Context, where string, arg any) (meet.Meet, error) {
	var m meet.Meet
	var date, level string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, date, level, regulation, meet_type_id
		FROM meets WHERE `+where, arg).
		Scan(&m.ID, &m.Code, &m.Name, &date, &level, &m.Regulation, &m.MeetTypeID)
	if errors.Is(err, sql.ErrNoRows) {
		return meet.Meet{}, meet.E(meet.KindNotFound, "store.Meet", "meet %v not found", arg)
	}
	if err != nil {
		return meet.Meet{}, fmt.Errorf("query meet: %w", err)
	}
	m.Level = meet.MeetLevel(level)
	m.Date, err = time.Parse(dateLayout, date)
	if err != nil {
		return meet.Meet{}, fmt.Errorf("parse meet date: %w", err)
	}
	return m, nil
}

// LiftsForMeet returns the meet's lift sequence in meet-type order.
func (s *Store) LiftsForMeet(ctx context.Context, meetID int64) ([]meet.Lift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.code, l.ord
		FROM lifts l
		JOIN meets m ON m.meet_type_id = l.meet_type_id
		WHERE m.id = ?
		ORDER BY l.ord ASC
	`, meetID)
	if err != nil {
		return nil, fmt.Errorf("query lifts: %w", err)
	}
	defer rows.Close()

	var lifts []meet.Lift
	for rows.Next() {
		var l meet.Lift
		if err := rows.Scan(&l.ID, &l.Code, &l.Ord); err != nil {
			return nil, fmt.Errorf("scan lift: %w", err)
		}
		lifts = append(lifts, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifts: %w", err)
	}
	return lifts, nil
}

// RegistrationByID returns a registration by local id.
func (s *Store) RegistrationByID(ctx context.Context, id int64) (meet.Registration, error) {
	var r meet.Registration
	var wc, ac sql.NullInt64
	var belt int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, meet_id, athlete_id, bodyweight, weight_cat_id, age_cat_id, rack_height, belt
		FROM registrations WHERE id = ?
	`, id).Scan(&r.ID, &r.MeetID, &r.AthleteID, &r.Bodyweight, &wc, &ac, &r.RackHeight, &belt)
	if errors.Is(err, sql.ErrNoRows) {
		return meet.Registration{}, meet.E(meet.KindNotFound, "store.RegistrationByID", "registration %d not found", id)
	}
	if err != nil {
		return meet.Registration{}, fmt.Errorf("query registration: %w", err)
	}
	if wc.Valid {
		r.WeightCatID = &wc.Int64
	}
	if ac.Valid {
		r.AgeCatID = &ac.Int64
	}
	r.Belt = belt != 0
	return r, nil
}

// FlightByID returns a flight by local id.
func (s *Store) FlightByID(ctx context.Context, id int64) (meet.Flight, error) {
	var f meet.Flight
	err := s.db.QueryRowContext(ctx, `
		SELECT id, meet_id, name, ord FROM flights WHERE id = ?
	`, id).Scan(&f.ID, &f.MeetID, &f.Name, &f.Ord)
	if errors.Is(err, sql.ErrNoRows) {
		return meet.Flight{}, meet.E(meet.KindNotFound, "store.FlightByID", "flight %d not found", id)
	}
	if err != nil {
		return meet.Flight{}, fmt.Errorf("query flight: %w", err)
	}
	return f, nil
}

// FlightsForMeet returns a meet's flights ordered by ord.
func (s *Store) FlightsForMeet(ctx context.Context, meetID int64) ([]meet.Flight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, meet_id, name, ord FROM flights WHERE meet_id = ? ORDER BY ord ASC
	`, meetID)
	if err != nil {
		return nil, fmt.Errorf("query flights: %w", err)
	}
	defer rows.Close()

	var flights []meet.Flight
	for rows.Next() {
		var f meet.Flight
		if err := rows.Scan(&f.ID, &f.MeetID, &f.Name, &f.Ord); err != nil {
			return nil, fmt.Errorf("scan flight: %w", err)
		}
		flights = append(flights, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flights: %w", err)
	}
	return flights, nil
}

// GroupsForFlight returns a flight's groups ordered by ord.
func (s *Store) GroupsForFlight(ctx context.Context, flightID int64) ([]meet.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flight_id, name, ord FROM groups WHERE flight_id = ? ORDER BY ord ASC
	`, flightID)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []meet.Group
	for rows.Next() {
		var g meet.Group
		if err := rows.Scan(&g.ID, &g.FlightID, &g.Name, &g.Ord); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// EntriesForGroup returns group entries ordered by start_ord.
func (s *Store) EntriesForGroup(ctx context.Context, groupID int64) ([]meet.GroupEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, registration_id, start_ord
		FROM group_entries WHERE group_id = ? ORDER BY start_ord ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group entries: %w", err)
	}
	defer rows.Close()

	var entries []meet.GroupEntry
	for rows.Next() {
		var e meet.GroupEntry
		if err := rows.Scan(&e.ID, &e.GroupID, &e.RegistrationID, &e.StartOrd); err != nil {
			return nil, fmt.Errorf("scan group entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group entries: %w", err)
	}
	return entries, nil
}

// OpenersFor returns the declared openers for a registration as a
// lift id -> kg map.
func (s *Store) OpenersFor(ctx context.Context, regID int64) (map[int64]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lift_id, weight_kg FROM openers WHERE registration_id = ?
	`, regID)
	if err != nil {
		return nil, fmt.Errorf("query openers: %w", err)
	}
	defer rows.Close()

	openers := make(map[int64]float64)
	for rows.Next() {
		var liftID int64
		var kg float64
		if err := rows.Scan(&liftID, &kg); err != nil {
			return nil, fmt.Errorf("scan opener: %w", err)
		}
		openers[liftID] = kg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate openers: %w", err)
	}
	return openers, nil
}

// AttemptsFor returns all attempts for (registration, lift) ordered by
// attempt_no.
func (s *Store) AttemptsFor(ctx context.Context, regID, liftID int64) ([]meet.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, registration_id, lift_id, attempt_no, weight_kg, status
		FROM attempts
		WHERE registration_id = ? AND lift_id = ?
		ORDER BY attempt_no ASC
	`, regID, liftID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []meet.Attempt
	for rows.Next() {
		var a meet.Attempt
		var status string
		if err := rows.Scan(&a.ID, &a.RegistrationID, &a.LiftID, &a.No, &a.WeightKg, &status); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = meet.AttemptStatus(status)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

// AttemptByID returns a single attempt.
func (s *Store) AttemptByID(ctx context.Context, id int64) (meet.Attempt, error) {
	var a meet.Attempt
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, registration_id, lift_id, attempt_no, weight_kg, status
		FROM attempts WHERE id = ?
	`, id).Scan(&a.ID, &a.RegistrationID, &a.LiftID, &a.No, &a.WeightKg, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return meet.Attempt{}, meet.E(meet.KindNotFound, "store.AttemptByID", "attempt %d not found", id)
	}
	if err != nil {
		return meet.Attempt{}, fmt.Errorf("query attempt: %w", err)
	}
	a.Status = meet.AttemptStatus(status)
	return a, nil
}

// DeclaredWeight is one group entry's declaration picture for a given
// (lift, round): the opener, the round's attempt row if present, and the
// data the ordering engine sorts on.
type DeclaredWeight struct {
	RegistrationID int64
	Bodyweight     float64
	StartOrd       int

	OpenerKg  float64
	HasOpener bool

	AttemptID     int64
	AttemptKg     float64
	AttemptStatus meet.AttemptStatus
	HasAttempt    bool
}

// DeclaredWeights fetches the whole group's declarations for (lift, round)
// in one query, so ordering latency does not grow with group size.
func (s *Store) DeclaredWeights(ctx context.Context, groupID, liftID int64, round int) ([]DeclaredWeight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.registration_id, r.bodyweight, e.start_ord,
		       COALESCE(o.weight_kg, 0), o.weight_kg IS NOT NULL,
		       COALESCE(a.id, 0), COALESCE(a.weight_kg, 0), COALESCE(a.status, ''), a.id IS NOT NULL
		FROM group_entries e
		JOIN registrations r ON r.id = e.registration_id
		LEFT JOIN openers o ON o.registration_id = e.registration_id AND o.lift_id = ?1
		LEFT JOIN attempts a ON a.registration_id = e.registration_id
		                     AND a.lift_id = ?1 AND a.attempt_no = ?2
		WHERE e.group_id = ?3
		ORDER BY e.start_ord ASC
	`, liftID, round, groupID)
	if err != nil {
		return nil, fmt.Errorf("query declared weights: %w", err)
	}
	defer rows.Close()

	var out []DeclaredWeight
	for rows.Next() {
		var dw DeclaredWeight
		var status string
		if err := rows.Scan(&dw.RegistrationID, &dw.Bodyweight, &dw.StartOrd,
			&dw.OpenerKg, &dw.HasOpener,
			&dw.AttemptID, &dw.AttemptKg, &status, &dw.HasAttempt); err != nil {
			return nil, fmt.Errorf("scan declared weight: %w", err)
		}
		dw.AttemptStatus = meet.AttemptStatus(status)
		out = append(out, dw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate declared weights: %w", err)
	}
	return out, nil
}

// ResultEntries builds the ranking inputs for a whole meet: identity,
// weigh-in data and per-lift best valid weights.
func (s *Store) ResultEntries(ctx context.Context, meetID int64) ([]rank.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, a.cf, a.given_name, a.family_name, a.sex, r.bodyweight,
		       COALESCE(wc.name, ''), COALESCE(ac.name, ''),
		       COALESCE((SELECT MIN(e.start_ord) FROM group_entries e WHERE e.registration_id = r.id), 0)
		FROM registrations r
		JOIN athletes a ON a.id = r.athlete_id
		LEFT JOIN weight_categories wc ON wc.id = r.weight_cat_id
		LEFT JOIN age_categories ac ON ac.id = r.age_cat_id
		WHERE r.meet_id = ?
		ORDER BY r.id ASC
	`, meetID)
	if err != nil {
		return nil, fmt.Errorf("query result entries: %w", err)
	}
	defer rows.Close()

	byReg := make(map[int64]*rank.Entry)
	var order []int64
	for rows.Next() {
		var e rank.Entry
		var sex string
		if err := rows.Scan(&e.RegistrationID, &e.CF, &e.GivenName, &e.FamilyName,
			&sex, &e.Bodyweight, &e.WeightCat, &e.AgeCat, &e.StartOrd); err != nil {
			return nil, fmt.Errorf("scan result entry: %w", err)
		}
		e.Sex = meet.Sex(sex)
		e.Best = make(map[string]float64)
		e.RecordBest = make(map[string]float64)
		byReg[e.RegistrationID] = &e
		order = append(order, e.RegistrationID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result entries: %w", err)
	}

	bests, err := s.db.QueryContext(ctx, `
		SELECT t.registration_id, l.code,
		       MAX(CASE WHEN t.attempt_no <= 3 THEN t.weight_kg ELSE 0 END),
		       MAX(t.weight_kg)
		FROM attempts t
		JOIN lifts l ON l.id = t.lift_id
		JOIN registrations r ON r.id = t.registration_id
		WHERE r.meet_id = ? AND t.status = 'VALID'
		GROUP BY t.registration_id, l.code
	`, meetID)
	if err != nil {
		return nil, fmt.Errorf("query bests: %w", err)
	}
	defer bests.Close()

	for bests.Next() {
		var regID int64
		var code string
		var best, recordBest float64
		if err := bests.Scan(&regID, &code, &best, &recordBest); err != nil {
			return nil, fmt.Errorf("scan best: %w", err)
		}
		if e, ok := byReg[regID]; ok {
			if best > 0 {
				e.Best[code] = best
			}
			if recordBest > 0 {
				e.RecordBest[code] = recordBest
			}
		}
	}
	if err := bests.Err(); err != nil {
		return nil, fmt.Errorf("iterate bests: %w", err)
	}

	out := make([]rank.Entry, 0, len(order))
	for _, regID := range order {
		out = append(out, *byReg[regID])
	}
	return out, nil
}

// AthletesForMeet returns every athlete registered in the meet.
func (s *Store) AthletesForMeet(ctx context.Context, meetID int64) ([]meet.Athlete, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.cf, a.given_name, a.family_name, a.sex, a.birth_date
		FROM athletes a
		JOIN registrations r ON r.athlete_id = a.id
		WHERE r.meet_id = ?
		ORDER BY a.cf ASC
	`, meetID)
	if err != nil {
		return nil, fmt.Errorf("query meet athletes: %w", err)
	}
	defer rows.Close()

	var athletes []meet.Athlete
	for rows.Next() {
		var a meet.Athlete
		var sex, birth string
		if err := rows.Scan(&a.ID, &a.CF, &a.GivenName, &a.FamilyName, &sex, &birth); err != nil {
			return nil, fmt.Errorf("scan athlete: %w", err)
		}
		a.Sex = meet.Sex(sex)
		a.BirthDate, err = time.Parse(dateLayout, birth)
		if err != nil {
			return nil, fmt.Errorf("parse birth date: %w", err)
		}
		athletes = append(athletes, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate athletes: %w", err)
	}
	return athletes, nil
}

// LoadCurrentState reads the persisted current-state singleton.
func (s *Store) LoadCurrentState(ctx context.Context) (meet.CurrentState, error) {
	var cs meet.CurrentState
	var phase string
	var meetID, flightID, groupID, liftID, regID sql.NullInt64
	var timerStart sql.NullString
	var timerDurS int64

	err := s.db.QueryRowContext(ctx, `
		SELECT phase, meet_id, flight_id, group_id, lift_id, round,
		       registration_id, timer_start, timer_duration_s
		FROM current_state WHERE id = 1
	`).Scan(&phase, &meetID, &flightID, &groupID, &liftID, &cs.Round,
		&regID, &timerStart, &timerDurS)
	if errors.Is(err, sql.ErrNoRows) {
		return meet.CurrentState{}, meet.E(meet.KindFatal, "store.LoadCurrentState",
			"current_state singleton row is missing")
	}
	if err != nil {
		return meet.CurrentState{}, fmt.Errorf("query current state: %w", err)
	}

	cs.Phase = meet.Phase(phase)
	cs.MeetID = nullID(meetID)
	cs.FlightID = nullID(flightID)
	cs.GroupID = nullID(groupID)
	cs.LiftID = nullID(liftID)
	cs.RegistrationID = nullID(regID)
	cs.TimerDuration = time.Duration(timerDurS) * time.Second
	if timerStart.Valid {
		ts, err := time.Parse("2006-01-02T15:04:05.000Z07:00", timerStart.String)
		if err != nil {
			return meet.CurrentState{}, fmt.Errorf("parse timer start: %w", err)
		}
		cs.TimerStart = &ts
	}
	return cs, nil
}

func nullID(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
