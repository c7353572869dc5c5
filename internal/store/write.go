package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/streetlift/meetd/internal/meet"
)

// CreateMeetType inserts a meet-type and its ordered lift sequence.
// Lift order follows the position in liftCodes.
func (s *Store) CreateMeetType(ctx context.Context, name string, liftCodes []string) (meet.MeetType, error) {
	if len(liftCodes) == 0 {
		return meet.MeetType{}, meet.E(meet.KindBadInput, "store.CreateMeetType", "meet-type %q has no lifts", name)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return meet.MeetType{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO meet_types (name) VALUES (?)`, name)
	if err != nil {
		return meet.MeetType{}, fmt.Errorf("insert meet_type: %w", err)
	}
	mtID, err := res.LastInsertId()
	if err != nil {
		return meet.MeetType{}, fmt.Errorf("meet_type id: %w", err)
	}

	mt := meet.MeetType{ID: mtID, Name: name}
	for ord, code := range liftCodes {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO lifts (meet_type_id, code, ord) VALUES (?, ?, ?)
		`, mtID, code, ord+1)
		if err != nil {
			return meet.MeetType{}, fmt.Errorf("insert lift %s: %w", code, err)
		}
		liftID, err := res.LastInsertId()
		if err != nil {
			return meet.MeetType{}, fmt.Errorf("lift id: %w", err)
		}
		mt.Lifts = append(mt.Lifts, meet.Lift{ID: liftID, Code: code, Ord: ord + 1})
	}

	if err := tx.Commit(); err != nil {
		return meet.MeetType{}, fmt.Errorf("commit: %w", err)
	}
	return mt, nil
}

// CreateAthlete inserts an athlete keyed by CF.
// Idempotent: if the CF already exists, the existing row wins and its id is
// returned. Athlete attributes are immutable after first ingest.
func (s *Store) CreateAthlete(ctx context.Context, a meet.Athlete) (int64, error) {
	if !a.Sex.Valid() {
		return 0, meet.E(meet.KindBadInput, "store.CreateAthlete", "invalid sex %q", a.Sex)
	}
	if a.CF == "" {
		return 0, meet.E(meet.KindBadInput, "store.CreateAthlete", "empty CF")
	}

	err := withRetry(ctx, "store.CreateAthlete", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO athletes (cf, given_name, family_name, sex, birth_date)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(cf) DO NOTHING
		`, a.CF, a.GivenName, a.FamilyName, string(a.Sex), a.BirthDate.Format(dateLayout))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert athlete: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM athletes WHERE cf = ?`, a.CF).Scan(&id); err != nil {
		return 0, fmt.Errorf("athlete id for %s: %w", a.CF, err)
	}
	return id, nil
}

// CreateMeet inserts a meet. Code must be unique.
func (s *Store) CreateMeet(ctx context.Context, m meet.Meet) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO meets (code, name, date, level, regulation, meet_type_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.Code, m.Name, m.Date.Format(dateLayout), string(m.Level), m.Regulation, m.MeetTypeID)
	if err != nil {
		return 0, fmt.Errorf("insert meet: %w", err)
	}
	return res.LastInsertId()
}

// CreateWeightCategory inserts a weight category.
func (s *Store) CreateWeightCategory(ctx context.Context, c meet.WeightCategory) (int64, error) {
	if !c.Sex.Valid() {
		return 0, meet.E(meet.KindBadInput, "store.CreateWeightCategory", "invalid sex %q", c.Sex)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO weight_categories (name, sex, min_kg, max_kg) VALUES (?, ?, ?, ?)
	`, c.Name, string(c.Sex), c.MinKg, c.MaxKg)
	if err != nil {
		return 0, fmt.Errorf("insert weight category: %w", err)
	}
	return res.LastInsertId()
}

// CreateAgeCategory inserts an age category.
func (s *Store) CreateAgeCategory(ctx context.Context, c meet.AgeCategory) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO age_categories (name, min_age, max_age) VALUES (?, ?, ?)
	`, c.Name, c.MinAge, c.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("insert age category: %w", err)
	}
	return res.LastInsertId()
}

// CreateRegistration inserts a registration. Unique per (meet, athlete).
func (s *Store) CreateRegistration(ctx context.Context, r meet.Registration) (int64, error) {
	if !meet.QuantizeOK(r.Bodyweight) {
		return 0, meet.E(meet.KindBadInput, "store.CreateRegistration",
			"bodyweight %.3f not quantized to 0.5 kg", r.Bodyweight)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO registrations (meet_id, athlete_id, bodyweight, weight_cat_id, age_cat_id, rack_height, belt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.MeetID, r.AthleteID, r.Bodyweight, r.WeightCatID, r.AgeCatID, r.RackHeight, boolToInt(r.Belt))
	if err != nil {
		return 0, fmt.Errorf("insert registration: %w", err)
	}
	return res.LastInsertId()
}

// UpdateWeighIn records weigh-in data on an existing registration.
func (s *Store) UpdateWeighIn(ctx context.Context, regID int64, bodyweight float64, weightCatID, ageCatID *int64, rackHeight int, belt bool) error {
	if !meet.QuantizeOK(bodyweight) {
		return meet.E(meet.KindBadInput, "store.UpdateWeighIn",
			"bodyweight %.3f not quantized to 0.5 kg", bodyweight)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE registrations
		SET bodyweight = ?, weight_cat_id = ?, age_cat_id = ?, rack_height = ?, belt = ?
		WHERE id = ?
	`, bodyweight, weightCatID, ageCatID, rackHeight, boolToInt(belt), regID)
	if err != nil {
		return fmt.Errorf("update weigh-in: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update weigh-in: %w", err)
	}
	if n == 0 {
		return meet.E(meet.KindNotFound, "store.UpdateWeighIn", "registration %d not found", regID)
	}
	return nil
}

// CreateFlight inserts a flight.
func (s *Store) CreateFlight(ctx context.Context, f meet.Flight) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO flights (meet_id, name, ord) VALUES (?, ?, ?)
	`, f.MeetID, f.Name, f.Ord)
	if err != nil {
		return 0, fmt.Errorf("insert flight: %w", err)
	}
	return res.LastInsertId()
}

// CreateGroup inserts a group into a flight.
func (s *Store) CreateGroup(ctx context.Context, g meet.Group) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (flight_id, name, ord) VALUES (?, ?, ?)
	`, g.FlightID, g.Name, g.Ord)
	if err != nil {
		return 0, fmt.Errorf("insert group: %w", err)
	}
	return res.LastInsertId()
}

// AddGroupEntry pins a registration into a group at a starting order.
func (s *Store) AddGroupEntry(ctx context.Context, e meet.GroupEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO group_entries (group_id, registration_id, start_ord) VALUES (?, ?, ?)
	`, e.GroupID, e.RegistrationID, e.StartOrd)
	if err != nil {
		return 0, fmt.Errorf("insert group entry: %w", err)
	}
	return res.LastInsertId()
}

// SetOpener records the declared opener for (registration, lift) and seeds
// the attempt #1 row with the same weight in PENDING status.
// Re-declaring an opener is allowed until attempt #1 is finalized.
func (s *Store) SetOpener(ctx context.Context, regID, liftID int64, kg float64) error {
	const op = "store.SetOpener"
	if !meet.QuantizeOK(kg) {
		return meet.E(meet.KindBadInput, op, "weight %.3f not quantized to 0.5 kg", kg)
	}

	return withRetry(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		var status string
		err = tx.QueryRowContext(ctx, `
			SELECT status FROM attempts
			WHERE registration_id = ? AND lift_id = ? AND attempt_no = 1
		`, regID, liftID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// first declaration, attempt row created below
		case err != nil:
			return fmt.Errorf("check attempt 1: %w", err)
		case meet.AttemptStatus(status).Finalized():
			return meet.E(meet.KindStateConflict, op,
				"attempt 1 for registration %d already finalized", regID)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO openers (registration_id, lift_id, weight_kg) VALUES (?, ?, ?)
			ON CONFLICT(registration_id, lift_id) DO UPDATE SET weight_kg = excluded.weight_kg
		`, regID, liftID, kg); err != nil {
			return fmt.Errorf("upsert opener: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attempts (registration_id, lift_id, attempt_no, weight_kg, status)
			VALUES (?, ?, 1, ?, 'PENDING')
			ON CONFLICT(registration_id, lift_id, attempt_no)
			DO UPDATE SET weight_kg = excluded.weight_kg WHERE attempts.status = 'PENDING'
		`, regID, liftID, kg); err != nil {
			return fmt.Errorf("seed attempt 1: %w", err)
		}

		return tx.Commit()
	})
}

// DeclareAttempt upserts the declared weight for (registration, lift, no).
//
// Rejected when:
//   - attempt_no is out of range or kg is not 0.5-quantized (BadInput)
//   - attempt_no-1 does not exist or is still PENDING (StateConflict)
//   - the attempt exists and is already finalized (StateConflict)
func (s *Store) DeclareAttempt(ctx context.Context, regID, liftID int64, attemptNo int, kg float64) error {
	const op = "store.DeclareAttempt"
	if attemptNo < 1 || attemptNo > meet.MaxAttemptNo {
		return meet.E(meet.KindBadInput, op, "attempt_no %d out of range 1..%d", attemptNo, meet.MaxAttemptNo)
	}
	if !meet.QuantizeOK(kg) {
		return meet.E(meet.KindBadInput, op, "weight %.3f not quantized to 0.5 kg", kg)
	}

	return withRetry(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		if attemptNo > 1 {
			var prevStatus string
			err := tx.QueryRowContext(ctx, `
				SELECT status FROM attempts
				WHERE registration_id = ? AND lift_id = ? AND attempt_no = ?
			`, regID, liftID, attemptNo-1).Scan(&prevStatus)
			if errors.Is(err, sql.ErrNoRows) {
				return meet.E(meet.KindStateConflict, op,
					"attempt %d declared before attempt %d exists", attemptNo, attemptNo-1)
			}
			if err != nil {
				return fmt.Errorf("check predecessor: %w", err)
			}
			if !meet.AttemptStatus(prevStatus).Finalized() {
				return meet.E(meet.KindStateConflict, op,
					"attempt %d declared while attempt %d is still PENDING", attemptNo, attemptNo-1)
			}
		}

		var status string
		err = tx.QueryRowContext(ctx, `
			SELECT status FROM attempts
			WHERE registration_id = ? AND lift_id = ? AND attempt_no = ?
		`, regID, liftID, attemptNo).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// lazily created below
		case err != nil:
			return fmt.Errorf("check attempt: %w", err)
		case meet.AttemptStatus(status).Finalized():
			return meet.E(meet.KindStateConflict, op,
				"attempt %d for registration %d is already %s", attemptNo, regID, status)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attempts (registration_id, lift_id, attempt_no, weight_kg, status)
			VALUES (?, ?, ?, ?, 'PENDING')
			ON CONFLICT(registration_id, lift_id, attempt_no)
			DO UPDATE SET weight_kg = excluded.weight_kg
		`, regID, liftID, attemptNo, kg); err != nil {
			return fmt.Errorf("upsert attempt: %w", err)
		}

		return tx.Commit()
	})
}

// FinalizeAttempt records the judged outcome on a PENDING attempt.
// The PENDING -> {VALID, INVALID} transition happens exactly once.
func (s *Store) FinalizeAttempt(ctx context.Context, attemptID int64, outcome meet.AttemptStatus) error {
	const op = "store.FinalizeAttempt"
	if !outcome.Finalized() {
		return meet.E(meet.KindBadInput, op, "outcome %q is not VALID or INVALID", outcome)
	}

	return withRetry(ctx, op, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE attempts SET status = ? WHERE id = ? AND status = 'PENDING'
		`, string(outcome), attemptID)
		if err != nil {
			return fmt.Errorf("finalize attempt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finalize attempt: %w", err)
		}
		if n == 0 {
			var status string
			err := s.db.QueryRowContext(ctx,
				`SELECT status FROM attempts WHERE id = ?`, attemptID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return meet.E(meet.KindNotFound, op, "attempt %d not found", attemptID)
			}
			if err != nil {
				return fmt.Errorf("finalize attempt: %w", err)
			}
			return meet.E(meet.KindStateConflict, op,
				"attempt %d is already %s", attemptID, status)
		}
		return nil
	})
}

// SaveCurrentState persists the current-state singleton (row id=1).
func (s *Store) SaveCurrentState(ctx context.Context, cs meet.CurrentState) error {
	var timerStart any
	if cs.TimerStart != nil {
		timerStart = cs.TimerStart.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return withRetry(ctx, "store.SaveCurrentState", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE current_state
			SET phase = ?, meet_id = ?, flight_id = ?, group_id = ?, lift_id = ?,
			    round = ?, registration_id = ?, timer_start = ?, timer_duration_s = ?
			WHERE id = 1
		`, string(cs.Phase), cs.MeetID, cs.FlightID, cs.GroupID, cs.LiftID,
			cs.Round, cs.RegistrationID, timerStart, int64(cs.TimerDuration.Seconds()))
		if err != nil {
			return fmt.Errorf("save current state: %w", err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
