package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streetlift/meetd/internal/meet"
	"github.com/streetlift/meetd/internal/rank"
	"github.com/streetlift/meetd/internal/store"
)

// ErrAlreadySynced is returned when the meet code already exists in the
// archive and the caller did not force a re-sync.
var ErrAlreadySynced = errors.New("meet already synced")

// Report summarizes a completed sync.
type Report struct {
	MeetCode        string
	Athletes        int
	Results         int
	RecordsPromoted int
}

// Resolver uploads one finished meet from the local catalog to the
// remote archive.
type Resolver struct {
	local  *store.Store
	remote *Archive
	now    func() time.Time
}

// NewResolver creates a sync resolver.
func NewResolver(local *store.Store, remote *Archive) *Resolver {
	return &Resolver{local: local, remote: remote, now: time.Now}
}

// WithClock overrides the record-date clock. Tests use a fixed day.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Sync performs the upload:
//
//  1. load the local meet by code (UnknownMeet -> NotFound)
//  2. upsert all involved athletes by CF (idempotent)
//  3. stop with ErrAlreadySynced when the code is archived, unless force
//  4. in one remote transaction: insert the meet, promote strictly
//     greater records, insert per-athlete results with placements and
//     per-lift bests
//  5. commit; any failure rolls the archive back unchanged
func (r *Resolver) Sync(ctx context.Context, meetCode string, force bool) (*Report, error) {
	const op = "archive.Sync"

	m, err := r.local.MeetByCode(ctx, meetCode)
	if err != nil {
		if meet.IsNotFound(err) {
			return nil, meet.E(meet.KindNotFound, op, "unknown meet %q", meetCode)
		}
		return nil, err
	}

	athletes, err := r.local.AthletesForMeet(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range athletes {
		if err := r.remote.UpsertAthlete(ctx, a); err != nil {
			return nil, err
		}
	}

	synced, err := r.remote.HasMeet(ctx, meetCode)
	if err != nil {
		return nil, err
	}
	if synced && !force {
		return nil, ErrAlreadySynced
	}

	entries, err := r.local.ResultEntries(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	lifts, err := r.local.LiftsForMeet(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	report := &Report{MeetCode: meetCode, Athletes: len(athletes)}

	tx, err := r.remote.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, meet.Wrap(meet.KindTransient, op, err)
	}
	defer tx.Rollback()

	if synced {
		// forced re-sync replaces the meet's rows; records stay, their
		// promotion is monotone anyway
		if err := deleteMeetRows(ctx, tx, meetCode); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meets (code, name, date, level, regulation)
		VALUES (?, ?, ?, ?, ?)
	`, m.Code, m.Name, m.Date.Format("2006-01-02"), string(m.Level), m.Regulation); err != nil {
		return nil, meet.Wrap(meet.KindFatal, op, fmt.Errorf("insert meet: %w", err))
	}

	promoted, err := r.promoteRecords(ctx, tx, meetCode, entries, lifts)
	if err != nil {
		return nil, err
	}
	report.RecordsPromoted = promoted

	inserted, err := insertResults(ctx, tx, meetCode, entries, lifts)
	if err != nil {
		return nil, err
	}
	report.Results = inserted

	if err := tx.Commit(); err != nil {
		return nil, meet.Wrap(meet.KindFatal, op, fmt.Errorf("commit: %w", err))
	}

	slog.Info("meet synced",
		"meet_code", meetCode, "athletes", report.Athletes,
		"results", report.Results, "records_promoted", report.RecordsPromoted)
	return report, nil
}

func deleteMeetRows(ctx context.Context, tx *sql.Tx, meetCode string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM result_lifts WHERE result_id IN (SELECT id FROM results WHERE meet_code = ?)
	`, meetCode); err != nil {
		return fmt.Errorf("delete result lifts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE meet_code = ?`, meetCode); err != nil {
		return fmt.Errorf("delete results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meets WHERE code = ?`, meetCode); err != nil {
		return fmt.Errorf("delete meet: %w", err)
	}
	return nil
}

// promoteRecords updates each (weight cat, age cat, lift) record the meet
// strictly beat. An equal weight never promotes, regardless of
// bodyweight.
func (r *Resolver) promoteRecords(ctx context.Context, tx *sql.Tx, meetCode string, entries []rank.Entry, lifts []meet.Lift) (int, error) {
	today := r.now().Format("2006-01-02")
	// Two athletes can beat the same standing record in one meet; the
	// report counts the record once, not every intermediate promotion.
	promoted := make(map[string]bool)

	for _, e := range entries {
		if e.WeightCat == "" || e.AgeCat == "" {
			continue // category-less athletes set no records
		}
		for _, l := range lifts {
			best := e.RecordBest[l.Code]
			if best <= 0 {
				continue
			}

			var standing float64
			err := tx.QueryRowContext(ctx, `
				SELECT weight_kg FROM records
				WHERE weight_cat_name = ? AND age_cat_name = ? AND lift_code = ?
			`, e.WeightCat, e.AgeCat, l.Code).Scan(&standing)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return 0, fmt.Errorf("query record: %w", err)
			}
			if err == nil && best <= standing {
				continue
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO records (weight_cat_name, age_cat_name, lift_code, weight_kg, bodyweight, cf, meet_code, date)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(weight_cat_name, age_cat_name, lift_code)
				DO UPDATE SET weight_kg = excluded.weight_kg, bodyweight = excluded.bodyweight,
				              cf = excluded.cf, meet_code = excluded.meet_code, date = excluded.date
			`, e.WeightCat, e.AgeCat, l.Code, best, e.Bodyweight, e.CF, meetCode, today); err != nil {
				return 0, fmt.Errorf("promote record %s/%s/%s: %w", e.WeightCat, e.AgeCat, l.Code, err)
			}
			promoted[e.WeightCat+"/"+e.AgeCat+"/"+l.Code] = true
		}
	}
	return len(promoted), nil
}

func insertResults(ctx context.Context, tx *sql.Tx, meetCode string, entries []rank.Entry, lifts []meet.Lift) (int, error) {
	placements := make(map[int64]rank.Placed)
	for _, p := range rank.Placements(entries, lifts) {
		placements[p.RegistrationID] = p
	}

	inserted := 0
	for _, e := range entries {
		total := e.Total(lifts)
		category := ""
		placement := 0
		if p, ok := placements[e.RegistrationID]; ok {
			category = fmt.Sprintf("%s/%s/%s", p.Category.Sex, p.Category.WeightCat, p.Category.AgeCat)
			placement = p.Placement
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO results (meet_code, cf, category, placement, total, ris, bodyweight)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, meetCode, e.CF, category, placement, total, rank.RIS(total, e.Bodyweight, e.Sex), e.Bodyweight)
		if err != nil {
			return 0, fmt.Errorf("insert result for %s: %w", e.CF, err)
		}
		resultID, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("result id: %w", err)
		}

		for _, l := range lifts {
			best := e.Best[l.Code]
			if best <= 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO result_lifts (result_id, lift_code, best_kg) VALUES (?, ?, ?)
			`, resultID, l.Code, best); err != nil {
				return 0, fmt.Errorf("insert result lift %s: %w", l.Code, err)
			}
		}
		inserted++
	}
	return inserted, nil
}
