// Package archive uploads a finished meet to the remote results archive.
//
// Identity is resolved by logical key only: CF for athletes, meet code
// for meets, category names for records. The upload is one transaction;
// on any failure the remote archive is unchanged.
package archive

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/streetlift/meetd/internal/meet"
)

//go:embed schema.sql
var schemaSQL string

// Archive is the remote results database. A single connection is held
// for the duration of a sync transaction.
type Archive struct {
	db *sql.DB
}

// Open creates or opens the remote archive database.
func Open(dsn string) (*Archive, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to archive: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}

	return &Archive{db: db}, nil
}

// Close closes the archive connection.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// DB returns the underlying sql.DB. Tests use it to inspect rows.
func (a *Archive) DB() *sql.DB { return a.db }

// UpsertAthlete inserts an athlete by CF. Idempotent; an existing CF is
// left untouched.
func (a *Archive) UpsertAthlete(ctx context.Context, ath meet.Athlete) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO athletes (cf, given_name, family_name, sex, birth_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(cf) DO NOTHING
	`, ath.CF, ath.GivenName, ath.FamilyName, string(ath.Sex), ath.BirthDate.Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("upsert athlete %s: %w", ath.CF, err)
	}
	return nil
}

// HasMeet reports whether a meet with the code is already archived.
func (a *Archive) HasMeet(ctx context.Context, code string) (bool, error) {
	var one int
	err := a.db.QueryRowContext(ctx, `SELECT 1 FROM meets WHERE code = ?`, code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check meet %s: %w", code, err)
	}
	return true, nil
}

// RecordFor returns the standing record for a (weight cat, age cat, lift)
// triple, or ok=false when none is set.
func (a *Archive) RecordFor(ctx context.Context, weightCat, ageCat, liftCode string) (meet.Record, bool, error) {
	var r meet.Record
	var date string
	err := a.db.QueryRowContext(ctx, `
		SELECT weight_cat_name, age_cat_name, lift_code, weight_kg, bodyweight, cf, meet_code, date
		FROM records
		WHERE weight_cat_name = ? AND age_cat_name = ? AND lift_code = ?
	`, weightCat, ageCat, liftCode).
		Scan(&r.WeightCatName, &r.AgeCatName, &r.LiftCode, &r.WeightKg, &r.Bodyweight, &r.CF, &r.MeetCode, &date)
	if errors.Is(err, sql.ErrNoRows) {
		return meet.Record{}, false, nil
	}
	if err != nil {
		return meet.Record{}, false, fmt.Errorf("query record: %w", err)
	}
	return r, true, nil
}
