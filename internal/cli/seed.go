package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/streetlift/meetd/internal/meet"
	"github.com/streetlift/meetd/internal/store"
)

// SeedOptions holds flags for the seed command.
type SeedOptions struct {
	*RootOptions
	Database string
}

// seedFile is the YAML fixture describing a complete meet: format,
// categories, flights and weighed-in athletes with openers.
type seedFile struct {
	MeetType struct {
		Name  string   `yaml:"name"`
		Lifts []string `yaml:"lifts"`
	} `yaml:"meet_type"`

	Meet struct {
		Code       string `yaml:"code"`
		Name       string `yaml:"name"`
		Date       string `yaml:"date"`
		Level      string `yaml:"level"`
		Regulation string `yaml:"regulation"`
	} `yaml:"meet"`

	WeightCategories []struct {
		Name  string  `yaml:"name"`
		Sex   string  `yaml:"sex"`
		MinKg float64 `yaml:"min_kg"`
		MaxKg float64 `yaml:"max_kg"`
	} `yaml:"weight_categories"`

	AgeCategories []struct {
		Name   string `yaml:"name"`
		MinAge int    `yaml:"min_age"`
		MaxAge int    `yaml:"max_age"`
	} `yaml:"age_categories"`

	Flights []struct {
		Name   string `yaml:"name"`
		Ord    int    `yaml:"ord"`
		Groups []struct {
			Name string `yaml:"name"`
			Ord  int    `yaml:"ord"`
		} `yaml:"groups"`
	} `yaml:"flights"`

	Athletes []struct {
		CF         string             `yaml:"cf"`
		GivenName  string             `yaml:"given_name"`
		FamilyName string             `yaml:"family_name"`
		Sex        string             `yaml:"sex"`
		BirthDate  string             `yaml:"birth_date"`
		Bodyweight float64            `yaml:"bodyweight"`
		WeightCat  string             `yaml:"weight_cat"`
		AgeCat     string             `yaml:"age_cat"`
		Flight     string             `yaml:"flight"`
		Group      string             `yaml:"group"`
		StartOrd   int                `yaml:"start_ord"`
		Openers    map[string]float64 `yaml:"openers"`
	} `yaml:"athletes"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Populate the local catalog from a YAML fixture",
		Long: `Load a meet fixture into the local catalog: meet-type, meet,
categories, flights, groups, athletes, registrations and openers.

Example:
  meetd seed --db ./meet.db fixtures/regional.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runSeed(cmd.Context(), opts.Database, args[0])
			if err != nil {
				return WrapExitError(ExitFailure, "seed", err)
			}
			f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			return f.Success(fmt.Sprintf("seeded meet %s", code))
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", envOr("MEETD_DB", "meet.db"), "path to the local SQLite database")

	return cmd
}

func runSeed(ctx context.Context, dbPath, fixturePath string) (string, error) {
	data, err := os.ReadFile(fixturePath)
	if err != nil {
		return "", fmt.Errorf("read fixture: %w", err)
	}
	var fixture seedFile
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return "", fmt.Errorf("parse fixture: %w", err)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return "", err
	}
	defer st.Close()

	return fixture.Meet.Code, loadFixture(ctx, st, fixture)
}

func loadFixture(ctx context.Context, st *store.Store, fixture seedFile) error {
	mt, err := st.CreateMeetType(ctx, fixture.MeetType.Name, fixture.MeetType.Lifts)
	if err != nil {
		return err
	}
	liftByCode := make(map[string]int64, len(mt.Lifts))
	for _, l := range mt.Lifts {
		liftByCode[l.Code] = l.ID
	}

	date, err := time.Parse("2006-01-02", fixture.Meet.Date)
	if err != nil {
		return fmt.Errorf("parse meet date: %w", err)
	}
	meetID, err := st.CreateMeet(ctx, meet.Meet{
		Code:       fixture.Meet.Code,
		Name:       fixture.Meet.Name,
		Date:       date,
		Level:      meet.MeetLevel(fixture.Meet.Level),
		Regulation: fixture.Meet.Regulation,
		MeetTypeID: mt.ID,
	})
	if err != nil {
		return err
	}

	weightCats := make(map[string]int64, len(fixture.WeightCategories))
	for _, wc := range fixture.WeightCategories {
		id, err := st.CreateWeightCategory(ctx, meet.WeightCategory{
			Name: wc.Name, Sex: meet.Sex(wc.Sex), MinKg: wc.MinKg, MaxKg: wc.MaxKg,
		})
		if err != nil {
			return err
		}
		weightCats[wc.Name] = id
	}
	ageCats := make(map[string]int64, len(fixture.AgeCategories))
	for _, ac := range fixture.AgeCategories {
		id, err := st.CreateAgeCategory(ctx, meet.AgeCategory{
			Name: ac.Name, MinAge: ac.MinAge, MaxAge: ac.MaxAge,
		})
		if err != nil {
			return err
		}
		ageCats[ac.Name] = id
	}

	groupByName := make(map[string]int64) // "flight/group"
	for _, fl := range fixture.Flights {
		flightID, err := st.CreateFlight(ctx, meet.Flight{MeetID: meetID, Name: fl.Name, Ord: fl.Ord})
		if err != nil {
			return err
		}
		for _, g := range fl.Groups {
			groupID, err := st.CreateGroup(ctx, meet.Group{FlightID: flightID, Name: g.Name, Ord: g.Ord})
			if err != nil {
				return err
			}
			groupByName[fl.Name+"/"+g.Name] = groupID
		}
	}

	for _, a := range fixture.Athletes {
		birth, err := time.Parse("2006-01-02", a.BirthDate)
		if err != nil {
			return fmt.Errorf("athlete %s: parse birth date: %w", a.CF, err)
		}
		athleteID, err := st.CreateAthlete(ctx, meet.Athlete{
			CF: a.CF, GivenName: a.GivenName, FamilyName: a.FamilyName,
			Sex: meet.Sex(a.Sex), BirthDate: birth,
		})
		if err != nil {
			return err
		}

		reg := meet.Registration{MeetID: meetID, AthleteID: athleteID, Bodyweight: a.Bodyweight}
		if id, ok := weightCats[a.WeightCat]; ok {
			reg.WeightCatID = &id
		}
		if id, ok := ageCats[a.AgeCat]; ok {
			reg.AgeCatID = &id
		}
		regID, err := st.CreateRegistration(ctx, reg)
		if err != nil {
			return err
		}

		groupID, ok := groupByName[a.Flight+"/"+a.Group]
		if !ok {
			return fmt.Errorf("athlete %s: unknown group %s/%s", a.CF, a.Flight, a.Group)
		}
		if _, err := st.AddGroupEntry(ctx, meet.GroupEntry{
			GroupID: groupID, RegistrationID: regID, StartOrd: a.StartOrd,
		}); err != nil {
			return err
		}

		for code, kg := range a.Openers {
			liftID, ok := liftByCode[code]
			if !ok {
				return fmt.Errorf("athlete %s: unknown lift %q in openers", a.CF, code)
			}
			if err := st.SetOpener(ctx, regID, liftID, kg); err != nil {
				return err
			}
		}
	}

	return nil
}
