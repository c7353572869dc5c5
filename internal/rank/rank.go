// Package rank computes per-category placements and the bodyweight-
// normalized absolute score (RIS) for a meet.
//
// The package is pure: callers fetch entries from the store and hand them
// over, so every rule is testable without a database.
package rank

import (
	"math"
	"sort"

	"github.com/streetlift/meetd/internal/meet"
)

// Entry is one registration's ranking input: identity, weigh-in data and
// the best valid weight per lift.
type Entry struct {
	RegistrationID int64
	CF             string
	GivenName      string
	FamilyName     string
	Sex            meet.Sex
	Bodyweight     float64
	WeightCat      string // empty when the athlete has no weight category
	AgeCat         string // empty when the athlete has no age category
	StartOrd       int

	// Best maps lift code to the best VALID weight over attempts 1..3.
	Best map[string]float64

	// RecordBest maps lift code to the best VALID weight over attempts
	// 1..4. Only record promotion looks at the fourth attempt.
	RecordBest map[string]float64
}

// Total sums the best valid weight across the given lift sequence.
func (e Entry) Total(lifts []meet.Lift) float64 {
	var total float64
	for _, l := range lifts {
		total += e.Best[l.Code]
	}
	return total
}

// CategoryKey identifies a ranking category. Athletes missing either
// category id rank only in the absolute list.
type CategoryKey struct {
	Sex       meet.Sex
	WeightCat string
	AgeCat    string
}

// Placed is one row of a category ranking.
type Placed struct {
	Entry
	Category  CategoryKey
	Total     float64
	Placement int // 1-based within the category
}

// Placements groups entries by (sex, weight category, age category) and
// assigns 1-based placements by total DESC, bodyweight ASC, start_ord ASC.
// Ties share no placement: the lexicographic key is total.
//
// Entries without both categories are excluded; they appear only in the
// absolute ranking.
func Placements(entries []Entry, lifts []meet.Lift) []Placed {
	byCat := make(map[CategoryKey][]Placed)
	var keys []CategoryKey
	for _, e := range entries {
		if e.WeightCat == "" || e.AgeCat == "" {
			continue
		}
		key := CategoryKey{Sex: e.Sex, WeightCat: e.WeightCat, AgeCat: e.AgeCat}
		if _, seen := byCat[key]; !seen {
			keys = append(keys, key)
		}
		byCat[key] = append(byCat[key], Placed{
			Entry:    e,
			Category: key,
			Total:    e.Total(lifts),
		})
	}

	// Deterministic category order for stable output.
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Sex != b.Sex {
			return a.Sex < b.Sex
		}
		if a.WeightCat != b.WeightCat {
			return a.WeightCat < b.WeightCat
		}
		return a.AgeCat < b.AgeCat
	})

	var out []Placed
	for _, key := range keys {
		rows := byCat[key]
		sort.Slice(rows, func(i, j int) bool {
			a, b := rows[i], rows[j]
			if a.Total != b.Total {
				return a.Total > b.Total
			}
			if a.Bodyweight != b.Bodyweight {
				return a.Bodyweight < b.Bodyweight
			}
			return a.StartOrd < b.StartOrd
		})
		for i := range rows {
			rows[i].Placement = i + 1
		}
		out = append(out, rows...)
	}
	return out
}

// Scored is one row of the absolute (RIS) ranking.
type Scored struct {
	Entry
	Total float64
	RIS   float64
}

// Absolute ranks all entries by RIS descending. Category-less athletes
// are included here even though they hold no category placement.
func Absolute(entries []Entry, lifts []meet.Lift) []Scored {
	out := make([]Scored, 0, len(entries))
	for _, e := range entries {
		total := e.Total(lifts)
		out = append(out, Scored{
			Entry: e,
			Total: total,
			RIS:   RIS(total, e.Bodyweight, e.Sex),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RIS != b.RIS {
			return a.RIS > b.RIS
		}
		if a.Bodyweight != b.Bodyweight {
			return a.Bodyweight < b.Bodyweight
		}
		return a.StartOrd < b.StartOrd
	})
	return out
}

// Sigmoid denominator constants, per sex.
type risConstants struct {
	a, k, b, v, q float64
}

var risBySex = map[meet.Sex]risConstants{
	meet.SexMale:   {a: 338, k: 549, b: 0.11354, v: 74.777, q: 0.53096},
	meet.SexFemale: {a: 164, k: 270, b: 0.13776, v: 57.855, q: 0.37089},
}

// RIS is the bodyweight-normalized absolute score:
//
//	RIS = total * 100 / d(bw, sex)
//	d(bw, sex) = A + (K - A) / (1 + Q*exp(-B*(bw - v)))
//
// Zero total or zero bodyweight yields 0. The result is rounded to two
// decimals.
func RIS(total, bodyweight float64, sex meet.Sex) float64 {
	if total <= 0 || bodyweight <= 0 {
		return 0
	}
	c, ok := risBySex[sex]
	if !ok {
		return 0
	}
	d := c.a + (c.k-c.a)/(1+c.q*math.Exp(-c.b*(bodyweight-c.v)))
	return math.Round(total*100/d*100) / 100
}
