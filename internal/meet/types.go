package meet

import "time"

// Sex is the athlete's competition sex.
type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
)

// Valid reports whether s is one of the two competition sexes.
func (s Sex) Valid() bool { return s == SexMale || s == SexFemale }

// JudgeRole identifies one of the three platform judges.
type JudgeRole string

const (
	RoleHead  JudgeRole = "HEAD"
	RoleLeft  JudgeRole = "LEFT"
	RoleRight JudgeRole = "RIGHT"
)

// Valid reports whether r is a recognized judge role.
func (r JudgeRole) Valid() bool {
	return r == RoleHead || r == RoleLeft || r == RoleRight
}

// Vote is a single judge's call on an attempt.
type Vote string

const (
	VoteWhite Vote = "WHITE"
	VoteRed   Vote = "RED"
)

// Valid reports whether v is a recognized vote value.
func (v Vote) Valid() bool { return v == VoteWhite || v == VoteRed }

// AttemptStatus is the lifecycle state of an attempt.
// PENDING is the only predecessor of VALID and INVALID; the transition
// happens exactly once.
type AttemptStatus string

const (
	StatusPending AttemptStatus = "PENDING"
	StatusValid   AttemptStatus = "VALID"
	StatusInvalid AttemptStatus = "INVALID"
)

// Finalized reports whether the status is a terminal one.
func (s AttemptStatus) Finalized() bool {
	return s == StatusValid || s == StatusInvalid
}

// MaxAttemptNo is the highest attempt number the data model accepts.
// Rounds 1..3 run through the normal flow; attempt 4 is a record attempt
// declared out of band and never queued.
const MaxAttemptNo = 4

// MaxRound is the last round the ordering engine serves.
const MaxRound = 3

// Athlete is a competitor, identified across databases by fiscal code.
type Athlete struct {
	ID         int64
	CF         string // fiscal code, the cross-database logical key
	GivenName  string
	FamilyName string
	Sex        Sex
	BirthDate  time.Time
}

// MeetLevel is the sanctioning level of a meet.
type MeetLevel string

const (
	LevelRegional MeetLevel = "REGIONAL"
	LevelNational MeetLevel = "NATIONAL"
)

// Meet is a single competition, identified by Code across local and
// remote databases.
type Meet struct {
	ID         int64
	Code       string
	Name       string
	Date       time.Time
	Level      MeetLevel
	Regulation string
	MeetTypeID int64
}

// Lift is one movement in a meet-type sequence.
type Lift struct {
	ID   int64
	Code string // SQ, PU, DIP, MU, MP
	Ord  int    // position within the meet-type
}

// MeetType is a named, ordered list of lifts defining a competition format.
type MeetType struct {
	ID    int64
	Name  string
	Lifts []Lift
}

// WeightCategory is a bodyweight class. Name is unique within (sex, bounds)
// and is the logical key used by the remote archive.
type WeightCategory struct {
	ID    int64
	Name  string
	Sex   Sex
	MinKg float64
	MaxKg float64
}

// AgeCategory is an age class keyed by name.
type AgeCategory struct {
	ID     int64
	Name   string
	MinAge int
	MaxAge int
}

// Registration is an (athlete, meet) pair with weigh-in data.
// WeightCatID and AgeCatID are nil for athletes ranked only in the
// absolute list.
type Registration struct {
	ID          int64
	MeetID      int64
	AthleteID   int64
	Bodyweight  float64
	WeightCatID *int64
	AgeCatID    *int64
	RackHeight  int
	Belt        bool
}

// Flight is an ordered partition of a meet (e.g. morning, afternoon).
type Flight struct {
	ID     int64
	MeetID int64
	Name   string
	Ord    int
}

// Group is an ordered partition of a flight, typically by weight class.
type Group struct {
	ID       int64
	FlightID int64
	Name     string
	Ord      int
}

// GroupEntry pins a registration to a group with a nomination order used
// as the last-resort tiebreak.
type GroupEntry struct {
	ID             int64
	GroupID        int64
	RegistrationID int64
	StartOrd       int
}

// Attempt is a single try at a lift, keyed by (registration, lift, no).
type Attempt struct {
	ID             int64
	RegistrationID int64
	LiftID         int64
	No             int
	WeightKg       float64
	Status         AttemptStatus
}

// Record is a standing best for a (weight category, age category, lift)
// triple, keyed by category names so it survives cross-database sync.
type Record struct {
	WeightCatName string
	AgeCatName    string
	LiftCode      string
	WeightKg      float64
	Bodyweight    float64
	CF            string
	MeetCode      string
	Date          time.Time
}

// Phase is the state-machine phase of the flow engine.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhaseActive        Phase = "ACTIVE"
	PhaseBetweenGroups Phase = "BETWEEN_GROUPS"
	PhaseFinished      Phase = "FINISHED"
)

// CurrentState is the process-wide singleton describing what is on the
// platform right now. All pointers are nil when the meet is idle, or all
// coherent when active.
type CurrentState struct {
	Phase          Phase
	MeetID         *int64
	FlightID       *int64
	GroupID        *int64
	LiftID         *int64
	Round          int
	RegistrationID *int64
	TimerStart     *time.Time
	TimerDuration  time.Duration
}

// QuantizeOK reports whether kg is a non-negative multiple of 0.5.
// All stored weights and bodyweights must satisfy this.
func QuantizeOK(kg float64) bool {
	if kg < 0 {
		return false
	}
	doubled := kg * 2
	const eps = 1e-9
	diff := doubled - float64(int64(doubled+0.5))
	if diff < 0 {
		diff = -diff
	}
	return diff < eps
}
