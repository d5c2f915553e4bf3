// Package decode maps raw timing engine XML into typed semantic records.
package decode

// Kind discriminates the record variants.
type Kind string

const (
	KindTimeOfDay  Kind = "TimeOfDay"
	KindOnCourse   Kind = "OnCourse"
	KindResults    Kind = "Results"
	KindRaceConfig Kind = "RaceConfig"
	KindSchedule   Kind = "Schedule"
	KindUnknown    Kind = "Unknown"
)

// Record is one decoded engine message.
type Record interface {
	Kind() Kind
}

// TimeOfDay carries the authoritative engine clock, pre-formatted as
// "HH:MM:SS" or "HH:MM:SS.fff". Never reformatted.
type TimeOfDay struct {
	Time string `json:"time"`
}

func (TimeOfDay) Kind() Kind { return KindTimeOfDay }

// OnCourseCompetitor is one competitor currently on the course.
type OnCourseCompetitor struct {
	Bib        string `json:"bib"`
	Name       string `json:"name"`
	Club       string `json:"club,omitempty"`
	Nat        string `json:"nat,omitempty"`
	RaceID     string `json:"raceId,omitempty"`
	RaceName   string `json:"raceName,omitempty"`
	StartOrder int    `json:"startOrder,omitempty"`
	// Gates is the engine's comma-separated gate penalty list; empty
	// positions mean the gate has not been judged yet.
	Gates     string `json:"gates,omitempty"`
	Completed bool   `json:"completed"`
	DtStart   string `json:"dtStart,omitempty"`
	DtFinish  string `json:"dtFinish,omitempty"`
	// Pen is the total penalty in centiseconds from the Result Type=T
	// element.
	Pen     int    `json:"pen"`
	Time    string `json:"time,omitempty"`
	Total   string `json:"total,omitempty"`
	TtbDiff string `json:"ttbDiff,omitempty"`
	TtbName string `json:"ttbName,omitempty"`
	// Rank 0 means "no rank yet"; the zero is meaningful and preserved.
	Rank int `json:"rank"`
	// Position is the 1-based index within the OnCourse frame.
	Position int `json:"position"`
}

// OnCourse is the full replacement list of competitors on course.
type OnCourse struct {
	Competitors []OnCourseCompetitor `json:"competitors"`
}

func (OnCourse) Kind() Kind { return KindOnCourse }

// ResultRow is one classified row of a results listing.
type ResultRow struct {
	Rank       int    `json:"rank"`
	Bib        string `json:"bib"`
	Name       string `json:"name"`
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
	Club       string `json:"club,omitempty"`
	Nat        string `json:"nat,omitempty"`
	StartOrder int    `json:"startOrder,omitempty"`
	StartTime  string `json:"startTime,omitempty"`
	// Gates is space-separated in results listings.
	Gates  string `json:"gates,omitempty"`
	Pen    int    `json:"pen"`
	Time   string `json:"time,omitempty"`
	Total  string `json:"total,omitempty"`
	Behind string `json:"behind,omitempty"`
	// Status is DNS, DNF, DSQ or similar; empty for classified rows.
	Status string `json:"status,omitempty"`
}

// Results is a results listing for one race.
type Results struct {
	RaceID    string      `json:"raceId"`
	ClassID   string      `json:"classId,omitempty"`
	IsCurrent bool        `json:"isCurrent"`
	MainTitle string      `json:"mainTitle,omitempty"`
	SubTitle  string      `json:"subTitle,omitempty"`
	Rows      []ResultRow `json:"rows"`
}

func (Results) Kind() Kind { return KindResults }

// RaceConfig describes the course layout of the current race.
type RaceConfig struct {
	NrSplits     int    `json:"nrSplits"`
	NrGates      int    `json:"nrGates"`
	GateConfig   string `json:"gateConfig,omitempty"`
	GateCaptions string `json:"gateCaptions,omitempty"`
}

func (RaceConfig) Kind() Kind { return KindRaceConfig }

// ScheduledRace is one entry of the event schedule.
type ScheduledRace struct {
	RaceID    string `json:"raceId"`
	RaceName  string `json:"raceName,omitempty"`
	ClassID   string `json:"classId,omitempty"`
	StartTime string `json:"startTime,omitempty"`
	Day       string `json:"day,omitempty"`
	Order     int    `json:"order,omitempty"`
}

// Schedule is the full event schedule.
type Schedule struct {
	Races []ScheduledRace `json:"races"`
}

func (Schedule) Kind() Kind { return KindSchedule }

// Unknown keeps unrecognized top-level elements visible without storing
// them in the event state.
type Unknown struct {
	Element string `json:"element"`
}

func (Unknown) Kind() Kind { return KindUnknown }
