// Package xmldb provides cached, mtime-keyed read access to the shared
// Canoe123 XML database file and derived projections over it.
package xmldb

import (
	"encoding/xml"

	"github.com/OpenCanoeTiming/c123-server-sub000/internal/decode"
)

// document mirrors the attribute-heavy on-disk schema.
type document struct {
	XMLName         xml.Name `xml:"Canoe123Data"`
	MainTitle       string   `xml:"MainTitle,attr"`
	CompetitionCode string   `xml:"CompetitionCode,attr"`

	Participants struct {
		Participants []xmlParticipant `xml:"Participant"`
	} `xml:"Participants"`

	Schedule struct {
		Races []xmlScheduledRace `xml:"Race"`
	} `xml:"Schedule"`

	Results struct {
		Races []xmlRaceResults `xml:"Race"`
	} `xml:"Results"`

	CourseData struct {
		NrGates      string `xml:"NrGates,attr"`
		GateConfig   string `xml:"GateConfig,attr"`
		CourseName   string `xml:"CourseName,attr"`
		CourseLength string `xml:"CourseLength,attr"`
	} `xml:"CourseData"`

	Classes struct {
		Classes []xmlClass `xml:"Class"`
	} `xml:"Classes"`
}

type xmlParticipant struct {
	ID         string `xml:"ID,attr"`
	ClassID    string `xml:"ClassID,attr"`
	Bib        string `xml:"Bib,attr"`
	GivenName  string `xml:"GivenName,attr"`
	FamilyName string `xml:"FamilyName,attr"`
	Club       string `xml:"Club,attr"`
	Nat        string `xml:"Nat,attr"`
}

type xmlScheduledRace struct {
	RaceID    string `xml:"RaceID,attr"`
	RaceName  string `xml:"RaceName,attr"`
	ClassID   string `xml:"ClassID,attr"`
	StartTime string `xml:"StartTime,attr"`
	Day       string `xml:"Day,attr"`
	Order     string `xml:"Order,attr"`
}

type xmlRaceResults struct {
	RaceID    string   `xml:"RaceID,attr"`
	ClassID   string   `xml:"ClassID,attr"`
	MainTitle string   `xml:"MainTitle,attr"`
	SubTitle  string   `xml:"SubTitle,attr"`
	Rows      []xmlRow `xml:"Row"`
}

type xmlRow struct {
	Number      string `xml:"Number,attr"`
	Rank        string `xml:"Rank,attr"`
	Participant struct {
		Bib        string `xml:"Bib,attr"`
		Name       string `xml:"Name,attr"`
		GivenName  string `xml:"GivenName,attr"`
		FamilyName string `xml:"FamilyName,attr"`
		Club       string `xml:"Club,attr"`
		Nat        string `xml:"Nat,attr"`
		StartOrder string `xml:"StartOrder,attr"`
		StartTime  string `xml:"StartTime,attr"`
	} `xml:"Participant"`
	Results []struct {
		Type   string `xml:"Type,attr"`
		Gates  string `xml:"Gates,attr"`
		Pen    string `xml:"Pen,attr"`
		Time   string `xml:"Time,attr"`
		Total  string `xml:"Total,attr"`
		Behind string `xml:"Behind,attr"`
		Rank   string `xml:"Rank,attr"`
		Status string `xml:"Status,attr"`
	} `xml:"Result"`
}

type xmlClass struct {
	ID   string `xml:"ID,attr"`
	Name string `xml:"Name,attr"`
}

// Participant is the normalized participant projection, keyed by
// participant id + class id.
type Participant struct {
	ID         string `json:"id"`
	ClassID    string `json:"classId"`
	Bib        string `json:"bib"`
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
	Club       string `json:"club,omitempty"`
	Nat        string `json:"nat,omitempty"`
}

// Name returns the display name in the engine's "Family Given" order.
func (p Participant) Name() string {
	switch {
	case p.FamilyName == "":
		return p.GivenName
	case p.GivenName == "":
		return p.FamilyName
	default:
		return p.FamilyName + " " + p.GivenName
	}
}

// RaceSummary joins a scheduled race with participation and results info.
type RaceSummary struct {
	decode.ScheduledRace
	ParticipantCount int  `json:"participantCount"`
	HasResults       bool `json:"hasResults"`
}

// RaceDetail adds the sibling runs of the same class.
type RaceDetail struct {
	RaceSummary
	SiblingRuns []string `json:"siblingRuns"`
}

// StartlistEntry is one startlist line.
type StartlistEntry struct {
	StartOrder int    `json:"startOrder,omitempty"`
	Bib        string `json:"bib"`
	Name       string `json:"name"`
	Club       string `json:"club,omitempty"`
	Nat        string `json:"nat,omitempty"`
	StartTime  string `json:"startTime,omitempty"`
}

// ResultEntry joins a result row with its participant record.
type ResultEntry struct {
	decode.ResultRow
	ParticipantID string `json:"participantId,omitempty"`
}

// MergedRun is one run's contribution to a merged result line.
type MergedRun struct {
	RaceID string  `json:"raceId"`
	Rank   int     `json:"rank"`
	Total  string  `json:"total,omitempty"`
	Status string  `json:"status,omitempty"`
	Value  float64 `json:"-"`
	Valid  bool    `json:"-"`
}

// MergedResult is the two-run merged standing of one participant.
type MergedResult struct {
	ParticipantID string     `json:"participantId"`
	Bib           string     `json:"bib"`
	Name          string     `json:"name"`
	Club          string     `json:"club,omitempty"`
	Nat           string     `json:"nat,omitempty"`
	Run1          *MergedRun `json:"run1,omitempty"`
	Run2          *MergedRun `json:"run2,omitempty"`
	BestTotal     string     `json:"bestTotal,omitempty"`
	BestRank      int        `json:"bestRank,omitempty"`
}

// StatusInfo is the availability view of the database file.
type StatusInfo struct {
	Available       bool   `json:"available"`
	Path            string `json:"path,omitempty"`
	ModTime         string `json:"modTime,omitempty"`
	MainTitle       string `json:"mainTitle,omitempty"`
	CompetitionCode string `json:"competitionCode,omitempty"`
	Error           string `json:"error,omitempty"`
}
