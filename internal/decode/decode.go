package decode

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Decoder is a stateless transformation from engine XML frames to records.
// One frame may contain several top-level record elements; every element
// yields a record, except OnCourse elements which are grouped into a single
// OnCourse record so that each frame remains a full on-course replacement.
type Decoder struct{}

// NewDecoder creates a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// xmlParticipant is the engine's attribute-heavy competitor element.
type xmlParticipant struct {
	Bib        string `xml:"Bib,attr"`
	Name       string `xml:"Name,attr"`
	GivenName  string `xml:"GivenName,attr"`
	FamilyName string `xml:"FamilyName,attr"`
	Club       string `xml:"Club,attr"`
	Nat        string `xml:"Nat,attr"`
	StartOrder string `xml:"StartOrder,attr"`
	StartTime  string `xml:"StartTime,attr"`
}

// xmlResult covers both Result Type="C" (course: gates, start/finish) and
// Type="T" (totals: penalty, time, rank).
type xmlResult struct {
	Type      string `xml:"Type,attr"`
	Gates     string `xml:"Gates,attr"`
	Pen       string `xml:"Pen,attr"`
	Time      string `xml:"Time,attr"`
	Total     string `xml:"Total,attr"`
	Behind    string `xml:"Behind,attr"`
	Rank      string `xml:"Rank,attr"`
	Status    string `xml:"Status,attr"`
	TTBDiff   string `xml:"TTBDiff,attr"`
	TTBName   string `xml:"TTBName,attr"`
	DtStart   string `xml:"dtStart,attr"`
	DtFinish  string `xml:"dtFinish,attr"`
	Completed string `xml:"Completed,attr"`
}

type xmlOnCourse struct {
	RaceID   string `xml:"RaceID,attr"`
	RaceName string `xml:"RaceName,attr"`
	Position string `xml:"Position,attr"`

	Participant *xmlParticipant `xml:"Participant"`
	Results     []xmlResult     `xml:"Result"`

	// Inline form: participant attributes directly on the OnCourse
	// element instead of a nested Participant child.
	Bib        string `xml:"Bib,attr"`
	Name       string `xml:"Name,attr"`
	Club       string `xml:"Club,attr"`
	Nat        string `xml:"Nat,attr"`
	StartOrder string `xml:"StartOrder,attr"`
}

type xmlRow struct {
	Number      string          `xml:"Number,attr"`
	Rank        string          `xml:"Rank,attr"`
	Participant *xmlParticipant `xml:"Participant"`
	Results     []xmlResult     `xml:"Result"`
}

type xmlResults struct {
	RaceID    string   `xml:"RaceID,attr"`
	ClassID   string   `xml:"ClassID,attr"`
	Current   string   `xml:"Current,attr"`
	MainTitle string   `xml:"MainTitle,attr"`
	SubTitle  string   `xml:"SubTitle,attr"`
	Rows      []xmlRow `xml:"Row"`
}

type xmlRaceConfig struct {
	NrSplits     string `xml:"NrSplits,attr"`
	NrGates      string `xml:"NrGates,attr"`
	GateConfig   string `xml:"GateConfig,attr"`
	GateCaptions string `xml:"GateCaptions,attr"`
}

type xmlScheduleRace struct {
	RaceID    string `xml:"RaceID,attr"`
	RaceName  string `xml:"RaceName,attr"`
	ClassID   string `xml:"ClassID,attr"`
	StartTime string `xml:"StartTime,attr"`
	Day       string `xml:"Day,attr"`
	Order     string `xml:"Order,attr"`
}

type xmlSchedule struct {
	Races []xmlScheduleRace `xml:"Race"`
}

// DecodeFrame decodes one XML frame into its records. The root element must
// be one of the engine's Canoe123 documents.
func (d *Decoder) DecodeFrame(frame string) ([]Record, error) {
	dec := xml.NewDecoder(strings.NewReader(frame))

	root, err := nextStart(dec)
	if err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if !strings.HasPrefix(root.Name.Local, "Canoe123") {
		return nil, fmt.Errorf("unexpected root element %q", root.Name.Local)
	}

	var records []Record
	var onCourse []OnCourseCompetitor
	sawOnCourse := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse frame: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "TimeOfDay":
			var text string
			if err := dec.DecodeElement(&text, &start); err != nil {
				return nil, fmt.Errorf("decode TimeOfDay: %w", err)
			}
			records = append(records, TimeOfDay{Time: strings.TrimSpace(text)})

		case "OnCourse":
			var el xmlOnCourse
			if err := dec.DecodeElement(&el, &start); err != nil {
				return nil, fmt.Errorf("decode OnCourse: %w", err)
			}
			sawOnCourse = true
			if comp, ok := el.competitor(len(onCourse) + 1); ok {
				onCourse = append(onCourse, comp)
			}

		case "Results":
			var el xmlResults
			if err := dec.DecodeElement(&el, &start); err != nil {
				return nil, fmt.Errorf("decode Results: %w", err)
			}
			if el.RaceID == "" && len(el.Rows) == 0 {
				// The shared XML file's Results section is a
				// container of per-race listings, not a live
				// results message.
				records = append(records, Unknown{Element: "Results"})
				continue
			}
			records = append(records, el.record())

		case "RaceConfig":
			var el xmlRaceConfig
			if err := dec.DecodeElement(&el, &start); err != nil {
				return nil, fmt.Errorf("decode RaceConfig: %w", err)
			}
			records = append(records, RaceConfig{
				NrSplits:     atoiLoose(el.NrSplits),
				NrGates:      atoiLoose(el.NrGates),
				GateConfig:   strings.TrimSpace(el.GateConfig),
				GateCaptions: strings.TrimSpace(el.GateCaptions),
			})

		case "Schedule":
			var el xmlSchedule
			if err := dec.DecodeElement(&el, &start); err != nil {
				return nil, fmt.Errorf("decode Schedule: %w", err)
			}
			sched := Schedule{Races: make([]ScheduledRace, 0, len(el.Races))}
			for _, r := range el.Races {
				sched.Races = append(sched.Races, ScheduledRace{
					RaceID:    strings.TrimSpace(r.RaceID),
					RaceName:  strings.TrimSpace(r.RaceName),
					ClassID:   strings.TrimSpace(r.ClassID),
					StartTime: strings.TrimSpace(r.StartTime),
					Day:       strings.TrimSpace(r.Day),
					Order:     atoiLoose(r.Order),
				})
			}
			records = append(records, sched)

		default:
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("skip %s: %w", start.Name.Local, err)
			}
			records = append(records, Unknown{Element: start.Name.Local})
		}
	}

	if sawOnCourse {
		// OnCourse elements group into one replacement record. An empty
		// group is still emitted: it clears the on-course list.
		records = append(records, OnCourse{Competitors: onCourse})
	}

	return records, nil
}

// competitor maps one OnCourse element to a competitor. fallbackPos is used
// when the element carries no Position attribute.
func (el xmlOnCourse) competitor(fallbackPos int) (OnCourseCompetitor, bool) {
	comp := OnCourseCompetitor{
		RaceID:   strings.TrimSpace(el.RaceID),
		RaceName: strings.TrimSpace(el.RaceName),
		Position: fallbackPos,
	}
	if p := atoiLoose(el.Position); p > 0 {
		comp.Position = p
	}

	if el.Participant != nil {
		comp.Bib = strings.TrimSpace(el.Participant.Bib)
		comp.Name = strings.TrimSpace(el.Participant.Name)
		comp.Club = strings.TrimSpace(el.Participant.Club)
		comp.Nat = strings.TrimSpace(el.Participant.Nat)
		comp.StartOrder = atoiLoose(el.Participant.StartOrder)
	} else {
		comp.Bib = strings.TrimSpace(el.Bib)
		comp.Name = strings.TrimSpace(el.Name)
		comp.Club = strings.TrimSpace(el.Club)
		comp.Nat = strings.TrimSpace(el.Nat)
		comp.StartOrder = atoiLoose(el.StartOrder)
	}
	if comp.Bib == "" {
		return comp, false
	}

	for _, res := range el.Results {
		switch res.Type {
		case "C":
			comp.Gates = strings.TrimSpace(res.Gates)
			comp.DtStart = strings.TrimSpace(res.DtStart)
			comp.DtFinish = strings.TrimSpace(res.DtFinish)
			comp.Completed = strings.TrimSpace(res.Completed) == "Y"
		case "T":
			comp.Pen = atoiLoose(res.Pen)
			comp.Time = strings.TrimSpace(res.Time)
			comp.Total = strings.TrimSpace(res.Total)
			comp.TtbDiff = strings.TrimSpace(res.TTBDiff)
			comp.TtbName = strings.TrimSpace(res.TTBName)
			comp.Rank = atoiLoose(res.Rank)
		}
	}
	return comp, true
}

func (el xmlResults) record() Results {
	out := Results{
		RaceID:    strings.TrimSpace(el.RaceID),
		ClassID:   strings.TrimSpace(el.ClassID),
		IsCurrent: strings.TrimSpace(el.Current) == "Y",
		MainTitle: strings.TrimSpace(el.MainTitle),
		SubTitle:  strings.TrimSpace(el.SubTitle),
		Rows:      make([]ResultRow, 0, len(el.Rows)),
	}

	for _, xr := range el.Rows {
		row := ResultRow{}
		if xr.Participant != nil {
			row.Bib = strings.TrimSpace(xr.Participant.Bib)
			row.Name = strings.TrimSpace(xr.Participant.Name)
			row.GivenName = strings.TrimSpace(xr.Participant.GivenName)
			row.FamilyName = strings.TrimSpace(xr.Participant.FamilyName)
			row.Club = strings.TrimSpace(xr.Participant.Club)
			row.Nat = strings.TrimSpace(xr.Participant.Nat)
			row.StartOrder = atoiLoose(xr.Participant.StartOrder)
			row.StartTime = strings.TrimSpace(xr.Participant.StartTime)
		}
		ranked := false
		for _, res := range xr.Results {
			if res.Type != "T" {
				continue
			}
			row.Gates = strings.TrimSpace(res.Gates)
			row.Pen = atoiLoose(res.Pen)
			row.Time = strings.TrimSpace(res.Time)
			row.Total = strings.TrimSpace(res.Total)
			row.Behind = strings.TrimSpace(res.Behind)
			row.Status = strings.TrimSpace(res.Status)
			if strings.TrimSpace(res.Rank) != "" {
				row.Rank = atoiLoose(res.Rank)
				ranked = true
			}
		}
		if !ranked {
			if r := strings.TrimSpace(xr.Rank); r != "" {
				row.Rank = atoiLoose(r)
			} else {
				// No rank anywhere: the row number stands in.
				row.Rank = atoiLoose(xr.Number)
			}
		}
		out.Rows = append(out.Rows, row)
	}

	SortRows(out.Rows)
	return out
}

// SortRows orders result rows by rank ascending with rank=0 last, ties
// broken by start order.
func SortRows(rows []ResultRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		ri, rj := effectiveRank(rows[i].Rank), effectiveRank(rows[j].Rank)
		if ri != rj {
			return ri < rj
		}
		return rows[i].StartOrder < rows[j].StartOrder
	})
}

func effectiveRank(rank int) int {
	if rank == 0 {
		return int(^uint(0) >> 1)
	}
	return rank
}

func atoiLoose(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}
