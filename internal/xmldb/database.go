package xmldb

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OpenCanoeTiming/c123-server-sub000/internal/decode"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

// ErrNotAvailable reports that the database file cannot be read. Handlers
// translate it to a "not available" status rather than a failure.
var ErrNotAvailable = errors.New("xml database not available")

// ErrRaceNotFound reports an unknown race id.
var ErrRaceNotFound = errors.New("race not found")

// unassignedSentinel marks schedule entries that are not real races.
const unassignedSentinel = "unassigned"

// Run identifiers within race ids.
const (
	RunBR1 = "BR1"
	RunBR2 = "BR2"
)

// Database is a cached view over the shared XML file. The whole parse is
// keyed by file mtime: a new mtime invalidates every projection atomically.
// The cache lock covers the mtime check and the refresh.
type Database struct {
	logger logging.Logger
	path   func() string

	mu         sync.Mutex
	cachedPath string
	mtime      time.Time
	doc        *document
	parseCount int
}

// NewDatabase creates a database reading from the path returned by pathFn,
// which may change over time (locator-driven).
func NewDatabase(pathFn func() string, logger logging.Logger) *Database {
	return &Database{logger: logger, path: pathFn}
}

// load returns the parsed document, reusing the cache when the file's
// mtime is unchanged.
func (db *Database) load() (*document, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	path := db.path()
	if path == "" {
		return nil, fmt.Errorf("%w: no file configured", ErrNotAvailable)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}

	if db.doc != nil && path == db.cachedPath && fi.ModTime().Equal(db.mtime) {
		return db.doc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}

	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrNotAvailable, err)
	}

	db.cachedPath = path
	db.mtime = fi.ModTime()
	db.doc = &doc
	db.parseCount++
	db.logger.WithFields(logging.Fields{
		"path":  path,
		"mtime": fi.ModTime(),
	}).Debug("XML database reloaded")
	return db.doc, nil
}

// ParseCount returns how many times the file has been re-parsed.
func (db *Database) ParseCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.parseCount
}

// Status reports availability and event-level attributes.
func (db *Database) Status() StatusInfo {
	info := StatusInfo{Path: db.path()}
	doc, err := db.load()
	if err != nil {
		info.Error = err.Error()
		return info
	}
	db.mu.Lock()
	info.ModTime = db.mtime.UTC().Format(time.RFC3339)
	db.mu.Unlock()
	info.Available = true
	info.MainTitle = doc.MainTitle
	info.CompetitionCode = doc.CompetitionCode
	return info
}

// EventName returns the event title from the file, or "".
func (db *Database) EventName() string {
	doc, err := db.load()
	if err != nil {
		return ""
	}
	return doc.MainTitle
}

// Participants returns the normalized participant list.
func (db *Database) Participants() ([]Participant, error) {
	doc, err := db.load()
	if err != nil {
		return nil, err
	}
	out := make([]Participant, 0, len(doc.Participants.Participants))
	seen := make(map[string]bool)
	for _, p := range doc.Participants.Participants {
		key := p.ID + "|" + p.ClassID
		if p.ID != "" && seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Participant{
			ID:         strings.TrimSpace(p.ID),
			ClassID:    strings.TrimSpace(p.ClassID),
			Bib:        strings.TrimSpace(p.Bib),
			GivenName:  strings.TrimSpace(p.GivenName),
			FamilyName: strings.TrimSpace(p.FamilyName),
			Club:       strings.TrimSpace(p.Club),
			Nat:        strings.TrimSpace(p.Nat),
		})
	}
	return out, nil
}

// Schedule returns schedule entries, excluding unassigned placeholders.
func (db *Database) Schedule() ([]decode.ScheduledRace, error) {
	doc, err := db.load()
	if err != nil {
		return nil, err
	}
	out := make([]decode.ScheduledRace, 0, len(doc.Schedule.Races))
	for _, r := range doc.Schedule.Races {
		if strings.Contains(r.RaceID, unassignedSentinel) {
			continue
		}
		out = append(out, decode.ScheduledRace{
			RaceID:    strings.TrimSpace(r.RaceID),
			RaceName:  strings.TrimSpace(r.RaceName),
			ClassID:   strings.TrimSpace(r.ClassID),
			StartTime: strings.TrimSpace(r.StartTime),
			Day:       strings.TrimSpace(r.Day),
			Order:     atoiLoose(r.Order),
		})
	}
	return out, nil
}

// Races joins the schedule with participant counts and a results flag.
func (db *Database) Races() ([]RaceSummary, error) {
	doc, err := db.load()
	if err != nil {
		return nil, err
	}
	schedule, err := db.Schedule()
	if err != nil {
		return nil, err
	}

	countByClass := make(map[string]int)
	for _, p := range doc.Participants.Participants {
		countByClass[p.ClassID]++
	}
	hasResults := make(map[string]bool)
	for _, r := range doc.Results.Races {
		if len(r.Rows) > 0 {
			hasResults[r.RaceID] = true
		}
	}

	out := make([]RaceSummary, 0, len(schedule))
	for _, sr := range schedule {
		out = append(out, RaceSummary{
			ScheduledRace:    sr,
			ParticipantCount: countByClass[sr.ClassID],
			HasResults:       hasResults[sr.RaceID],
		})
	}
	return out, nil
}

// RaceDetail returns one race plus its sibling run race ids.
func (db *Database) RaceDetail(raceID string) (RaceDetail, error) {
	races, err := db.Races()
	if err != nil {
		return RaceDetail{}, err
	}
	for _, r := range races {
		if r.RaceID != raceID {
			continue
		}
		detail := RaceDetail{RaceSummary: r, SiblingRuns: []string{}}
		for _, other := range races {
			if other.RaceID != raceID && other.ClassID == r.ClassID {
				detail.SiblingRuns = append(detail.SiblingRuns, other.RaceID)
			}
		}
		return detail, nil
	}
	return RaceDetail{}, fmt.Errorf("%w: %s", ErrRaceNotFound, raceID)
}

// Startlist returns the start order for a race: from its results when
// present (sorted by start order), otherwise from the participants of its
// class sorted numerically by bib.
func (db *Database) Startlist(raceID string) ([]StartlistEntry, error) {
	doc, err := db.load()
	if err != nil {
		return nil, err
	}

	if race := findRace(doc, raceID); race != nil && len(race.Rows) > 0 {
		entries := make([]StartlistEntry, 0, len(race.Rows))
		for _, row := range race.Rows {
			entries = append(entries, StartlistEntry{
				StartOrder: atoiLoose(row.Participant.StartOrder),
				Bib:        strings.TrimSpace(row.Participant.Bib),
				Name:       rowName(row),
				Club:       strings.TrimSpace(row.Participant.Club),
				Nat:        strings.TrimSpace(row.Participant.Nat),
				StartTime:  strings.TrimSpace(row.Participant.StartTime),
			})
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].StartOrder < entries[j].StartOrder
		})
		return entries, nil
	}

	detail, err := db.RaceDetail(raceID)
	if err != nil {
		return nil, err
	}
	participants, err := db.Participants()
	if err != nil {
		return nil, err
	}
	entries := make([]StartlistEntry, 0)
	for _, p := range participants {
		if p.ClassID != detail.ClassID {
			continue
		}
		entries = append(entries, StartlistEntry{
			Bib:  p.Bib,
			Name: p.Name(),
			Club: p.Club,
			Nat:  p.Nat,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return atoiLoose(entries[i].Bib) < atoiLoose(entries[j].Bib)
	})
	return entries, nil
}

// ResultsFor returns the result rows of a race joined with participant ids,
// sorted by rank ascending with absent ranks last.
func (db *Database) ResultsFor(raceID string) ([]ResultEntry, error) {
	doc, err := db.load()
	if err != nil {
		return nil, err
	}
	race := findRace(doc, raceID)
	if race == nil {
		return nil, fmt.Errorf("%w: %s", ErrRaceNotFound, raceID)
	}

	byBib := make(map[string]Participant)
	participants, err := db.Participants()
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		if p.ClassID == race.ClassID {
			byBib[p.Bib] = p
		}
	}

	entries := make([]ResultEntry, 0, len(race.Rows))
	for _, row := range race.Rows {
		entry := ResultEntry{ResultRow: rowToResult(row)}
		if p, ok := byBib[entry.Bib]; ok {
			entry.ParticipantID = p.ID
			if entry.GivenName == "" {
				entry.GivenName = p.GivenName
			}
			if entry.FamilyName == "" {
				entry.FamilyName = p.FamilyName
			}
			if entry.Name == "" {
				entry.Name = p.Name()
			}
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return rankOr999(entries[i].Rank) < rankOr999(entries[j].Rank)
	})
	return entries, nil
}

// MergedResults left-outer-merges the BR1 and BR2 runs of a class by
// participant id. bestTotal is the minimum over defined run totals only;
// bestRank orders defined bestTotals ascending, ties broken by participant
// id. Undefined totals carry no rank.
func (db *Database) MergedResults(classID string) ([]MergedResult, error) {
	doc, err := db.load()
	if err != nil {
		return nil, err
	}

	var run1, run2 *xmlRaceResults
	for i := range doc.Results.Races {
		r := &doc.Results.Races[i]
		if r.ClassID != classID {
			continue
		}
		switch RunOfRace(r.RaceID) {
		case RunBR1:
			run1 = r
		case RunBR2:
			run2 = r
		}
	}
	if run1 == nil && run2 == nil {
		return nil, fmt.Errorf("%w: no runs for class %s", ErrRaceNotFound, classID)
	}

	byBib := make(map[string]Participant)
	participants, err := db.Participants()
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		if p.ClassID == classID {
			byBib[p.Bib] = p
		}
	}

	merged := make(map[string]*MergedResult)
	order := []string{}

	collect := func(race *xmlRaceResults, second bool) {
		if race == nil {
			return
		}
		for _, row := range race.Rows {
			bib := strings.TrimSpace(row.Participant.Bib)
			pid := bib
			if p, ok := byBib[bib]; ok && p.ID != "" {
				pid = p.ID
			}
			m, ok := merged[pid]
			if !ok {
				m = &MergedResult{ParticipantID: pid, Bib: bib, Name: rowName(row)}
				if p, found := byBib[bib]; found {
					m.Club = p.Club
					m.Nat = p.Nat
					if m.Name == "" {
						m.Name = p.Name()
					}
				}
				merged[pid] = m
				order = append(order, pid)
			}
			run := runFromRow(race.RaceID, row)
			if second {
				m.Run2 = run
			} else {
				m.Run1 = run
			}
		}
	}
	collect(run1, false)
	collect(run2, true)

	out := make([]MergedResult, 0, len(order))
	for _, pid := range order {
		m := merged[pid]
		best, valid := bestOf(m.Run1, m.Run2)
		if valid {
			m.BestTotal = best
		}
		out = append(out, *m)
	}

	// Rank defined bestTotals ascending; ties by participant id.
	type ranked struct {
		idx   int
		value float64
	}
	defined := []ranked{}
	for i := range out {
		if out[i].BestTotal != "" {
			defined = append(defined, ranked{idx: i, value: totalValue(out[i].BestTotal)})
		}
	}
	sort.SliceStable(defined, func(i, j int) bool {
		if defined[i].value != defined[j].value {
			return defined[i].value < defined[j].value
		}
		return out[defined[i].idx].ParticipantID < out[defined[j].idx].ParticipantID
	})
	for rank, r := range defined {
		out[r.idx].BestRank = rank + 1
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].BestRank, out[j].BestRank
		if ri == 0 {
			ri = 1 << 30
		}
		if rj == 0 {
			rj = 1 << 30
		}
		if ri != rj {
			return ri < rj
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out, nil
}

// RunOfRace extracts the run token (BR1/BR2) from a race id, or "".
func RunOfRace(raceID string) string {
	for _, part := range strings.Split(raceID, "_") {
		if part == RunBR1 || part == RunBR2 {
			return part
		}
	}
	return ""
}

func findRace(doc *document, raceID string) *xmlRaceResults {
	for i := range doc.Results.Races {
		if doc.Results.Races[i].RaceID == raceID {
			return &doc.Results.Races[i]
		}
	}
	return nil
}

func rowName(row xmlRow) string {
	name := strings.TrimSpace(row.Participant.Name)
	if name != "" {
		return name
	}
	family := strings.TrimSpace(row.Participant.FamilyName)
	given := strings.TrimSpace(row.Participant.GivenName)
	switch {
	case family == "":
		return given
	case given == "":
		return family
	default:
		return family + " " + given
	}
}

func rowToResult(row xmlRow) decode.ResultRow {
	out := decode.ResultRow{
		Bib:        strings.TrimSpace(row.Participant.Bib),
		Name:       rowName(row),
		GivenName:  strings.TrimSpace(row.Participant.GivenName),
		FamilyName: strings.TrimSpace(row.Participant.FamilyName),
		Club:       strings.TrimSpace(row.Participant.Club),
		Nat:        strings.TrimSpace(row.Participant.Nat),
		StartOrder: atoiLoose(row.Participant.StartOrder),
		StartTime:  strings.TrimSpace(row.Participant.StartTime),
	}
	ranked := false
	for _, res := range row.Results {
		if res.Type != "T" {
			continue
		}
		out.Gates = strings.TrimSpace(res.Gates)
		out.Pen = atoiLoose(res.Pen)
		out.Time = strings.TrimSpace(res.Time)
		out.Total = strings.TrimSpace(res.Total)
		out.Behind = strings.TrimSpace(res.Behind)
		out.Status = strings.TrimSpace(res.Status)
		if strings.TrimSpace(res.Rank) != "" {
			out.Rank = atoiLoose(res.Rank)
			ranked = true
		}
	}
	if !ranked {
		if r := strings.TrimSpace(row.Rank); r != "" {
			out.Rank = atoiLoose(r)
		} else {
			out.Rank = atoiLoose(row.Number)
		}
	}
	return out
}

func runFromRow(raceID string, row xmlRow) *MergedRun {
	run := &MergedRun{RaceID: raceID}
	for _, res := range row.Results {
		if res.Type != "T" {
			continue
		}
		run.Rank = atoiLoose(res.Rank)
		run.Total = strings.TrimSpace(res.Total)
		run.Status = strings.TrimSpace(res.Status)
	}
	if run.Status == "" && run.Total != "" {
		run.Value = totalValue(run.Total)
		run.Valid = true
	}
	return run
}

// bestOf returns the formatted minimum of the defined run totals.
func bestOf(run1, run2 *MergedRun) (string, bool) {
	best := ""
	bestValue := 0.0
	found := false
	for _, run := range []*MergedRun{run1, run2} {
		if run == nil || !run.Valid {
			continue
		}
		if !found || run.Value < bestValue {
			best = run.Total
			bestValue = run.Value
			found = true
		}
	}
	return best, found
}

func totalValue(total string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(total), 64)
	if err != nil {
		return 0
	}
	return v
}

func rankOr999(rank int) int {
	if rank == 0 {
		return 999
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
