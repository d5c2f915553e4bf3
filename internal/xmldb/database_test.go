package xmldb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

const sampleXML = `<?xml version="1.0" encoding="utf-8"?>
<Canoe123Data MainTitle="Prague Slalom Cup" CompetitionCode="PSC2026">
  <Participants>
    <Participant ID="P1" ClassID="K1M" Bib="9" GivenName="Jan" FamilyName="NOVAK" Club="Praha" Nat="CZE"/>
    <Participant ID="P2" ClassID="K1M" Bib="10" GivenName="Tom" FamilyName="SMITH" Club="London" Nat="GBR"/>
    <Participant ID="P1" ClassID="K1M" Bib="9" GivenName="Jan" FamilyName="NOVAK" Club="Praha" Nat="CZE"/>
    <Participant ID="P3" ClassID="C1W" Bib="21" GivenName="Eva" FamilyName="ADAMS" Nat="SVK"/>
  </Participants>
  <Schedule>
    <Race RaceID="K1M_ST_BR1_5" RaceName="K1M 1st Run" ClassID="K1M" StartTime="09:00" Day="1" Order="1"/>
    <Race RaceID="K1M_ST_BR2_6" RaceName="K1M 2nd Run" ClassID="K1M" Day="1" Order="2"/>
    <Race RaceID="unassigned_1" RaceName="placeholder" ClassID="" Order="99"/>
    <Race RaceID="C1W_BR1_7" RaceName="C1W 1st Run" ClassID="C1W" Order="3"/>
  </Schedule>
  <Results>
    <Race RaceID="K1M_ST_BR1_5" ClassID="K1M">
      <Row Number="1">
        <Participant Bib="9" FamilyName="NOVAK" GivenName="Jan" StartOrder="2"/>
        <Result Type="T" Pen="0" Time="90.00" Total="90.00" Rank="1"/>
      </Row>
      <Row Number="2">
        <Participant Bib="10" FamilyName="SMITH" GivenName="Tom" StartOrder="1"/>
        <Result Type="T" Pen="2" Time="93.50" Total="95.50" Rank="2"/>
      </Row>
    </Race>
    <Race RaceID="K1M_ST_BR2_6" ClassID="K1M">
      <Row Number="1">
        <Participant Bib="9" FamilyName="NOVAK" GivenName="Jan" StartOrder="1"/>
        <Result Type="T" Pen="2" Time="89.20" Total="91.20" Rank="1"/>
      </Row>
      <Row Number="2">
        <Participant Bib="10" FamilyName="SMITH" GivenName="Tom" StartOrder="2"/>
        <Result Type="T" Status="DNF"/>
      </Row>
    </Race>
  </Results>
  <CourseData NrGates="18" GateConfig="NNRN" CourseName="Troja"/>
  <Classes>
    <Class ID="K1M" Name="Kayak Men"/>
    <Class ID="C1W" Name="Canoe Women"/>
  </Classes>
</Canoe123Data>`

func writeSample(t *testing.T, content string) (string, *Database) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "event.xml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	db := NewDatabase(func() string { return path }, testLogger())
	return path, db
}

func TestStatusAndEventName(t *testing.T) {
	_, db := writeSample(t, sampleXML)

	status := db.Status()
	assert.True(t, status.Available)
	assert.Equal(t, "Prague Slalom Cup", status.MainTitle)
	assert.Equal(t, "PSC2026", status.CompetitionCode)
	assert.Equal(t, "Prague Slalom Cup", db.EventName())
}

func TestStatusMissingFile(t *testing.T) {
	db := NewDatabase(func() string { return filepath.Join(t.TempDir(), "gone.xml") }, testLogger())
	status := db.Status()
	assert.False(t, status.Available)
	assert.NotEmpty(t, status.Error)

	_, err := db.Participants()
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestParticipantsDeduplicated(t *testing.T) {
	_, db := writeSample(t, sampleXML)
	participants, err := db.Participants()
	require.NoError(t, err)
	require.Len(t, participants, 3)
	assert.Equal(t, "NOVAK Jan", participants[0].Name())
}

func TestScheduleFiltersUnassigned(t *testing.T) {
	_, db := writeSample(t, sampleXML)
	schedule, err := db.Schedule()
	require.NoError(t, err)
	require.Len(t, schedule, 3)
	for _, race := range schedule {
		assert.NotContains(t, race.RaceID, "unassigned")
	}
}

func TestRacesJoinParticipantsAndResults(t *testing.T) {
	_, db := writeSample(t, sampleXML)
	races, err := db.Races()
	require.NoError(t, err)
	require.Len(t, races, 3)

	byID := map[string]RaceSummary{}
	for _, r := range races {
		byID[r.RaceID] = r
	}
	assert.Equal(t, 3, byID["K1M_ST_BR1_5"].ParticipantCount)
	assert.True(t, byID["K1M_ST_BR1_5"].HasResults)
	assert.Equal(t, 1, byID["C1W_BR1_7"].ParticipantCount)
	assert.False(t, byID["C1W_BR1_7"].HasResults)
}

func TestRaceDetailSiblings(t *testing.T) {
	_, db := writeSample(t, sampleXML)
	detail, err := db.RaceDetail("K1M_ST_BR1_5")
	require.NoError(t, err)
	assert.Equal(t, []string{"K1M_ST_BR2_6"}, detail.SiblingRuns)

	_, err = db.RaceDetail("nope")
	assert.ErrorIs(t, err, ErrRaceNotFound)
}

func TestStartlistFromResults(t *testing.T) {
	_, db := writeSample(t, sampleXML)
	startlist, err := db.Startlist("K1M_ST_BR2_6")
	require.NoError(t, err)
	require.Len(t, startlist, 2)
	// Sorted by start order, not row order.
	assert.Equal(t, "9", startlist[0].Bib)
	assert.Equal(t, "10", startlist[1].Bib)
}

func TestStartlistFallsBackToParticipants(t *testing.T) {
	_, db := writeSample(t, sampleXML)
	startlist, err := db.Startlist("C1W_BR1_7")
	require.NoError(t, err)
	require.Len(t, startlist, 1)
	assert.Equal(t, "21", startlist[0].Bib)
	assert.Equal(t, "ADAMS Eva", startlist[0].Name)
}

func TestResultsForJoinsParticipants(t *testing.T) {
	_, db := writeSample(t, sampleXML)
	results, err := db.ResultsFor("K1M_ST_BR1_5")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "P1", results[0].ParticipantID)
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, "90.00", results[0].Total)

	_, err = db.ResultsFor("nope")
	assert.ErrorIs(t, err, ErrRaceNotFound)
}

func TestMergedResults(t *testing.T) {
	_, db := writeSample(t, sampleXML)
	merged, err := db.MergedResults("K1M")
	require.NoError(t, err)
	require.Len(t, merged, 2)

	p1 := merged[0]
	assert.Equal(t, "P1", p1.ParticipantID)
	assert.Equal(t, "90.00", p1.BestTotal)
	assert.Equal(t, 1, p1.BestRank)
	require.NotNil(t, p1.Run1)
	require.NotNil(t, p1.Run2)
	assert.Equal(t, "91.20", p1.Run2.Total)

	p2 := merged[1]
	assert.Equal(t, "P2", p2.ParticipantID)
	assert.Equal(t, "95.50", p2.BestTotal)
	assert.Equal(t, 2, p2.BestRank)
	require.NotNil(t, p2.Run2)
	assert.Equal(t, "DNF", p2.Run2.Status)

	// The best total never exceeds either defined run total.
	for _, m := range merged {
		if m.Run1 != nil && m.Run1.Valid && m.BestTotal != "" {
			assert.LessOrEqual(t, totalValue(m.BestTotal), m.Run1.Value)
		}
		if m.Run2 != nil && m.Run2.Valid && m.BestTotal != "" {
			assert.LessOrEqual(t, totalValue(m.BestTotal), m.Run2.Value)
		}
	}
}

func TestMergedResultsUnknownClass(t *testing.T) {
	_, db := writeSample(t, sampleXML)
	_, err := db.MergedResults("X9Z")
	assert.ErrorIs(t, err, ErrRaceNotFound)
}

func TestCacheRespectsMtime(t *testing.T) {
	path, db := writeSample(t, sampleXML)

	_, err := db.Participants()
	require.NoError(t, err)
	_, err = db.Schedule()
	require.NoError(t, err)
	_, err = db.Races()
	require.NoError(t, err)
	assert.Equal(t, 1, db.ParseCount())

	// A rewrite with a newer mtime invalidates everything at once.
	require.NoError(t, os.WriteFile(path, []byte(sampleXML), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	_, err = db.Participants()
	require.NoError(t, err)
	assert.Equal(t, 2, db.ParseCount())
}

func TestRunOfRace(t *testing.T) {
	assert.Equal(t, "BR1", RunOfRace("K1M_ST_BR1_5"))
	assert.Equal(t, "BR2", RunOfRace("K1M_ST_BR2_6"))
	assert.Equal(t, "", RunOfRace("K1M_FINAL_3"))
}
