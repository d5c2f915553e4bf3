package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenCanoeTiming/c123-server-sub000/internal/hub"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/registry"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/state"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/xmldb"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/config"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

const handlersXML = `<?xml version="1.0" encoding="utf-8"?>
<Canoe123Data MainTitle="Troja Cup">
  <Participants>
    <Participant ID="P1" ClassID="K1M" Bib="9" GivenName="Jan" FamilyName="NOVAK" Nat="CZE"/>
    <Participant ID="P2" ClassID="K1M" Bib="10" GivenName="Tom" FamilyName="SMITH" Nat="GBR"/>
  </Participants>
  <Schedule>
    <Race RaceID="K1M_ST_BR1_5" RaceName="K1M 1st Run" ClassID="K1M" Order="1"/>
    <Race RaceID="K1M_ST_BR2_6" RaceName="K1M 2nd Run" ClassID="K1M" Order="2"/>
  </Schedule>
  <Results>
    <Race RaceID="K1M_ST_BR1_5" ClassID="K1M">
      <Row Number="1">
        <Participant Bib="9" FamilyName="NOVAK" GivenName="Jan" StartOrder="1"/>
        <Result Type="T" Pen="0" Time="90.00" Total="90.00" Rank="1"/>
      </Row>
    </Race>
    <Race RaceID="K1M_ST_BR2_6" ClassID="K1M">
      <Row Number="1">
        <Participant Bib="9" FamilyName="NOVAK" GivenName="Jan" StartOrder="1"/>
        <Result Type="T" Pen="2" Time="89.20" Total="91.20" Rank="1"/>
      </Row>
    </Race>
  </Results>
  <Classes>
    <Class ID="K1M" Name="Kayak Men"/>
  </Classes>
</Canoe123Data>`

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fixture struct {
	router *gin.Engine
	h      *Handlers
	store  *registry.Store
	ring   *logging.Ring
}

func newFixture(t *testing.T, xmlContent string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := testLogger()

	dir := t.TempDir()
	store, err := registry.NewStore(filepath.Join(dir, "settings.json"), logger)
	require.NoError(t, err)
	reg := registry.New(store, logger)

	subscriberHub := hub.NewHub(reg, nil, logger)
	reg.SetPusher(subscriberHub)

	xmlPath := filepath.Join(dir, "event.xml")
	if xmlContent != "" {
		require.NoError(t, os.WriteFile(xmlPath, []byte(xmlContent), 0o644))
	}

	ring := logging.NewRing(100)

	h := &Handlers{
		Logger:     logger,
		Options:    config.DefaultOptions(),
		Hub:        subscriberHub,
		Aggregator: state.NewAggregator(logger),
		Registry:   reg,
		Store:      store,
		XMLDB:      xmldb.NewDatabase(func() string { return xmlPath }, logger),
		Ring:       ring,
		StartedAt:  time.Now(),
	}
	router := gin.New()
	h.Register(router)
	return &fixture{router: router, h: h, store: store, ring: ring}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(w.Body.String(), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded))
	}
	return w, decoded
}

func TestDiscover(t *testing.T) {
	f := newFixture(t, handlersXML)
	w, body := f.do(t, http.MethodGet, "/api/discover", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c123-server", body["service"])
	assert.Equal(t, "Troja Cup", body["eventName"])
}

func TestStatusShape(t *testing.T) {
	f := newFixture(t, handlersXML)
	w, body := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["subscribers"])

	st, ok := body["state"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 0, st["version"])

	xml, ok := body["xml"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, xml["available"])
}

func TestEventNameOverrideWins(t *testing.T) {
	f := newFixture(t, handlersXML)
	require.NoError(t, f.store.SetEventNameOverride("Renamed Cup"))

	_, body := f.do(t, http.MethodGet, "/api/event", "")
	assert.Equal(t, "Renamed Cup", body["name"])
	assert.Equal(t, "Troja Cup", body["fromXml"])
}

func TestPostEventNullClearsOverride(t *testing.T) {
	f := newFixture(t, handlersXML)

	w, body := f.do(t, http.MethodPost, "/api/event", `{"name":"Renamed"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Renamed", body["name"])

	w, body = f.do(t, http.MethodPost, "/api/event", `{"name":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Troja Cup", body["name"])
	assert.Equal(t, "", body["override"])
}

func TestScoreboardConfigErrors(t *testing.T) {
	f := newFixture(t, handlersXML)

	w, body := f.do(t, http.MethodPost, "/api/scoreboards/abc/config", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "integer")

	w, body = f.do(t, http.MethodPost, "/api/scoreboards/42/config", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, body["error"], "session")
}

func TestScoreboardRaceFilterNullRestoresAllRaces(t *testing.T) {
	f := newFixture(t, handlersXML)
	go f.h.Hub.Run()
	t.Cleanup(f.h.Hub.Stop)

	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return f.h.Hub.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)
	sessions := f.h.Hub.Sessions()
	require.Len(t, sessions, 1)
	path := fmt.Sprintf("/api/scoreboards/%d/config", sessions[0].ID)

	w, body := f.do(t, http.MethodPost, path, `{"raceFilter":["K1M_ST_BR1_5"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	filter, ok := body["filter"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"K1M_ST_BR1_5"}, filter["raceFilter"])

	// An explicit null clears the restriction back to every race; an
	// absent field leaves it alone.
	w, body = f.do(t, http.MethodPost, path, `{"showResults":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	filter = body["filter"].(map[string]interface{})
	assert.Equal(t, []interface{}{"K1M_ST_BR1_5"}, filter["raceFilter"])

	w, body = f.do(t, http.MethodPost, path, `{"raceFilter":null}`)
	require.Equal(t, http.StatusOK, w.Code)
	filter = body["filter"].(map[string]interface{})
	assert.Nil(t, filter["raceFilter"])
}

func TestClientConfigLifecycle(t *testing.T) {
	f := newFixture(t, handlersXML)

	w, body := f.do(t, http.MethodPut, "/api/clients/board-1/config", `{"layoutType":"ledwall","displayRows":8}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["notified"])
	cfg, ok := body["config"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ledwall", cfg["layoutType"])

	w, body = f.do(t, http.MethodGet, "/api/clients/board-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 8, body["displayRows"])

	w, _ = f.do(t, http.MethodGet, "/api/clients", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "board-1", entries[0]["key"])

	w, body = f.do(t, http.MethodDelete, "/api/clients/board-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["deleted"])

	w, _ = f.do(t, http.MethodDelete, "/api/clients/board-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClientConfigValidationError(t *testing.T) {
	f := newFixture(t, handlersXML)
	w, body := f.do(t, http.MethodPut, "/api/clients/b/config", `{"displayRows":99}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "displayRows")
}

func TestUnknownClientIs404(t *testing.T) {
	f := newFixture(t, handlersXML)
	w, body := f.do(t, http.MethodGet, "/api/clients/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no such client", body["error"])
}

func TestRefreshClientWithoutSessions(t *testing.T) {
	f := newFixture(t, handlersXML)
	w, body := f.do(t, http.MethodPost, "/api/clients/board-1/refresh", `{"reason":"layout"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["notified"])
}

func TestBroadcastRefresh(t *testing.T) {
	f := newFixture(t, handlersXML)
	w, body := f.do(t, http.MethodPost, "/api/broadcast/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["broadcast"])
}

func TestXMLStatusAndProjections(t *testing.T) {
	f := newFixture(t, handlersXML)

	w, body := f.do(t, http.MethodGet, "/api/xml/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Troja Cup", body["mainTitle"])

	w, _ = f.do(t, http.MethodGet, "/api/xml/participants", "")
	require.Equal(t, http.StatusOK, w.Code)
	var participants []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &participants))
	assert.Len(t, participants, 2)

	w, _ = f.do(t, http.MethodGet, "/api/xml/races", "")
	require.Equal(t, http.StatusOK, w.Code)
	var races []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &races))
	assert.Len(t, races, 2)
}

func TestXMLMissingFileIs503(t *testing.T) {
	f := newFixture(t, "")
	w, body := f.do(t, http.MethodGet, "/api/xml/participants", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, body["error"], "not available")
}

func TestXMLUnknownRaceIs404(t *testing.T) {
	f := newFixture(t, handlersXML)
	w, body := f.do(t, http.MethodGet, "/api/xml/races/nope/results", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "race not found", body["error"])
}

func TestXMLMergedResults(t *testing.T) {
	f := newFixture(t, handlersXML)
	w, _ := f.do(t, http.MethodGet, "/api/xml/races/K1M_ST_BR1_5/results?merged=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var merged []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &merged))
	require.Len(t, merged, 1)
	assert.Equal(t, "90.00", merged[0]["bestTotal"])
}

func TestXMLRunResults(t *testing.T) {
	f := newFixture(t, handlersXML)

	// Either sibling resolves the BR2 run.
	w, _ := f.do(t, http.MethodGet, "/api/xml/races/K1M_ST_BR1_5/results/BR2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "91.20", results[0]["total"])

	w, body := f.do(t, http.MethodGet, "/api/xml/races/K1M_ST_BR1_5/results/BR3", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "BR1 or BR2")
}

func TestXMLConfigRoundTrip(t *testing.T) {
	f := newFixture(t, handlersXML)

	w, body := f.do(t, http.MethodGet, "/api/config/xml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, config.XMLModeAutoOffline, body["mode"])

	var gotMode, gotPath string
	f.h.OnXMLConfigChange = func(mode, path string) { gotMode, gotPath = mode, path }

	w, _ = f.do(t, http.MethodPost, "/api/config/xml", `{"mode":"manual","path":"/tmp/event.xml"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "manual", gotMode)
	assert.Equal(t, "/tmp/event.xml", gotPath)

	w, body = f.do(t, http.MethodGet, "/api/config/xml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "manual", body["mode"])
	assert.Equal(t, "/tmp/event.xml", body["path"])
}

func TestXMLConfigValidation(t *testing.T) {
	f := newFixture(t, handlersXML)

	w, body := f.do(t, http.MethodPost, "/api/config/xml", `{"mode":"manual"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "path")

	w, body = f.do(t, http.MethodPost, "/api/config/xml", `{"mode":"psychic"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "mode")
}

func TestDetectWithoutLocatorIs503(t *testing.T) {
	f := newFixture(t, handlersXML)
	w, _ := f.do(t, http.MethodPost, "/api/config/xml/detect", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLogsQuery(t *testing.T) {
	f := newFixture(t, handlersXML)
	f.ring.Append(logging.Entry{Level: "info", Message: "Source connected"})
	f.ring.Append(logging.Entry{Level: "warn", Message: "Frame dropped"})
	f.ring.Append(logging.Entry{Level: "info", Message: "Subscriber joined"})

	w, body := f.do(t, http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["total"])
	entries := body["entries"].([]interface{})
	assert.Len(t, entries, 3)

	_, body = f.do(t, http.MethodGet, "/api/logs?level=warn", "")
	entries = body["entries"].([]interface{})
	require.Len(t, entries, 1)
	first := entries[0].(map[string]interface{})
	assert.Equal(t, "Frame dropped", first["message"])

	_, body = f.do(t, http.MethodGet, "/api/logs?contains=subscriber", "")
	entries = body["entries"].([]interface{})
	assert.Len(t, entries, 1)

	w, _ = f.do(t, http.MethodGet, "/api/logs?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = f.do(t, http.MethodGet, "/api/logs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
