// Package handlers exposes the gateway's control plane: status, source and
// subscriber views, the client registry, XML database projections and
// operator actions.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/OpenCanoeTiming/c123-server-sub000/internal/hub"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/locator"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/publisher"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/registry"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/source"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/state"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/xmldb"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/config"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/version"
)

const serviceName = "c123-server"

// Handlers wires the control plane to the rest of the gateway. Optional
// collaborators (publisher, locator, xml database) may be nil; the
// affected endpoints answer 503.
type Handlers struct {
	Logger     logging.Logger
	Options    config.Options
	Hub        *hub.Hub
	Aggregator *state.Aggregator
	Registry   *registry.Registry
	Store      *registry.Store
	XMLDB      *xmldb.Database
	Locator    *locator.Locator
	Publisher  *publisher.Publisher
	Ring       *logging.Ring
	Sources    func() []source.Info
	StartedAt  time.Time

	// OnXMLConfigChange is invoked after a persisted mode/path change so
	// the file source can repoint.
	OnXMLConfigChange func(mode, path string)
}

// Register mounts every route on the router.
func (h *Handlers) Register(router *gin.Engine) {
	router.GET("/ws", gin.WrapF(h.Hub.ServeWS))

	api := router.Group("/api")
	api.GET("/discover", h.discover)
	api.GET("/status", h.status)
	api.GET("/sources", h.sources)
	api.GET("/scoreboards", h.scoreboards)
	api.POST("/scoreboards/:id/config", h.scoreboardConfig)

	api.GET("/clients", h.listClients)
	api.GET("/clients/:key", h.getClient)
	api.PUT("/clients/:key/config", h.putClientConfig)
	api.PUT("/clients/:key/label", h.putClientLabel)
	api.POST("/clients/:key/refresh", h.refreshClient)
	api.DELETE("/clients/:key", h.deleteClient)

	api.POST("/broadcast/refresh", h.broadcastRefresh)

	xml := api.Group("/xml")
	xml.GET("/status", h.xmlStatus)
	xml.GET("/schedule", h.xmlSchedule)
	xml.GET("/participants", h.xmlParticipants)
	xml.GET("/races", h.xmlRaces)
	xml.GET("/races/:id", h.xmlRaceDetail)
	xml.GET("/races/:id/startlist", h.xmlStartlist)
	xml.GET("/races/:id/results", h.xmlResults)
	xml.GET("/races/:id/results/:run", h.xmlRunResults)

	api.GET("/config/xml", h.getXMLConfig)
	api.POST("/config/xml", h.postXMLConfig)
	api.POST("/config/xml/detect", h.detectXMLConfig)

	api.GET("/event", h.getEvent)
	api.POST("/event", h.postEvent)

	api.GET("/logs", h.logs)
}

func errorBody(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// eventName resolves the display name: operator override, then the XML
// database title.
func (h *Handlers) eventName() string {
	if h.Store != nil {
		if override := h.Store.EventNameOverride(); override != "" {
			return override
		}
	}
	if h.XMLDB != nil {
		return h.XMLDB.EventName()
	}
	return ""
}

func (h *Handlers) discover(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   serviceName,
		"version":   version.Version,
		"port":      h.Options.Port,
		"eventName": h.eventName(),
	})
}

func (h *Handlers) status(c *gin.Context) {
	snapshot := h.Aggregator.Snapshot()
	resp := gin.H{
		"service":     serviceName,
		"version":     version.GetInfo(),
		"uptime":      time.Since(h.StartedAt).Round(time.Second).String(),
		"eventName":   h.eventName(),
		"subscribers": h.Hub.Count(),
		"scoreboards": h.Hub.Sessions(),
		"state": gin.H{
			"version":       snapshot.Version,
			"currentRaceId": snapshot.CurrentRaceID,
			"timeOfDay":     snapshot.TimeOfDay,
			"onCourseCount": len(snapshot.OnCourse),
		},
	}
	if h.Sources != nil {
		resp["sources"] = h.Sources()
	}
	if h.XMLDB != nil {
		resp["xml"] = h.XMLDB.Status()
	}
	if h.Publisher != nil {
		resp["publisher"] = h.Publisher.Status()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) sources(c *gin.Context) {
	if h.Sources == nil {
		c.JSON(http.StatusOK, []source.Info{})
		return
	}
	c.JSON(http.StatusOK, h.Sources())
}

func (h *Handlers) scoreboards(c *gin.Context) {
	c.JSON(http.StatusOK, h.Hub.Sessions())
}

// filterUpdate is the accepted body for a per-session filter change. Absent
// fields keep their current value. raceFilter is raw so an explicit null
// (clear back to "all races") stays distinguishable from an absent field.
type filterUpdate struct {
	RaceFilter   json.RawMessage `json:"raceFilter"`
	ShowOnCourse *bool           `json:"showOnCourse"`
	ShowResults  *bool           `json:"showResults"`
}

func (h *Handlers) scoreboardConfig(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		errorBody(c, http.StatusBadRequest, "scoreboard id must be an integer")
		return
	}
	session, ok := h.Hub.Session(id)
	if !ok {
		errorBody(c, http.StatusNotFound, "no such scoreboard session")
		return
	}

	var update filterUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		errorBody(c, http.StatusBadRequest, "invalid filter: "+err.Error())
		return
	}

	filter := session.Filter()
	if update.RaceFilter != nil {
		if string(update.RaceFilter) == "null" {
			filter.RaceFilter = nil
		} else {
			var races []string
			if err := json.Unmarshal(update.RaceFilter, &races); err != nil {
				errorBody(c, http.StatusBadRequest, "raceFilter must be an array of race ids or null")
				return
			}
			filter.RaceFilter = races
		}
	}
	if update.ShowOnCourse != nil {
		filter.ShowOnCourse = *update.ShowOnCourse
	}
	if update.ShowResults != nil {
		filter.ShowResults = *update.ShowResults
	}
	session.SetFilter(filter)
	c.JSON(http.StatusOK, session.Info())
}

func (h *Handlers) listClients(c *gin.Context) {
	c.JSON(http.StatusOK, h.Registry.Enumerate())
}

func (h *Handlers) getClient(c *gin.Context) {
	cfg, ok := h.Registry.Get(c.Param("key"))
	if !ok {
		errorBody(c, http.StatusNotFound, "no such client")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *Handlers) putClientConfig(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		errorBody(c, http.StatusBadRequest, "cannot read body")
		return
	}
	merged, notified, err := h.Registry.Upsert(c.Param("key"), body)
	if err != nil {
		errorBody(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": merged, "notified": notified})
}

func (h *Handlers) putClientLabel(c *gin.Context) {
	var body struct {
		Label string `json:"label"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorBody(c, http.StatusBadRequest, "label must be a string")
		return
	}
	if err := h.Registry.SetLabel(c.Param("key"), body.Label); err != nil {
		errorBody(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "label": body.Label})
}

func (h *Handlers) refreshClient(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	notified := h.Hub.ForceRefreshKey(c.Param("key"), body.Reason)
	c.JSON(http.StatusOK, gin.H{"notified": notified})
}

func (h *Handlers) deleteClient(c *gin.Context) {
	ok, err := h.Registry.Delete(c.Param("key"))
	if err != nil {
		errorBody(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		errorBody(c, http.StatusNotFound, "no such client")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handlers) broadcastRefresh(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	h.Hub.BroadcastForceRefresh(body.Reason)
	c.JSON(http.StatusOK, gin.H{"broadcast": true})
}

// xmlError maps projection errors to the REST taxonomy.
func xmlError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, xmldb.ErrNotAvailable):
		errorBody(c, http.StatusServiceUnavailable, "xml database not available")
	case errors.Is(err, xmldb.ErrRaceNotFound):
		errorBody(c, http.StatusNotFound, "race not found")
	default:
		errorBody(c, http.StatusServiceUnavailable, err.Error())
	}
}

func (h *Handlers) requireXMLDB(c *gin.Context) bool {
	if h.XMLDB == nil {
		errorBody(c, http.StatusServiceUnavailable, "xml database not configured")
		return false
	}
	return true
}

func (h *Handlers) xmlStatus(c *gin.Context) {
	if !h.requireXMLDB(c) {
		return
	}
	c.JSON(http.StatusOK, h.XMLDB.Status())
}

func (h *Handlers) xmlSchedule(c *gin.Context) {
	if !h.requireXMLDB(c) {
		return
	}
	schedule, err := h.XMLDB.Schedule()
	if err != nil {
		xmlError(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (h *Handlers) xmlParticipants(c *gin.Context) {
	if !h.requireXMLDB(c) {
		return
	}
	participants, err := h.XMLDB.Participants()
	if err != nil {
		xmlError(c, err)
		return
	}
	c.JSON(http.StatusOK, participants)
}

func (h *Handlers) xmlRaces(c *gin.Context) {
	if !h.requireXMLDB(c) {
		return
	}
	races, err := h.XMLDB.Races()
	if err != nil {
		xmlError(c, err)
		return
	}
	c.JSON(http.StatusOK, races)
}

func (h *Handlers) xmlRaceDetail(c *gin.Context) {
	if !h.requireXMLDB(c) {
		return
	}
	detail, err := h.XMLDB.RaceDetail(c.Param("id"))
	if err != nil {
		xmlError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handlers) xmlStartlist(c *gin.Context) {
	if !h.requireXMLDB(c) {
		return
	}
	startlist, err := h.XMLDB.Startlist(c.Param("id"))
	if err != nil {
		xmlError(c, err)
		return
	}
	c.JSON(http.StatusOK, startlist)
}

func (h *Handlers) xmlResults(c *gin.Context) {
	if !h.requireXMLDB(c) {
		return
	}
	raceID := c.Param("id")
	if c.Query("merged") == "true" {
		detail, err := h.XMLDB.RaceDetail(raceID)
		if err != nil {
			xmlError(c, err)
			return
		}
		merged, err := h.XMLDB.MergedResults(detail.ClassID)
		if err != nil {
			xmlError(c, err)
			return
		}
		c.JSON(http.StatusOK, merged)
		return
	}
	results, err := h.XMLDB.ResultsFor(raceID)
	if err != nil {
		xmlError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// xmlRunResults answers results for a specific run (BR1/BR2) of the race's
// class, resolved through the sibling runs.
func (h *Handlers) xmlRunResults(c *gin.Context) {
	if !h.requireXMLDB(c) {
		return
	}
	run := c.Param("run")
	if run != xmldb.RunBR1 && run != xmldb.RunBR2 {
		errorBody(c, http.StatusBadRequest, "run must be BR1 or BR2")
		return
	}
	raceID := c.Param("id")
	detail, err := h.XMLDB.RaceDetail(raceID)
	if err != nil {
		xmlError(c, err)
		return
	}
	for _, candidate := range append([]string{raceID}, detail.SiblingRuns...) {
		if xmldb.RunOfRace(candidate) == run {
			results, err := h.XMLDB.ResultsFor(candidate)
			if err != nil {
				xmlError(c, err)
				return
			}
			c.JSON(http.StatusOK, results)
			return
		}
	}
	errorBody(c, http.StatusNotFound, "no "+run+" run for this race")
}

func (h *Handlers) getXMLConfig(c *gin.Context) {
	mode, path := h.Store.XMLSource()
	if mode == "" {
		mode = h.Options.XMLMode
	}
	if path == "" {
		path = h.Options.XMLPath
	}
	resp := gin.H{"mode": mode, "path": path}
	if h.Locator != nil {
		resp["detection"] = h.Locator.Last()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) postXMLConfig(c *gin.Context) {
	var body struct {
		Mode string `json:"mode"`
		Path string `json:"path"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorBody(c, http.StatusBadRequest, "invalid body")
		return
	}
	switch body.Mode {
	case config.XMLModeAutoOffline, config.XMLModeAutoMain:
	case config.XMLModeManual:
		if body.Path == "" {
			errorBody(c, http.StatusBadRequest, "manual mode requires a path")
			return
		}
	default:
		errorBody(c, http.StatusBadRequest, "mode must be auto-offline, auto-main or manual")
		return
	}
	if err := h.Store.SetXMLSource(body.Mode, body.Path); err != nil {
		errorBody(c, http.StatusInternalServerError, err.Error())
		return
	}
	if h.OnXMLConfigChange != nil {
		h.OnXMLConfigChange(body.Mode, body.Path)
	}
	c.JSON(http.StatusOK, gin.H{"mode": body.Mode, "path": body.Path})
}

func (h *Handlers) detectXMLConfig(c *gin.Context) {
	if h.Locator == nil {
		errorBody(c, http.StatusServiceUnavailable, "auto-detection not available")
		return
	}
	c.JSON(http.StatusOK, h.Locator.Detect())
}

func (h *Handlers) getEvent(c *gin.Context) {
	fromXML := ""
	if h.XMLDB != nil {
		fromXML = h.XMLDB.EventName()
	}
	c.JSON(http.StatusOK, gin.H{
		"name":     h.eventName(),
		"override": h.Store.EventNameOverride(),
		"fromXml":  fromXML,
	})
}

func (h *Handlers) postEvent(c *gin.Context) {
	var body struct {
		Name *string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorBody(c, http.StatusBadRequest, "name must be a string or null")
		return
	}
	override := ""
	if body.Name != nil {
		override = *body.Name
	}
	if err := h.Store.SetEventNameOverride(override); err != nil {
		errorBody(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": h.eventName(), "override": override})
}

func (h *Handlers) logs(c *gin.Context) {
	if h.Ring == nil {
		errorBody(c, http.StatusServiceUnavailable, "log buffer not available")
		return
	}
	var levels []string
	if raw := c.Query("level"); raw != "" {
		for _, l := range strings.Split(raw, ",") {
			if l = strings.TrimSpace(l); l != "" {
				levels = append(levels, l)
			}
		}
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		errorBody(c, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		errorBody(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	entries := h.Ring.Query(levels, c.Query("contains"), offset, limit)
	c.JSON(http.StatusOK, gin.H{
		"total":   h.Ring.Len(),
		"entries": entries,
	})
}
