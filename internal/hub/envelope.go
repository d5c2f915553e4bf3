// Package hub accepts scoreboard subscribers over websocket and fans the
// live event state out to them, applying a per-session filter.
package hub

import (
	"encoding/json"
	"time"
)

// Envelope message types on the push channel.
const (
	TypeTimeOfDay    = "TimeOfDay"
	TypeOnCourse     = "OnCourse"
	TypeResults      = "Results"
	TypeRaceConfig   = "RaceConfig"
	TypeSchedule     = "Schedule"
	TypeConnected    = "Connected"
	TypeError        = "Error"
	TypeXmlChange    = "XmlChange"
	TypeForceRefresh = "ForceRefresh"
	TypeConfigPush   = "ConfigPush"
	TypeLogEntry     = "LogEntry"
)

// Envelope is the JSON wrapper carrying one message on the push channel.
type Envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEnvelope stamps an envelope with the current UTC time.
func NewEnvelope(msgType string, data interface{}) Envelope {
	return Envelope{Type: msgType, Timestamp: time.Now().UTC(), Data: data}
}

// controlTypes are always delivered regardless of the session filter.
var controlTypes = map[string]bool{
	TypeTimeOfDay:    true,
	TypeConnected:    true,
	TypeError:        true,
	TypeXmlChange:    true,
	TypeForceRefresh: true,
	TypeConfigPush:   true,
}

// inboundMessage is a message from a subscriber. The only recognized
// variant is ClientState; everything else is tolerated and ignored.
type inboundMessage struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Filter is the per-session message filter.
type Filter struct {
	// RaceFilter is nil for "all races"; otherwise Results envelopes are
	// limited to the listed race ids.
	RaceFilter   []string `json:"raceFilter"`
	ShowOnCourse bool     `json:"showOnCourse"`
	ShowResults  bool     `json:"showResults"`
}

// DefaultFilter passes everything.
func DefaultFilter() Filter {
	return Filter{ShowOnCourse: true, ShowResults: true}
}

// allows reports whether a message passes the filter. raceID is only
// meaningful for Results envelopes.
func (f Filter) allows(msgType, raceID string) bool {
	if controlTypes[msgType] {
		return true
	}
	switch msgType {
	case TypeOnCourse:
		return f.ShowOnCourse
	case TypeResults:
		if !f.ShowResults {
			return false
		}
		if f.RaceFilter == nil {
			return true
		}
		for _, id := range f.RaceFilter {
			if id == raceID {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
