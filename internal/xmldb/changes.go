package xmldb

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
)

// Sections observed by the change detector, in stable emission order.
var Sections = []string{"Participants", "Schedule", "Results", "Classes"}

// ChangeEvent names the sections whose content hash changed, with a
// combined checksum over all sections.
type ChangeEvent struct {
	Sections []string `json:"sections"`
	Checksum string   `json:"checksum"`
}

// ChangeDetector hashes the four observed sections of the XML file content
// and reports which changed since the previous invocation. The first
// invocation primes the hashes and reports nothing: subscribers pull the
// initial projections over REST on connect.
type ChangeDetector struct {
	mu     sync.Mutex
	hashes map[string]uint64
	primed bool
}

// NewChangeDetector creates a detector with no prior state.
func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{hashes: make(map[string]uint64)}
}

// Detect hashes each section of content and returns the change event, or
// nil when nothing changed.
func (d *ChangeDetector) Detect(content string) *ChangeEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := []string{}
	combined := xxh3.New()
	for _, section := range Sections {
		sub := sectionSubstring(content, section)
		h := xxh3.HashString(sub)
		combined.WriteString(sub)
		if prev, ok := d.hashes[section]; d.primed && (!ok || prev != h) {
			changed = append(changed, section)
		}
		d.hashes[section] = h
	}

	if !d.primed {
		d.primed = true
		return nil
	}
	if len(changed) == 0 {
		return nil
	}
	return &ChangeEvent{
		Sections: changed,
		Checksum: fmt.Sprintf("%016x", combined.Sum64()),
	}
}

// sectionSubstring extracts the raw substring of one section by its tag
// boundaries, including attributes. Empty when the section is absent.
func sectionSubstring(content, section string) string {
	open := "<" + section
	start := strings.Index(content, open)
	if start < 0 {
		return ""
	}
	// The next character must end the tag name (attribute list, self-close
	// or close bracket) so "Schedule" does not match "ScheduleX".
	rest := content[start+len(open):]
	if rest == "" {
		return ""
	}
	switch rest[0] {
	case ' ', '\t', '\r', '\n', '>', '/':
	default:
		// Keep scanning past the false match.
		next := sectionSubstring(rest, section)
		return next
	}

	closeTag := "</" + section + ">"
	end := strings.Index(content[start:], closeTag)
	if end < 0 {
		// Self-closing or truncated; hash to the end of the open tag.
		if gt := strings.Index(content[start:], ">"); gt >= 0 {
			return content[start : start+gt+1]
		}
		return content[start:]
	}
	return content[start : start+end+len(closeTag)]
}
