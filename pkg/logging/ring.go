package logging

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRingSize bounds the admin log buffer.
const DefaultRingSize = 500

// Entry is one captured log line, as served by the admin log API and
// streamed to admin subscribers.
type Entry struct {
	Seq       uint64                 `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Ring is a bounded buffer of recent log entries. Writes never block: when
// the buffer is full the oldest entry is dropped. Listeners are invoked
// synchronously on the logging goroutine and must not block.
type Ring struct {
	mu        sync.RWMutex
	entries   []Entry
	head      int
	count     int
	seq       uint64
	listeners []func(Entry)
}

// NewRing creates a ring buffer holding up to size entries.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{entries: make([]Entry, size)}
}

// Append stores an entry, evicting the oldest when full.
func (r *Ring) Append(e Entry) {
	r.mu.Lock()
	r.seq++
	e.Seq = r.seq
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
	listeners := r.listeners
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
}

// AddListener registers a callback invoked for every appended entry.
func (r *Ring) AddListener(fn func(Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Query returns up to limit entries, newest last, filtered by level set and
// message substring. Empty levels means all levels; empty contains matches
// everything. offset skips from the oldest matching entry.
func (r *Ring) Query(levels []string, contains string, offset, limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	levelSet := make(map[string]bool, len(levels))
	for _, l := range levels {
		levelSet[strings.ToLower(strings.TrimSpace(l))] = true
	}

	matched := make([]Entry, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < r.count; i++ {
		e := r.entries[(start+i)%len(r.entries)]
		if len(levelSet) > 0 && !levelSet[e.Level] {
			continue
		}
		if contains != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(contains)) {
			continue
		}
		matched = append(matched, e)
	}

	if offset >= len(matched) {
		return []Entry{}
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Len returns the number of buffered entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// RingHook is a logrus hook feeding the ring buffer.
type RingHook struct {
	ring *Ring
}

// NewRingHook creates a hook that appends every fired entry to ring.
func NewRingHook(ring *Ring) *RingHook {
	return &RingHook{ring: ring}
}

// Levels implements logrus.Hook.
func (h *RingHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *RingHook) Fire(entry *logrus.Entry) error {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			fields[k] = err.Error()
			continue
		}
		fields[k] = v
	}
	h.ring.Append(Entry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	})
	return nil
}
