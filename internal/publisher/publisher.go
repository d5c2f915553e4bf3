// Package publisher forwards event state to an external live-results
// service, with its own throttling so a busy course cannot flood the
// upstream.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/OpenCanoeTiming/c123-server-sub000/internal/decode"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/metrics"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/state"
	"github.com/OpenCanoeTiming/c123-server-sub000/internal/xmldb"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/clients"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

const (
	onCourseMinInterval = 500 * time.Millisecond
	resultsDebounce     = time.Second
	xmlDebounce         = 2 * time.Second
	flushTick           = 100 * time.Millisecond
)

// Status is the publisher view exposed on the control plane.
type Status struct {
	Enabled   bool      `json:"enabled"`
	URL       string    `json:"url,omitempty"`
	Breaker   string    `json:"breaker,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	LastPush  time.Time `json:"lastPush,omitempty"`
	Pushed    uint64    `json:"pushed"`
}

// Publisher drains aggregator changes and XML change events to the
// configured upstream. Disabled (URL empty) it is inert.
type Publisher struct {
	logger  logging.Logger
	metrics *metrics.Metrics

	url     string
	token   string
	client  *http.Client
	breaker *clients.CircuitBreaker

	xmlNotify chan xmldb.ChangeEvent

	mu        sync.Mutex
	lastError string
	lastPush  time.Time
	pushed    uint64
}

// New creates a publisher. An empty url disables it.
func New(url, token string, m *metrics.Metrics, logger logging.Logger) *Publisher {
	return &Publisher{
		logger:    logger,
		metrics:   m,
		url:       strings.TrimRight(url, "/"),
		token:     token,
		client:    &http.Client{Timeout: 10 * time.Second},
		breaker:   clients.NewCircuitBreaker(clients.DefaultCircuitBreakerConfig()),
		xmlNotify: make(chan xmldb.ChangeEvent, 16),
	}
}

// Enabled reports whether a target URL is configured.
func (p *Publisher) Enabled() bool {
	return p.url != ""
}

// Status snapshots the publisher state for the control plane.
func (p *Publisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		Enabled:   p.Enabled(),
		URL:       p.url,
		LastError: p.lastError,
		LastPush:  p.lastPush,
		Pushed:    p.pushed,
	}
	if p.Enabled() {
		s.Breaker = p.breaker.State().String()
	}
	return s
}

// NotifyXMLChange queues an XML database change for forwarding. Non-blocking.
func (p *Publisher) NotifyXMLChange(ev xmldb.ChangeEvent) {
	if !p.Enabled() {
		return
	}
	select {
	case p.xmlNotify <- ev:
	default:
	}
}

// EnsureEvent registers the event upstream once at startup. A conflict
// means the event already exists and is not an error worth retrying.
func (p *Publisher) EnsureEvent(ctx context.Context, name string) {
	if !p.Enabled() || name == "" {
		return
	}
	status, err := p.post(ctx, "/api/events", map[string]interface{}{"name": name})
	if err != nil {
		p.logger.WithError(err).Warn("Event registration with publisher failed")
		return
	}
	if status == http.StatusConflict {
		p.logger.WithField("event", name).Info("Event already registered with publisher")
	}
}

// Run drains changes until ctx is done. OnCourse is rate-limited to two
// pushes per second, Results are debounced per race, XML changes are
// debounced globally.
func (p *Publisher) Run(ctx context.Context, changes <-chan state.Change) {
	if !p.Enabled() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
			case <-p.xmlNotify:
			}
		}
	}

	var (
		pendingOnCourse  []decode.OnCourseCompetitor
		haveOnCourse     bool
		lastOnCourseSent time.Time

		pendingResults map[string]pendingResult

		pendingXML   *xmldb.ChangeEvent
		xmlFirstSeen time.Time
	)
	pendingResults = make(map[string]pendingResult)

	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case change, ok := <-changes:
			if !ok {
				return
			}
			switch rec := change.Record.(type) {
			case decode.TimeOfDay:
				// Heartbeat; not forwarded.
			case decode.OnCourse:
				pendingOnCourse = change.Snapshot.OnCourse
				haveOnCourse = true
				if time.Since(lastOnCourseSent) >= onCourseMinInterval {
					p.push(ctx, "/api/oncourse", pendingOnCourse)
					lastOnCourseSent = time.Now()
					haveOnCourse = false
				}
			case decode.Results:
				if prev, ok := pendingResults[rec.RaceID]; ok {
					prev.results = rec
					pendingResults[rec.RaceID] = prev
				} else {
					pendingResults[rec.RaceID] = pendingResult{results: rec, firstSeen: time.Now()}
				}
			case decode.Schedule:
				p.push(ctx, "/api/schedule", rec)
			case decode.RaceConfig:
				p.push(ctx, "/api/raceconfig", rec)
			}

		case ev := <-p.xmlNotify:
			if pendingXML == nil {
				pendingXML = &xmldb.ChangeEvent{Sections: ev.Sections, Checksum: ev.Checksum}
				xmlFirstSeen = time.Now()
			} else {
				pendingXML.Sections = mergeSections(pendingXML.Sections, ev.Sections)
				pendingXML.Checksum = ev.Checksum
			}

		case <-ticker.C:
			now := time.Now()
			if haveOnCourse && now.Sub(lastOnCourseSent) >= onCourseMinInterval {
				p.push(ctx, "/api/oncourse", pendingOnCourse)
				lastOnCourseSent = now
				haveOnCourse = false
			}
			for raceID, pending := range pendingResults {
				if now.Sub(pending.firstSeen) >= resultsDebounce {
					p.push(ctx, "/api/results", pending.results)
					delete(pendingResults, raceID)
				}
			}
			if pendingXML != nil && now.Sub(xmlFirstSeen) >= xmlDebounce {
				p.push(ctx, "/api/xml", pendingXML)
				pendingXML = nil
			}
		}
	}
}

type pendingResult struct {
	results   decode.Results
	firstSeen time.Time
}

func mergeSections(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// push delivers one payload, recording outcome for the status view.
func (p *Publisher) push(ctx context.Context, path string, payload interface{}) {
	status, err := p.post(ctx, path, payload)
	p.mu.Lock()
	defer p.mu.Unlock()
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		p.lastError = err.Error()
		p.logger.WithError(err).WithField("path", path).Warn("Publish failed")
	case status >= 400:
		outcome = "error"
		p.lastError = fmt.Sprintf("%s: HTTP %d", path, status)
		p.logger.WithFields(logging.Fields{"path": path, "status": status}).Warn("Publish rejected")
	default:
		p.lastError = ""
		p.lastPush = time.Now().UTC()
		p.pushed++
	}
	if p.metrics != nil {
		p.metrics.PublishAttempts.WithLabelValues(outcome).Inc()
	}
}

func (p *Publisher) post(ctx context.Context, path string, payload interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	cfg := clients.DefaultRetryConfig()
	cfg.CircuitBreaker = p.breaker
	resp, err := clients.DoWithRetry(ctx, p.client, req, cfg)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
