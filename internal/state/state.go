// Package state reduces decoded records from all sources into a single
// versioned event snapshot.
package state

import (
	"context"
	"sync/atomic"

	"github.com/OpenCanoeTiming/c123-server-sub000/internal/decode"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

// Snapshot is the aggregated event state. Snapshots are immutable after
// publication: every applied record produces a new value, so readers never
// observe a mid-update state.
type Snapshot struct {
	CurrentRaceID string                      `json:"currentRaceId,omitempty"`
	OnCourse      []decode.OnCourseCompetitor `json:"onCourse"`
	Results       *decode.Results             `json:"results,omitempty"`
	Schedule      *decode.Schedule            `json:"schedule,omitempty"`
	RaceConfig    *decode.RaceConfig          `json:"raceConfig,omitempty"`
	TimeOfDay     string                      `json:"timeOfDay,omitempty"`
	Version       uint64                      `json:"version"`
}

// Change pairs the record that was applied with the snapshot it produced.
type Change struct {
	Record   decode.Record
	Snapshot *Snapshot
}

// Aggregator is the single writer of the snapshot. All records, from every
// source, funnel through its input channel and are applied in arrival
// order on one goroutine.
type Aggregator struct {
	logger  logging.Logger
	records chan decode.Record
	subs    []chan Change
	done    chan struct{}

	current atomic.Pointer[Snapshot]
	onApply func(rec decode.Record)
}

// NewAggregator creates an aggregator with an empty snapshot.
func NewAggregator(logger logging.Logger) *Aggregator {
	a := &Aggregator{
		logger:  logger,
		records: make(chan decode.Record, 256),
		done:    make(chan struct{}),
	}
	a.current.Store(&Snapshot{OnCourse: []decode.OnCourseCompetitor{}})
	return a
}

// Apply queues a record for reduction. Never blocks the caller for long:
// the input queue is buffered, and once Run has returned the record is
// discarded so source pumps can drain during shutdown.
func (a *Aggregator) Apply(rec decode.Record) {
	select {
	case a.records <- rec:
	case <-a.done:
	}
}

// Subscribe registers a change channel. Must be called before Run. A slow
// subscriber loses intermediate changes, never the aggregator's liveness.
func (a *Aggregator) Subscribe(buffer int) <-chan Change {
	ch := make(chan Change, buffer)
	a.subs = append(a.subs, ch)
	return ch
}

// SetOnApply registers a callback invoked for every applied record, used
// for metrics. Must be called before Run.
func (a *Aggregator) SetOnApply(fn func(rec decode.Record)) {
	a.onApply = fn
}

// Snapshot returns the current state. Safe for concurrent use.
func (a *Aggregator) Snapshot() *Snapshot {
	return a.current.Load()
}

// Run reduces records until ctx is done. The aggregator never terminates
// on a bad record: decoding problems are the sources' concern, and an
// unexpected shape here is logged and skipped.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			for _, ch := range a.subs {
				close(ch)
			}
			return
		case rec := <-a.records:
			if _, ok := rec.(decode.Unknown); ok {
				continue
			}
			next := a.reduce(a.current.Load(), rec)
			if next == nil {
				continue
			}
			a.current.Store(next)
			if a.onApply != nil {
				a.onApply(rec)
			}
			a.fanOut(Change{Record: rec, Snapshot: next})
		}
	}
}

// reduce applies one record, returning the successor snapshot or nil when
// the record does not change state.
func (a *Aggregator) reduce(prev *Snapshot, rec decode.Record) *Snapshot {
	next := *prev

	switch r := rec.(type) {
	case decode.TimeOfDay:
		if r.Time == "" {
			return nil
		}
		next.TimeOfDay = r.Time

	case decode.OnCourse:
		list := make([]decode.OnCourseCompetitor, len(r.Competitors))
		copy(list, r.Competitors)
		next.OnCourse = list

	case decode.Results:
		results := r
		next.Results = &results
		if r.IsCurrent {
			next.CurrentRaceID = r.RaceID
		}

	case decode.RaceConfig:
		cfg := r
		next.RaceConfig = &cfg

	case decode.Schedule:
		sched := r
		next.Schedule = &sched

	default:
		a.logger.WithField("kind", rec.Kind()).Error("Aggregator received unexpected record kind")
		return nil
	}

	next.Version = prev.Version + 1
	return &next
}

func (a *Aggregator) fanOut(change Change) {
	for _, ch := range a.subs {
		select {
		case ch <- change:
		default:
			a.logger.WithField("version", change.Snapshot.Version).Debug("Dropping change for slow subscriber")
		}
	}
}
