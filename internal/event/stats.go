package event

import (
	"strconv"
	"sync"
	"time"
)

// Stats aggregates preview activity for the stats endpoint. Register it
// with Attach.
type Stats struct {
	mu        sync.Mutex
	started   time.Time
	counts    map[Type]int64
	last      map[Type]time.Time
	fetchTime time.Duration
	failures  map[string]int64
	pruned    Pruned
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{
		started:  time.Now().UTC(),
		counts:   make(map[Type]int64),
		last:     make(map[Type]time.Time),
		failures: make(map[string]int64),
	}
}

// Attach subscribes the counters to every event on bus.
func (s *Stats) Attach(bus *Bus) {
	bus.SubscribeAll(s.Handle)
}

// Handle records one event.
func (s *Stats) Handle(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[e.Type]++
	if e.Timestamp.After(s.last[e.Type]) {
		s.last[e.Type] = e.Timestamp
	}

	switch p := e.Data.(type) {
	case Fetched:
		s.fetchTime += p.Duration
	case Failed:
		s.failures[failureKey(p.Status)]++
	case Pruned:
		s.pruned.Previews += p.Previews
		s.pruned.Dimensions += p.Dimensions
	}
}

// failureKey groups failures by upstream status; "network" covers
// failures with no HTTP response.
func failureKey(status int) string {
	if status == 0 {
		return "network"
	}
	return strconv.Itoa(status)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Since    time.Time          `json:"since"`
	Counts   map[Type]int64     `json:"counts"`
	Last     map[Type]time.Time `json:"last,omitempty"`
	HitRatio float64            `json:"hit_ratio"`
	// AvgFetch is the mean scrape time of successful fetches.
	AvgFetch time.Duration    `json:"avg_fetch"`
	Failures map[string]int64 `json:"failures,omitempty"`
	Pruned   Pruned           `json:"pruned"`
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Since:    s.started,
		Counts:   make(map[Type]int64, len(s.counts)),
		Last:     make(map[Type]time.Time, len(s.last)),
		Failures: make(map[string]int64, len(s.failures)),
		Pruned:   s.pruned,
	}
	for k, v := range s.counts {
		snap.Counts[k] = v
	}
	for k, v := range s.last {
		snap.Last[k] = v
	}
	for k, v := range s.failures {
		snap.Failures[k] = v
	}

	hits := s.counts[PreviewCacheHit]
	if lookups := hits + s.counts[PreviewFetched] + s.counts[PreviewFailed]; lookups > 0 {
		snap.HitRatio = float64(hits) / float64(lookups)
	}
	if n := s.counts[PreviewFetched]; n > 0 {
		snap.AvgFetch = s.fetchTime / time.Duration(n)
	}
	return snap
}
