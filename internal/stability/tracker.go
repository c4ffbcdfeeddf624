// Package stability turns noisy per-frame labels from a live stream into a
// stable label by majority vote over a sliding window kept per stream key.
package stability

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// DefaultStreamKey is used when a caller supplies no stream key. Uncorrelated
	// callers sharing it share one window.
	DefaultStreamKey = "default"
	// UnknownLabel is reported when the winning observation is "no detection" or
	// when a full window never produced a stable label.
	UnknownLabel = "Unknown"
	// PendingLabel is reported while the first window is still filling.
	PendingLabel = "Thinking..."
)

// Verdict is the outcome of one observation.
type Verdict struct {
	Label    string `json:"label"`
	Votes    int    `json:"votes"`
	Window   int    `json:"window"`
	Frames   int    `json:"frames"`
	Ready    bool   `json:"ready"`
	IsStable bool   `json:"isStable"`
}

// Observation is one window entry as exposed in a StreamState.
type Observation struct {
	Label    string `json:"label,omitempty"`
	Detected bool   `json:"detected"`
}

// StreamState is a read-only copy of one stream's tracker state.
type StreamState struct {
	Key          string        `json:"key"`
	Capacity     int           `json:"capacity"`
	Observations []Observation `json:"observations"`
	StableLabel  string        `json:"stableLabel,omitempty"`
	LastSeen     time.Time     `json:"lastSeen"`
}

type stream struct {
	window     *Window
	lastStable string
	lastSeen   time.Time
}

// Tracker holds the vote windows and last stable labels of every stream key.
// All methods are safe for concurrent use; a single mutex serializes each
// observe-then-decide sequence.
type Tracker struct {
	mu      sync.Mutex
	streams map[string]*stream
	clock   clock.Clock
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source used for last-seen stamps.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// NewTracker constructs an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		streams: make(map[string]*stream),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe records label for the stream identified by key and returns the
// resulting verdict. window and minVotes below 1 are raised to 1. Observe never
// fails.
func (t *Tracker) Observe(key string, label Label, window, minVotes int) Verdict {
	window = clampMin1(window)
	minVotes = clampMin1(minVotes)
	if key == "" {
		key = DefaultStreamKey
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[key]
	if !ok {
		s = &stream{window: NewWindow(window)}
		t.streams[key] = s
	} else if s.window.Cap() != window {
		s.window.Resize(window)
	}
	s.lastSeen = t.clock.Now()

	s.window.Push(label)

	winner, votes := s.window.plurality()
	frames := s.window.Len()
	ready := frames >= window

	verdict := Verdict{
		Votes:  votes,
		Window: window,
		Frames: frames,
		Ready:  ready,
	}

	switch {
	case ready && votes >= minVotes:
		if !winner.IsNone() {
			s.lastStable = winner.Display()
		}
		verdict.Label = winner.Display()
		verdict.IsStable = true
	case s.lastStable != "":
		verdict.Label = s.lastStable
	case ready:
		verdict.Label = UnknownLabel
	default:
		verdict.Label = PendingLabel
	}
	return verdict
}

// Snapshot returns a copy of the state held for key.
func (t *Tracker) Snapshot(key string) (StreamState, bool) {
	if key == "" {
		key = DefaultStreamKey
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[key]
	if !ok {
		return StreamState{}, false
	}
	values := s.window.Values()
	observations := make([]Observation, len(values))
	for i, v := range values {
		name, detected := v.Name()
		observations[i] = Observation{Label: name, Detected: detected}
	}
	return StreamState{
		Key:          key,
		Capacity:     s.window.Cap(),
		Observations: observations,
		StableLabel:  s.lastStable,
		LastSeen:     s.lastSeen,
	}, true
}

// EvictIdle drops every stream not observed within ttl and returns the evicted
// keys in sorted order. A non-positive ttl evicts nothing.
func (t *Tracker) EvictIdle(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock.Now().Add(-ttl)
	var evicted []string
	for key, s := range t.streams {
		if s.lastSeen.Before(cutoff) {
			delete(t.streams, key)
			evicted = append(evicted, key)
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Len returns the number of tracked streams.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}
