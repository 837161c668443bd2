// Package progress reports simulation lifecycle events while a batch runs.
package progress

import (
	"sync"

	"sem/internal/core"
)

// Kind discriminates Event.
type Kind string

const (
	Started  Kind = "started"
	Finished Kind = "finished"
	Failed   Kind = "failed"
)

// Event is one transition of a single simulation run.
type Event struct {
	Kind   Kind
	ID     string
	Params core.Params
	// ExitCode is set for Finished and Failed events.
	ExitCode int
}

// Sink receives events from a runner.
//
// Record must not block for long and must not panic; runners call it from
// worker goroutines.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord forwards event to s, swallowing a panicking sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Record(event Event) {
	for _, s := range m {
		SafeRecord(s, event)
	}
}

// Recorder is a concurrency-safe in-memory collector.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of the events recorded so far.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	n := 0
	for _, e := range r.Snapshot() {
		if e.Kind == k {
			n++
		}
	}
	return n
}
